package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/glancehq/eventmesh/internal/core/domain"
)

// PutEdges persists derived edges. Each (pair, kind) is written at most
// once; re-runs over overlapping windows never contradict stored evidence.
// Safe for concurrent extraction runs.
func (s *Store) PutEdges(ctx context.Context, edges []*domain.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	upsert := s.dialect.UpsertClause([]string{"pair_key", "kind"}, nil)
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO event_edges
		(pair_key, kind, event_a, event_b, evidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		%s`, upsert))

	for _, edge := range edges {
		if edge == nil || edge.EventA == "" || edge.EventB == "" {
			continue
		}
		detectedAt := edge.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = time.Now().UTC()
		}
		_, err := s.db.ExecContext(ctx, query,
			edge.PairKey(), string(edge.Kind), edge.EventA, edge.EventB,
			edge.Evidence, detectedAt)
		if err != nil {
			return domain.ErrTransient(fmt.Sprintf("put edge %s", edge.DedupKey()), err)
		}
	}

	return nil
}

// EdgesFor returns every stored edge touching any of the given event ids.
func (s *Store) EdgesFor(ctx context.Context, eventIDs []string) ([]*domain.Edge, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT event_a, event_b, kind, evidence, detected_at
		FROM event_edges
		WHERE event_a IN (?) OR event_b IN (?)
		ORDER BY detected_at ASC, pair_key ASC, kind ASC`, eventIDs, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to expand edge query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, domain.ErrTransient("query edges", err)
	}
	defer rows.Close()

	var edges []*domain.Edge
	for rows.Next() {
		var edge domain.Edge
		var kind string
		if err := rows.Scan(&edge.EventA, &edge.EventB, &kind, &edge.Evidence, &edge.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edge.Kind = domain.EdgeKind(kind)
		edges = append(edges, &edge)
	}

	return edges, rows.Err()
}

// PutBundle upserts a narrative bundle wholesale under its (owner, window)
// key. The previous document is replaced in a single statement; readers
// never observe a partially patched bundle.
func (s *Store) PutBundle(ctx context.Context, b *domain.Bundle) error {
	if b == nil {
		return domain.ErrValidation("bundle must not be nil")
	}
	if b.Owner == "" {
		return domain.ErrValidation("bundle owner must not be empty").WithParam("owner")
	}
	if _, err := domain.ParseBundleWindow(string(b.Window)); err != nil {
		return err
	}

	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}

	upsert := s.dialect.UpsertClause(
		[]string{"owner", "window_name"},
		[]string{"window_start", "window_end", "doc", "built_at"})
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO bundles
		(owner, window_name, window_start, window_end, doc, built_at)
		VALUES (?, ?, ?, ?, ?, ?)
		%s`, upsert))

	builtAt := b.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		b.Owner, string(b.Window), b.WindowStart, b.WindowEnd, string(doc), builtAt)
	if err != nil {
		return domain.ErrTransient(fmt.Sprintf("put bundle %s", b.Key()), err)
	}

	return nil
}

// GetBundle retrieves the bundle for (owner, window).
func (s *Store) GetBundle(ctx context.Context, owner string, window domain.BundleWindow) (*domain.Bundle, error) {
	query := s.dialect.Rebind(`SELECT doc FROM bundles WHERE owner = ? AND window_name = ?`)

	var doc string
	err := s.db.QueryRowContext(ctx, query, owner, string(window)).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBundleNotFound(owner, string(window))
	}
	if err != nil {
		return nil, domain.ErrTransient(fmt.Sprintf("get bundle %s/%s", owner, window), err)
	}

	var b domain.Bundle
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}

	return &b, nil
}
