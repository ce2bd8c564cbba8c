package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
	"github.com/glancehq/eventmesh/internal/storage/dialect"
)

// Store is a SQL implementation of the event log, edge, and bundle stores
// that supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

// Ensure Store implements the full storage surface
var _ ports.StorageProvider = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store at the given path.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
id TEXT PRIMARY KEY,
name TEXT NOT NULL,
source TEXT NOT NULL,
owner TEXT NOT NULL DEFAULT '',
timestamp TIMESTAMP NOT NULL,
payload TEXT,
intent TEXT,
context TEXT,
related_events TEXT,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS event_edges (
pair_key TEXT NOT NULL,
kind TEXT NOT NULL,
event_a TEXT NOT NULL,
event_b TEXT NOT NULL,
evidence TEXT NOT NULL,
detected_at TIMESTAMP NOT NULL,
PRIMARY KEY (pair_key, kind)
)`,
		`CREATE TABLE IF NOT EXISTS bundles (
owner TEXT NOT NULL,
window_name TEXT NOT NULL,
window_start TIMESTAMP NOT NULL,
window_end TIMESTAMP NOT NULL,
doc TEXT NOT NULL,
built_at TIMESTAMP NOT NULL,
PRIMARY KEY (owner, window_name)
)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_owner_timestamp ON events(owner, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_name ON events(name)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
		`CREATE INDEX IF NOT EXISTS idx_event_edges_a ON event_edges(event_a)`,
		`CREATE INDEX IF NOT EXISTS idx_event_edges_b ON event_edges(event_b)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists a documented event. Duplicate ids are idempotent: the
// already-stored record is returned unchanged.
func (s *Store) Append(ctx context.Context, evt *domain.Event) (*domain.Event, error) {
	if evt == nil {
		return nil, domain.ErrValidation("event must not be nil")
	}
	if !evt.ShouldDocument {
		return nil, domain.ErrValidation("only documented events are stored").
			WithCode(domain.ErrorCodeNotDocumented)
	}
	if evt.ID == "" {
		return nil, domain.ErrValidation("event id must not be empty").WithParam("id")
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	payload, intent, evtCtx, related, err := marshalEventDocs(evt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	upsert := s.dialect.UpsertClause([]string{"id"}, nil)
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO events
		(id, name, source, owner, timestamp, payload, intent, context, related_events, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		%s`, upsert))

	result, err := s.db.ExecContext(ctx, query,
		evt.ID, evt.Name, evt.Source, evt.Owner, evt.Timestamp,
		payload, intent, evtCtx, related, now, now)
	if err != nil {
		return nil, domain.ErrTransient(fmt.Sprintf("append event %s", evt.ID), err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Duplicate id: return the record already on disk.
		return s.GetEvent(ctx, evt.ID)
	}

	return evt.Clone(), nil
}

// UpdateOutcome sets context.outcome and, when impact is non-empty,
// intent.impact. Last-writer-wins under concurrency; outcomes are advisory
// narrative text, not transactional state.
func (s *Store) UpdateOutcome(ctx context.Context, id, outcome, impact string) error {
	if id == "" {
		return domain.ErrValidation("event id must not be empty").WithParam("id")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ErrTransient("begin outcome update", err)
	}
	defer tx.Rollback()

	var intentStr, contextStr string
	query := s.dialect.Rebind(`SELECT intent, context FROM events WHERE id = ?`)
	err = tx.QueryRowContext(ctx, query, id).Scan(&intentStr, &contextStr)
	if err == sql.ErrNoRows {
		return domain.ErrEventNotFound(id)
	}
	if err != nil {
		return domain.ErrTransient(fmt.Sprintf("load event %s", id), err)
	}

	evtCtx, err := unmarshalContext(contextStr)
	if err != nil {
		return err
	}
	if evtCtx == nil {
		evtCtx = &domain.EventContext{}
	}
	evtCtx.Outcome = outcome

	intent, err := unmarshalIntent(intentStr)
	if err != nil {
		return err
	}
	if impact != "" {
		if intent == nil {
			intent = &domain.Intent{}
		}
		intent.Impact = impact
	}

	newContext, err := marshalDoc(evtCtx)
	if err != nil {
		return err
	}
	newIntent, err := marshalDoc(intent)
	if err != nil {
		return err
	}

	update := s.dialect.Rebind(`UPDATE events SET context = ?, intent = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, newContext, newIntent, time.Now().UTC(), id); err != nil {
		return domain.ErrTransient(fmt.Sprintf("update outcome for %s", id), err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ErrTransient("commit outcome update", err)
	}
	return nil
}

// AppendRelated merges extractor-discovered ids into the stored event's
// derived related list.
func (s *Store) AppendRelated(ctx context.Context, id string, related []string) error {
	if id == "" {
		return domain.ErrValidation("event id must not be empty").WithParam("id")
	}
	if len(related) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ErrTransient("begin related update", err)
	}
	defer tx.Rollback()

	var relatedStr string
	query := s.dialect.Rebind(`SELECT related_events FROM events WHERE id = ?`)
	err = tx.QueryRowContext(ctx, query, id).Scan(&relatedStr)
	if err == sql.ErrNoRows {
		return domain.ErrEventNotFound(id)
	}
	if err != nil {
		return domain.ErrTransient(fmt.Sprintf("load event %s", id), err)
	}

	existing, err := unmarshalRelated(relatedStr)
	if err != nil {
		return err
	}
	merged := mergeRelated(existing, related, id)

	doc, err := marshalDoc(merged)
	if err != nil {
		return err
	}

	update := s.dialect.Rebind(`UPDATE events SET related_events = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, doc, time.Now().UTC(), id); err != nil {
		return domain.ErrTransient(fmt.Sprintf("update related for %s", id), err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ErrTransient("commit related update", err)
	}
	return nil
}

// GetEvent retrieves a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	query := s.dialect.Rebind(`SELECT id, name, source, owner, timestamp, payload, intent, context, related_events
		FROM events WHERE id = ?`)

	row := s.db.QueryRowContext(ctx, query, id)
	evt, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrEventNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// QueryEvents returns events matching the filter, ordered by timestamp
// ascending. The ordering is a contract narrative assembly relies on.
func (s *Store) QueryEvents(ctx context.Context, filter ports.EventFilter) ([]*domain.Event, error) {
	var conditions []string
	var args []any

	if filter.Name != "" {
		conditions = append(conditions, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, filter.Owner)
	}
	if len(filter.IDs) > 0 {
		conditions = append(conditions, "id IN (?)")
		args = append(args, filter.IDs)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Start)
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filter.End)
	}

	query := `SELECT id, name, source, owner, timestamp, payload, intent, context, related_events FROM events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	// Expand slice args (the IN clause) before rebinding for the dialect.
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, domain.ErrTransient("query events", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	return events, rows.Err()
}

// ListOwners returns the distinct owners with events at or after since.
func (s *Store) ListOwners(ctx context.Context, since time.Time) ([]string, error) {
	query := s.dialect.Rebind(`SELECT DISTINCT owner FROM events
		WHERE owner != '' AND timestamp >= ?
		ORDER BY owner ASC`)

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, domain.ErrTransient("list owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}

	return owners, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*domain.Event, error) {
	var evt domain.Event
	var payload, intent, evtCtx, related string

	err := row.Scan(&evt.ID, &evt.Name, &evt.Source, &evt.Owner, &evt.Timestamp,
		&payload, &intent, &evtCtx, &related)
	if err != nil {
		return nil, err
	}

	// Everything in the log is documented by construction.
	evt.ShouldDocument = true

	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	evt.Intent, err = unmarshalIntent(intent)
	if err != nil {
		return nil, err
	}
	evt.Context, err = unmarshalContext(evtCtx)
	if err != nil {
		return nil, err
	}
	evt.RelatedEvents, err = unmarshalRelated(related)
	if err != nil {
		return nil, err
	}

	return &evt, nil
}

func marshalEventDocs(evt *domain.Event) (payload, intent, evtCtx, related string, err error) {
	if payload, err = marshalDoc(evt.Payload); err != nil {
		return
	}
	if intent, err = marshalDoc(evt.Intent); err != nil {
		return
	}
	if evtCtx, err = marshalDoc(evt.Context); err != nil {
		return
	}
	related, err = marshalDoc(evt.RelatedEvents)
	return
}

func marshalDoc(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(data), nil
}

func unmarshalIntent(s string) (*domain.Intent, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var intent domain.Intent
	if err := json.Unmarshal([]byte(s), &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
	}
	return &intent, nil
}

func unmarshalContext(s string) (*domain.EventContext, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var evtCtx domain.EventContext
	if err := json.Unmarshal([]byte(s), &evtCtx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return &evtCtx, nil
}

func unmarshalRelated(s string) ([]string, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var related []string
	if err := json.Unmarshal([]byte(s), &related); err != nil {
		return nil, fmt.Errorf("failed to unmarshal related events: %w", err)
	}
	return related, nil
}

// mergeRelated appends new ids to existing, skipping duplicates and the
// event's own id.
func mergeRelated(existing, add []string, self string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	merged := existing
	for _, id := range add {
		if id == "" || id == self {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}
