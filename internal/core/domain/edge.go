package domain

import "time"

// EdgeKind classifies the evidence behind a derived relationship.
type EdgeKind string

const (
	// EdgeKindCoReference links two events that mention the same external
	// reference identifier (issue key, numbered reference).
	EdgeKindCoReference EdgeKind = "co-reference"

	// EdgeKindCausal links an earlier event to a later one whose producer
	// declared the earlier id in its related-events list.
	EdgeKindCausal EdgeKind = "causal"

	// EdgeKindDependency links an earlier event that declared the later id
	// ahead of time.
	EdgeKindDependency EdgeKind = "dependency"

	// EdgeKindAggregate links two events operating on the same resource
	// identifier, e.g. the same widget.
	EdgeKindAggregate EdgeKind = "aggregate"
)

// Edge is a derived, evidence-backed link between two logged events. Edges
// are additive and may be recomputed; they are never authoritative. The
// (EventA, EventB) pair is stored in canonical order so the same unordered
// pair always produces the same key.
type Edge struct {
	EventA     string    `json:"event_a"`
	EventB     string    `json:"event_b"`
	Kind       EdgeKind  `json:"kind"`
	Evidence   string    `json:"evidence"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewEdge builds an edge with the id pair in canonical (lexical) order.
func NewEdge(a, b string, kind EdgeKind, evidence string, detectedAt time.Time) *Edge {
	if b < a {
		a, b = b, a
	}
	return &Edge{
		EventA:     a,
		EventB:     b,
		Kind:       kind,
		Evidence:   evidence,
		DetectedAt: detectedAt,
	}
}

// PairKey identifies the unordered event pair, independent of kind.
func (e *Edge) PairKey() string {
	return e.EventA + "|" + e.EventB
}

// DedupKey identifies the (pair, kind) combination used for idempotent
// edge writes.
func (e *Edge) DedupKey() string {
	return e.PairKey() + "|" + string(e.Kind)
}

// Touches reports whether the edge involves the given event id.
func (e *Edge) Touches(id string) bool {
	return e.EventA == id || e.EventB == id
}

// Other returns the id on the opposite end from the given one, or "" when
// the edge does not touch it.
func (e *Edge) Other(id string) string {
	switch id {
	case e.EventA:
		return e.EventB
	case e.EventB:
		return e.EventA
	default:
		return ""
	}
}
