package domain

import (
	"fmt"
	"strings"
	"time"
)

// Event is the atomic unit carried by the mesh. Core fields (ID, Name,
// Source, Timestamp, Payload, ShouldDocument) are write-once: they are fixed
// at publish time and never mutated afterwards. Context.Outcome is the single
// exception, updated through the store's dedicated outcome path.
type Event struct {
	// ID uniquely identifies this event. Assigned at publish time,
	// time-sortable (UUIDv7).
	ID string `json:"id"`

	// Name is the hierarchical dot-delimited topic, e.g. "github.pr.selected".
	Name string `json:"name"`

	// Source identifies the producing component (widget instance, automation).
	Source string `json:"source"`

	// Owner scopes the event to a dashboard owner for history queries and
	// narrative bundles. Optional for transient events.
	Owner string `json:"owner,omitempty"`

	// Timestamp is the creation time, assigned at publish.
	Timestamp time.Time `json:"timestamp"`

	// Payload is open producer-supplied data. Consumers must treat unknown
	// keys as opaque.
	Payload map[string]any `json:"payload,omitempty"`

	// ShouldDocument governs durable logging. Decided once at publish time,
	// either explicitly or because the topic is on the auto-document list.
	ShouldDocument bool `json:"should_document"`

	// Intent captures why the action happened. Only meaningful when
	// ShouldDocument is true.
	Intent *Intent `json:"intent,omitempty"`

	// Context carries post-hoc annotations: decision and outcome notes,
	// producer-declared related event ids, a coarse category.
	Context *EventContext `json:"context,omitempty"`

	// RelatedEvents holds ids discovered by relationship extraction,
	// distinct from the producer-supplied list in Context. Append-only.
	RelatedEvents []string `json:"related_events,omitempty"`
}

// Intent is the fixed five-slot provenance record attached to documented
// events. All slots are free text; none are validated beyond presence.
type Intent struct {
	Problem          string `json:"problem,omitempty"`
	Friction         string `json:"friction,omitempty"`
	Goal             string `json:"goal,omitempty"`
	SuccessCriterion string `json:"success_criterion,omitempty"`
	Impact           string `json:"impact,omitempty"`
}

// EventContext carries the mutable annotations around an event.
type EventContext struct {
	// Decision is a note on what was decided when the event was produced.
	Decision string `json:"decision,omitempty"`

	// Outcome is filled in asynchronously once downstream effects are known.
	// The only field the store permits updating after append.
	Outcome string `json:"outcome,omitempty"`

	// RelatedEvents is the producer-supplied list of related event ids.
	RelatedEvents []string `json:"related_events,omitempty"`

	// Category is a coarse classification tag.
	Category string `json:"category,omitempty"`
}

const topicDelimiter = "."

// ValidateTopic reports whether name is a well-formed topic: non-empty,
// dot-delimited, no empty segments, no whitespace.
func ValidateTopic(name string) error {
	if name == "" {
		return NewMeshError(ErrorTypeValidation, "event name must not be empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return NewMeshError(ErrorTypeValidation, fmt.Sprintf("event name %q must not contain whitespace", name))
	}
	for _, seg := range strings.Split(name, topicDelimiter) {
		if seg == "" {
			return NewMeshError(ErrorTypeValidation, fmt.Sprintf("event name %q has an empty segment", name))
		}
	}
	return nil
}

// Validate checks the fields a producer must supply before publish.
func (e *Event) Validate() error {
	if err := ValidateTopic(e.Name); err != nil {
		return err
	}
	if e.Source == "" {
		return NewMeshError(ErrorTypeValidation, "event source must not be empty")
	}
	return nil
}

// TopicSegments splits the event name on the topic delimiter.
func TopicSegments(name string) []string {
	return strings.Split(name, topicDelimiter)
}

// HasDecision reports whether the event carries a non-empty decision note.
func (e *Event) HasDecision() bool {
	return e.Context != nil && strings.TrimSpace(e.Context.Decision) != ""
}

// HasProblem reports whether the event's intent names a problem being solved.
func (e *Event) HasProblem() bool {
	return e.Intent != nil && strings.TrimSpace(e.Intent.Problem) != ""
}

// DeclaredRelated returns the producer-supplied related ids, never nil.
func (e *Event) DeclaredRelated() []string {
	if e.Context == nil {
		return nil
	}
	return e.Context.RelatedEvents
}

// Clone returns a deep copy so callers can hold events across handler
// boundaries without aliasing store-owned state.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	if e.Intent != nil {
		in := *e.Intent
		out.Intent = &in
	}
	if e.Context != nil {
		ctx := *e.Context
		ctx.RelatedEvents = append([]string(nil), e.Context.RelatedEvents...)
		out.Context = &ctx
	}
	out.RelatedEvents = append([]string(nil), e.RelatedEvents...)
	return &out
}
