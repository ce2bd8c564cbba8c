package domain

import (
	"fmt"
	"time"
)

// BundleWindow names the fixed set of look-back windows a narrative bundle
// can cover.
type BundleWindow string

const (
	BundleWindowDay   BundleWindow = "day"
	BundleWindowWeek  BundleWindow = "week"
	BundleWindowMonth BundleWindow = "month"
)

// ParseBundleWindow validates a caller-supplied window name.
func ParseBundleWindow(s string) (BundleWindow, error) {
	switch BundleWindow(s) {
	case BundleWindowDay, BundleWindowWeek, BundleWindowMonth:
		return BundleWindow(s), nil
	default:
		return "", NewMeshError(ErrorTypeValidation, fmt.Sprintf("unknown bundle window %q", s)).
			WithCode(ErrorCodeUnknownWindow).
			WithParam("window")
	}
}

// Duration returns the span the window covers. Months are a fixed 30 days;
// bundles are advisory narrative inputs, not calendar accounting.
func (w BundleWindow) Duration() time.Duration {
	switch w {
	case BundleWindowDay:
		return 24 * time.Hour
	case BundleWindowWeek:
		return 7 * 24 * time.Hour
	case BundleWindowMonth:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Resolve computes the half-open [start, end) range the window covers
// relative to now.
func (w BundleWindow) Resolve(now time.Time) (start, end time.Time) {
	end = now
	start = now.Add(-w.Duration())
	return start, end
}

// BundleCounters summarizes a bundle numerically for downstream display and
// prompt budgeting.
type BundleCounters struct {
	// EventCount is the number of documented events in the window.
	EventCount int `json:"event_count"`

	// DecisionCount counts events carrying a non-empty decision note.
	DecisionCount int `json:"decision_count"`

	// ProblemCount counts events whose intent names a problem being solved.
	ProblemCount int `json:"problem_count"`

	// PromptTokens estimates the token footprint of the bundle when
	// serialized as narrative-generation input.
	PromptTokens int `json:"prompt_tokens"`
}

// Bundle is the time-windowed, owner-scoped aggregation handed to external
// narrative generation. Keyed by (Owner, Window); regenerated idempotently
// and overwritten wholesale on each run.
type Bundle struct {
	Owner       string       `json:"owner"`
	Window      BundleWindow `json:"window"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`

	// Events holds the documented events in the window, timestamp ascending.
	Events []*Event `json:"events"`

	// Edges holds the derived relationships among Events.
	Edges []*Edge `json:"edges"`

	// Themes holds detected theme labels, strongest first.
	Themes []string `json:"themes"`

	Counters BundleCounters `json:"counters"`
	BuiltAt  time.Time      `json:"built_at"`
}

// Key returns the storage key for the bundle.
func (b *Bundle) Key() string {
	return b.Owner + "/" + string(b.Window)
}
