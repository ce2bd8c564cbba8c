// Package extract derives relationship edges and theme labels from windows
// of documented events. Extraction is deterministic and best-effort: a
// malformed or empty window yields empty results, never an error.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
)

// Reference patterns recognized across payload, intent and context text:
// issue keys like PROJ-42 and numbered references like #128.
var (
	issueKeyPattern  = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)
	numberRefPattern = regexp.MustCompile(`#\d+\b`)
)

// resourceKeys are the payload keys treated as resource identifiers, in
// evidence priority order.
var resourceKeys = []string{"widgetId", "widget_id", "resourceId", "resource_id"}

// Config tunes the extractor.
type Config struct {
	// MaxGap skips pairs whose timestamps are farther apart. Zero means no
	// restriction beyond sharing the window.
	MaxGap time.Duration

	// Themes maps theme labels to their keyword sets. Nil uses the
	// built-in map.
	Themes map[string][]string
}

// Extractor computes evidence-backed edges and themes over event windows.
type Extractor struct {
	maxGap time.Duration
	themes map[string][]string
	now    func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock overrides the time source stamped on detected edges, for tests.
func WithClock(now func() time.Time) Option {
	return func(x *Extractor) {
		x.now = now
	}
}

// New creates an Extractor.
func New(cfg Config, opts ...Option) *Extractor {
	x := &Extractor{
		maxGap: cfg.MaxGap,
		themes: cfg.Themes,
		now:    time.Now,
	}
	if x.themes == nil {
		x.themes = DefaultThemes()
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// DefaultThemes is the built-in theme-to-keywords map used when none is
// configured.
func DefaultThemes() map[string][]string {
	return map[string][]string{
		"automation":  {"automation", "rule", "trigger", "workflow"},
		"integration": {"github", "slack", "webhook", "integration", "sync"},
		"onboarding":  {"wizard", "setup", "onboarding", "getting started"},
		"reporting":   {"dashboard", "report", "metric", "chart", "widget"},
		"reliability": {"error", "failure", "retry", "outage", "incident"},
	}
}

// ExtractWindow walks every unordered pair of events in the window and
// emits one edge per matching evidence extractor:
//
//   - shared reference identifier in both events -> co-reference
//   - the later event declaring the earlier in context.relatedEvents ->
//     causal; the earlier declaring the later ahead of time -> dependency
//   - the same resource identifier in both payloads -> aggregate
//
// Pairs farther apart than MaxGap are skipped. Duplicate (pair, kind)
// combinations keep the first evidence found. The output is deterministic
// for a given input set regardless of input order.
func (x *Extractor) ExtractWindow(events []*domain.Event) []*domain.Edge {
	if len(events) < 2 {
		return nil
	}

	// Work over a sorted copy so evidence order does not depend on how the
	// caller assembled the window.
	sorted := make([]*domain.Event, 0, len(events))
	for _, evt := range events {
		if evt != nil && evt.ID != "" {
			sorted = append(sorted, evt)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	refs := make([]map[string]struct{}, len(sorted))
	resources := make([]map[string]string, len(sorted))
	for i, evt := range sorted {
		refs[i] = refTokens(evt)
		resources[i] = resourceIDs(evt)
	}

	detectedAt := x.now().UTC()
	seen := make(map[string]struct{})
	var edges []*domain.Edge

	add := func(earlier, later *domain.Event, kind domain.EdgeKind, evidence string) {
		edge := domain.NewEdge(earlier.ID, later.ID, kind, evidence, detectedAt)
		if _, dup := seen[edge.DedupKey()]; dup {
			return
		}
		seen[edge.DedupKey()] = struct{}{}
		edges = append(edges, edge)
	}

	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			earlier, later := sorted[i], sorted[j]
			if earlier.ID == later.ID {
				continue
			}
			if x.maxGap > 0 && later.Timestamp.Sub(earlier.Timestamp) > x.maxGap {
				// Sorted by timestamp: every following j is even farther out.
				break
			}

			if token := firstSharedToken(refs[i], refs[j]); token != "" {
				add(earlier, later, domain.EdgeKindCoReference,
					fmt.Sprintf("shared reference %s", token))
			}

			if declares(later, earlier.ID) {
				add(earlier, later, domain.EdgeKindCausal,
					fmt.Sprintf("%s names %s in context.relatedEvents", later.ID, earlier.ID))
			} else if declares(earlier, later.ID) {
				add(earlier, later, domain.EdgeKindDependency,
					fmt.Sprintf("%s names %s in context.relatedEvents", earlier.ID, later.ID))
			}

			if key, value := sharedResource(resources[i], resources[j]); key != "" {
				add(earlier, later, domain.EdgeKindAggregate,
					fmt.Sprintf("shared %s %s", key, value))
			}
		}
	}

	return edges
}

// DetectThemes scores each configured theme by keyword occurrences across
// the intent/context free text of all events. Themes with nonzero score
// come back ordered by descending score, ties broken lexically.
func (x *Extractor) DetectThemes(events []*domain.Event) []string {
	if len(events) == 0 {
		return nil
	}

	var b strings.Builder
	for _, evt := range events {
		if evt == nil {
			continue
		}
		writeFreeText(&b, evt)
	}
	text := strings.ToLower(b.String())
	if text == "" {
		return nil
	}

	scores := make(map[string]int)
	for theme, keywords := range x.themes {
		score := 0
		for _, kw := range keywords {
			score += strings.Count(text, strings.ToLower(kw))
		}
		if score > 0 {
			scores[theme] = score
		}
	}
	if len(scores) == 0 {
		return nil
	}

	themes := make([]string, 0, len(scores))
	for theme := range scores {
		themes = append(themes, theme)
	}
	sort.Slice(themes, func(i, j int) bool {
		if scores[themes[i]] != scores[themes[j]] {
			return scores[themes[i]] > scores[themes[j]]
		}
		return themes[i] < themes[j]
	})

	return themes
}

// refTokens collects reference identifiers from the serialized payload,
// intent and context of an event.
func refTokens(evt *domain.Event) map[string]struct{} {
	tokens := make(map[string]struct{})

	var b strings.Builder
	if len(evt.Payload) > 0 {
		// Marshal sorts map keys, keeping the scanned text deterministic.
		if raw, err := json.Marshal(evt.Payload); err == nil {
			b.Write(raw)
			b.WriteByte(' ')
		}
	}
	writeFreeText(&b, evt)

	text := b.String()
	for _, m := range issueKeyPattern.FindAllString(text, -1) {
		tokens[m] = struct{}{}
	}
	for _, m := range numberRefPattern.FindAllString(text, -1) {
		tokens[m] = struct{}{}
	}

	return tokens
}

// resourceIDs extracts resource identifier values from the payload.
func resourceIDs(evt *domain.Event) map[string]string {
	if len(evt.Payload) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, key := range resourceKeys {
		if v, ok := evt.Payload[key].(string); ok && v != "" {
			out[key] = v
		}
	}
	return out
}

// firstSharedToken returns the lexically smallest token present in both
// sets, or "" when the intersection is empty.
func firstSharedToken(a, b map[string]struct{}) string {
	var shared []string
	for token := range a {
		if _, ok := b[token]; ok {
			shared = append(shared, token)
		}
	}
	if len(shared) == 0 {
		return ""
	}
	sort.Strings(shared)
	return shared[0]
}

// sharedResource returns the first resource key carrying the same
// non-empty value in both maps.
func sharedResource(a, b map[string]string) (string, string) {
	for _, key := range resourceKeys {
		if v, ok := a[key]; ok && v != "" && b[key] == v {
			return key, v
		}
	}
	return "", ""
}

func declares(evt *domain.Event, id string) bool {
	for _, rid := range evt.DeclaredRelated() {
		if rid == id {
			return true
		}
	}
	return false
}

func writeFreeText(b *strings.Builder, evt *domain.Event) {
	if evt.Intent != nil {
		for _, s := range []string{
			evt.Intent.Problem,
			evt.Intent.Friction,
			evt.Intent.Goal,
			evt.Intent.SuccessCriterion,
			evt.Intent.Impact,
		} {
			if s != "" {
				b.WriteString(s)
				b.WriteByte(' ')
			}
		}
	}
	if evt.Context != nil {
		for _, s := range []string{
			evt.Context.Decision,
			evt.Context.Outcome,
			evt.Context.Category,
		} {
			if s != "" {
				b.WriteString(s)
				b.WriteByte(' ')
			}
		}
	}
}
