// Package topic implements dot-delimited topic name matching and the
// auto-document registry.
//
// Topic names are hierarchical, e.g. "github.pr.selected". Subscription
// patterns use the same shape with wildcards: a segment "*" matches exactly
// one name segment, and a trailing "*" matches one or more remaining
// segments. Matching is case-sensitive.
package topic

import (
	"sort"
	"strings"
	"sync"
)

// Wildcard is the pattern segment matching arbitrary name segments.
const Wildcard = "*"

const delimiter = "."

// Match reports whether the subscription pattern matches the event name.
//
//	Match("github.*", "github.pr.selected")  // true (trailing catch-all)
//	Match("github.*", "github")              // false (catch-all needs >= 1)
//	Match("*.pr.selected", "github.pr.selected") // true (single segment)
//	Match("github.pr.selected", "github.pr.selected") // true (literal)
func Match(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	ps := strings.Split(pattern, delimiter)
	ns := strings.Split(name, delimiter)

	for i, p := range ps {
		last := i == len(ps)-1
		if p == Wildcard {
			if last {
				// Trailing catch-all consumes the rest, at least one segment.
				return len(ns) > i
			}
			if i >= len(ns) {
				return false
			}
			continue
		}
		if i >= len(ns) || ns[i] != p {
			return false
		}
	}
	return len(ns) == len(ps)
}

// Registry is the single source of truth for topic names whose events are
// documented automatically, without the producer setting the flag. Entries
// may be exact names or patterns. Safe for concurrent use; config reload
// replaces the entry set.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	patterns []string
}

// DefaultAutoDocument lists the topics documented out of the box: wizard
// deployment outcomes and automation runs, the places intent metadata
// originates.
func DefaultAutoDocument() []string {
	return []string{
		"wizard.*",
		"automation.rule.created",
		"automation.run.completed",
		"widget.config.changed",
	}
}

// NewRegistry builds a registry from the given entries.
func NewRegistry(entries ...string) *Registry {
	r := &Registry{exact: make(map[string]struct{})}
	r.Add(entries...)
	return r
}

// Add registers additional auto-document entries.
func (r *Registry) Add(entries ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.add(e)
	}
}

// Replace swaps the full entry set, used when configuration is reloaded.
func (r *Registry) Replace(entries []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact = make(map[string]struct{})
	r.patterns = nil
	for _, e := range entries {
		r.add(e)
	}
}

func (r *Registry) add(entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}
	if strings.Contains(entry, Wildcard) {
		r.patterns = append(r.patterns, entry)
		return
	}
	r.exact[entry] = struct{}{}
}

// AutoDocument reports whether events on the named topic are documented
// regardless of the producer's flag.
func (r *Registry) AutoDocument(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.exact[name]; ok {
		return true
	}
	for _, p := range r.patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// Entries returns the registered entries sorted, for debug surfaces.
func (r *Registry) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.exact)+len(r.patterns))
	for e := range r.exact {
		out = append(out, e)
	}
	out = append(out, r.patterns...)
	sort.Strings(out)
	return out
}
