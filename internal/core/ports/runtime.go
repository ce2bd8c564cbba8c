package ports

import (
	"context"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), remote API, etc.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// ErrorReporter receives events the mesh could not durably persist after
// exhausting retries, plus other non-fatal delivery failures. The core
// exposes the hook; sinks (log, webhook, pager) are adapters.
type ErrorReporter interface {
	Report(ctx context.Context, entry ReportEntry)
}

// ReportEntry describes one reported failure.
type ReportEntry struct {
	// Stage names the pipeline step that failed, e.g. "journal_append".
	Stage string

	// Event is the affected event, when one is in hand.
	Event *domain.Event

	// Err is the terminal error.
	Err error

	// Attempts is how many tries were made before giving up.
	Attempts int

	// OccurredAt is when the failure was declared terminal.
	OccurredAt time.Time
}

// TokenCounter estimates the prompt-token footprint of serialized text.
// Implementations: tiktoken-backed counter (default).
type TokenCounter interface {
	Count(text string) int
}
