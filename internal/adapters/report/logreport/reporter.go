// Package logreport provides the default ErrorReporter: a structured log
// sink. It guarantees a terminal delivery failure is at least visible in
// the process log even when no external sink is configured.
package logreport

import (
	"context"
	"log/slog"

	"github.com/glancehq/eventmesh/internal/core/ports"
)

// Reporter logs every reported failure through slog.
type Reporter struct {
	logger *slog.Logger
}

var _ ports.ErrorReporter = (*Reporter)(nil)

// NewReporter creates a log-backed reporter. A nil logger falls back to
// slog.Default().
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger}
}

// Report writes the entry as an error-level log line.
func (r *Reporter) Report(ctx context.Context, entry ports.ReportEntry) {
	attrs := []slog.Attr{
		slog.String("stage", entry.Stage),
		slog.Int("attempts", entry.Attempts),
		slog.Time("occurred_at", entry.OccurredAt),
	}
	if entry.Err != nil {
		attrs = append(attrs, slog.String("error", entry.Err.Error()))
	}
	if entry.Event != nil {
		attrs = append(attrs,
			slog.String("event_id", entry.Event.ID),
			slog.String("event_name", entry.Event.Name),
			slog.String("owner", entry.Event.Owner))
	}

	r.logger.LogAttrs(ctx, slog.LevelError, "event delivery failure reported", attrs...)
}
