package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glancehq/eventmesh/internal/core/domain"
	"github.com/glancehq/eventmesh/internal/core/ports"
)

// Stage names used in error reports.
const (
	stageJournalEnqueue = "journal_enqueue"
	stageJournalAppend  = "journal_append"
)

// journal is the asynchronous persistence path between publish and the
// event store. A single writer goroutine drains a bounded queue so a slow
// store cannot stall producers; transient append failures are retried with
// backoff, terminal failures go to the error reporter.
type journal struct {
	store          ports.EventStore
	logger         *slog.Logger
	reporter       ports.ErrorReporter
	policy         RetryPolicy
	queue          chan *domain.Event
	enqueueTimeout time.Duration

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newJournal(store ports.EventStore, logger *slog.Logger, reporter ports.ErrorReporter, policy RetryPolicy, queueSize int, enqueueTimeout time.Duration) *journal {
	if queueSize <= 0 {
		queueSize = 256
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = 250 * time.Millisecond
	}

	j := &journal{
		store:          store,
		logger:         logger,
		reporter:       reporter,
		policy:         policy.normalized(),
		queue:          make(chan *domain.Event, queueSize),
		enqueueTimeout: enqueueTimeout,
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	go j.run()

	return j
}

// enqueue hands an event to the writer. When the queue is full it blocks
// up to the enqueue timeout, then reports the event instead of dropping it
// silently.
func (j *journal) enqueue(ctx context.Context, evt *domain.Event) {
	select {
	case j.queue <- evt:
		return
	default:
	}

	timer := time.NewTimer(j.enqueueTimeout)
	defer timer.Stop()

	select {
	case j.queue <- evt:
	case <-timer.C:
		err := domain.ErrTransient("journal queue full", nil).
			WithCode(domain.ErrorCodeJournalOverflow)
		j.logger.Error("journal queue full, event not persisted",
			"event", evt.Name,
			"event_id", evt.ID,
			"queue_size", cap(j.queue))
		j.report(ctx, stageJournalEnqueue, evt, err, 0)
	case <-j.quit:
		j.logger.Error("journal closed, event not persisted",
			"event", evt.Name,
			"event_id", evt.ID)
		j.report(ctx, stageJournalEnqueue, evt, domain.ErrInternal("journal is closed"), 0)
	}
}

func (j *journal) run() {
	defer close(j.done)

	for {
		select {
		case evt := <-j.queue:
			j.persist(evt)
		case <-j.quit:
			// Drain whatever producers enqueued before shutdown.
			for {
				select {
				case evt := <-j.queue:
					j.persist(evt)
				default:
					return
				}
			}
		}
	}
}

// persist appends one event, retrying transient failures with backoff.
// Writes use a background context: the publisher's request context has
// usually ended by the time the write happens.
func (j *journal) persist(evt *domain.Event) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= j.policy.MaxAttempts; attempt++ {
		attempts = attempt
		_, err := j.store.Append(context.Background(), evt)
		if err == nil {
			return
		}
		lastErr = err

		if !domain.IsTransient(err) {
			break
		}
		if attempt < j.policy.MaxAttempts {
			time.Sleep(j.policy.NextDelay(attempt))
		}
	}

	j.logger.Error("failed to persist event",
		"event", evt.Name,
		"event_id", evt.ID,
		"attempts", attempts,
		"error", lastErr)
	j.report(context.Background(), stageJournalAppend, evt, lastErr, attempts)
}

func (j *journal) report(ctx context.Context, stage string, evt *domain.Event, err error, attempts int) {
	if j.reporter == nil {
		return
	}
	j.reporter.Report(ctx, ports.ReportEntry{
		Stage:      stage,
		Event:      evt,
		Err:        err,
		Attempts:   attempts,
		OccurredAt: time.Now().UTC(),
	})
}

// close stops the writer after draining queued events. It returns the
// context error if the drain does not finish in time.
func (j *journal) close(ctx context.Context) error {
	j.closeOnce.Do(func() {
		close(j.quit)
	})

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
