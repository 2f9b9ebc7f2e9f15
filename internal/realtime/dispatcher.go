package realtime

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/baechuer/messenger-server/internal/domain"
	"github.com/baechuer/messenger-server/internal/logger"
	"github.com/baechuer/messenger-server/internal/metrics"
	"github.com/baechuer/messenger-server/internal/store"
)

const maxPublishBackoff = 30 * time.Second

// EventPublisher delivers one outbox event to its subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.OutboxEvent) (int, error)
}

// Dispatcher drains the realtime outbox in id order: one long-lived
// goroutine claims due events in a transaction, publishes each and marks
// it published or schedules a retry. A failing event never aborts its
// batch; delivery is at-least-once.
type Dispatcher struct {
	store     *store.Store
	publisher EventPublisher
	poll      time.Duration
	batchSize int
}

func NewDispatcher(st *store.Store, pub EventPublisher, poll time.Duration, batchSize int) *Dispatcher {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{store: st, publisher: pub, poll: poll, batchSize: batchSize}
}

// Run polls until the context is cancelled. The current batch always runs
// to completion; cancellation is honored between batches.
func (d *Dispatcher) Run(ctx context.Context) {
	log := logger.Logger.With().Str("component", "realtime_dispatcher").Logger()
	log.Info().Dur("poll", d.poll).Int("batch_size", d.batchSize).Msg("started")

	var lastErr string
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return
		default:
		}

		processed, err := d.ProcessOnce(ctx)
		if err != nil {
			// Repeat failures collapse into one log line per 10s.
			if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
				log.Warn().Err(err).Msg("outbox batch failed")
				lastErr = err.Error()
				lastAt = time.Now()
			}
		} else {
			lastErr = ""
		}

		if processed == 0 {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-time.After(d.poll):
			}
		}
	}
}

// ProcessOnce claims and handles one batch of due events, returning how
// many it processed.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	processed := 0

	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		events, err := d.store.DueEvents(ctx, tx, now, d.batchSize)
		if err != nil {
			return err
		}
		for i := range events {
			ev := &events[i]
			if _, err := d.publisher.Publish(ctx, ev); err != nil {
				attempt := ev.Attempts + 1
				next := time.Now().UTC().Add(publishBackoff(attempt))
				if err := d.store.MarkEventFailed(ctx, tx, ev.ID, next, err.Error()); err != nil {
					return err
				}
				metrics.RecordOutboxFailed()
				d.logPublishFailure(ev, attempt, err)
			} else {
				if err := d.store.MarkEventPublished(ctx, tx, ev.ID, time.Now().UTC()); err != nil {
					return err
				}
				metrics.RecordOutboxPublished()
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if pending, err := d.store.PendingOutboxCount(ctx); err == nil {
		metrics.SetOutboxPending(int(pending))
	}
	return processed, nil
}

func (d *Dispatcher) logPublishFailure(ev *domain.OutboxEvent, attempt int, err error) {
	logger.Logger.Warn().
		Str("component", "realtime_dispatcher").
		Str("event_id", ev.EventID).
		Str("event_type", ev.EventType).
		Int("attempts", attempt).
		Err(err).
		Msg("publish failed, retry scheduled")
}

// publishBackoff doubles from 0.5s per attempt, capped at 30s.
func publishBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	sec := 0.5 * math.Pow(2, float64(attempt-1))
	d := time.Duration(sec * float64(time.Second))
	if d > maxPublishBackoff {
		return maxPublishBackoff
	}
	return d
}
