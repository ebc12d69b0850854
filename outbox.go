package payflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Relay publishes committed events that have not reached the transport yet.
// Events are written to the ledger together with their transition, so a
// crash between commit and publish leaves them pending here.
type Relay struct {
	ledger Ledger
	bus    EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewRelay creates a relay from ledger to bus.
func NewRelay(ledger Ledger, bus EventBus, logger zerolog.Logger, now func() time.Time) *Relay {
	if now == nil {
		now = time.Now
	}
	return &Relay{ledger: ledger, bus: bus, logger: logger, now: now}
}

// Publish sends ev and marks it published. A failed publish leaves the
// event pending for the next Flush.
func (r *Relay) Publish(ctx context.Context, ev Event) error {
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("txn", ev.TransactionID).Str("event", ev.ID).Msg("publish failed, event left in outbox")
		return err
	}
	if err := r.ledger.MarkPublished(ctx, ev.ID, r.now()); err != nil {
		// Published but unmarked: the event is sent again and consumers
		// drop it by id.
		r.logger.Warn().Err(err).Str("event", ev.ID).Msg("mark published failed")
		return err
	}
	return nil
}

// Flush republishes pending events emitted more than minAge ago, oldest
// first. It returns how many were published.
func (r *Relay) Flush(ctx context.Context, minAge time.Duration) (int, error) {
	events, err := r.ledger.PendingEvents(ctx, r.now().Add(-minAge))
	if err != nil {
		return 0, err
	}
	published := 0
	var errs []error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := r.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
			continue
		}
		published++
	}
	if published > 0 {
		r.logger.Info().Int("published", published).Int("pending", len(events)).Msg("outbox flushed")
	}
	return published, errors.Join(errs...)
}

// Run flushes on every tick until ctx is done. Events younger than minAge
// are left to the engine's own publish.
func (r *Relay) Run(ctx context.Context, interval, minAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Flush(ctx, minAge); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("outbox flush incomplete")
			}
		}
	}
}
