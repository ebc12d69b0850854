package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortressi/payflow"
)

var observedEvents = []payflow.EventType{
	payflow.EventAuthorized,
	payflow.EventCaptured,
	payflow.EventFailed,
	payflow.EventCompensated,
	payflow.EventFailedTerminal,
	payflow.EventCancelled,
}

func serveCmd(load loader) *cobra.Command {
	var rescan time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Resume in-flight transactions and run the outbox relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, rescan)
		},
	}
	cmd.Flags().DurationVar(&rescan, "rescan", 0, "Periodically resume transactions admitted by other processes (0 disables)")
	return cmd
}

// serve runs the background loops until ctx is done.
func (a *app) serve(ctx context.Context, rescan time.Duration) error {
	dedup := payflow.NewDedup()
	for _, t := range observedEvents {
		err := a.bus.Subscribe(t, dedup.Wrap(func(_ context.Context, ev payflow.Event) error {
			a.logger.Info().Str("txn", ev.TransactionID).Str("event", string(ev.Type)).Str("event_id", ev.ID).Msg("event")
			return nil
		}))
		if err != nil {
			return err
		}
	}

	n, err := a.engine.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Info().Int("resumed", n).Str("store", a.cfg.Store.Driver).Str("bus", a.cfg.Bus.Driver).Msg("serving")

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() {
		if err := a.engine.Relay().Run(ctx, a.cfg.Outbox.Interval, a.cfg.Outbox.MinAge); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error().Err(err).Msg("outbox relay stopped")
		}
	})
	run(func() {
		every(ctx, a.cfg.Idempotency.SweepInterval, func() {
			removed, err := a.registry.Sweep(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("idempotency sweep failed")
				return
			}
			if removed > 0 {
				a.logger.Info().Int("removed", removed).Msg("expired idempotency keys swept")
			}
			dedup.Forget(time.Now().Add(-a.cfg.Idempotency.Retention))
		})
	})
	if rescan > 0 {
		run(func() {
			every(ctx, rescan, func() {
				if _, err := a.engine.Recover(ctx); err != nil && ctx.Err() == nil {
					a.logger.Warn().Err(err).Msg("rescan failed")
				}
			})
		})
	}

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")
	wg.Wait()
	return nil
}

// every calls fn on each tick of interval until ctx is done. A
// non-positive interval disables the loop.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
