package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RunScheduled runs every strategy, enters monitoring, waits for the configured
// interval and repeats. A failed run is logged and does not end the loop. It
// returns when ctx ends or Stop is called.
func (o *Orchestrator) RunScheduled(ctx context.Context) error {
	// Drop a Stop issued before the loop started.
	select {
	case <-o.stopSignal:
	default:
	}

	for {
		strategies := o.strategies.List()

		if len(strategies) == 0 {
			o.logger.Warn("No strategies registered, skipping scheduled run")
		} else {
			_, err := o.run(ctx, strategies, true)

			switch {
			case errors.Is(err, ErrRunStopped):
				return err
			case errors.Is(err, ErrRunInProgress):
				o.logger.Warn("Scheduled run skipped, another run is active")
			case err != nil:
				o.logger.Error("Scheduled run failed", slog.String("error", err.Error()))
			}
		}

		next := o.now().Add(o.cfg.Interval)
		o.updateStatus(func(s *Status) {
			n := next.UTC()
			s.NextRun = &n
		})

		o.logger.Info("Waiting for next run",
			slog.Time("next_run", next),
			slog.Duration("interval", o.cfg.Interval))

		timer := time.NewTimer(o.cfg.Interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			o.leaveMonitoring()

			return ctx.Err()
		case <-o.stopSignal:
			timer.Stop()
			o.leaveMonitoring()

			return ErrRunStopped
		case <-timer.C:
		}
	}
}

// leaveMonitoring returns a monitoring orchestrator to idle once the loop ends.
func (o *Orchestrator) leaveMonitoring() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.status.Phase == PhaseMonitoring {
		o.setPhaseLocked(PhaseIdle, o.status.Progress)
	}
}
