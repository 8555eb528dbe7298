package engine

import (
	"context"
	"errors"
	"time"

	"github.com/goatkit/ludo/internal/persistence"
)

// LoopOptions configures RunLoop.
type LoopOptions struct {
	// Interval between ticks. Zero ticks as fast as possible.
	Interval time.Duration
	// MaxTicks stops the loop after that many ticks. Zero runs until ctx is
	// done.
	MaxTicks uint64
	// Store and Slot enable saving. The game is saved every AutosaveEvery
	// of engine clock time (if non-zero) and once more when the loop ends.
	Store         persistence.Store
	Slot          string
	AutosaveEvery time.Duration
	// OnTick sees every report after the frame was rendered.
	OnTick func(TickReport)
}

// RunLoop ticks and renders until ctx is done or MaxTicks is reached.
// Autosave failures are logged, not returned; the final save is returned.
func (e *Engine) RunLoop(ctx context.Context, lo LoopOptions) error {
	var tick <-chan time.Time
	if lo.Interval > 0 {
		ticker := time.NewTicker(lo.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	lastSave := e.opts.Clock.Now()
	var runs uint64
	var loopErr error
	for lo.MaxTicks == 0 || runs < lo.MaxTicks {
		if tick != nil {
			select {
			case <-ctx.Done():
			case <-tick:
			}
		}
		report, err := e.Tick(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				loopErr = err
			}
			break
		}
		runs++
		if _, err := e.Render(ctx); err != nil {
			e.logger.Warn("render failed", "tick", report.Tick, "error", err)
		}
		if lo.OnTick != nil {
			lo.OnTick(report)
		}

		if lo.Store != nil && lo.AutosaveEvery > 0 {
			if now := e.opts.Clock.Now(); now.Sub(lastSave) >= lo.AutosaveEvery {
				lastSave = now
				if err := e.SaveTo(ctx, lo.Store, lo.Slot); err != nil {
					e.logger.Error("autosave failed", "slot", lo.Slot, "error", err)
				}
			}
		}
	}

	if lo.Store == nil {
		return loopErr
	}
	// The loop context may already be done; the final save must still run.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Join(loopErr, e.SaveTo(saveCtx, lo.Store, lo.Slot))
}
