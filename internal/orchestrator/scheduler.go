package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jaydenbeard/e2ee-engine/internal/telemetry"
)

const (
	signedPreKeyRotationInterval = 7 * 24 * time.Hour
	oneTimePreKeyLowWaterMark    = 10
	oneTimePreKeyTargetPoolSize  = 20
)

// rotationScheduler runs the rotation/refill check on a ticker with
// context-based cancellation. It is owned by a single Engine instance,
// not a package-level singleton.
type rotationScheduler struct {
	engine *Engine
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newRotationScheduler(e *Engine, logger *slog.Logger) *rotationScheduler {
	return &rotationScheduler{engine: e, logger: logger}
}

// Start launches the background loop. An initial check runs synchronously
// before Start returns, so a freshly-initialized user is rotated/refilled
// immediately if already overdue rather than waiting for the first tick.
func (rs *rotationScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		return // already running
	}

	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	rs.runCheck(runCtx)
	go rs.loop(runCtx)
}

// Stop cancels the background loop. Safe to call even if never started.
func (rs *rotationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cancel != nil {
		rs.cancel()
		rs.cancel = nil
	}
}

func (rs *rotationScheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.runCheck(ctx)
		case <-ctx.Done():
			rs.logger.Info("rotation scheduler stopped")
			return
		}
	}
}

func (rs *rotationScheduler) runCheck(ctx context.Context) {
	if err := rs.engine.checkRotationAndRefill(ctx); err != nil {
		rs.logger.Warn("rotation/refill check failed, will retry next tick", "error", err)
	}
}

// checkRotationAndRefill runs both the weekly signed-prekey rotation check
// and the one-time-prekey refill check, serialized under the engine's
// per-user guard. Failures here are non-fatal - the next call simply
// re-checks and retries.
func (e *Engine) checkRotationAndRefill(ctx context.Context) error {
	e.userMu.Lock()
	defer e.userMu.Unlock()

	state, ok, err := e.loadLocalState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil // not initialized yet
	}

	if time.Since(state.LastRotation) >= signedPreKeyRotationInterval {
		if err := e.rotateSignedPreKeyLocked(ctx, state); err != nil {
			return err
		}
	}

	if err := e.refillOneTimePreKeysLocked(ctx, state); err != nil {
		return err
	}

	telemetry.PrekeyRotationsTotal.Add(0) // keep the series present even on idle ticks
	return nil
}
