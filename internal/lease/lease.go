// Package lease provides short-lived exclusive leases so scheduled passes and
// per-job polling run single-flight across processes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotHeld is returned when releasing or extending a lease this holder no longer owns.
var ErrNotHeld = errors.New("lease not held")

// Lease is a held lease. Release is safe to call once the lease expired.
type Lease interface {
	Key() string
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Leaser hands out leases. TryAcquire never blocks waiting for a holder.
type Leaser interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Run executes fn while holding key. It reports ran=false without calling fn
// when another holder has the lease. The lease is extended every ttl/3 while
// fn runs; if it is lost anyway, fn's context is cancelled and Run returns an
// error wrapping ErrNotHeld.
func Run(ctx context.Context, l Leaser, key string, ttl time.Duration, logger *slog.Logger, fn func(ctx context.Context) error) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	held, ok, err := l.TryAcquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Debug("lease.busy", "key", key)
		return false, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if every := ttl / 3; every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			heartbeat(runCtx, held, ttl, every, stop, cancel, logger)
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
		// ctx may already be cancelled here
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer rcancel()
		if err := held.Release(rctx); err != nil && !errors.Is(err, ErrNotHeld) {
			logger.Warn("lease.release_failed", "key", key, "error", err)
		}
	}()

	err = fn(runCtx)
	if errors.Is(context.Cause(runCtx), ErrNotHeld) {
		return true, fmt.Errorf("lease %s lost during run: %w", key, errors.Join(ErrNotHeld, err))
	}
	return true, err
}

func heartbeat(ctx context.Context, held Lease, ttl, every time.Duration, stop <-chan struct{}, lost context.CancelCauseFunc, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := held.Extend(ctx, ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotHeld):
				logger.Warn("lease.lost", "key", held.Key())
				lost(ErrNotHeld)
				return
			default:
				// transient; the next tick tries again before the ttl runs out
				logger.Warn("lease.extend_failed", "key", held.Key(), "error", err)
			}
		}
	}
}
