package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
)

// Sweeper returns claims that no live job or pending descriptor will ever
// resolve to the unclaimed state, and purges submitted descriptors.
type Sweeper struct {
	raws       RawStore
	jobs       JobStore
	spool      DescriptorSpool
	staleAfter time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(raws RawStore, jobs JobStore, sp DescriptorSpool, staleAfter time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{raws: raws, jobs: jobs, spool: sp, staleAfter: staleAfter, metrics: m, logger: logger, now: time.Now}
}

// Sweep resets stale claims and returns how many records went back to unclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.staleAfter <= 0 {
		return 0, fmt.Errorf("%w: stale threshold must be > 0", ErrInvalidArgument)
	}
	cutoff := s.now().Add(-s.staleAfter)

	var keep []uuid.UUID
	if s.spool != nil {
		pending, err := s.spool.PendingIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("pending descriptors: %w", err)
		}
		keep = append(keep, pending...)
	}
	if s.jobs != nil {
		active, err := s.jobs.ActiveDescriptorIDs(ctx)
		if err != nil {
			return 0, fmt.Errorf("active descriptors: %w", err)
		}
		keep = append(keep, active...)
	}

	n, err := s.raws.ResetStaleClaims(ctx, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("reset stale claims: %w", err)
	}
	s.metrics.Swept(n)

	var purged int64
	if s.spool != nil {
		if purged, err = s.spool.PurgeSubmitted(ctx, cutoff); err != nil {
			s.logger.Warn("pipeline.sweep.purge_failed", "error", err)
		}
	}
	s.logger.Info("pipeline.sweep.done", "reset", n, "kept", len(keep), "purged_descriptors", purged, "cutoff", cutoff)
	return n, nil
}
