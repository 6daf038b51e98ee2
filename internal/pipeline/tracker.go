package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/lease"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
)

type TrackerConfig struct {
	Concurrency int
	LeaseTTL    time.Duration
}

// Tracker polls every non-terminal batch job and ingests completed ones.
type Tracker struct {
	cfg      TrackerConfig
	svc      llm.BatchService
	jobs     JobStore
	ingestor *Ingestor
	leaser   lease.Leaser
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewTracker builds a Tracker. A nil leaser polls without per-job leases.
func NewTracker(cfg TrackerConfig, svc llm.BatchService, jobs JobStore, ing *Ingestor, leaser lease.Leaser, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	return &Tracker{cfg: cfg, svc: svc, jobs: jobs, ingestor: ing, leaser: leaser, metrics: m, logger: logger}
}

func jobLeaseKey(handle string) string { return "batch-job:" + handle }

// Reconcile runs one polling pass and returns how many jobs it processed.
// Jobs leased by another tracker are not counted.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	start := time.Now()
	active, err := t.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, job := range active {
		g.Go(func() error {
			if t.leaser == nil {
				processed.Add(1)
				return t.reconcileJob(gctx, job)
			}
			ran, err := lease.Run(gctx, t.leaser, jobLeaseKey(job.Handle), t.cfg.LeaseTTL, t.logger,
				func(ctx context.Context) error { return t.reconcileJob(ctx, job) })
			if ran {
				processed.Add(1)
			}
			return err
		})
	}
	err = g.Wait()

	n := int(processed.Load())
	t.logger.Info("pipeline.track.done",
		"active", len(active), "processed", n, "elapsed_ms", time.Since(start).Milliseconds())
	return n, err
}

// reconcileJob refreshes one job. Service errors leave the job in its
// last-known status for the next pass; store errors are returned.
func (t *Tracker) reconcileJob(ctx context.Context, job *entity.BatchJob) error {
	if job.Status.IsTerminal() {
		return nil
	}
	log := t.logger.With("job_id", job.ID, "job_handle", job.Handle)

	remote, err := t.svc.GetBatch(ctx, job.Handle)
	if err != nil {
		log.Warn("pipeline.track.poll_failed", "status", job.Status, "error", err)
		return nil
	}
	next := constants.JobStatusFromRemote(remote.Status)

	if (next == job.Status && remote.Status == job.RemoteStatus) || !job.Status.CanTransitionTo(next) {
		if next != job.Status {
			log.Warn("pipeline.track.ignored_transition", "from", job.Status, "to", next, "remote_status", remote.Status)
		}
		if err := t.jobs.Touch(ctx, job.ID); err != nil {
			return fmt.Errorf("touch job %s: %w", job.Handle, err)
		}
		return nil
	}

	if next == constants.JobStatusCompleted {
		ok, err := t.ingestOutput(ctx, log, job, remote)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	changed, err := t.jobs.UpdateStatus(ctx, job.ID, job.Status, repository.StatusUpdate{
		Status:       next,
		RemoteStatus: remote.Status,
		OutputFileID: optional(remote.OutputFileID),
		ErrorFileID:  optional(remote.ErrorFileID),
	})
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.Handle, err)
	}
	if !changed {
		log.Info("pipeline.track.status_raced", "from", job.Status, "to", next)
		return nil
	}
	t.metrics.Reconciled(string(next))

	switch next {
	case constants.JobStatusFailed, constants.JobStatusExpired, constants.JobStatusCancelled:
		log.Warn("pipeline.track.job_ended", "status", next, "records", job.RecordCount)
	default:
		log.Info("pipeline.track.status", "from", job.Status, "to", next, "remote_status", remote.Status)
	}
	return nil
}

// ingestOutput fetches and ingests a completed job's output. It reports
// false when the output could not be fetched so the job is polled again.
func (t *Tracker) ingestOutput(ctx context.Context, log *slog.Logger, job *entity.BatchJob, remote *llm.Batch) (bool, error) {
	if remote.ErrorFileID != "" {
		if body, err := t.svc.FileContent(ctx, remote.ErrorFileID); err != nil {
			log.Warn("pipeline.track.error_file_unavailable", "file_id", remote.ErrorFileID, "error", err)
		} else {
			log.Warn("pipeline.track.error_file", "file_id", remote.ErrorFileID, "lines", llm.CountLines(body))
		}
	}
	if remote.OutputFileID == "" {
		log.Warn("pipeline.track.no_output", "failed", remote.RequestCounts.Failed)
		return true, nil
	}

	payload, err := t.svc.FileContent(ctx, remote.OutputFileID)
	if err != nil {
		log.Warn("pipeline.track.output_unavailable", "file_id", remote.OutputFileID, "error", err)
		return false, nil
	}
	res, err := t.ingestor.Ingest(ctx, job.DescriptorID, payload)
	if err != nil {
		return false, fmt.Errorf("ingest %s: %w", remote.ID, err)
	}
	log.Info("pipeline.track.ingested",
		"succeeded", res.Succeeded, "duplicates", res.Duplicates, "failed", res.Failed, "skipped", res.Skipped)
	return true, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
