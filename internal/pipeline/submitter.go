package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
	"github.com/joseph-ayodele/listings-pipeline/internal/spool"
)

type SubmitterConfig struct {
	Endpoint         string // batch endpoint, e.g. /v1/chat/completions
	CompletionWindow string // e.g. 24h
	Description      string
}

// Submitter uploads sealed descriptors and registers the resulting batch jobs.
type Submitter struct {
	cfg     SubmitterConfig
	svc     llm.BatchService
	jobs    JobStore
	spool   DescriptorSpool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSubmitter(cfg SubmitterConfig, svc llm.BatchService, jobs JobStore, sp DescriptorSpool, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = "24h"
	}
	return &Submitter{cfg: cfg, svc: svc, jobs: jobs, spool: sp, metrics: m, logger: logger}
}

// Submit uploads d, creates a batch job for it and records the job. On error
// the descriptor stays sealed in the spool and its records stay claimed.
func (s *Submitter) Submit(ctx context.Context, d *spool.Descriptor) (*entity.BatchJob, error) {
	payload := d.Payload()
	lines := d.ClaimedCount()
	if lines == 0 {
		return nil, fmt.Errorf("%w: descriptor %s has no claimed lines", ErrInvalidArgument, d.ID)
	}
	start := time.Now()

	fileID, err := s.svc.UploadBatchFile(ctx, "descriptor-"+d.ID.String()+".jsonl", payload)
	if err != nil {
		s.logger.Error("pipeline.submit.upload_failed", "descriptor_id", d.ID, "error", err)
		return nil, fmt.Errorf("upload descriptor: %w", err)
	}

	meta := map[string]string{"descriptor_id": d.ID.String()}
	if s.cfg.Description != "" {
		meta["description"] = s.cfg.Description
	}
	batch, err := s.svc.CreateBatch(ctx, llm.CreateBatchRequest{
		InputFileID:      fileID,
		Endpoint:         s.cfg.Endpoint,
		CompletionWindow: s.cfg.CompletionWindow,
		Metadata:         meta,
	})
	if err != nil {
		s.logger.Error("pipeline.submit.create_failed", "descriptor_id", d.ID, "file_id", fileID, "error", err)
		return nil, fmt.Errorf("create batch: %w", err)
	}

	status := constants.JobStatusFromRemote(batch.Status)
	job, err := s.jobs.Create(ctx, &entity.BatchJob{
		Handle:       batch.ID,
		DescriptorID: d.ID,
		Status:       status,
		RemoteStatus: batch.Status,
		InputFileID:  fileID,
		RecordCount:  lines,
	})
	if err != nil {
		return nil, fmt.Errorf("record batch job %s: %w", batch.ID, err)
	}
	if err := s.spool.MarkSubmitted(ctx, d.ID, batch.ID); err != nil {
		return nil, fmt.Errorf("mark submitted %s: %w", d.ID, err)
	}

	s.metrics.Submitted()
	s.logger.Info("pipeline.submit.done",
		"descriptor_id", d.ID, "job_handle", batch.ID, "status", status, "lines", lines,
		"elapsed_ms", time.Since(start).Milliseconds())
	return job, nil
}
