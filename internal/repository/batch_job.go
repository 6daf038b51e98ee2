package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
)

const batchJobColumns = `id, handle, descriptor_id, status, remote_status, input_file_id,
	output_file_id, error_file_id, record_count, created_at, updated_at, completed_at`

// StatusUpdate is the data written when a job's remote status changes.
type StatusUpdate struct {
	Status       constants.JobStatus
	RemoteStatus string
	OutputFileID *string
	ErrorFileID  *string
}

type BatchJobRepository interface {
	Create(ctx context.Context, job *entity.BatchJob) (*entity.BatchJob, error)
	GetByHandle(ctx context.Context, handle string) (*entity.BatchJob, error)
	ListActive(ctx context.Context) ([]*entity.BatchJob, error)
	ActiveDescriptorIDs(ctx context.Context) ([]uuid.UUID, error)
	Touch(ctx context.Context, id uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from constants.JobStatus, upd StatusUpdate) (bool, error)
}

type batchJobRepo struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewBatchJobRepository(db *sqlx.DB, logger *slog.Logger) BatchJobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &batchJobRepo{db: db, logger: logger}
}

func (r *batchJobRepo) Create(ctx context.Context, job *entity.BatchJob) (*entity.BatchJob, error) {
	var row entity.BatchJob
	err := r.db.GetContext(ctx, &row,
		`INSERT INTO batch_jobs (handle, descriptor_id, status, remote_status, input_file_id, record_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+batchJobColumns,
		job.Handle, job.DescriptorID, job.Status, job.RemoteStatus, job.InputFileID, job.RecordCount)
	if err != nil {
		r.logger.Error("batch_job create failed", "handle", job.Handle, "descriptor_id", job.DescriptorID, "err", err)
		return nil, err
	}
	r.logger.Info("batch_job created", "job_id", row.ID, "handle", row.Handle, "status", row.Status)
	return &row, nil
}

func (r *batchJobRepo) GetByHandle(ctx context.Context, handle string) (*entity.BatchJob, error) {
	var row entity.BatchJob
	err := r.db.GetContext(ctx, &row, `SELECT `+batchJobColumns+` FROM batch_jobs WHERE handle = $1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch job %s: %w", handle, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListActive returns every job whose status is not terminal, oldest first.
func (r *batchJobRepo) ListActive(ctx context.Context) ([]*entity.BatchJob, error) {
	rows := make([]*entity.BatchJob, 0)
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+batchJobColumns+` FROM batch_jobs
		WHERE status = ANY($1::text[])
		ORDER BY created_at`, pq.Array(constants.JobStatusStrings(constants.ActiveJobStatuses)))
	if err != nil {
		r.logger.Error("failed to list active batch jobs", "error", err)
		return nil, err
	}
	return rows, nil
}

func (r *batchJobRepo) ActiveDescriptorIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	err := r.db.SelectContext(ctx, &ids,
		`SELECT descriptor_id FROM batch_jobs WHERE status = ANY($1::text[])`,
		pq.Array(constants.JobStatusStrings(constants.ActiveJobStatuses)))
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *batchJobRepo) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE batch_jobs SET updated_at = now() WHERE id = $1`, id)
	return err
}

// UpdateStatus writes upd only if the row is still in status from and the
// transition is allowed. It reports whether a row changed.
func (r *batchJobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from constants.JobStatus, upd StatusUpdate) (bool, error) {
	if !from.CanTransitionTo(upd.Status) {
		return false, fmt.Errorf("batch job %s: illegal transition %s -> %s", id, from, upd.Status)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE batch_jobs
		SET status = $3,
		    remote_status = $4,
		    output_file_id = COALESCE($5, output_file_id),
		    error_file_id = COALESCE($6, error_file_id),
		    completed_at = CASE WHEN $7::boolean THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, upd.Status, upd.RemoteStatus, upd.OutputFileID, upd.ErrorFileID, upd.Status.IsTerminal())
	if err != nil {
		r.logger.Error("batch_job status update failed", "job_id", id, "status", upd.Status, "err", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		r.logger.Warn("batch_job status changed concurrently, update skipped", "job_id", id, "expected", from, "status", upd.Status)
		return false, nil
	}
	r.logger.Info("batch_job status updated", "job_id", id, "from", from, "to", upd.Status, "remote_status", upd.RemoteStatus)
	return true, nil
}
