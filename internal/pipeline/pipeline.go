// Package pipeline moves raw listings through the batch extraction cycle:
// the Builder claims records into spooled descriptors, the Submitter hands
// them to the completion service, the Tracker polls the resulting jobs and
// the Ingestor commits their output. The Sweeper returns stale claims and
// the Parser runs the synchronous path for single records.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
	"github.com/joseph-ayodele/listings-pipeline/internal/spool"
)

// ErrInvalidArgument is returned for bad component configuration or input.
var ErrInvalidArgument = errors.New("invalid argument")

// RawStore is the part of the raw listing store the pipeline uses.
type RawStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.RawListing, error)
	FetchUnclaimed(ctx context.Context, limit int, after *entity.Cursor) ([]*entity.RawListing, error)
	ListUnclaimed(ctx context.Context, offset, limit int) ([]*entity.RawListing, error)
	Claim(ctx context.Context, claimID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	ClaimedByDescriptor(ctx context.Context, claimID uuid.UUID) ([]uuid.UUID, error)
	ResetStaleClaims(ctx context.Context, olderThan time.Time, keep []uuid.UUID) (int64, error)
}

// ListingStore commits extracted listings.
type ListingStore interface {
	CommitExtraction(ctx context.Context, rawID, claimID uuid.UUID, l *entity.Listing) (repository.CommitOutcome, uuid.UUID, error)
}

// JobStore persists batch jobs.
type JobStore interface {
	Create(ctx context.Context, job *entity.BatchJob) (*entity.BatchJob, error)
	ListActive(ctx context.Context) ([]*entity.BatchJob, error)
	ActiveDescriptorIDs(ctx context.Context) ([]uuid.UUID, error)
	Touch(ctx context.Context, id uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from constants.JobStatus, upd repository.StatusUpdate) (bool, error)
}

// DescriptorSpool is the durable descriptor store, implemented by *spool.Spool.
type DescriptorSpool interface {
	Create(ctx context.Context) (uuid.UUID, error)
	Append(ctx context.Context, id uuid.UUID, lines []spool.Line) error
	MarkClaimed(ctx context.Context, id uuid.UUID, customIDs []string) error
	DropUnclaimed(ctx context.Context, id uuid.UUID) (int64, error)
	Seal(ctx context.Context, id uuid.UUID) error
	MarkSubmitted(ctx context.Context, id uuid.UUID, handle string) error
	Delete(ctx context.Context, id uuid.UUID) error
	Load(ctx context.Context, id uuid.UUID) (*spool.Descriptor, error)
	Pending(ctx context.Context) ([]*spool.Descriptor, error)
	PendingIDs(ctx context.Context) ([]uuid.UUID, error)
	Recover(ctx context.Context) ([]*spool.Descriptor, error)
	PurgeSubmitted(ctx context.Context, cutoff time.Time) (int64, error)
}

var (
	_ RawStore        = (repository.RawListingRepository)(nil)
	_ ListingStore    = (repository.ListingRepository)(nil)
	_ JobStore        = (repository.BatchJobRepository)(nil)
	_ DescriptorSpool = (*spool.Spool)(nil)
)

// IngestResult counts the outcome of every line of a payload, or of every
// record of an ad-hoc parse.
type IngestResult struct {
	Succeeded  int // new listings inserted
	Duplicates int // raw linked to an already stored listing
	Failed     int // malformed, failed or unknown lines
	Skipped    int // raw no longer claimed
}

func (r IngestResult) Total() int {
	return r.Succeeded + r.Duplicates + r.Failed + r.Skipped
}

func (r *IngestResult) add(o IngestResult) {
	r.Succeeded += o.Succeeded
	r.Duplicates += o.Duplicates
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
