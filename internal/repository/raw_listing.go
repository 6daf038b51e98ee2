package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimed is returned when a raw listing is not in the claimed state.
	ErrNotClaimed = errors.New("raw listing is not claimed")
)

const rawColumns = `id, text, status, claim_id, claimed_at, extracted_listing_id, created_at, updated_at`

type RawListingRepository interface {
	Insert(ctx context.Context, text string) (*entity.RawListing, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.RawListing, error)
	FetchUnclaimed(ctx context.Context, limit int, after *entity.Cursor) ([]*entity.RawListing, error)
	ListUnclaimed(ctx context.Context, offset, limit int) ([]*entity.RawListing, error)
	Claim(ctx context.Context, claimID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	ClaimedByDescriptor(ctx context.Context, claimID uuid.UUID) ([]uuid.UUID, error)
	MarkExtracted(ctx context.Context, rawID, listingID uuid.UUID) error
	ResetStaleClaims(ctx context.Context, olderThan time.Time, keep []uuid.UUID) (int64, error)
	CountByStatus(ctx context.Context) (map[constants.RawStatus]int64, error)
}

type rawListingRepo struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewRawListingRepository(db *sqlx.DB, logger *slog.Logger) RawListingRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &rawListingRepo{db: db, logger: logger}
}

func (r *rawListingRepo) Insert(ctx context.Context, text string) (*entity.RawListing, error) {
	var row entity.RawListing
	err := r.db.GetContext(ctx, &row,
		`INSERT INTO raw_listings (text) VALUES ($1) RETURNING `+rawColumns, text)
	if err != nil {
		r.logger.Error("failed to insert raw listing", "text_len", len(text), "error", err)
		return nil, err
	}
	return &row, nil
}

func (r *rawListingRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.RawListing, error) {
	var row entity.RawListing
	err := r.db.GetContext(ctx, &row, `SELECT `+rawColumns+` FROM raw_listings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FetchUnclaimed returns up to limit unclaimed rows, oldest first, strictly after the cursor.
func (r *rawListingRepo) FetchUnclaimed(ctx context.Context, limit int, after *entity.Cursor) ([]*entity.RawListing, error) {
	rows := make([]*entity.RawListing, 0, limit)
	var err error
	if after == nil {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+rawColumns+` FROM raw_listings
			WHERE status = 'unclaimed'
			ORDER BY created_at, id
			LIMIT $1`, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+rawColumns+` FROM raw_listings
			WHERE status = 'unclaimed' AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $1`, limit, after.CreatedAt, after.ID)
	}
	if err != nil {
		r.logger.Error("failed to fetch unclaimed raw listings", "limit", limit, "error", err)
		return nil, err
	}
	return rows, nil
}

func (r *rawListingRepo) ListUnclaimed(ctx context.Context, offset, limit int) ([]*entity.RawListing, error) {
	rows := make([]*entity.RawListing, 0, limit)
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+rawColumns+` FROM raw_listings
		WHERE status = 'unclaimed'
		ORDER BY created_at, id
		OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		r.logger.Error("failed to list unclaimed raw listings", "offset", offset, "limit", limit, "error", err)
		return nil, err
	}
	return rows, nil
}

// Claim moves the given rows from unclaimed to claimed under claimID in one
// conditional update and returns only the ids this call actually claimed.
func (r *rawListingRepo) Claim(ctx context.Context, claimID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	claimed := make([]uuid.UUID, 0, len(ids))
	err := r.db.SelectContext(ctx, &claimed,
		`UPDATE raw_listings
		SET status = 'claimed', claim_id = $1, claimed_at = now(), updated_at = now()
		WHERE status = 'unclaimed' AND id = ANY($2::uuid[])
		RETURNING id`, claimID, pq.Array(uuidStrings(ids)))
	if err != nil {
		r.logger.Error("failed to claim raw listings", "claim_id", claimID, "count", len(ids), "error", err)
		return nil, err
	}
	if len(claimed) != len(ids) {
		r.logger.Warn("claim lost rows to a concurrent writer",
			"claim_id", claimID, "requested", len(ids), "claimed", len(claimed))
	}
	return claimed, nil
}

// ClaimedByDescriptor lists the rows still claimed under claimID.
func (r *rawListingRepo) ClaimedByDescriptor(ctx context.Context, claimID uuid.UUID) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	err := r.db.SelectContext(ctx, &ids,
		`SELECT id FROM raw_listings WHERE status = 'claimed' AND claim_id = $1 ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *rawListingRepo) MarkExtracted(ctx context.Context, rawID, listingID uuid.UUID) error {
	return markExtracted(ctx, r.db, rawID, listingID)
}

func markExtracted(ctx context.Context, ex sqlx.ExecerContext, rawID, listingID uuid.UUID) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE raw_listings
		SET status = 'extracted', extracted_listing_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'claimed'`, rawID, listingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark extracted %s: %w", rawID, ErrNotClaimed)
	}
	return nil
}

// ResetStaleClaims returns claimed rows older than olderThan to unclaimed,
// unless their claim belongs to an active batch job or to one of keep.
func (r *rawListingRepo) ResetStaleClaims(ctx context.Context, olderThan time.Time, keep []uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE raw_listings r
		SET status = 'unclaimed', claim_id = NULL, claimed_at = NULL, updated_at = now()
		WHERE r.status = 'claimed'
		  AND r.claimed_at < $1
		  AND NOT (r.claim_id = ANY($2::uuid[]))
		  AND NOT EXISTS (
		      SELECT 1 FROM batch_jobs j
		      WHERE j.descriptor_id = r.claim_id AND j.status = ANY($3::text[])
		  )`,
		olderThan, pq.Array(uuidStrings(keep)), pq.Array(constants.JobStatusStrings(constants.ActiveJobStatuses)))
	if err != nil {
		r.logger.Error("failed to reset stale claims", "older_than", olderThan, "error", err)
		return 0, err
	}
	return res.RowsAffected()
}

func (r *rawListingRepo) CountByStatus(ctx context.Context) (map[constants.RawStatus]int64, error) {
	var rows []struct {
		Status constants.RawStatus `db:"status"`
		N      int64               `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT status, count(*) AS n FROM raw_listings GROUP BY status`); err != nil {
		return nil, err
	}
	out := make(map[constants.RawStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
