package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
)

// ErrDuplicateListing is returned by Insert when (source, external_id) already exists.
var ErrDuplicateListing = errors.New("duplicate listing")

var (
	listingFields = []string{
		"id", "raw_id", "price", "currency", "url", "source", "external_id", "make", "model", "year", "trim",
		"color", "fuel_type", "doors", "transmission", "engine", "body_type", "odometer_km", "steering", "other_info",
		"ignore", "created_at",
	}
	listingColumns = strings.Join(listingFields, ", ")
)

// CommitOutcome tells how CommitExtraction resolved a raw listing.
type CommitOutcome string

const (
	CommitInserted  CommitOutcome = "inserted"
	CommitDuplicate CommitOutcome = "duplicate"
)

type ListingRepository interface {
	Insert(ctx context.Context, l *entity.Listing) (uuid.UUID, error)
	ExistsByExternalID(ctx context.Context, source, externalID string) (bool, error)
	GetBySourceExternalID(ctx context.Context, source, externalID string) (*entity.Listing, error)
	CommitExtraction(ctx context.Context, rawID, claimID uuid.UUID, l *entity.Listing) (CommitOutcome, uuid.UUID, error)
	UniqueValues(ctx context.Context, attr constants.Attribute) ([]string, error)
	QueryByFilter(ctx context.Context, f *Filter, limit int) ([]*entity.Listing, error)
	PriceRange(ctx context.Context, f *Filter) (*entity.PriceRange, error)
}

type listingRepo struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewListingRepository(db *sqlx.DB, logger *slog.Logger) ListingRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &listingRepo{db: db, logger: logger}
}

// Insert stores a listing; a (source, external_id) collision yields ErrDuplicateListing.
func (r *listingRepo) Insert(ctx context.Context, l *entity.Listing) (uuid.UUID, error) {
	id, err := insertListing(ctx, r.db, l)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%s/%s: %w", l.Source, l.ExternalID, ErrDuplicateListing)
	}
	if err != nil {
		r.logger.Error("failed to insert listing", "source", l.Source, "external_id", l.ExternalID, "error", err)
		return uuid.Nil, err
	}
	return id, nil
}

// insertListing returns sql.ErrNoRows when the unique key already exists.
func insertListing(ctx context.Context, q sqlx.QueryerContext, l *entity.Listing) (uuid.UUID, error) {
	var id uuid.UUID
	err := sqlx.GetContext(ctx, q, &id,
		`INSERT INTO listings (raw_id, price, currency, url, source, external_id, make, model, year, trim,
			color, fuel_type, doors, transmission, engine, body_type, odometer_km, steering, other_info, ignore)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (source, external_id) DO NOTHING
		RETURNING id`,
		l.RawID, l.Price, l.Currency, l.URL, l.Source, l.ExternalID, l.Make, l.Model, l.Year, l.Trim,
		l.Color, l.FuelType, l.Doors, l.Transmission, l.Engine, l.BodyType, l.OdometerKM, l.Steering, l.OtherInfo, l.Ignore,
	)
	return id, err
}

func (r *listingRepo) ExistsByExternalID(ctx context.Context, source, externalID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM listings WHERE source = $1 AND external_id = $2)`, source, externalID)
	if err != nil {
		r.logger.Error("failed to check listing existence", "source", source, "external_id", externalID, "error", err)
		return false, err
	}
	return exists, nil
}

func (r *listingRepo) GetBySourceExternalID(ctx context.Context, source, externalID string) (*entity.Listing, error) {
	var row entity.Listing
	err := r.db.GetContext(ctx, &row,
		`SELECT `+listingColumns+` FROM listings WHERE source = $1 AND external_id = $2`, source, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s/%s: %w", source, externalID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CommitExtraction inserts l and marks rawID extracted in one transaction.
// The raw row must still be claimed by claimID. When the listing already
// exists the raw row is linked to the stored listing instead.
func (r *listingRepo) CommitExtraction(ctx context.Context, rawID, claimID uuid.UUID, l *entity.Listing) (CommitOutcome, uuid.UUID, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur struct {
		Status  constants.RawStatus `db:"status"`
		ClaimID *uuid.UUID          `db:"claim_id"`
	}
	err = tx.GetContext(ctx, &cur, `SELECT status, claim_id FROM raw_listings WHERE id = $1 FOR UPDATE`, rawID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", uuid.Nil, fmt.Errorf("raw listing %s: %w", rawID, ErrNotFound)
	}
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("lock raw listing: %w", err)
	}
	if cur.Status != constants.RawStatusClaimed {
		return "", uuid.Nil, fmt.Errorf("raw listing %s is %s: %w", rawID, cur.Status, ErrNotClaimed)
	}
	if cur.ClaimID == nil || *cur.ClaimID != claimID {
		return "", uuid.Nil, fmt.Errorf("raw listing %s is claimed by another descriptor: %w", rawID, ErrNotClaimed)
	}

	l.RawID = rawID
	outcome := CommitInserted
	id, err := insertListing(ctx, tx, l)
	if errors.Is(err, sql.ErrNoRows) {
		outcome = CommitDuplicate
		err = tx.GetContext(ctx, &id,
			`SELECT id FROM listings WHERE source = $1 AND external_id = $2`, l.Source, l.ExternalID)
	}
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("insert listing: %w", err)
	}

	if err := markExtracted(ctx, tx, rawID, id); err != nil {
		return "", uuid.Nil, err
	}
	if err := tx.Commit(); err != nil {
		return "", uuid.Nil, fmt.Errorf("commit extraction: %w", err)
	}

	if outcome == CommitDuplicate {
		r.logger.Info("listing already stored, raw linked to existing row",
			"raw_id", rawID, "listing_id", id, "source", l.Source, "external_id", l.ExternalID)
	}
	return outcome, id, nil
}

func (r *listingRepo) UniqueValues(ctx context.Context, attr constants.Attribute) ([]string, error) {
	if _, err := constants.ParseAttribute(string(attr)); err != nil {
		return nil, err
	}
	col := attr.Column()
	query, args := entsql.Dialect(dialect.Postgres).
		Select("CAST(" + col + " AS text) AS value").
		Distinct().
		From(entsql.Table("listings")).
		Where(entsql.NotNull(col)).
		OrderBy("value").
		Query()
	values := make([]string, 0)
	if err := r.db.SelectContext(ctx, &values, query, args...); err != nil {
		r.logger.Error("failed to list unique values", "attribute", attr, "error", err)
		return nil, err
	}
	return values, nil
}

func (r *listingRepo) QueryByFilter(ctx context.Context, f *Filter, limit int) ([]*entity.Listing, error) {
	s := selectListings(f, listingFields...).OrderBy("created_at", "id")
	if limit > 0 {
		s.Limit(limit)
	}
	query, args := s.Query()
	rows := make([]*entity.Listing, 0)
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("failed to query listings", "error", err)
		return nil, err
	}
	return rows, nil
}

func (r *listingRepo) PriceRange(ctx context.Context, f *Filter) (*entity.PriceRange, error) {
	query, args := selectListings(f,
		"COALESCE(MIN(price), 0) AS min_price",
		"COALESCE(MAX(price), 0) AS max_price",
		"COUNT(*) AS n",
	).Query()
	var out entity.PriceRange
	if err := r.db.GetContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get price range: %w", err)
	}
	return &out, nil
}
