package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
)

// Parser extracts listings synchronously, outside the batch cycle. Records
// are claimed under a fresh claim id first so a concurrent batch cannot
// pick them up; a record whose extraction fails stays claimed until swept.
type Parser struct {
	raws            RawStore
	extractor       llm.ListingExtractor
	ingestor        *Ingestor
	defaultCurrency string
	logger          *slog.Logger
}

func NewParser(raws RawStore, extractor llm.ListingExtractor, ing *Ingestor, defaultCurrency string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{raws: raws, extractor: extractor, ingestor: ing, defaultCurrency: defaultCurrency, logger: logger}
}

// ParseOne extracts a single raw listing.
func (p *Parser) ParseOne(ctx context.Context, id uuid.UUID) (IngestResult, error) {
	raw, err := p.raws.GetByID(ctx, id)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load raw listing %s: %w", id, err)
	}
	if raw.Status != constants.RawStatusUnclaimed {
		p.logger.Info("pipeline.parse.skip", "raw_id", id, "status", raw.Status)
		return IngestResult{Skipped: 1}, nil
	}
	return p.parse(ctx, []*entity.RawListing{raw})
}

// ParseRange extracts up to limit unclaimed listings starting at offset,
// oldest first.
func (p *Parser) ParseRange(ctx context.Context, offset, limit int) (IngestResult, error) {
	if offset < 0 || limit <= 0 {
		return IngestResult{}, fmt.Errorf("%w: offset %d limit %d", ErrInvalidArgument, offset, limit)
	}
	raws, err := p.raws.ListUnclaimed(ctx, offset, limit)
	if err != nil {
		return IngestResult{}, fmt.Errorf("list unclaimed: %w", err)
	}
	return p.parse(ctx, raws)
}

func (p *Parser) parse(ctx context.Context, raws []*entity.RawListing) (IngestResult, error) {
	var res IngestResult
	if len(raws) == 0 {
		return res, nil
	}
	start := time.Now()
	claimID := uuid.New()

	ids := make([]uuid.UUID, len(raws))
	for i, r := range raws {
		ids[i] = r.ID
	}
	got, err := p.raws.Claim(ctx, claimID, ids)
	if err != nil {
		return res, fmt.Errorf("claim records: %w", err)
	}
	claimed := make(map[uuid.UUID]bool, len(got))
	for _, id := range got {
		claimed[id] = true
	}
	p.logger.Info("pipeline.parse.start", "claim_id", claimID, "requested", len(raws), "claimed", len(got))

	for _, r := range raws {
		if !claimed[r.ID] {
			res.Skipped++
			continue
		}
		one, err := p.parseClaimed(ctx, claimID, r)
		if err != nil {
			return res, err
		}
		res.add(one)
	}

	p.logger.Info("pipeline.parse.done",
		"claim_id", claimID, "succeeded", res.Succeeded, "duplicates", res.Duplicates,
		"failed", res.Failed, "skipped", res.Skipped, "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (p *Parser) parseClaimed(ctx context.Context, claimID uuid.UUID, r *entity.RawListing) (IngestResult, error) {
	fields, _, err := p.extractor.ExtractListing(ctx, llm.ExtractRequest{Text: r.Text, DefaultCurrency: p.defaultCurrency})
	if err != nil {
		if ctx.Err() != nil {
			return IngestResult{}, ctx.Err()
		}
		p.logger.Warn("pipeline.parse.extract_failed", "raw_id", r.ID, "error", err)
		return IngestResult{Failed: 1}, nil
	}

	outcome, err := p.ingestor.CommitFields(ctx, r.ID, claimID, fields)
	switch {
	case err == nil:
		var one IngestResult
		one.count(outcome)
		return one, nil
	case errors.Is(err, repository.ErrNotClaimed):
		return IngestResult{Skipped: 1}, nil
	case errors.Is(err, repository.ErrNotFound):
		p.logger.Warn("pipeline.parse.commit_failed", "raw_id", r.ID, "error", err)
		return IngestResult{Failed: 1}, nil
	}
	return IngestResult{}, fmt.Errorf("commit %s: %w", r.ID, err)
}
