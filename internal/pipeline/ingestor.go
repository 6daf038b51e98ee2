package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
)

// Ingestor commits batch output lines to the listing store.
type Ingestor struct {
	listings        ListingStore
	validator       *llm.Validator
	defaultCurrency string
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func NewIngestor(listings ListingStore, v *llm.Validator, defaultCurrency string, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = llm.NewListingValidator()
	}
	return &Ingestor{listings: listings, validator: v, defaultCurrency: defaultCurrency, metrics: m, logger: logger}
}

// Ingest commits every line of a batch output payload produced for the
// descriptor claimID. A line that cannot be used is counted and skipped;
// only store errors abort the payload.
func (i *Ingestor) Ingest(ctx context.Context, claimID uuid.UUID, payload []byte) (IngestResult, error) {
	var res IngestResult
	start := time.Now()

	err := llm.ScanLines(payload, func(n int, line []byte) error {
		var out llm.OutputLine
		if err := json.Unmarshal(line, &out); err != nil {
			i.lineFailed(&res, n, "", fmt.Errorf("decode envelope: %w", err))
			return nil
		}
		rawID, err := uuid.Parse(out.CustomID)
		if err != nil {
			i.lineFailed(&res, n, out.CustomID, fmt.Errorf("bad custom_id: %w", err))
			return nil
		}
		if reason := out.Failure(); reason != "" {
			i.lineFailed(&res, n, out.CustomID, errors.New(reason))
			return nil
		}
		content, err := llm.FirstChoiceContent(out.Response.Body)
		if err != nil {
			i.lineFailed(&res, n, out.CustomID, err)
			return nil
		}

		outcome, err := i.CommitContent(ctx, rawID, claimID, []byte(content))
		switch {
		case err == nil:
			res.count(outcome)
		case errors.Is(err, repository.ErrNotClaimed):
			res.Skipped++
			i.logger.Debug("pipeline.ingest.skip", "line", n, "raw_id", rawID, "error", err)
		case errors.Is(err, llm.ErrInvalidOutput), errors.Is(err, repository.ErrNotFound):
			i.lineFailed(&res, n, out.CustomID, err)
		default:
			return fmt.Errorf("line %d raw %s: %w", n, rawID, err)
		}
		return nil
	})

	i.metrics.Ingested("succeeded", res.Succeeded)
	i.metrics.Ingested("duplicate", res.Duplicates)
	i.metrics.Ingested("failed", res.Failed)
	i.metrics.Ingested("skipped", res.Skipped)
	if err != nil {
		return res, err
	}
	i.logger.Info("pipeline.ingest.done",
		"succeeded", res.Succeeded, "duplicates", res.Duplicates, "failed", res.Failed, "skipped", res.Skipped,
		"elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

// CommitContent decodes the model's JSON content and commits it for rawID.
func (i *Ingestor) CommitContent(ctx context.Context, rawID, claimID uuid.UUID, content []byte) (repository.CommitOutcome, error) {
	fields, _, err := llm.DecodeListing(content, i.validator, i.defaultCurrency, i.logger)
	if err != nil {
		return "", err
	}
	return i.CommitFields(ctx, rawID, claimID, fields)
}

// CommitFields stores fields as the listing extracted from rawID. The record
// must still be claimed by claimID.
func (i *Ingestor) CommitFields(ctx context.Context, rawID, claimID uuid.UUID, fields llm.ListingFields) (repository.CommitOutcome, error) {
	outcome, id, err := i.listings.CommitExtraction(ctx, rawID, claimID, fields.Listing(i.defaultCurrency))
	if err != nil {
		return "", err
	}
	i.logger.Debug("pipeline.ingest.commit", "raw_id", rawID, "listing_id", id, "outcome", outcome)
	return outcome, nil
}

func (i *Ingestor) lineFailed(res *IngestResult, n int, customID string, err error) {
	res.Failed++
	i.logger.Warn("pipeline.ingest.line_failed", "line", n, "custom_id", customID, "error", err)
}

func (r *IngestResult) count(o repository.CommitOutcome) {
	if o == repository.CommitDuplicate {
		r.Duplicates++
		return
	}
	r.Succeeded++
}
