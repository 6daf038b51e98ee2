package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
	"github.com/joseph-ayodele/listings-pipeline/internal/spool"
)

// Sink receives every sealed descriptor. The Submitter is the production Sink.
type Sink interface {
	Submit(ctx context.Context, d *spool.Descriptor) (*entity.BatchJob, error)
}

type BuilderConfig struct {
	PageSize         int
	MaxRecordsPerJob int
	Model            string
	Temperature      float32
	Endpoint         string // request line url, e.g. /v1/chat/completions
	DefaultCurrency  string
}

func (c BuilderConfig) validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("%w: page size must be > 0, got %d", ErrInvalidArgument, c.PageSize)
	}
	if c.MaxRecordsPerJob <= 0 {
		return fmt.Errorf("%w: max records per job must be > 0, got %d", ErrInvalidArgument, c.MaxRecordsPerJob)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%w: empty request endpoint", ErrInvalidArgument)
	}
	return nil
}

// Builder groups unclaimed raw listings into job descriptors. Request lines
// are appended to the spool before their records are claimed; lines whose
// claim was won by another writer are dropped when the descriptor is sealed.
type Builder struct {
	cfg     BuilderConfig
	raws    RawStore
	spool   DescriptorSpool
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewBuilder(cfg BuilderConfig, raws RawStore, sp DescriptorSpool, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, raws: raws, spool: sp, sink: sink, metrics: m, logger: logger}
}

// Run finishes whatever an interrupted run left in the spool, then builds.
func (b *Builder) Run(ctx context.Context) ([]*spool.Descriptor, error) {
	if _, err := b.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover spool: %w", err)
	}
	return b.Build(ctx)
}

// Build drains the unclaimed set, returning the descriptors it flushed in
// order. On error the descriptors already flushed stand and the open one
// stays in the spool for Recover.
func (b *Builder) Build(ctx context.Context) ([]*spool.Descriptor, error) {
	if err := b.cfg.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	b.logger.Info("pipeline.build.start", "page_size", b.cfg.PageSize, "max_records", b.cfg.MaxRecordsPerJob)

	var (
		flushed []*spool.Descriptor
		cursor  *entity.Cursor
		open    uuid.UUID
		count   int
		claimed int
	)

	for {
		page, err := b.raws.FetchUnclaimed(ctx, b.cfg.PageSize, cursor)
		if err != nil {
			return flushed, fmt.Errorf("fetch unclaimed: %w", err)
		}
		if len(page) == 0 {
			break
		}
		cursor = entity.CursorOf(page[len(page)-1])

		for len(page) > 0 {
			if open == uuid.Nil {
				if open, err = b.spool.Create(ctx); err != nil {
					return flushed, fmt.Errorf("create descriptor: %w", err)
				}
				count = 0
			}
			n := min(b.cfg.MaxRecordsPerJob-count, len(page))
			got, err := b.claimChunk(ctx, open, page[:n])
			if err != nil {
				return flushed, err
			}
			page = page[n:]
			count += got
			claimed += got

			if count >= b.cfg.MaxRecordsPerJob {
				d, err := b.flush(ctx, open)
				if err != nil {
					return flushed, err
				}
				flushed = append(flushed, d)
				open = uuid.Nil
			}
		}
	}

	if open != uuid.Nil {
		if count == 0 {
			if err := b.spool.Delete(ctx, open); err != nil {
				return flushed, fmt.Errorf("delete empty descriptor: %w", err)
			}
		} else {
			d, err := b.flush(ctx, open)
			if err != nil {
				return flushed, err
			}
			flushed = append(flushed, d)
		}
	}

	b.logger.Info("pipeline.build.done",
		"descriptors", len(flushed), "claimed", claimed, "elapsed_ms", time.Since(start).Milliseconds())
	return flushed, nil
}

// claimChunk writes request lines for chunk and then claims the records
// under the descriptor id. It returns how many records were claimed.
func (b *Builder) claimChunk(ctx context.Context, descriptorID uuid.UUID, chunk []*entity.RawListing) (int, error) {
	lines := make([]spool.Line, 0, len(chunk))
	ids := make([]uuid.UUID, 0, len(chunk))
	for _, r := range chunk {
		payload, err := b.render(r)
		if err != nil {
			b.logger.Warn("pipeline.build.render_failed", "raw_id", r.ID, "error", err)
			continue
		}
		lines = append(lines, spool.Line{CustomID: r.ID.String(), Payload: payload})
		ids = append(ids, r.ID)
	}
	if len(lines) == 0 {
		return 0, nil
	}

	if err := b.spool.Append(ctx, descriptorID, lines); err != nil {
		return 0, fmt.Errorf("append descriptor %s: %w", descriptorID, err)
	}
	got, err := b.raws.Claim(ctx, descriptorID, ids)
	if err != nil {
		return 0, fmt.Errorf("claim records: %w", err)
	}
	if err := b.spool.MarkClaimed(ctx, descriptorID, idStrings(got)); err != nil {
		return 0, fmt.Errorf("mark claimed %s: %w", descriptorID, err)
	}
	if lost := len(ids) - len(got); lost > 0 {
		b.logger.Warn("pipeline.build.claim_lost", "descriptor_id", descriptorID, "lost", lost)
	}
	b.metrics.Claimed(len(got))
	return len(got), nil
}

func (b *Builder) render(r *entity.RawListing) ([]byte, error) {
	return llm.EncodeRequestLine(llm.RequestLine{
		CustomID: r.ID.String(),
		Method:   "POST",
		URL:      b.cfg.Endpoint,
		Body:     llm.ChatRequestBody(b.cfg.Model, b.cfg.Temperature, r.Text, b.cfg.DefaultCurrency),
	})
}

// flush seals the descriptor and hands it to the sink.
func (b *Builder) flush(ctx context.Context, id uuid.UUID) (*spool.Descriptor, error) {
	dropped, err := b.spool.DropUnclaimed(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("drop unclaimed %s: %w", id, err)
	}
	if err := b.spool.Seal(ctx, id); err != nil {
		return nil, fmt.Errorf("seal %s: %w", id, err)
	}
	d, err := b.spool.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	b.metrics.Flushed()
	b.logger.Info("pipeline.build.flush", "descriptor_id", id, "lines", len(d.Lines), "dropped", dropped)

	if err := b.submit(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *Builder) submit(ctx context.Context, d *spool.Descriptor) error {
	if b.sink == nil {
		return nil
	}
	job, err := b.sink.Submit(ctx, d)
	if err != nil {
		return fmt.Errorf("submit descriptor %s: %w", d.ID, err)
	}
	b.logger.Info("pipeline.build.submitted", "descriptor_id", d.ID, "job_handle", job.Handle)
	return nil
}

// Recover reconciles open descriptors with the store, seals what an
// interrupted run left behind and resubmits every sealed descriptor. It
// returns how many descriptors were resubmitted.
func (b *Builder) Recover(ctx context.Context) (int, error) {
	pending, err := b.spool.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range pending {
		if d.State != spool.StateOpen {
			continue
		}
		// the claim may have committed without MarkClaimed following it
		ids, err := b.raws.ClaimedByDescriptor(ctx, d.ID)
		if err != nil {
			return 0, fmt.Errorf("claimed by %s: %w", d.ID, err)
		}
		if len(ids) == 0 {
			continue
		}
		if err := b.spool.MarkClaimed(ctx, d.ID, idStrings(ids)); err != nil {
			return 0, fmt.Errorf("mark claimed %s: %w", d.ID, err)
		}
	}

	sealed, err := b.spool.Recover(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range sealed {
		if d.State != spool.StateSealed {
			continue
		}
		b.logger.Info("pipeline.build.resubmit", "descriptor_id", d.ID, "lines", len(d.Lines))
		if err := b.submit(ctx, d); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
