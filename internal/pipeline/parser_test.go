package pipeline_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/pipeline"
)

// fakeExtractor answers with a listing whose external id is the listing
// text, and fails for text containing "garbled".
type fakeExtractor struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeExtractor) ExtractListing(_ context.Context, req llm.ExtractRequest) (llm.ListingFields, []byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if strings.Contains(req.Text, "garbled") {
		return llm.ListingFields{}, nil, fmt.Errorf("%w: schema validation failed", llm.ErrInvalidOutput)
	}
	content := listingContent("MLA-" + strings.ReplaceAll(req.Text, " ", "-"))
	return llm.DecodeListing([]byte(content), nil, "ARS", discardLogger())
}

func newParser(store *memStore, ex llm.ListingExtractor) *pipeline.Parser {
	ing := pipeline.NewIngestor(store, nil, "ARS", nil, discardLogger())
	return pipeline.NewParser(store, ex, ing, "ARS", discardLogger())
}

func TestParser_ParseOne(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := store.addRaw("Ford Ka 2015")
	ex := &fakeExtractor{}

	res, err := newParser(store, ex).ParseOne(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.IngestResult{Succeeded: 1}, res)

	got := store.raw(r.ID)
	assert.Equal(t, constants.RawStatusExtracted, got.Status)
	require.NotNil(t, got.ExtractedListingID)
	assert.Equal(t, "MLA-Ford-Ka-2015", store.listings[*got.ExtractedListingID].ExternalID)

	// already extracted: no second model call
	res, err = newParser(store, ex).ParseOne(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.IngestResult{Skipped: 1}, res)
	assert.Equal(t, 1, ex.calls)
}

func TestParser_ParseOneUnknownID(t *testing.T) {
	_, err := newParser(newMemStore(), &fakeExtractor{}).ParseOne(context.Background(), uuid.New())
	require.Error(t, err)
}

func TestParser_ParseRange(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	raws := []string{"first", "second", "garbled third", "fourth", "fifth"}
	ids := make([]uuid.UUID, len(raws))
	for i, text := range raws {
		ids[i] = store.addRaw(text).ID
	}

	res, err := newParser(store, &fakeExtractor{}).ParseRange(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, pipeline.IngestResult{Succeeded: 2, Failed: 1}, res)

	assert.Equal(t, constants.RawStatusUnclaimed, store.raw(ids[0]).Status)
	assert.Equal(t, constants.RawStatusExtracted, store.raw(ids[1]).Status)
	assert.Equal(t, constants.RawStatusClaimed, store.raw(ids[2]).Status, "failed extraction stays claimed until swept")
	assert.Equal(t, constants.RawStatusExtracted, store.raw(ids[3]).Status)
	assert.Equal(t, constants.RawStatusUnclaimed, store.raw(ids[4]).Status)
}

func TestParser_ParseRangeInvalid(t *testing.T) {
	p := newParser(newMemStore(), &fakeExtractor{})
	_, err := p.ParseRange(context.Background(), -1, 10)
	require.ErrorIs(t, err, pipeline.ErrInvalidArgument)
	_, err = p.ParseRange(context.Background(), 0, 0)
	require.ErrorIs(t, err, pipeline.ErrInvalidArgument)
}

func TestParser_SkipsRecordsClaimedByABatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := store.addRaw("Peugeot 208")
	_, err := store.Claim(ctx, uuid.New(), []uuid.UUID{r.ID})
	require.NoError(t, err)
	ex := &fakeExtractor{}

	res, err := newParser(store, ex).ParseOne(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.IngestResult{Skipped: 1}, res)
	assert.Zero(t, ex.calls)
}
