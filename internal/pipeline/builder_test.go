package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/listings-pipeline/internal/spool"
)

func builderConfig(pageSize, maxRecords int) pipeline.BuilderConfig {
	return pipeline.BuilderConfig{
		PageSize:         pageSize,
		MaxRecordsPerJob: maxRecords,
		Model:            "gpt-4o-mini",
		Temperature:      0.3,
		Endpoint:         "/v1/chat/completions",
		DefaultCurrency:  "ARS",
	}
}

func descriptorSizes(ds []*spool.Descriptor) []int {
	out := make([]int, len(ds))
	for i, d := range ds {
		out[i] = d.ClaimedCount()
	}
	return out
}

func TestBuilder_SplitsAtMaxRecordsPerJob(t *testing.T) {
	cases := []struct {
		name     string
		pageSize int
	}{
		{"single page", 1200},
		{"many pages", 100},
		{"pages straddle the boundary", 333},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := newMemStore()
			raws := store.seed(1200)
			sp := openSpool(t)

			b := pipeline.NewBuilder(builderConfig(tc.pageSize, 500), store, sp, nil, nil, discardLogger())
			ds, err := b.Build(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int{500, 500, 200}, descriptorSizes(ds))

			seen := make(map[string]uuid.UUID)
			for _, d := range ds {
				assert.Equal(t, spool.StateSealed, d.State)
				for _, l := range d.Lines {
					prev, dup := seen[l.CustomID]
					require.False(t, dup, "record %s in descriptors %s and %s", l.CustomID, prev, d.ID)
					seen[l.CustomID] = d.ID
				}
			}
			require.Len(t, seen, len(raws))
			for _, r := range raws {
				got := store.raw(r.ID)
				assert.Equal(t, constants.RawStatusClaimed, got.Status)
				require.NotNil(t, got.ClaimID)
				assert.Equal(t, seen[r.ID.String()], *got.ClaimID, "claim id is the descriptor id")
			}
		})
	}
}

func TestBuilder_OldestFirstAndLineFormat(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	raws := store.seed(3)

	b := pipeline.NewBuilder(builderConfig(2, 10), store, openSpool(t), nil, nil, discardLogger())
	ds, err := b.Build(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Len(t, ds[0].Lines, 3)

	for i, l := range ds[0].Lines {
		assert.Equal(t, raws[i].ID.String(), l.CustomID)

		var req llm.RequestLine
		require.NoError(t, json.Unmarshal(l.Payload, &req))
		assert.Equal(t, "POST", req.Method)
		assert.Equal(t, "/v1/chat/completions", req.URL)
		assert.Equal(t, "gpt-4o-mini", req.Body["model"])
		assert.InDelta(t, 0.3, req.Body["temperature"], 1e-6)

		msgs, ok := req.Body["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 2)
		user := msgs[1].(map[string]any)
		assert.Equal(t, "user", user["role"])
		assert.Contains(t, user["content"], raws[i].Text)

		rf := req.Body["response_format"].(map[string]any)
		schema := rf["json_schema"].(map[string]any)
		assert.Equal(t, llm.ListingSchemaName, schema["name"])
	}
}

func TestBuilder_EmptySetMakesNoMutation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sp := openSpool(t)
	sink := &recordingSink{}

	b := pipeline.NewBuilder(builderConfig(100, 500), store, sp, sink, nil, discardLogger())
	ds, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.Zero(t, store.mutationCount())
	assert.Empty(t, sink.descriptors)

	pending, err := sp.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBuilder_InvalidConfig(t *testing.T) {
	store := newMemStore()
	for _, cfg := range []pipeline.BuilderConfig{builderConfig(0, 500), builderConfig(100, 0), builderConfig(-1, -1)} {
		b := pipeline.NewBuilder(cfg, store, openSpool(t), nil, nil, discardLogger())
		_, err := b.Build(context.Background())
		require.ErrorIs(t, err, pipeline.ErrInvalidArgument)
	}
	assert.Zero(t, store.mutationCount())
}

func TestBuilder_DropsLinesWhoseClaimWasLost(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	raws := store.seed(10)

	stolen := map[uuid.UUID]bool{raws[1].ID: true, raws[4].ID: true, raws[7].ID: true}
	store.steal = func(ids []uuid.UUID) []uuid.UUID {
		var out []uuid.UUID
		for _, id := range ids {
			if stolen[id] {
				out = append(out, id)
			}
		}
		return out
	}

	b := pipeline.NewBuilder(builderConfig(100, 500), store, openSpool(t), nil, nil, discardLogger())
	ds, err := b.Build(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Len(t, ds[0].Lines, 7)
	for _, l := range ds[0].Lines {
		id := uuid.MustParse(l.CustomID)
		assert.False(t, stolen[id], "stolen record %s must not be in the descriptor", id)
		assert.True(t, l.Claimed)
		assert.Equal(t, ds[0].ID, *store.raw(id).ClaimID)
	}
}

func TestBuilder_AllClaimsLostLeavesNoDescriptor(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(5)
	store.steal = func(ids []uuid.UUID) []uuid.UUID { return ids }
	sp := openSpool(t)

	b := pipeline.NewBuilder(builderConfig(100, 500), store, sp, nil, nil, discardLogger())
	ds, err := b.Build(ctx)
	require.NoError(t, err)
	assert.Empty(t, ds)

	pending, err := sp.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBuilder_ConcurrentBuildersNeverShareRecords(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	raws := store.seed(300)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []*spool.Descriptor
	)
	for i := 0; i < 2; i++ {
		b := pipeline.NewBuilder(builderConfig(10, 50), store, openSpool(t), nil, nil, discardLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			ds, err := b.Build(ctx)
			assert.NoError(t, err)
			mu.Lock()
			all = append(all, ds...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, d := range all {
		assert.LessOrEqual(t, d.ClaimedCount(), 50)
		for _, l := range d.Lines {
			require.False(t, seen[l.CustomID], "record %s in two descriptors", l.CustomID)
			seen[l.CustomID] = true
		}
	}
	assert.Len(t, seen, len(raws))
	for _, r := range raws {
		assert.Equal(t, constants.RawStatusClaimed, store.raw(r.ID).Status)
	}
}

func TestBuilder_FetchErrorClaimsNothing(t *testing.T) {
	store := newMemStore()
	store.seed(3)
	store.fetchErr = errors.New("connection refused")

	b := pipeline.NewBuilder(builderConfig(100, 500), store, openSpool(t), nil, nil, discardLogger())
	ds, err := b.Build(context.Background())
	require.Error(t, err)
	assert.Empty(t, ds)
	assert.Zero(t, store.mutationCount())
}

func TestBuilder_SinkErrorKeepsSealedDescriptorForRecover(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(4)
	sp := openSpool(t)
	sink := &recordingSink{err: errors.New("upload failed")}

	b := pipeline.NewBuilder(builderConfig(100, 500), store, sp, sink, nil, discardLogger())
	_, err := b.Build(ctx)
	require.Error(t, err)

	pending, err := sp.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, spool.StateSealed, pending[0].State)
	assert.Equal(t, 4, pending[0].ClaimedCount())

	sink.err = nil
	n, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.descriptors, 1)
	assert.Equal(t, pending[0].ID, sink.descriptors[0].ID)
}

func TestBuilder_RecoverFinishesInterruptedDescriptor(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	raws := store.seed(3)
	sp := openSpool(t)

	// lines written and two claims committed, then the process died
	id, err := sp.Create(ctx)
	require.NoError(t, err)
	var lines []spool.Line
	for _, r := range raws {
		lines = append(lines, spool.Line{CustomID: r.ID.String(), Payload: []byte(`{"custom_id":"` + r.ID.String() + `"}`)})
	}
	require.NoError(t, sp.Append(ctx, id, lines))
	_, err = store.Claim(ctx, id, []uuid.UUID{raws[0].ID, raws[2].ID})
	require.NoError(t, err)

	// an open descriptor whose claim never happened
	empty, err := sp.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, sp.Append(ctx, empty, lines[1:2]))

	sink := &recordingSink{}
	b := pipeline.NewBuilder(builderConfig(100, 500), store, sp, sink, nil, discardLogger())
	n, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.descriptors, 1)
	d := sink.descriptors[0]
	assert.Equal(t, id, d.ID)
	require.Len(t, d.Lines, 2)
	assert.Equal(t, raws[0].ID.String(), d.Lines[0].CustomID)
	assert.Equal(t, raws[2].ID.String(), d.Lines[1].CustomID)

	_, err = sp.Load(ctx, empty)
	require.ErrorIs(t, err, spool.ErrNotFound)

	// the unclaimed record is picked up by the next build
	ds, err := b.Build(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, raws[1].ID.String(), ds[0].Lines[0].CustomID)
}
