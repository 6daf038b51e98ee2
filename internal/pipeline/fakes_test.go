package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
	"github.com/joseph-ayodele/listings-pipeline/internal/spool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSpool(t *testing.T) *spool.Spool {
	t.Helper()
	sp, err := spool.Open(context.Background(), filepath.Join(t.TempDir(), "spool.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

// memStore is an in-memory raw listing, listing and batch job store.
type memStore struct {
	mu        sync.Mutex
	raws      map[uuid.UUID]*entity.RawListing
	order     []uuid.UUID
	listings  map[uuid.UUID]*entity.Listing
	byExt     map[string]uuid.UUID
	jobs      map[uuid.UUID]*entity.BatchJob
	mutations int
	clock     time.Time

	// steal, when set, returns ids another writer claims first.
	steal    func(ids []uuid.UUID) []uuid.UUID
	fetchErr error
}

func newMemStore() *memStore {
	return &memStore{
		raws:     make(map[uuid.UUID]*entity.RawListing),
		listings: make(map[uuid.UUID]*entity.Listing),
		byExt:    make(map[string]uuid.UUID),
		jobs:     make(map[uuid.UUID]*entity.BatchJob),
		clock:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) addRaw(text string) *entity.RawListing {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Second)
	r := &entity.RawListing{
		ID:        uuid.New(),
		Text:      text,
		Status:    constants.RawStatusUnclaimed,
		CreatedAt: m.clock,
		UpdatedAt: m.clock,
	}
	m.raws[r.ID] = r
	m.order = append(m.order, r.ID)
	return r
}

func (m *memStore) seed(n int) []*entity.RawListing {
	out := make([]*entity.RawListing, n)
	for i := range out {
		out[i] = m.addRaw(fmt.Sprintf("Toyota Corolla 2020 listing %d", i))
	}
	return out
}

func (m *memStore) raw(id uuid.UUID) entity.RawListing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.raws[id]
}

func (m *memStore) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *memStore) listingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listings)
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*entity.RawListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raws[id]
	if !ok {
		return nil, fmt.Errorf("raw listing %s: %w", id, repository.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FetchUnclaimed(_ context.Context, limit int, after *entity.Cursor) ([]*entity.RawListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []*entity.RawListing
	for _, id := range m.order {
		r := m.raws[id]
		if r.Status != constants.RawStatusUnclaimed {
			continue
		}
		if after != nil && !r.CreatedAt.After(after.CreatedAt) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListUnclaimed(_ context.Context, offset, limit int) ([]*entity.RawListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.RawListing
	skipped := 0
	for _, id := range m.order {
		r := m.raws[id]
		if r.Status != constants.RawStatusUnclaimed {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Claim(_ context.Context, claimID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steal != nil {
		other := uuid.New()
		for _, id := range m.steal(ids) {
			if r := m.raws[id]; r != nil && r.Status == constants.RawStatusUnclaimed {
				r.Status = constants.RawStatusClaimed
				r.ClaimID = &other
			}
		}
	}
	var got []uuid.UUID
	for _, id := range ids {
		r := m.raws[id]
		if r == nil || r.Status != constants.RawStatusUnclaimed {
			continue
		}
		cid := claimID
		at := m.clock
		r.Status = constants.RawStatusClaimed
		r.ClaimID = &cid
		r.ClaimedAt = &at
		got = append(got, id)
	}
	m.mutations++
	return got, nil
}

func (m *memStore) ClaimedByDescriptor(_ context.Context, claimID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range m.order {
		r := m.raws[id]
		if r.Status == constants.RawStatusClaimed && r.ClaimID != nil && *r.ClaimID == claimID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) ResetStaleClaims(_ context.Context, olderThan time.Time, keep []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make(map[uuid.UUID]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	var n int64
	for _, r := range m.raws {
		if r.Status != constants.RawStatusClaimed || r.ClaimedAt == nil || !r.ClaimedAt.Before(olderThan) {
			continue
		}
		if r.ClaimID != nil && kept[*r.ClaimID] {
			continue
		}
		r.Status = constants.RawStatusUnclaimed
		r.ClaimID = nil
		r.ClaimedAt = nil
		n++
	}
	m.mutations++
	return n, nil
}

func (m *memStore) CommitExtraction(_ context.Context, rawID, claimID uuid.UUID, l *entity.Listing) (repository.CommitOutcome, uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raws[rawID]
	if !ok {
		return "", uuid.Nil, fmt.Errorf("raw listing %s: %w", rawID, repository.ErrNotFound)
	}
	if r.Status != constants.RawStatusClaimed || r.ClaimID == nil || *r.ClaimID != claimID {
		return "", uuid.Nil, fmt.Errorf("raw listing %s is %s: %w", rawID, r.Status, repository.ErrNotClaimed)
	}
	outcome := repository.CommitInserted
	key := l.Source + "/" + l.ExternalID
	id, dup := m.byExt[key]
	if dup {
		outcome = repository.CommitDuplicate
	} else {
		id = uuid.New()
		cp := *l
		cp.ID = id
		cp.RawID = rawID
		m.listings[id] = &cp
		m.byExt[key] = id
	}
	r.Status = constants.RawStatusExtracted
	r.ExtractedListingID = &id
	m.mutations++
	return outcome, id, nil
}

func (m *memStore) Create(_ context.Context, job *entity.BatchJob) (*entity.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.ID = uuid.New()
	cp.CreatedAt = m.clock
	cp.UpdatedAt = m.clock
	m.jobs[cp.ID] = &cp
	m.mutations++
	out := cp
	return &out, nil
}

func (m *memStore) ListActive(_ context.Context) ([]*entity.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.BatchJob
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ActiveDescriptorIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() {
			out = append(out, j.DescriptorID)
		}
	}
	return out, nil
}

func (m *memStore) Touch(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = j.UpdatedAt.Add(time.Second)
	}
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, from constants.JobStatus, upd repository.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !from.CanTransitionTo(upd.Status) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, upd.Status)
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = upd.Status
	j.RemoteStatus = upd.RemoteStatus
	if upd.OutputFileID != nil {
		j.OutputFileID = upd.OutputFileID
	}
	if upd.ErrorFileID != nil {
		j.ErrorFileID = upd.ErrorFileID
	}
	m.mutations++
	return true, nil
}

func (m *memStore) job(handle string) entity.BatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Handle == handle {
			return *j
		}
	}
	return entity.BatchJob{}
}

// fakeBatchService is an in-memory completion service batch API.
type fakeBatchService struct {
	mu        sync.Mutex
	seq       int
	files     map[string][]byte
	batches   map[string]*llm.Batch
	gets      map[string]int
	getErr    error
	uploadErr error
}

func newFakeBatchService() *fakeBatchService {
	return &fakeBatchService{
		files:   make(map[string][]byte),
		batches: make(map[string]*llm.Batch),
		gets:    make(map[string]int),
	}
}

func (f *fakeBatchService) UploadBatchFile(_ context.Context, _ string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.seq++
	id := fmt.Sprintf("file-%d", f.seq)
	f.files[id] = append([]byte(nil), payload...)
	return id, nil
}

func (f *fakeBatchService) CreateBatch(_ context.Context, req llm.CreateBatchRequest) (*llm.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[req.InputFileID]; !ok {
		return nil, errors.New("no such file")
	}
	f.seq++
	b := &llm.Batch{
		ID:               fmt.Sprintf("batch-%d", f.seq),
		Status:           "validating",
		Endpoint:         req.Endpoint,
		InputFileID:      req.InputFileID,
		CompletionWindow: req.CompletionWindow,
		Metadata:         req.Metadata,
	}
	f.batches[b.ID] = b
	cp := *b
	return &cp, nil
}

func (f *fakeBatchService) GetBatch(_ context.Context, id string) (*llm.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[id]++
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.batches[id]
	if !ok {
		return nil, errors.New("no such batch")
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBatchService) FileContent(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[id]
	if !ok {
		return nil, errors.New("no such file")
	}
	return b, nil
}

func (f *fakeBatchService) input(handle string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[f.batches[handle].InputFileID]
}

func (f *fakeBatchService) setStatus(handle, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[handle].Status = status
}

func (f *fakeBatchService) complete(handle string, output []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("file-%d", f.seq)
	f.files[id] = output
	f.batches[handle].Status = "completed"
	f.batches[handle].OutputFileID = id
}

func (f *fakeBatchService) pollCount(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[handle]
}

func listingContent(externalID string) string {
	b, _ := json.Marshal(map[string]any{
		"price":       18500,
		"currency":    "usd",
		"url":         "https://auto.mercadolibre.com.ar/" + externalID,
		"source":      "mercadolibre.com.ar",
		"external_id": externalID,
		"make":        "Toyota",
		"model":       "Corolla",
		"year":        "2020",
		"trim":        "1.8 XEI",
		"ignore":      false,
	})
	return string(b)
}

// outputLine renders one batch output line carrying content as the first choice.
func outputLine(customID, content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}, "finish_reason": "stop"}},
	})
	line, _ := json.Marshal(map[string]any{
		"id":        "batch_req_" + customID,
		"custom_id": customID,
		"response":  map[string]any{"status_code": 200, "request_id": "req-" + customID, "body": json.RawMessage(body)},
		"error":     nil,
	})
	return string(line)
}

// echoOutput answers every request line of input with a valid listing whose
// external id is derived from the custom id.
func echoOutput(t *testing.T, input []byte) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, llm.ScanLines(input, func(_ int, line []byte) error {
		var req llm.RequestLine
		if err := json.Unmarshal(line, &req); err != nil {
			return err
		}
		out = append(out, outputLine(req.CustomID, listingContent("MLA-"+req.CustomID))...)
		out = append(out, '\n')
		return nil
	}))
	return out
}

// recordingSink collects submitted descriptors without calling a service.
type recordingSink struct {
	mu          sync.Mutex
	descriptors []*spool.Descriptor
	err         error
}

func (s *recordingSink) Submit(_ context.Context, d *spool.Descriptor) (*entity.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.descriptors = append(s.descriptors, d)
	return &entity.BatchJob{Handle: "handle-" + d.ID.String(), DescriptorID: d.ID}, nil
}
