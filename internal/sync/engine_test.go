// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	gosync "sync"
	"testing"
	"time"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/models"
	"github.com/kimhsiao/mealsync/internal/sync/conflict"
	"github.com/kimhsiao/mealsync/internal/sync/metadata"
	"github.com/kimhsiao/mealsync/internal/sync/queue"
)

type batchFunc func(ctx context.Context, entityType models.EntityType, changes []PendingChange) (*BatchResponse, error)

type recordedCall struct {
	entityType models.EntityType
	changes    []PendingChange
}

// fakeTransport records every batch and answers with fn, or accepts everything.
type fakeTransport struct {
	mu    gosync.Mutex
	calls []recordedCall
	fn    batchFunc
}

func (f *fakeTransport) SyncBatch(ctx context.Context, entityType models.EntityType, changes []PendingChange) (*BatchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{entityType: entityType, changes: changes})
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return acceptAll(changes, 1_000), nil
	}
	return fn(ctx, entityType, changes)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func acceptAll(changes []PendingChange, serverTimestamp int64) *BatchResponse {
	resp := &BatchResponse{ServerTimestamp: serverTimestamp}
	for _, c := range changes {
		resp.Synced = append(resp.Synced, c.Record.ID)
	}
	return resp
}

type fakeLocalStore struct {
	mu      gosync.Mutex
	entries map[string]string
}

func (s *fakeLocalStore) ApplyServerState(_ context.Context, _ models.EntityType, entityID string, payload json.RawMessage, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entityID] = string(payload)
	return nil
}

type engineHarness struct {
	engine    *SyncEngine
	queue     *queue.Queue
	meta      *metadata.MemoryStore
	local     *fakeLocalStore
	transport *fakeTransport

	clockMu gosync.Mutex
	clock   int64
}

func (h *engineHarness) now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return time.UnixMilli(h.clock)
}

func (h *engineHarness) setClock(ms int64) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.clock = ms
}

func newEngineHarness(t *testing.T, cfg Config) *engineHarness {
	t.Helper()
	h := &engineHarness{
		meta:      metadata.NewMemoryStore(),
		local:     &fakeLocalStore{entries: make(map[string]string)},
		transport: &fakeTransport{},
		clock:     10_000,
	}
	h.queue = queue.NewQueue(queue.NewMemoryBackend(), h.meta, queue.Config{Now: h.now})
	resolver := conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins, conflict.Dependencies{
		Local:    h.local,
		Metadata: h.meta,
		Queue:    h.queue,
		Now:      h.now,
	})
	cfg.Now = h.now
	h.engine = NewSyncEngine(h.queue, h.meta, h.transport, resolver, cfg)
	return h
}

// enqueueAt queues a mutation whose local edit time is createdAt.
func (h *engineHarness) enqueueAt(t *testing.T, et models.EntityType, entityID string, op models.Operation, createdAt int64) int64 {
	t.Helper()
	h.clockMu.Lock()
	saved := h.clock
	h.clock = createdAt
	h.clockMu.Unlock()

	id, err := h.queue.Enqueue(context.Background(), et, entityID, op, json.RawMessage(`{"local":"`+entityID+`"}`))
	h.setClock(saved)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return id
}

func (h *engineHarness) queued(t *testing.T) []*models.SyncQueueRecord {
	t.Helper()
	recs, err := h.queue.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return recs
}

// =====================================================
// Pass Outcome Tests
// =====================================================

// TestSync_emptyQueue verifies a pass with nothing queued succeeds without requests.
func TestSync_emptyQueue(t *testing.T) {
	h := newEngineHarness(t, Config{})

	result, err := h.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !result.Success {
		t.Error("Success = false, want true")
	}
	if h.transport.callCount() != 0 {
		t.Errorf("transport called %d times, want 0", h.transport.callCount())
	}
	if h.engine.LastSync() == nil {
		t.Error("LastSync() = nil after successful pass")
	}
	if h.engine.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", h.engine.LastError())
	}
	if len(result.ByEntityType) != len(models.AllEntityTypes()) {
		t.Errorf("ByEntityType has %d entries, want %d", len(result.ByEntityType), len(models.AllEntityTypes()))
	}
}

// TestSync_syncedAndConflicted verifies synced records are pruned and a newer server state wins.
func TestSync_syncedAndConflicted(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()

	id1 := h.enqueueAt(t, models.EntityTypeMealPlan, "a", models.OperationCreate, 100)
	id2 := h.enqueueAt(t, models.EntityTypeMealPlan, "b", models.OperationUpdate, 200)
	id3 := h.enqueueAt(t, models.EntityTypeMealPlan, "c", models.OperationUpdate, 400)

	h.transport.fn = func(_ context.Context, et models.EntityType, changes []PendingChange) (*BatchResponse, error) {
		if et != models.EntityTypeMealPlan {
			t.Errorf("batch for %s, want MEAL_PLAN", et)
		}
		return &BatchResponse{
			Synced:          []int64{id1, id2},
			Conflicts:       []ConflictEntry{{ID: id3, ServerPayload: json.RawMessage(`{"server":"c"}`), ServerTimestamp: 500}},
			ServerTimestamp: 900,
		}, nil
	}

	result, err := h.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Synced != 2 || result.Conflicted != 1 || result.Failed != 0 {
		t.Errorf("counts = %d/%d/%d, want 2/1/0", result.Synced, result.Conflicted, result.Failed)
	}

	if recs := h.queued(t); len(recs) != 0 {
		t.Errorf("queue has %d records, want 0", len(recs))
	}
	if got := h.local.entries["c"]; got != `{"server":"c"}` {
		t.Errorf("local store for c = %q, want server payload", got)
	}

	meta, _ := h.meta.GetSyncMetadata(ctx, models.EntityTypeMealPlan, "c")
	if meta == nil || meta.ServerTimestamp != 500 {
		t.Errorf("metadata c = %+v, want ServerTimestamp 500", meta)
	}
	meta, _ = h.meta.GetSyncMetadata(ctx, models.EntityTypeMealPlan, "a")
	if meta == nil || meta.ServerTimestamp != 900 || meta.LastSyncedAt != 10_000 {
		t.Errorf("metadata a = %+v, want ServerTimestamp 900 LastSyncedAt 10000", meta)
	}
}

// TestSync_transportFailureLeavesQueueUntouched verifies no record or metadata changes on a failed request.
func TestSync_transportFailureLeavesQueueUntouched(t *testing.T) {
	h := newEngineHarness(t, Config{})
	for _, id := range []string{"1", "2", "3"} {
		h.enqueueAt(t, models.EntityTypeMeal, id, models.OperationUpdate, 100)
	}
	before := h.queued(t)

	h.transport.fn = func(context.Context, models.EntityType, []PendingChange) (*BatchResponse, error) {
		return nil, syncerrors.NewServerError(503, nil)
	}

	result, err := h.engine.Sync(context.Background())
	if !syncerrors.Is(err, syncerrors.ErrServer) {
		t.Fatalf("Sync() error = %v, want SERVER_ERROR", err)
	}
	if result == nil || result.Success || result.Error == "" {
		t.Errorf("result = %+v, want failed result with error text", result)
	}

	after := h.queued(t)
	if len(after) != len(before) {
		t.Fatalf("queue size %d -> %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.ID != b.ID || a.RetryCount != 0 || a.LastAttemptAt != nil || a.NextRetryAt != b.NextRetryAt {
			t.Errorf("record %d changed: %+v -> %+v", b.ID, b, a)
		}
	}
	if h.meta.Len() != 0 {
		t.Errorf("metadata has %d entries, want 0", h.meta.Len())
	}
	if !syncerrors.Is(h.engine.LastError(), syncerrors.ErrServer) {
		t.Errorf("LastError() = %v, want SERVER_ERROR", h.engine.LastError())
	}
	if h.engine.LastSync() != nil {
		t.Error("LastSync() set after failed pass")
	}
}

// TestSync_rawTransportErrorClassified verifies untyped errors are mapped onto the taxonomy.
func TestSync_rawTransportErrorClassified(t *testing.T) {
	h := newEngineHarness(t, Config{})
	h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)

	h.transport.fn = func(context.Context, models.EntityType, []PendingChange) (*BatchResponse, error) {
		return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	}

	_, err := h.engine.Sync(context.Background())
	se, ok := syncerrors.As(err)
	if !ok || se.Code != syncerrors.ErrNetwork || !se.Retryable() {
		t.Errorf("Sync() error = %v, want retryable NETWORK_ERROR", err)
	}
}

// TestSync_stopsRemainingTypesAfterFailure verifies later entity types are not submitted after a pass-level error.
func TestSync_stopsRemainingTypesAfterFailure(t *testing.T) {
	h := newEngineHarness(t, Config{Concurrency: 1})
	h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)
	h.enqueueAt(t, models.EntityTypeShoppingListItem, "s1", models.OperationCreate, 100)

	h.transport.fn = func(_ context.Context, et models.EntityType, changes []PendingChange) (*BatchResponse, error) {
		if et == models.EntityTypeMeal {
			return nil, syncerrors.NewTimeoutError(nil)
		}
		return acceptAll(changes, 1), nil
	}

	if _, err := h.engine.Sync(context.Background()); !syncerrors.Is(err, syncerrors.ErrTimeout) {
		t.Fatalf("Sync() error = %v, want TIMEOUT_ERROR", err)
	}
	for _, c := range h.transport.calls {
		if c.entityType != models.EntityTypeMeal {
			t.Errorf("unexpected batch for %s after failure", c.entityType)
		}
	}
	if n := len(h.queued(t)); n != 2 {
		t.Errorf("queue has %d records, want 2", n)
	}
}

// =====================================================
// Per-Record Outcome Tests
// =====================================================

// TestSync_rejections verifies client rejections are discarded and others are marked failed.
func TestSync_rejections(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()

	invalid := h.enqueueAt(t, models.EntityTypeShoppingListItem, "i1", models.OperationCreate, 100)
	busy := h.enqueueAt(t, models.EntityTypeShoppingListItem, "i2", models.OperationCreate, 200)
	denied := h.enqueueAt(t, models.EntityTypeShoppingListItem, "i3", models.OperationCreate, 300)

	h.transport.fn = func(context.Context, models.EntityType, []PendingChange) (*BatchResponse, error) {
		return &BatchResponse{Rejected: []Rejection{
			{ID: invalid, Status: 422, Message: "quantity must be positive"},
			{ID: busy, Status: 503},
			{ID: denied, Status: 401},
		}}, nil
	}

	result, err := h.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Failed != 3 {
		t.Errorf("Failed = %d, want 3", result.Failed)
	}

	if _, err := h.queue.Get(ctx, invalid); !errors.Is(err, queue.ErrRecordNotFound) {
		t.Errorf("client-rejected record still queued: %v", err)
	}

	rec, err := h.queue.Get(ctx, busy)
	if err != nil {
		t.Fatalf("Get(busy) error = %v", err)
	}
	if rec.Status != models.QueueStatusPending || rec.RetryCount != 1 || rec.NextRetryAt != 11_000 {
		t.Errorf("busy record = %+v, want pending retry at 11000", rec)
	}

	rec, err = h.queue.Get(ctx, denied)
	if err != nil {
		t.Fatalf("Get(denied) error = %v", err)
	}
	if rec.Status != models.QueueStatusFailed {
		t.Errorf("denied record Status = %s, want failed", rec.Status)
	}

	if h.transport.callCount() != 1 {
		t.Errorf("transport called %d times, want 1", h.transport.callCount())
	}
}

// TestSync_localWinResubmittedInSamePass verifies a newer local edit is resent as an update.
func TestSync_localWinResubmittedInSamePass(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()
	id := h.enqueueAt(t, models.EntityTypeMeal, "m", models.OperationCreate, 900)

	h.transport.fn = func(_ context.Context, _ models.EntityType, changes []PendingChange) (*BatchResponse, error) {
		rec := changes[0].Record
		if !rec.Resubmitted {
			return &BatchResponse{Conflicts: []ConflictEntry{{ID: rec.ID, ServerTimestamp: 500}}}, nil
		}
		if rec.Operation != models.OperationUpdate {
			t.Errorf("resubmitted Operation = %s, want update", rec.Operation)
		}
		return acceptAll(changes, 1_200), nil
	}

	result, err := h.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if h.transport.callCount() != 2 {
		t.Errorf("transport called %d times, want 2", h.transport.callCount())
	}
	if result.Conflicted != 1 || result.Synced != 1 {
		t.Errorf("Conflicted = %d, Synced = %d, want 1, 1", result.Conflicted, result.Synced)
	}
	if _, err := h.queue.Get(ctx, id); !errors.Is(err, queue.ErrRecordNotFound) {
		t.Errorf("record still queued after resubmission: %v", err)
	}
	if _, touched := h.local.entries["m"]; touched {
		t.Error("local store overwritten although local won")
	}
	meta, _ := h.meta.GetSyncMetadata(ctx, models.EntityTypeMeal, "m")
	if meta == nil || meta.ServerTimestamp != 1_200 {
		t.Errorf("metadata = %+v, want ServerTimestamp 1200", meta)
	}
}

// TestSync_repeatedConflictParks verifies a resubmitted record that conflicts again is parked.
func TestSync_repeatedConflictParks(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()
	id := h.enqueueAt(t, models.EntityTypeMeal, "m", models.OperationUpdate, 900)

	h.transport.fn = func(_ context.Context, _ models.EntityType, changes []PendingChange) (*BatchResponse, error) {
		return &BatchResponse{Conflicts: []ConflictEntry{{ID: changes[0].Record.ID, ServerTimestamp: 500}}}, nil
	}

	result, err := h.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if h.transport.callCount() != 2 {
		t.Errorf("transport called %d times, want 2", h.transport.callCount())
	}
	if result.Conflicted != 1 || result.Failed != 1 {
		t.Errorf("Conflicted = %d, Failed = %d, want 1, 1", result.Conflicted, result.Failed)
	}

	rec, err := h.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != models.QueueStatusFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
}

// TestSync_omittedRecordStaysQueued verifies records missing from the response are left for the next pass.
func TestSync_omittedRecordStaysQueued(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()
	first := h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)
	second := h.enqueueAt(t, models.EntityTypeMeal, "2", models.OperationCreate, 200)

	h.transport.fn = func(context.Context, models.EntityType, []PendingChange) (*BatchResponse, error) {
		return &BatchResponse{Synced: []int64{first, 9_999}, ServerTimestamp: 1}, nil
	}

	result, err := h.engine.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Errorf("Synced = %d, Failed = %d, want 1, 1", result.Synced, result.Failed)
	}
	if h.transport.callCount() != 1 {
		t.Errorf("transport called %d times, want 1", h.transport.callCount())
	}
	rec, err := h.queue.Get(ctx, second)
	if err != nil {
		t.Fatalf("omitted record removed: %v", err)
	}
	if rec.Attempted() {
		t.Error("omitted record marked as attempted")
	}
}

// TestSync_passesBaseMetadata verifies each change carries the entity's last known server state.
func TestSync_passesBaseMetadata(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()
	_ = h.meta.UpsertSyncMetadata(ctx, &models.SyncMetadata{EntityType: models.EntityTypeMeal, EntityID: "known", ServerTimestamp: 300})
	h.enqueueAt(t, models.EntityTypeMeal, "known", models.OperationUpdate, 100)
	h.enqueueAt(t, models.EntityTypeMeal, "new", models.OperationCreate, 200)

	if _, err := h.engine.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	changes := h.transport.calls[0].changes
	if len(changes) != 2 {
		t.Fatalf("batch has %d changes, want 2", len(changes))
	}
	if changes[0].Base == nil || changes[0].Base.ServerTimestamp != 300 {
		t.Errorf("Base for known = %+v, want ServerTimestamp 300", changes[0].Base)
	}
	if changes[1].Base != nil {
		t.Errorf("Base for new = %+v, want nil", changes[1].Base)
	}
}

// =====================================================
// Batching Tests
// =====================================================

// TestSync_batchesOldestFirst verifies records are split into bounded batches in creation order.
func TestSync_batchesOldestFirst(t *testing.T) {
	h := newEngineHarness(t, Config{BatchSize: 2})
	var want []int64
	for i, id := range []string{"e", "d", "c", "b", "a"} {
		want = append(want, h.enqueueAt(t, models.EntityTypeMeal, id, models.OperationCreate, int64(100+i)))
	}

	result, err := h.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.ByEntityType[models.EntityTypeMeal].Batches != 3 {
		t.Errorf("Batches = %d, want 3", result.ByEntityType[models.EntityTypeMeal].Batches)
	}

	var got []int64
	for i, c := range h.transport.calls {
		if len(c.changes) > 2 {
			t.Errorf("batch %d has %d changes, want at most 2", i, len(c.changes))
		}
		for _, ch := range c.changes {
			got = append(got, ch.Record.ID)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("submitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("submitted %v, want %v", got, want)
			break
		}
	}
}

// TestSync_maxBatchesPerPass verifies the per-type request bound.
func TestSync_maxBatchesPerPass(t *testing.T) {
	h := newEngineHarness(t, Config{BatchSize: 1, MaxBatchesPerPass: 2})
	for _, id := range []string{"1", "2", "3"} {
		h.enqueueAt(t, models.EntityTypeMeal, id, models.OperationCreate, 100)
	}

	if _, err := h.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if h.transport.callCount() != 2 {
		t.Errorf("transport called %d times, want 2", h.transport.callCount())
	}
	if n := len(h.queued(t)); n != 1 {
		t.Errorf("queue has %d records, want 1", n)
	}
}

// TestSync_concurrentEntityTypes verifies entity types may be processed in parallel.
func TestSync_concurrentEntityTypes(t *testing.T) {
	h := newEngineHarness(t, Config{Concurrency: 3})
	for _, et := range models.AllEntityTypes() {
		h.enqueueAt(t, et, "x", models.OperationCreate, 100)
		h.enqueueAt(t, et, "y", models.OperationCreate, 200)
	}

	result, err := h.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Synced != 6 {
		t.Errorf("Synced = %d, want 6", result.Synced)
	}
	if h.transport.callCount() != 3 {
		t.Errorf("transport called %d times, want 3", h.transport.callCount())
	}
	if h.meta.Len() != 6 {
		t.Errorf("metadata has %d entries, want 6", h.meta.Len())
	}
}

// =====================================================
// Concurrency and Cancellation Tests
// =====================================================

// TestSync_alreadyInProgress verifies error when sync is already running.
func TestSync_alreadyInProgress(t *testing.T) {
	h := newEngineHarness(t, Config{})
	h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)

	started := make(chan struct{})
	release := make(chan struct{})
	h.transport.fn = func(_ context.Context, _ models.EntityType, changes []PendingChange) (*BatchResponse, error) {
		close(started)
		<-release
		return acceptAll(changes, 1), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(context.Background())
		done <- err
	}()
	<-started

	result, err := h.engine.Sync(context.Background())
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("second Sync() error = %v, want ErrSyncInProgress", err)
	}
	if result != nil {
		t.Error("result should be nil when already in progress")
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Sync() error = %v", err)
	}
}

// TestSync_editDuringInFlightBatch verifies an edit made while its entity's
// record is being sent is uploaded afterwards and never lost.
func TestSync_editDuringInFlightBatch(t *testing.T) {
	tests := []struct {
		name           string
		first          func(changes []PendingChange) *BatchResponse
		wantSynced     int
		wantConflicted int
		wantBase       int64
	}{
		{
			name:       "first accepted",
			first:      func(changes []PendingChange) *BatchResponse { return acceptAll(changes, 1_000) },
			wantSynced: 2,
			wantBase:   1_000,
		},
		{
			name: "first loses a conflict to the server",
			first: func(changes []PendingChange) *BatchResponse {
				return &BatchResponse{Conflicts: []ConflictEntry{{
					ID:              changes[0].Record.ID,
					ServerPayload:   json.RawMessage(`{"server":true}`),
					ServerTimestamp: 5_000,
				}}}
			},
			wantSynced:     1,
			wantConflicted: 1,
			wantBase:       5_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newEngineHarness(t, Config{})
			ctx := context.Background()
			first := h.enqueueAt(t, models.EntityTypeMeal, "m1", models.OperationCreate, 900)

			started := make(chan struct{})
			release := make(chan struct{})
			h.transport.fn = func(_ context.Context, _ models.EntityType, changes []PendingChange) (*BatchResponse, error) {
				if changes[0].Record.ID == first {
					close(started)
					<-release
					return tt.first(changes), nil
				}
				return acceptAll(changes, 20_000), nil
			}

			type outcome struct {
				result *SyncResult
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := h.engine.Sync(ctx)
				done <- outcome{result, err}
			}()
			<-started

			second, err := h.queue.Enqueue(ctx, models.EntityTypeMeal, "m1", models.OperationUpdate, json.RawMessage(`{"v":2}`))
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if second == first {
				t.Fatalf("Enqueue() rewrote in-flight record %d", first)
			}
			close(release)

			out := <-done
			if out.err != nil {
				t.Fatalf("Sync() error = %v", out.err)
			}
			if out.result.Synced != tt.wantSynced || out.result.Conflicted != tt.wantConflicted {
				t.Errorf("Synced = %d, Conflicted = %d, want %d, %d",
					out.result.Synced, out.result.Conflicted, tt.wantSynced, tt.wantConflicted)
			}

			if h.transport.callCount() != 2 {
				t.Fatalf("transport called %d times, want 2", h.transport.callCount())
			}
			resent := h.transport.calls[1].changes[0]
			if resent.Record.ID != second || string(resent.Record.Payload) != `{"v":2}` {
				t.Errorf("second batch sent record %d %s, want %d {\"v\":2}", resent.Record.ID, resent.Record.Payload, second)
			}
			if resent.Record.Operation != models.OperationUpdate {
				t.Errorf("second batch Operation = %s, want update", resent.Record.Operation)
			}
			if resent.Base == nil || resent.Base.ServerTimestamp != tt.wantBase {
				t.Errorf("second batch Base = %+v, want ServerTimestamp %d", resent.Base, tt.wantBase)
			}

			if recs := h.queued(t); len(recs) != 0 {
				t.Errorf("queue holds %d records after pass, want 0", len(recs))
			}
			if _, touched := h.local.entries["m1"]; touched {
				t.Error("server state overwrote a newer local edit")
			}
			if h.queue.InFlight(first) || h.queue.InFlight(second) {
				t.Error("records left in flight after pass")
			}
		})
	}
}

// TestSync_transportFailureReleasesRecords verifies an aborted batch can be
// coalesced into again.
func TestSync_transportFailureReleasesRecords(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()
	id := h.enqueueAt(t, models.EntityTypeMeal, "m1", models.OperationCreate, 900)

	h.transport.fn = func(context.Context, models.EntityType, []PendingChange) (*BatchResponse, error) {
		return nil, syncerrors.NewServerError(503, nil)
	}
	if _, err := h.engine.Sync(ctx); err == nil {
		t.Fatal("Sync() error = nil, want server error")
	}
	if h.queue.InFlight(id) {
		t.Fatal("record left in flight after failed pass")
	}
	if again := h.enqueueAt(t, models.EntityTypeMeal, "m1", models.OperationUpdate, 950); again != id {
		t.Errorf("Enqueue() = %d, want coalesced into %d", again, id)
	}
}

// cancellingMeta cancels the pass after the first metadata write.
type cancellingMeta struct {
	*metadata.MemoryStore
	cancel context.CancelFunc
	once   gosync.Once
}

func (m *cancellingMeta) UpsertSyncMetadata(ctx context.Context, meta *models.SyncMetadata) error {
	err := m.MemoryStore.UpsertSyncMetadata(ctx, meta)
	m.once.Do(m.cancel)
	return err
}

// TestSync_cancellationBetweenRecords verifies cancellation is observed inside a batch and applied work stands.
func TestSync_cancellationBetweenRecords(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta := &cancellingMeta{MemoryStore: h.meta, cancel: cancel}
	h.engine.meta = meta

	first := h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)
	second := h.enqueueAt(t, models.EntityTypeMeal, "2", models.OperationCreate, 200)

	_, err := h.engine.Sync(ctx)
	if !syncerrors.Is(err, syncerrors.ErrCancelled) {
		t.Fatalf("Sync() error = %v, want CANCELLED", err)
	}
	if _, err := h.queue.Get(context.Background(), first); !errors.Is(err, queue.ErrRecordNotFound) {
		t.Errorf("first record should stay synced after cancellation: %v", err)
	}
	if _, err := h.queue.Get(context.Background(), second); err != nil {
		t.Errorf("second record should remain queued: %v", err)
	}
}

// TestSync_cancelledBeforeStart verifies nothing is submitted for a cancelled context.
func TestSync_cancelledBeforeStart(t *testing.T) {
	h := newEngineHarness(t, Config{})
	h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.engine.Sync(ctx); !syncerrors.Is(err, syncerrors.ErrCancelled) {
		t.Errorf("Sync() error = %v, want CANCELLED", err)
	}
	if h.transport.callCount() != 0 {
		t.Errorf("transport called %d times, want 0", h.transport.callCount())
	}
}

// TestPendingChanges verifies the pending count excludes parked records.
func TestPendingChanges(t *testing.T) {
	h := newEngineHarness(t, Config{})
	ctx := context.Background()
	h.enqueueAt(t, models.EntityTypeMeal, "1", models.OperationCreate, 100)
	parked := h.enqueueAt(t, models.EntityTypeMeal, "2", models.OperationCreate, 200)
	if err := h.queue.MarkFailed(ctx, parked, syncerrors.NewClientError(400, "")); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	n, err := h.engine.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PendingChanges() = %d, want 1", n)
	}
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
