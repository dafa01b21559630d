package chatcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSyncBackend struct {
	mu       sync.Mutex
	messages map[string][]Message
	// bulk requests (more than one conversation) fail while > 0
	bulkFailures int
	bulkErr      error
	// conversations answered with a JSON null
	unavailable map[string]bool
	requests    []map[string]time.Time
}

func newFakeSyncBackend() *fakeSyncBackend {
	return &fakeSyncBackend{messages: make(map[string][]Message), unavailable: make(map[string]bool)}
}

func (f *fakeSyncBackend) Sync(ctx context.Context, cursors map[string]time.Time) (map[string][]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, cursors)
	if len(cursors) > 1 && f.bulkFailures > 0 {
		f.bulkFailures--
		return nil, f.bulkErr
	}
	out := make(map[string][]Message)
	for id, at := range cursors {
		if f.unavailable[id] {
			out[id] = nil
			continue
		}
		var delta []Message
		for _, m := range f.messages[id] {
			if m.CreatedAt.After(at) {
				delta = append(delta, m)
			}
		}
		if len(delta) > 0 {
			out[id] = delta
		}
	}
	return out, nil
}

func (f *fakeSyncBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestSyncScenarioAdvancesCursor(t *testing.T) {
	t1, t2 := t0.Add(time.Minute), t0.Add(2*time.Minute)
	existing := testMsg("c-1", "m000", t0, "bob")
	m1 := testMsg("c-1", "m001", t1, "bob")
	m2 := testMsg("c-1", "m002", t2, "carol")

	backend := newFakeSyncBackend()
	backend.messages["c-1"] = []Message{existing, m1, m2}

	store := NewMessageStore()
	store.IngestLive(existing)
	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.SetCursor("c-1", t0))

	r := NewReconciler(backend, store, ReconcilerConfig{Cursors: cursors})
	var states []SyncState
	r.OnStateChange(func(s SyncState) { states = append(states, s) })

	res, err := r.SyncKnown(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Equal(t, 2, res.Merged())
	require.Equal(t, t2, res.Cursors["c-1"])

	require.Equal(t, []string{"m000", "m001", "m002"}, ids(store.Messages("c-1")))
	saved, err := cursors.Cursors()
	require.NoError(t, err)
	require.Equal(t, t2, saved["c-1"])
	require.Equal(t, []SyncState{SyncSyncing, SyncMerging, SyncIdle}, states)
	require.Equal(t, SyncIdle, r.State())
}

func TestSyncIsIdempotent(t *testing.T) {
	backend := newFakeSyncBackend()
	backend.messages["c-1"] = []Message{
		testMsg("c-1", "m001", t0.Add(time.Second), "bob"),
		testMsg("c-1", "m002", t0.Add(2*time.Second), "bob"),
	}
	store := NewMessageStore()
	r := NewReconciler(backend, store, ReconcilerConfig{})

	cursors := map[string]time.Time{"c-1": t0}
	_, err := r.SyncAll(context.Background(), cursors)
	require.NoError(t, err)
	first := store.Messages("c-1")

	var changes int
	store.OnChange(func(StoreChange) { changes++ })
	_, err = r.SyncAll(context.Background(), cursors)
	require.NoError(t, err)
	require.Equal(t, first, store.Messages("c-1"))
	require.Zero(t, changes)
}

func TestSyncDefersConversationsWithoutCursor(t *testing.T) {
	backend := newFakeSyncBackend()
	r := NewReconciler(backend, NewMessageStore(), ReconcilerConfig{})

	res, err := r.SyncAll(context.Background(), map[string]time.Time{"c-2": {}, "c-1": {}})
	require.NoError(t, err)
	require.Equal(t, []string{"c-1", "c-2"}, res.Deferred)
	require.Zero(t, backend.requestCount())
}

func TestSyncIsolatesPartialFailure(t *testing.T) {
	backend := newFakeSyncBackend()
	backend.messages["c-1"] = []Message{testMsg("c-1", "m001", t0.Add(time.Second), "bob")}
	backend.messages["c-2"] = []Message{testMsg("c-2", "m101", t0.Add(time.Second), "bob")}
	backend.unavailable["c-2"] = true

	store := NewMessageStore()
	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.SetCursor("c-1", t0))
	require.NoError(t, cursors.SetCursor("c-2", t0))

	r := NewReconciler(backend, store, ReconcilerConfig{Cursors: cursors, MaxRetries: 2, RetryBaseDelay: time.Millisecond})
	var states []SyncState
	r.OnStateChange(func(s SyncState) { states = append(states, s) })

	res, err := r.SyncKnown(context.Background())
	require.NoError(t, err)
	require.Contains(t, res.Failed, "c-2")
	require.NotContains(t, res.Failed, "c-1")
	require.Error(t, res.Err())
	require.Contains(t, states, SyncFailed)
	require.Equal(t, SyncIdle, r.State())

	require.Len(t, store.Messages("c-1"), 1)
	require.Empty(t, store.Messages("c-2"))
	saved, _ := cursors.Cursors()
	require.Equal(t, t0.Add(time.Second), saved["c-1"])
	require.Equal(t, t0, saved["c-2"], "failed conversation keeps its cursor")

	// bulk + two individual attempts for c-2
	require.Equal(t, 3, backend.requestCount())
}

func TestSyncFallsBackToPerConversation(t *testing.T) {
	backend := newFakeSyncBackend()
	backend.bulkFailures = 1
	backend.bulkErr = &APIError{Status: 503}
	backend.messages["c-1"] = []Message{testMsg("c-1", "m001", t0.Add(time.Second), "bob")}
	backend.messages["c-2"] = []Message{testMsg("c-2", "m101", t0.Add(time.Second), "bob")}

	store := NewMessageStore()
	r := NewReconciler(backend, store, ReconcilerConfig{Concurrency: 2})
	res, err := r.SyncAll(context.Background(), map[string]time.Time{"c-1": t0, "c-2": t0})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	require.Equal(t, 2, res.Merged())
	require.Equal(t, 3, backend.requestCount())
}

func TestSyncStopsOnUnauthorized(t *testing.T) {
	backend := newFakeSyncBackend()
	backend.bulkFailures = 1
	backend.bulkErr = &APIError{Status: 401}

	r := NewReconciler(backend, NewMessageStore(), ReconcilerConfig{})
	res, err := r.SyncAll(context.Background(), map[string]time.Time{"c-1": t0, "c-2": t0})
	require.True(t, errors.Is(err, ErrUnauthorized))
	require.Len(t, res.Failed, 2)
	require.Equal(t, 1, backend.requestCount())
}
