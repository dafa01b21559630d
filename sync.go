package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SyncFetcher performs the bulk catch-up request. *Client implements it.
//
// A conversation absent from the response has no new messages. A
// conversation present with a null list could not be served and is retried
// on its own.
type SyncFetcher interface {
	Sync(ctx context.Context, cursors map[string]time.Time) (map[string][]Message, error)
}

// SyncState is the reconciler state machine.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncMerging SyncState = "merging"
	SyncFailed  SyncState = "failed"
)

// SyncResult reports one SyncAll run.
type SyncResult struct {
	// Deltas holds the messages merged per conversation.
	Deltas map[string][]Message
	// Cursors holds the cursor of every conversation that synced, advanced
	// or not.
	Cursors map[string]time.Time
	// Failed conversations keep their old cursor.
	Failed map[string]error
	// Deferred conversations had no cursor and are left to pagination.
	Deferred []string
}

// Merged returns the number of messages merged across conversations.
func (r *SyncResult) Merged() int {
	n := 0
	for _, msgs := range r.Deltas {
		n += len(msgs)
	}
	return n
}

// Err joins the per-conversation failures.
func (r *SyncResult) Err() error {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("sync %s: %w", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// MaxRetries bounds the per-conversation retries after a bulk failure.
	MaxRetries     int
	RetryBaseDelay time.Duration
	// Concurrency bounds the per-conversation retry fan-out.
	Concurrency int
	Cursors     CursorStore
	Logger      zerolog.Logger
	Metrics     *Metrics
}

func (c *ReconcilerConfig) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
}

// Reconciler catches the MessageStore up with messages missed while offline.
type Reconciler struct {
	fetcher SyncFetcher
	store   *MessageStore
	cfg     ReconcilerConfig
	log     zerolog.Logger

	run sync.Mutex

	mu    sync.Mutex
	state SyncState
	hooks []func(SyncState)
}

// NewReconciler creates an idle reconciler merging into store.
func NewReconciler(fetcher SyncFetcher, store *MessageStore, cfg ReconcilerConfig) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		log:     cfg.Logger,
		state:   SyncIdle,
	}
}

// State returns the current state.
func (r *Reconciler) State() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChange registers a handler for state transitions.
func (r *Reconciler) OnStateChange(h func(SyncState)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *Reconciler) setState(s SyncState) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	hooks := append([]func(SyncState){}, r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(s)
	}
}

// SyncKnown runs SyncAll with the cursors of the configured CursorStore.
func (r *Reconciler) SyncKnown(ctx context.Context) (*SyncResult, error) {
	if r.cfg.Cursors == nil {
		return &SyncResult{}, nil
	}
	cursors, err := r.cfg.Cursors.Cursors()
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	return r.SyncAll(ctx, cursors)
}

// SyncAll requests every message strictly newer than each conversation's
// cursor and merges the deltas. Conversations with a zero cursor are
// deferred. When the bulk request fails, or leaves a conversation out,
// conversations are retried one by one; each success merges and advances
// its cursor without waiting for the others. The returned error is set only
// when the run as a whole could not proceed.
func (r *Reconciler) SyncAll(ctx context.Context, cursors map[string]time.Time) (*SyncResult, error) {
	r.run.Lock()
	defer r.run.Unlock()

	res := &SyncResult{
		Deltas:  make(map[string][]Message),
		Cursors: make(map[string]time.Time),
		Failed:  make(map[string]error),
	}
	req := make(map[string]time.Time, len(cursors))
	for id, at := range cursors {
		if at.IsZero() {
			res.Deferred = append(res.Deferred, id)
			continue
		}
		req[id] = at
	}
	sort.Strings(res.Deferred)
	if len(req) == 0 {
		return res, nil
	}

	start := time.Now()
	r.setState(SyncSyncing)
	var resMu sync.Mutex

	retry := make(map[string]time.Time)
	deltas, err := r.fetcher.Sync(ctx, req)
	switch {
	case err != nil && !IsRetryable(err):
		for id := range req {
			res.Failed[id] = err
		}
		r.finish(res, start)
		return res, err
	case err != nil:
		r.log.Warn().Err(err).Int("conversations", len(req)).Msg("bulk sync failed, retrying per conversation")
		for id, at := range req {
			retry[id] = at
		}
	default:
		r.setState(SyncMerging)
		for id, at := range req {
			msgs, ok := deltas[id]
			if ok && msgs == nil {
				retry[id] = at
				continue
			}
			r.merge(res, &resMu, id, at, msgs)
		}
	}

	if len(retry) > 0 {
		if err := r.retryEach(ctx, res, &resMu, retry); err != nil {
			r.finish(res, start)
			return res, err
		}
	}
	r.finish(res, start)
	return res, nil
}

func (r *Reconciler) finish(res *SyncResult, start time.Time) {
	failed := len(res.Failed) > 0
	r.cfg.Metrics.syncRun(!failed, time.Since(start).Seconds())
	if failed {
		r.setState(SyncFailed)
	}
	r.setState(SyncIdle)
	r.log.Info().Int("merged", res.Merged()).Int("failed", len(res.Failed)).
		Int("deferred", len(res.Deferred)).Dur("took", time.Since(start)).Msg("sync finished")
}

func (r *Reconciler) retryEach(ctx context.Context, res *SyncResult, resMu *sync.Mutex, retry map[string]time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for id, at := range retry {
		g.Go(func() error {
			msgs, err := r.fetchOne(gctx, id, at)
			if err != nil {
				resMu.Lock()
				res.Failed[id] = err
				resMu.Unlock()
				r.log.Warn().Err(err).Str("conversation", id).Msg("conversation sync failed")
				if errors.Is(err, ErrUnauthorized) {
					return err
				}
				return nil
			}
			r.setState(SyncMerging)
			r.merge(res, resMu, id, at, msgs)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) fetchOne(ctx context.Context, id string, at time.Time) ([]Message, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		deltas, err := r.fetcher.Sync(ctx, map[string]time.Time{id: at})
		if err == nil {
			msgs, ok := deltas[id]
			if !ok || msgs != nil {
				return msgs, nil
			}
			err = fmt.Errorf("backend returned no result for %s", id)
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// merge ingests one conversation's delta and advances its cursor to the
// newest merged message. The cursor never moves backwards.
func (r *Reconciler) merge(res *SyncResult, resMu *sync.Mutex, id string, old time.Time, msgs []Message) {
	cursor := old
	if len(msgs) > 0 {
		r.store.IngestSyncBatch(id, msgs)
		for _, m := range msgs {
			if m.CreatedAt.After(cursor) {
				cursor = m.CreatedAt
			}
		}
	}
	if r.cfg.Cursors != nil && cursor.After(old) {
		if err := r.cfg.Cursors.SetCursor(id, cursor); err != nil {
			r.log.Error().Err(err).Str("conversation", id).Msg("persist sync cursor")
		}
	}
	resMu.Lock()
	res.Cursors[id] = cursor
	if len(msgs) > 0 {
		res.Deltas[id] = msgs
	}
	resMu.Unlock()
}
