package chatcore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ReceiptSender flushes a read watermark to the backend and returns the
// conversation's unread count afterwards. *Client implements it.
type ReceiptSender interface {
	MarkRead(ctx context.Context, conversationID, lastReadMessageID string) (int, error)
}

// MessageLookup resolves message ids to messages so watermarks can be
// ordered. *MessageStore implements it.
type MessageLookup interface {
	Get(conversationID, messageID string) (Message, bool)
}

// ReceiptConfig configures a ReceiptTracker.
type ReceiptConfig struct {
	// Debounce is the window in which markRead calls coalesce.
	Debounce time.Duration
	// RetryInterval is the minimum spacing between retries of a failed flush.
	RetryInterval time.Duration
	FlushTimeout  time.Duration
	Logger        zerolog.Logger
	Metrics       *Metrics
}

func (c *ReceiptConfig) defaults() {
	if c.Debounce == 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

type receiptState struct {
	watermark   string
	watermarkAt time.Time
	// last watermark the backend confirmed
	sent     string
	timer    *time.Timer
	inflight bool
	dirty    bool
	retry    *rate.Limiter
}

// ReceiptTracker keeps one read watermark per conversation and flushes it
// asynchronously. Watermarks only move forward; a failed flush stays dirty
// until activity in the conversation retries it.
type ReceiptTracker struct {
	sender ReceiptSender
	lookup MessageLookup
	cfg    ReceiptConfig
	log    zerolog.Logger

	mu     sync.Mutex
	convs  map[string]*receiptState
	closed bool
	// FlushAll calls waiting on wg; no timer is armed meanwhile
	flushing int
	wg       sync.WaitGroup

	hooksMu  sync.RWMutex
	ackHooks []func(conversationID string, unread int)
}

// NewReceiptTracker creates a tracker flushing through sender.
func NewReceiptTracker(sender ReceiptSender, lookup MessageLookup, cfg ReceiptConfig) *ReceiptTracker {
	cfg.defaults()
	return &ReceiptTracker{
		sender: sender,
		lookup: lookup,
		cfg:    cfg,
		log:    cfg.Logger,
		convs:  make(map[string]*receiptState),
	}
}

// OnReceiptAck registers a handler for confirmed flushes.
func (t *ReceiptTracker) OnReceiptAck(h func(conversationID string, unread int)) {
	t.hooksMu.Lock()
	t.ackHooks = append(t.ackHooks, h)
	t.hooksMu.Unlock()
}

func (t *ReceiptTracker) state(conversationID string) *receiptState {
	st, ok := t.convs[conversationID]
	if !ok {
		st = &receiptState{retry: rate.NewLimiter(rate.Every(t.cfg.RetryInterval), 1)}
		t.convs[conversationID] = st
	}
	return st
}

// Watermark returns the newest message id marked read in a conversation.
func (t *ReceiptTracker) Watermark(conversationID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.convs[conversationID]; ok {
		return st.watermark
	}
	return ""
}

// Confirmed returns the last watermark the backend acknowledged.
func (t *ReceiptTracker) Confirmed(conversationID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.convs[conversationID]; ok {
		return st.sent
	}
	return ""
}

// Pending reports whether a watermark has not been confirmed yet.
func (t *ReceiptTracker) Pending(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.convs[conversationID]
	return ok && st.watermark != st.sent
}

// Seed restores a watermark known to be confirmed, e.g. loaded from disk.
func (t *ReceiptTracker) Seed(conversationID, messageID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(conversationID)
	if st.watermark == "" || compareKeys(at, messageID, st.watermarkAt, st.watermark) > 0 {
		st.watermark, st.watermarkAt, st.sent = messageID, at, messageID
	}
}

// MarkRead moves the watermark of a conversation to messageID and schedules
// a debounced flush. Ids that are temporary, unknown, or not newer than the
// current watermark are ignored. It never blocks on the network.
func (t *ReceiptTracker) MarkRead(conversationID, messageID string) bool {
	if conversationID == "" || messageID == "" || IsTemporaryID(messageID) {
		return false
	}
	msg, ok := t.lookup.Get(conversationID, messageID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	st := t.state(conversationID)
	if !ok || (st.watermark != "" && compareKeys(msg.CreatedAt, msg.ID, st.watermarkAt, st.watermark) <= 0) {
		t.retryLocked(conversationID, st)
		return false
	}
	st.watermark = msg.ID
	st.watermarkAt = msg.CreatedAt
	t.scheduleLocked(conversationID, st, t.cfg.Debounce)
	return true
}

// Touch reports user activity in a conversation, retrying a failed flush.
func (t *ReceiptTracker) Touch(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.convs[conversationID]; ok && !t.closed {
		t.retryLocked(conversationID, st)
	}
}

func (t *ReceiptTracker) retryLocked(conversationID string, st *receiptState) {
	if st.dirty && !st.inflight && st.timer == nil && st.retry.Allow() {
		t.scheduleLocked(conversationID, st, 0)
	}
}

func (t *ReceiptTracker) scheduleLocked(conversationID string, st *receiptState, after time.Duration) {
	if st.timer != nil || st.inflight || t.flushing > 0 {
		// the running window, flush or FlushAll picks up the new watermark
		return
	}
	t.wg.Add(1)
	st.timer = time.AfterFunc(after, func() {
		defer t.wg.Done()
		t.flush(conversationID, st)
	})
}

func (t *ReceiptTracker) flush(conversationID string, st *receiptState) {
	t.mu.Lock()
	if t.convs[conversationID] != st {
		// reset while the timer was pending
		t.mu.Unlock()
		return
	}
	st.timer = nil
	target := st.watermark
	if target == st.sent {
		st.dirty = false
		t.mu.Unlock()
		return
	}
	st.inflight = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushTimeout)
	defer cancel()
	unread, err := t.sender.MarkRead(ctx, conversationID, target)
	t.complete(conversationID, st, target, unread, err)
}

func (t *ReceiptTracker) complete(conversationID string, st *receiptState, target string, unread int, err error) {
	t.mu.Lock()
	st.inflight = false
	current := t.convs[conversationID] == st
	if err != nil {
		st.dirty = current
		t.mu.Unlock()
		t.cfg.Metrics.receiptFlush(false)
		t.log.Warn().Err(err).Str("conversation", conversationID).Str("watermark", target).Msg("read receipt flush failed")
		return
	}
	st.sent = target
	st.dirty = false
	if current && !t.closed && st.watermark != target {
		// moved while the request was in flight
		t.scheduleLocked(conversationID, st, t.cfg.Debounce)
	}
	t.mu.Unlock()

	t.cfg.Metrics.receiptFlush(true)
	if !current {
		return
	}
	t.hooksMu.RLock()
	hooks := append([]func(string, int){}, t.ackHooks...)
	t.hooksMu.RUnlock()
	for _, h := range hooks {
		h(conversationID, unread)
	}
}

// Reset forgets the watermark of a conversation. A flush in flight completes
// but its acknowledgement is discarded.
func (t *ReceiptTracker) Reset(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.convs[conversationID]; ok {
		if st.timer != nil && st.timer.Stop() {
			t.wg.Done()
		}
		delete(t.convs, conversationID)
	}
}

// FlushAll waits for pending flushes and synchronously sends every
// unconfirmed watermark. It is meant for logout.
func (t *ReceiptTracker) FlushAll(ctx context.Context) error {
	t.mu.Lock()
	t.flushing++
	for _, st := range t.convs {
		if st.timer != nil && st.timer.Stop() {
			st.timer = nil
			t.wg.Done()
		}
	}
	t.mu.Unlock()
	t.wg.Wait()

	t.mu.Lock()
	t.flushing--
	type job struct {
		conversationID, target string
		st                     *receiptState
	}
	var jobs []job
	for id, st := range t.convs {
		if st.watermark != st.sent && !st.inflight {
			st.inflight = true
			jobs = append(jobs, job{id, st.watermark, st})
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		unread, err := t.sender.MarkRead(ctx, j.conversationID, j.target)
		t.complete(j.conversationID, j.st, j.target, unread, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops scheduling flushes. Pending watermarks are kept for FlushAll.
func (t *ReceiptTracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, st := range t.convs {
		if st.timer != nil && st.timer.Stop() {
			st.timer = nil
			t.wg.Done()
		}
	}
	t.mu.Unlock()
}
