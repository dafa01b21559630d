package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

type sessionConfig struct {
	channel    ChannelConfig
	receipts   ReceiptConfig
	reconciler ReconcilerConfig
	cursors    CursorStore
	metrics    *Metrics
	log        zerolog.Logger
	pageSize   int
	sendTTL    time.Duration
	autoRead   bool
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

func WithLogger(l zerolog.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = l }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(c *sessionConfig) { c.metrics = m }
}

// WithCursorStore persists sync cursors, and read watermarks when the store
// also implements WatermarkStore.
func WithCursorStore(s CursorStore) SessionOption {
	return func(c *sessionConfig) { c.cursors = s }
}

func WithChannelConfig(cfg ChannelConfig) SessionOption {
	return func(c *sessionConfig) { c.channel = cfg }
}

func WithReceiptConfig(cfg ReceiptConfig) SessionOption {
	return func(c *sessionConfig) { c.receipts = cfg }
}

func WithReconcilerConfig(cfg ReconcilerConfig) SessionOption {
	return func(c *sessionConfig) { c.reconciler = cfg }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) SessionOption {
	return func(c *sessionConfig) { c.pageSize = n }
}

// WithAutoRead marks live messages in the open conversation as read.
func WithAutoRead(enabled bool) SessionOption {
	return func(c *sessionConfig) { c.autoRead = enabled }
}

// ============================================================================
// Session
// ============================================================================

type openConversation struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	sub    *Subscription
}

// Session wires the messaging components for one authenticated user: live
// events flow from the Channel into the MessageStore, REST pages and sync
// batches merge into the same store, and the Directory follows the store's
// newest messages. Its lifetime is the login session.
type Session struct {
	client     *Client
	provider   SessionProvider
	self       string
	store      *MessageStore
	directory  *Directory
	receipts   *ReceiptTracker
	reconciler *Reconciler
	channel    *Channel
	cursors    CursorStore
	watermarks WatermarkStore
	cfg        sessionConfig
	log        zerolog.Logger

	life       context.Context
	lifeCancel context.CancelFunc

	mu            sync.Mutex
	open          *openConversation
	connectedOnce bool
	closed        bool

	hooksMu    sync.RWMutex
	convEvents []func(conversationID string, env Envelope)
}

// NewSession builds a session over client for the user of provider.
func NewSession(client *Client, provider SessionProvider, opts ...SessionOption) *Session {
	cfg := sessionConfig{log: zerolog.Nop(), pageSize: DefaultPageSize, sendTTL: 30 * time.Second, autoRead: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cursors == nil {
		cfg.cursors = NewMemoryCursorStore()
	}
	log := cfg.log.With().Str("user", provider.UserID()).Logger()

	s := &Session{
		client:   client,
		provider: provider,
		self:     provider.UserID(),
		cursors:  cfg.cursors,
		cfg:      cfg,
		log:      log,
	}
	s.watermarks, _ = cfg.cursors.(WatermarkStore)
	s.life, s.lifeCancel = context.WithCancel(context.Background())

	s.store = NewMessageStore(WithStoreMetrics(cfg.metrics), WithStoreLogger(log.With().Str("component", "store").Logger()))
	s.directory = NewDirectory(client, WithSelf(s.self), WithPreviewSource(s.store), WithDirectoryMetrics(cfg.metrics),
		WithDirectoryLogger(log.With().Str("component", "directory").Logger()))

	rc := cfg.receipts
	rc.Logger = log.With().Str("component", "receipts").Logger()
	rc.Metrics = cfg.metrics
	s.receipts = NewReceiptTracker(client, s.store, rc)

	sc := cfg.reconciler
	sc.Cursors = cfg.cursors
	sc.Logger = log.With().Str("component", "sync").Logger()
	sc.Metrics = cfg.metrics
	s.reconciler = NewReconciler(client, s.store, sc)

	cc := cfg.channel
	cc.Logger = log.With().Str("component", "channel").Logger()
	cc.Metrics = cfg.metrics
	s.channel = NewChannel(client.SocketURL(), cc)

	s.store.OnChange(s.onStoreChange)
	s.receipts.OnReceiptAck(s.onReceiptAck)
	s.channel.OnEvent(s.handleEvent)
	s.channel.BeforeReady(s.beforeReady)
	return s
}

func (s *Session) Store() *MessageStore          { return s.store }
func (s *Session) Directory() *Directory         { return s.directory }
func (s *Session) Receipts() *ReceiptTracker     { return s.receipts }
func (s *Session) Reconciler() *Reconciler       { return s.reconciler }
func (s *Session) Channel() *Channel             { return s.channel }
func (s *Session) Client() *Client               { return s.client }
func (s *Session) UserID() string                { return s.self }
func (s *Session) Cursors() CursorStore          { return s.cursors }
func (s *Session) State() ChannelState           { return s.channel.State() }
func (s *Session) Conversations() []Conversation { return s.directory.List() }

// Messages returns the ordered messages of a conversation.
func (s *Session) Messages(conversationID string) []Message {
	return s.store.Messages(conversationID)
}

// OnConversationEvent registers a handler for socket events of the open
// conversation, delivered after the store has applied them.
func (s *Session) OnConversationEvent(h func(conversationID string, env Envelope)) {
	s.hooksMu.Lock()
	s.convEvents = append(s.convEvents, h)
	s.hooksMu.Unlock()
}

// ── Lifecycle ────────────────────────────────────────────

// Start loads the conversation directory and connects the channel. The
// channel runs offline sync before it reports ready, so Start returns once
// catch-up is merged.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if s.watermarks != nil {
		wms, err := s.watermarks.Watermarks()
		if err != nil {
			s.log.Warn().Err(err).Msg("load read watermarks")
		}
		for id, w := range wms {
			s.receipts.Seed(id, w.MessageID, w.At)
		}
	}

	if err := s.directory.Refresh(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		s.log.Warn().Err(err).Msg("initial directory refresh failed")
	}

	err := s.channel.Connect(ctx, Credentials{
		UserID:    s.self,
		Cookies:   s.provider.Cookies(),
		CSRFToken: s.provider.CSRFToken(),
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			if h, ok := s.provider.(UnauthorizedHandler); ok {
				h.OnUnauthorized(err)
			}
		}
		return fmt.Errorf("connect channel: %w", err)
	}
	return nil
}

// Close flushes pending read receipts, disconnects the channel and cancels
// every page fetch. The session cannot be restarted.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	oc := s.open
	s.open = nil
	s.mu.Unlock()

	if oc != nil {
		oc.cancel()
	}
	flushErr := s.receipts.FlushAll(ctx)
	s.receipts.Close()
	discErr := s.channel.Disconnect()
	s.lifeCancel()
	return errors.Join(flushErr, discErr)
}

func (s *Session) beforeReady(ctx context.Context) error {
	s.mu.Lock()
	reconnect := s.connectedOnce
	s.connectedOnce = true
	s.mu.Unlock()

	if reconnect {
		if err := s.directory.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("directory refresh on reconnect failed")
		}
	}
	res, err := s.reconciler.SyncKnown(ctx)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		s.log.Warn().Err(res.Err()).Msg("some conversations did not sync")
	}
	return nil
}

// ── Store / receipt wiring ───────────────────────────────

func (s *Session) onStoreChange(ch StoreChange) {
	if newest := s.store.Newest(ch.ConversationID); newest != nil {
		s.directory.UpsertFromMessage(*newest)
	}
}

func (s *Session) onReceiptAck(conversationID string, unread int) {
	s.directory.SetUnread(conversationID, unread)
	if s.watermarks == nil {
		return
	}
	id := s.receipts.Confirmed(conversationID)
	if m, ok := s.store.Get(conversationID, id); ok {
		if err := s.watermarks.SetWatermark(conversationID, Watermark{MessageID: id, At: m.CreatedAt}); err != nil {
			s.log.Warn().Err(err).Str("conversation", conversationID).Msg("persist read watermark")
		}
	}
}

func (s *Session) handleEvent(env Envelope) {
	switch env.Type {
	case EventMessageNew, EventMessageEdited:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil || m.ID == "" {
			s.log.Warn().Err(err).Str("type", env.Type).Msg("malformed message event")
			return
		}
		res := s.store.IngestLive(m)
		if !res.Inserted {
			break
		}
		if s.directory.Open() == m.ConversationID {
			if s.cfg.autoRead && m.Sender.ID != s.self {
				s.receipts.MarkRead(m.ConversationID, m.ID)
			}
		} else {
			s.directory.NoteLive(m)
		}
	case EventMessageDeleted:
		var p DeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			s.log.Warn().Err(err).Msg("malformed delete event")
			return
		}
		s.store.MarkDeleted(p.MessageID)
	case EventMessageAck:
		var p AckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ClientMessageID == "" {
			s.log.Warn().Err(err).Msg("malformed ack event")
			return
		}
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = p.ConversationID
		}
		s.store.ReplaceTemporary(p.ClientMessageID, p.Message)
	case EventReceipt:
		var p ReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			s.log.Warn().Err(err).Msg("malformed receipt event")
			return
		}
		if p.ReaderID == s.self {
			if p.UnreadCount != nil {
				s.directory.SetUnread(p.ConversationID, *p.UnreadCount)
			}
			return
		}
		s.store.ApplyReceipt(p.ConversationID, p.ReaderID, p.MessageID, p.ReadAt)
	}
}

// ── Conversations ────────────────────────────────────────

// OpenConversation subscribes to a conversation and loads its newest page
// unless it is already held. Opening a conversation closes the previous one.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return validationError("conversationId is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.open
	if prev != nil && prev.id == conversationID {
		s.mu.Unlock()
		return nil
	}
	convCtx, cancel := context.WithCancel(s.life)
	oc := &openConversation{id: conversationID, ctx: convCtx, cancel: cancel}
	s.open = oc
	s.mu.Unlock()

	if prev != nil {
		s.release(prev)
	}
	s.directory.SetOpen(conversationID)
	oc.sub = s.channel.Subscribe(conversationID, func(env Envelope) {
		s.hooksMu.RLock()
		hooks := append([]func(string, Envelope){}, s.convEvents...)
		s.hooksMu.RUnlock()
		for _, h := range hooks {
			h(conversationID, env)
		}
	})
	s.receipts.Touch(conversationID)

	if s.store.Pages(conversationID).IsLoaded(0) {
		return nil
	}
	return s.loadPage(ctx, oc, 0)
}

// CloseConversation cancels the conversation's pending page fetches and
// drops its subscription. Sends and receipt flushes are not affected.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	oc := s.open
	if oc == nil || oc.id != conversationID {
		s.mu.Unlock()
		return
	}
	s.open = nil
	s.mu.Unlock()
	s.release(oc)
	if s.directory.Open() == conversationID {
		s.directory.SetOpen("")
	}
}

func (s *Session) release(oc *openConversation) {
	oc.cancel()
	if oc.sub != nil {
		oc.sub.Unsubscribe()
	}
}

// LoadOlder fetches the next page of history of the open conversation. It
// reports whether more pages remain.
func (s *Session) LoadOlder(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	oc := s.open
	s.mu.Unlock()
	if oc == nil || oc.id != conversationID {
		return false, fmt.Errorf("conversation %s is not open", conversationID)
	}
	s.receipts.Touch(conversationID)
	next, ok := s.store.Pages(conversationID).NextPage()
	if !ok {
		return false, nil
	}
	if err := s.loadPage(ctx, oc, next); err != nil {
		return true, err
	}
	return s.store.Pages(conversationID).HasMore(), nil
}

// ErrStalePage is returned when a page arrived after its conversation was
// closed; the page is discarded.
var ErrStalePage = errors.New("chatcore: conversation closed before page arrived")

func (s *Session) loadPage(ctx context.Context, oc *openConversation, page int) error {
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(oc.ctx, cancel)
	defer stop()

	p, err := s.client.GetMessages(loadCtx, oc.id, PageRequest{Page: page, Size: s.cfg.pageSize, Sort: DefaultPageSort})
	if oc.ctx.Err() != nil {
		s.log.Debug().Str("conversation", oc.id).Int("page", page).Msg("stale page discarded")
		return ErrStalePage
	}
	if err != nil {
		return fmt.Errorf("load page %d of %s: %w", page, oc.id, err)
	}
	s.store.IngestPage(oc.id, p.Content, p.Meta())
	if page == 0 {
		if newest := s.store.NewestConfirmed(oc.id); newest != nil {
			if err := s.cursors.SetCursor(oc.id, newest.CreatedAt); err != nil {
				s.log.Warn().Err(err).Str("conversation", oc.id).Msg("persist sync cursor")
			}
		}
	}
	return nil
}

// CreateDirect opens (or returns) the direct conversation with another user.
func (s *Session) CreateDirect(ctx context.Context, otherUserID string) (*Conversation, error) {
	conv, err := s.client.CreateDirect(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	s.directory.Upsert(*conv)
	return conv, nil
}

// ── Messages ─────────────────────────────────────────────

// SendOptions carries the optional parts of a text send.
type SendOptions struct {
	Type    MessageType
	ReplyTo string
}

// Send validates the message, shows it immediately under a temporary id and
// publishes it on the channel. When the channel cannot take it the message is
// sent over REST instead. The temporary copy is returned; it is replaced by
// the acknowledged message in the store.
func (s *Session) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	tempID := TempIDPrefix + uuid.NewString()
	req := SendRequest{
		ConversationID:   conversationID,
		Content:          content,
		MessageType:      opts.Type,
		ReplyToMessageID: opts.ReplyTo,
		ClientMessageID:  tempID,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	temp := Message{
		ID:             tempID,
		ClientRef:      tempID,
		ConversationID: conversationID,
		Sender:         Sender{ID: s.self},
		Content:        content,
		Type:           req.MessageType,
		CreatedAt:      time.Now().UTC(),
	}
	if opts.ReplyTo != "" {
		ref := ReplyRef{MessageID: opts.ReplyTo}
		if orig, ok := s.store.Get(conversationID, opts.ReplyTo); ok {
			ref.Snippet = snippet(orig.Content)
		}
		temp.ReplyTo = &ref
	}
	if err := s.store.AddTemporary(temp); err != nil {
		return nil, err
	}

	// sends outlive the caller's context
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.sendTTL)
	defer cancel()

	res, err := s.channel.Publish(sendCtx, conversationID, &req)
	if err == nil {
		s.log.Debug().Str("conversation", conversationID).Str("temp", tempID).Stringer("result", res).Msg("message published")
		return &temp, nil
	}
	if errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrClosed) {
		s.store.DiscardTemporary(tempID)
		return nil, err
	}

	s.log.Debug().Err(err).Str("temp", tempID).Msg("channel unavailable, sending over REST")
	msg, err := s.client.SendMessage(sendCtx, &req)
	if err != nil {
		s.store.DiscardTemporary(tempID)
		return nil, err
	}
	s.store.ReplaceTemporary(tempID, *msg)
	return msg, nil
}

// SendFile uploads a file message over REST.
func (s *Session) SendFile(ctx context.Context, conversationID, fileName string, r io.Reader) (*Message, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.sendTTL)
	defer cancel()
	msg, err := s.client.SendFile(sendCtx, conversationID, "", fileName, r)
	if err != nil {
		return nil, err
	}
	s.store.IngestLive(*msg)
	return msg, nil
}

// Delete tombstones one of the user's messages.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	if err := s.client.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.store.MarkDeleted(messageID)
	return nil
}

// MarkRead moves the read watermark of a conversation. The flush is
// asynchronous.
func (s *Session) MarkRead(conversationID, messageID string) bool {
	s.receipts.Touch(conversationID)
	return s.receipts.MarkRead(conversationID, messageID)
}

// MarkAllRead marks the newest acknowledged message of a conversation read.
func (s *Session) MarkAllRead(conversationID string) bool {
	newest := s.store.NewestConfirmed(conversationID)
	if newest == nil {
		return false
	}
	return s.MarkRead(conversationID, newest.ID)
}

func snippet(content string) string {
	const limit = 80
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	return string(r[:limit]) + "…"
}
