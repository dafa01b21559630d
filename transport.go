package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// DisableReconnect stops the channel from redialing after a dropped connection.
	DisableReconnect bool
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	DialTimeout          time.Duration
	// QueueLimit bounds publishes held while the channel is not ready.
	QueueLimit int
	// HTTPClient is used for the handshake; its Timeout must be zero.
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = 256
	}
}

// Credentials authenticate the socket handshake. They are normally taken from
// the SessionProvider.
type Credentials struct {
	UserID    string
	Cookies   []*http.Cookie
	CSRFToken string
}

// ChannelState represents the connection state.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelSyncing      ChannelState = "syncing"
	ChannelReady        ChannelState = "ready"
	ChannelReconnecting ChannelState = "reconnecting"
)

var allChannelStates = []ChannelState{
	ChannelDisconnected, ChannelConnecting, ChannelSyncing, ChannelReady, ChannelReconnecting,
}

// PublishResult tells the caller whether a publish is on the wire or will be
// sent once the channel is ready.
type PublishResult int

const (
	PublishSent PublishResult = iota + 1
	PublishQueued
)

func (r PublishResult) String() string {
	switch r {
	case PublishSent:
		return "sent"
	case PublishQueued:
		return "queued"
	}
	return "unknown"
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// a connection that stayed up for a minute starts a fresh backoff series
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Subscriptions
// ============================================================================

// MessageHandler receives the socket events routed to one conversation.
type MessageHandler func(Envelope)

// Subscription is the handle returned by Channel.Subscribe.
type Subscription struct {
	ch             *Channel
	conversationID string
	handler        MessageHandler
	active         atomic.Bool
}

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Unsubscribe stops delivery to this subscription. The server-side
// subscription is dropped when the last local subscriber leaves.
func (s *Subscription) Unsubscribe() {
	if s.active.Swap(false) {
		s.ch.unsubscribe(s)
	}
}

type queuedFrame struct {
	conversationID string
	data           []byte
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the process-wide socket connection of a session. It owns
// reconnection, resubscription and the pre-ready publish queue.
//
// Events are dispatched synchronously from a single read loop, so events of
// one conversation reach handlers in receive order. Handlers must not call
// Disconnect synchronously.
type Channel struct {
	url   string
	cfg   ChannelConfig
	log   zerolog.Logger
	recon *reconnector

	mu         sync.Mutex
	state      ChannelState
	conn       *websocket.Conn
	creds      Credentials
	userID     string
	closed     bool
	life       context.Context
	lifeCancel context.CancelFunc
	connCancel context.CancelFunc
	queue      []queuedFrame
	subs       map[string][]*Subscription

	// held while events are delivered; Disconnect acquires it to wait out
	// an in-flight callback
	deliverMu sync.Mutex

	hooksMu     sync.RWMutex
	stateHooks  []func(ChannelState)
	eventHooks  []func(Envelope)
	beforeReady []func(context.Context) error

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewChannel creates a disconnected channel for the socket at url.
func NewChannel(url string, cfg ChannelConfig) *Channel {
	cfg.defaults()
	life, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:          url,
		cfg:          cfg,
		log:          cfg.Logger,
		recon:        newReconnector(&cfg),
		state:        ChannelDisconnected,
		life:         life,
		lifeCancel:   cancel,
		subs:         make(map[string][]*Subscription),
		pendingPings: make(map[string]chan struct{}),
	}
}

// OnStateChange registers a handler for connection state transitions.
func (c *Channel) OnStateChange(h func(ChannelState)) {
	c.hooksMu.Lock()
	c.stateHooks = append(c.stateHooks, h)
	c.hooksMu.Unlock()
}

// OnEvent registers a handler receiving every server event, before
// conversation subscribers.
func (c *Channel) OnEvent(h func(Envelope)) {
	c.hooksMu.Lock()
	c.eventHooks = append(c.eventHooks, h)
	c.hooksMu.Unlock()
}

// BeforeReady registers a hook run on every (re)connect after subscriptions
// are restored and before the channel reports ready. Errors are logged; they
// do not keep the channel from becoming ready.
func (c *Channel) BeforeReady(h func(context.Context) error) {
	c.hooksMu.Lock()
	c.beforeReady = append(c.beforeReady, h)
	c.hooksMu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the user id announced by the server, if connected once.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// QueueLen returns the number of publishes waiting for readiness.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	changed := c.setStateLocked(s)
	c.mu.Unlock()
	if changed {
		c.stateChanged(s)
	}
}

// setStateLocked switches the state under c.mu. The caller runs
// stateChanged after unlocking when it reports true.
func (c *Channel) setStateLocked(s ChannelState) bool {
	if c.state == s || (c.closed && s != ChannelDisconnected) {
		return false
	}
	c.state = s
	return true
}

func (c *Channel) stateChanged(s ChannelState) {
	c.cfg.Metrics.setState(s)
	c.log.Debug().Str("state", string(s)).Msg("channel state")

	c.hooksMu.RLock()
	hooks := append([]func(ChannelState){}, c.stateHooks...)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(s)
	}
}

// Connect dials the socket and blocks until the channel is ready, retrying
// with backoff unless reconnection is disabled. ctx bounds only the connect
// phase; the connection itself lives until Disconnect.
func (c *Channel) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.state != ChannelDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.closed = false
		c.life, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.creds = creds
	life := c.life
	c.mu.Unlock()

	c.recon.reset()
	c.setState(ChannelConnecting)

	err := c.establish(ctx, life)
	for err != nil {
		c.log.Warn().Err(err).Msg("socket connect failed")
		if c.cfg.DisableReconnect || !c.recon.shouldReconnect() || !IsRetryable(err) {
			c.abandon(life)
			return err
		}
		delay := c.recon.nextDelay()
		c.cfg.Metrics.reconnect()
		c.setState(ChannelReconnecting)
		select {
		case <-ctx.Done():
			c.abandon(life)
			return ctx.Err()
		case <-life.Done():
			return ErrClosed
		case <-time.After(delay):
		}
		err = c.establish(ctx, life)
	}
	return nil
}

// abandon drops back to disconnected unless Disconnect already did.
func (c *Channel) abandon(life context.Context) {
	if life.Err() == nil {
		c.setState(ChannelDisconnected)
	}
}

// establish runs one connection attempt: handshake, subscriptions,
// before-ready hooks, queue flush.
func (c *Channel) establish(ctx context.Context, life context.Context) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	header := http.Header{}
	for _, ck := range creds.Cookies {
		header.Add("Cookie", ck.String())
	}
	if creds.CSRFToken != "" {
		header.Set(CSRFHeaderName, creds.CSRFToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &APIError{Status: resp.StatusCode, Message: "socket handshake rejected"}
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	// first frame must be "connected"
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read connected frame: %w", err)
	}
	env, ok := parseEnvelope(data)
	if !ok || env.Type != EventConnected {
		conn.Close(websocket.StatusPolicyViolation, "unexpected handshake")
		return fmt.Errorf("expected %q frame, got %q", EventConnected, env.Type)
	}

	connCtx, connCancel := context.WithCancel(life)
	c.mu.Lock()
	if c.closed || life.Err() != nil {
		c.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	c.conn = conn
	c.connCancel = connCancel
	c.userID = gjson.GetBytes(env.Payload, "userId").String()
	convIDs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		convIDs = append(convIDs, id)
	}
	c.mu.Unlock()

	c.recon.markConnected()
	c.setState(ChannelSyncing)

	fail := func(err error) error {
		c.dropConn(conn, connCancel)
		return err
	}
	if err := c.writeCommand(connCtx, conn, CommandSubscribe, map[string]string{"destination": UserDestination}); err != nil {
		return fail(fmt.Errorf("subscribe user destination: %w", err))
	}
	for _, id := range convIDs {
		if err := c.writeCommand(connCtx, conn, CommandSubscribe, map[string]string{"conversationId": id}); err != nil {
			return fail(fmt.Errorf("resubscribe %s: %w", id, err))
		}
	}

	c.hooksMu.RLock()
	hooks := append([]func(context.Context) error{}, c.beforeReady...)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		if err := h(connCtx); err != nil {
			if connCtx.Err() != nil {
				return fail(ErrClosed)
			}
			c.log.Warn().Err(err).Msg("before-ready hook failed")
		}
	}

	if err := c.flushQueue(connCtx, conn); err != nil {
		return fail(fmt.Errorf("flush queue: %w", err))
	}

	go c.readLoop(connCtx, connCancel, life, conn)
	go c.heartbeatLoop(connCtx, conn)
	c.log.Info().Str("user", c.UserID()).Int("subscriptions", len(convIDs)).Msg("channel ready")
	return nil
}

// flushQueue writes queued frames in FIFO order and switches to ready once
// the queue is empty, so publishes racing the flush keep their order.
func (c *Channel) flushQueue(ctx context.Context, conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			// ready in the same critical section that saw the empty queue,
			// otherwise a Publish in between would queue behind a ready channel
			changed := c.setStateLocked(ChannelReady)
			c.mu.Unlock()
			c.cfg.Metrics.setQueueDepth(0)
			if changed {
				c.stateChanged(ChannelReady)
			}
			return nil
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := conn.Write(ctx, websocket.MessageText, f.data); err != nil {
			c.mu.Lock()
			c.queue = append([]queuedFrame{f}, c.queue...)
			c.mu.Unlock()
			return err
		}
		c.cfg.Metrics.publish(PublishSent.String())
	}
}

func (c *Channel) dropConn(conn *websocket.Conn, cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "")
	c.clearPendingPings()
}

// Disconnect closes the connection and makes every subscription inert. No
// handler runs after Disconnect returns. Queued publishes are dropped.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.lifeCancel()
	conn := c.conn
	c.conn = nil
	for id, list := range c.subs {
		for _, s := range list {
			s.active.Store(false)
		}
		delete(c.subs, id)
	}
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.clearPendingPings()
	c.cfg.Metrics.setQueueDepth(0)
	if dropped > 0 {
		c.log.Warn().Int("dropped", dropped).Msg("queued publishes dropped on disconnect")
	}

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	// wait for a callback that may be running
	c.deliverMu.Lock()
	c.deliverMu.Unlock()

	c.setState(ChannelDisconnected)
	return err
}

// Subscribe registers handler for the events of one conversation. The
// server-side subscription is created once per conversation and restored on
// every reconnect.
func (c *Channel) Subscribe(conversationID string, handler MessageHandler) *Subscription {
	s := &Subscription{ch: c, conversationID: conversationID, handler: handler}
	s.active.Store(true)

	c.mu.Lock()
	first := len(c.subs[conversationID]) == 0
	c.subs[conversationID] = append(c.subs[conversationID], s)
	conn := c.conn
	life := c.life
	c.mu.Unlock()

	if first && conn != nil {
		if err := c.writeCommand(life, conn, CommandSubscribe, map[string]string{"conversationId": conversationID}); err != nil {
			// restored by the reconnect that follows a failed write
			c.log.Debug().Err(err).Str("conversation", conversationID).Msg("subscribe deferred")
		}
	}
	return s
}

func (c *Channel) unsubscribe(s *Subscription) {
	c.mu.Lock()
	list := c.subs[s.conversationID]
	for i, other := range list {
		if other == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(c.subs, s.conversationID)
	} else {
		c.subs[s.conversationID] = list
	}
	conn := c.conn
	life := c.life
	c.mu.Unlock()

	if last && conn != nil {
		_ = c.writeCommand(life, conn, CommandUnsubscribe, map[string]string{"conversationId": s.conversationID})
	}
}

// Publish sends a message.send frame for conversationID. While the channel is
// not ready the frame is queued (PublishQueued) up to QueueLimit; a full queue
// returns ErrQueueFull. Payloads that cannot be encoded, or that name another
// conversation, fail with ErrMalformedPayload.
func (c *Channel) Publish(ctx context.Context, conversationID string, payload any) (PublishResult, error) {
	data, err := encodePublish(conversationID, payload)
	if err != nil {
		c.cfg.Metrics.publish("rejected")
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.state == ChannelReady && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if err := conn.Write(ctx, websocket.MessageText, data); err == nil {
			c.cfg.Metrics.publish(PublishSent.String())
			return PublishSent, nil
		} else if ctx.Err() != nil {
			return 0, err
		}
		// the connection is going away; hold the frame for the next one
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if len(c.queue) >= c.cfg.QueueLimit {
		c.cfg.Metrics.publish("rejected")
		return 0, ErrQueueFull
	}
	c.queue = append(c.queue, queuedFrame{conversationID: conversationID, data: data})
	c.cfg.Metrics.setQueueDepth(len(c.queue))
	c.cfg.Metrics.publish(PublishQueued.String())
	return PublishQueued, nil
}

func encodePublish(conversationID string, payload any) ([]byte, error) {
	if conversationID == "" || payload == nil {
		return nil, fmt.Errorf("%w: conversation and payload are required", ErrMalformedPayload)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrMalformedPayload)
	}
	if id := gjson.GetBytes(body, "conversationId"); id.Exists() && id.String() != conversationID {
		return nil, fmt.Errorf("%w: payload addressed to %q, published on %q", ErrMalformedPayload, id.String(), conversationID)
	}
	return json.Marshal(Command{
		Type:      CommandSend,
		Payload:   json.RawMessage(body),
		RequestID: uuid.NewString(),
	})
}

func (c *Channel) writeCommand(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	data, err := json.Marshal(Command{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Read side ────────────────────────────────────────────

func parseEnvelope(data []byte) (Envelope, bool) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, false
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.String() == "" {
		return Envelope{}, false
	}
	env := Envelope{Type: typ.String()}
	if p := gjson.GetBytes(data, "payload"); p.Exists() {
		env.Payload = json.RawMessage(p.Raw)
	}
	return env, true
}

func (c *Channel) readLoop(ctx context.Context, cancel context.CancelFunc, life context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if life.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("socket read failed")
			c.dropConn(conn, cancel)
			c.reconnectLoop(life)
			return
		}

		env, ok := parseEnvelope(data)
		if !ok {
			c.log.Warn().Int("bytes", len(data)).Msg("malformed socket frame skipped")
			continue
		}
		if env.Type == EventPong {
			c.resolvePing(gjson.GetBytes(env.Payload, "requestId").String())
			continue
		}
		if env.Type == EventError {
			c.log.Warn().Str("code", gjson.GetBytes(env.Payload, "code").String()).
				Str("message", gjson.GetBytes(env.Payload, "message").String()).Msg("server error frame")
		}
		c.deliver(life, env)
	}
}

func (c *Channel) deliver(life context.Context, env Envelope) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if life.Err() != nil {
		return
	}

	c.hooksMu.RLock()
	hooks := append([]func(Envelope){}, c.eventHooks...)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(env)
	}

	convID := gjson.GetBytes(env.Payload, "conversationId").String()
	if convID == "" {
		return
	}
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs[convID]...)
	c.mu.Unlock()
	for _, s := range subs {
		if s.active.Load() {
			s.handler(env)
		}
	}
}

func (c *Channel) reconnectLoop(life context.Context) {
	if c.cfg.DisableReconnect {
		c.setState(ChannelDisconnected)
		return
	}
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.cfg.Metrics.reconnect()
		c.setState(ChannelReconnecting)
		c.log.Info().Dur("delay", delay).Int("attempt", c.recon.attempt).Msg("reconnecting")

		select {
		case <-life.Done():
			return
		case <-time.After(delay):
		}
		err := c.establish(life, life)
		if err == nil {
			return
		}
		if life.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("reconnect failed")
		if !IsRetryable(err) {
			break
		}
	}
	c.abandon(life)
}

// ── Heartbeat ────────────────────────────────────────────

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(ctx, conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Channel) ping(ctx context.Context, conn *websocket.Conn) error {
	requestID := uuid.NewString()
	ch := make(chan struct{})
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeCommand(ctx, conn, CommandPing, map[string]string{"requestId": requestID}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-time.After(c.cfg.PongTimeout):
		return errors.New("pong timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) resolvePing(requestID string) {
	c.pendingMu.Lock()
	ch, ok := c.pendingPings[requestID]
	if ok {
		delete(c.pendingPings, requestID)
	}
	c.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Channel) clearPendingPings() {
	c.pendingMu.Lock()
	for id, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, id)
	}
	c.pendingMu.Unlock()
}
