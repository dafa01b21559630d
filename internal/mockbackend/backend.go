// Package mockbackend is an in-memory messaging backend speaking the REST and
// socket contract chatcore consumes. It backs the package tests and the
// devserver command.
package mockbackend

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/staffnet/chatcore"
)

// SessionCookie carries the user id of an authenticated request.
const SessionCookie = "SESSION"

type conversation struct {
	chatcore.Conversation
	messages []*chatcore.Message
	// user id -> last read message id
	reads map[string]string
}

func (c *conversation) member(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (c *conversation) find(id string) *chatcore.Message {
	for _, m := range c.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (c *conversation) unread(userID string) int {
	var mark *chatcore.Message
	if id, ok := c.reads[userID]; ok {
		mark = c.find(id)
	}
	n := 0
	for _, m := range c.messages {
		if m.Sender.ID == userID || m.Deleted {
			continue
		}
		if mark != nil && !mark.Before(m) {
			continue
		}
		n++
	}
	return n
}

func (c *conversation) last() *chatcore.Message {
	if len(c.messages) == 0 {
		return nil
	}
	m := *c.messages[len(c.messages)-1]
	return &m
}

// Backend is the in-memory server.
type Backend struct {
	mu     sync.Mutex
	users  map[string]string
	convs  map[string]*conversation
	seq    int
	lastAt time.Time
	clock  func() time.Time

	syncFailures   map[string]bool
	bulkSyncErrors int
	readErrors     int
	readCalls      int
	syncCalls      int

	hub    *hub
	engine *gin.Engine
	log    zerolog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces time.Now for message timestamps.
func WithClock(fn func() time.Time) Option {
	return func(b *Backend) { b.clock = fn }
}

// WithLogger logs requests and socket traffic.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		users:        make(map[string]string),
		convs:        make(map[string]*conversation),
		clock:        time.Now,
		syncFailures: make(map[string]bool),
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.hub = newHub(b, b.log)
	b.engine = b.routes()
	return b
}

// Handler returns the HTTP handler serving REST and /ws.
func (b *Backend) Handler() http.Handler { return b.engine }

// Cookies returns the cookies a client of userID must send.
func Cookies(userID string) []*http.Cookie {
	return []*http.Cookie{
		{Name: SessionCookie, Value: userID},
		{Name: chatcore.CSRFCookieName, Value: "csrf-" + userID},
	}
}

// ── Test helpers ─────────────────────────────────────────

// AddUser registers a user.
func (b *Backend) AddUser(id, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[id] = name
}

// CreateGroup creates a group conversation of the given members.
func (b *Backend) CreateGroup(name string, members ...string) chatcore.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.newConversationLocked(chatcore.KindGroup, name, members)
	return b.viewLocked(c, "")
}

// Post creates a message as senderID and pushes it to connected members.
func (b *Backend) Post(conversationID, senderID, content string) (chatcore.Message, error) {
	return b.createMessage(senderID, &chatcore.SendRequest{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    chatcore.TypeText,
	}, nil)
}

// Edit changes a message's content and pushes message.edited.
func (b *Backend) Edit(messageID, content string) error {
	b.mu.Lock()
	c, m := b.lookupLocked(messageID)
	if m == nil {
		b.mu.Unlock()
		return fmt.Errorf("message %s not found", messageID)
	}
	m.Content = content
	m.Edited = true
	out := *m
	b.mu.Unlock()
	b.hub.broadcast(c, chatcore.EventMessageEdited, func(string) any { return out })
	return nil
}

// Messages returns a conversation's messages, oldest first.
func (b *Backend) Messages(conversationID string) []chatcore.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]chatcore.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

// SetSyncFailure makes sync return null for a conversation.
func (b *Backend) SetSyncFailure(conversationID string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncFailures[conversationID] = fail
}

// FailBulkSync makes the next n sync requests covering more than one
// conversation fail with 503.
func (b *Backend) FailBulkSync(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulkSyncErrors = n
}

// FailReads makes the next n read requests fail with 503.
func (b *Backend) FailReads(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErrors = n
}

// ReadCalls returns the number of read requests served, failed ones included.
func (b *Backend) ReadCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readCalls
}

// SyncCalls returns the number of sync requests received.
func (b *Backend) SyncCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncCalls
}

// Watermark returns the last read message of userID in a conversation.
func (b *Backend) Watermark(conversationID, userID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.convs[conversationID]; ok {
		return c.reads[userID]
	}
	return ""
}

// Connections returns the number of open sockets.
func (b *Backend) Connections() int { return b.hub.count() }

// DropConnections closes every socket, as a network failure would.
func (b *Backend) DropConnections() { b.hub.dropAll() }

// ── Model ────────────────────────────────────────────────

func (b *Backend) now() time.Time {
	t := b.clock().UTC()
	if !t.After(b.lastAt) {
		t = b.lastAt.Add(time.Millisecond)
	}
	b.lastAt = t
	return t
}

func (b *Backend) newConversationLocked(kind chatcore.ConversationKind, name string, members []string) *conversation {
	now := b.now()
	c := &conversation{
		Conversation: chatcore.Conversation{
			ID:        "c-" + uuid.NewString()[:8],
			Kind:      kind,
			Name:      name,
			CreatedAt: now,
		},
		reads: make(map[string]string),
	}
	for _, id := range members {
		c.Members = append(c.Members, chatcore.Member{UserID: id, Name: b.users[id], JoinedAt: now})
	}
	b.convs[c.ID] = c
	return c
}

func (b *Backend) viewLocked(c *conversation, userID string) chatcore.Conversation {
	out := c.Conversation
	out.Members = append([]chatcore.Member(nil), c.Members...)
	out.LastMessage = c.last()
	if userID != "" {
		out.UnreadCount = c.unread(userID)
	}
	return out
}

func (b *Backend) lookupLocked(messageID string) (*conversation, *chatcore.Message) {
	for _, c := range b.convs {
		if m := c.find(messageID); m != nil {
			return c, m
		}
	}
	return nil, nil
}

func (b *Backend) listFor(userID string) []chatcore.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []chatcore.Conversation
	for _, c := range b.convs {
		if c.member(userID) {
			out = append(out, b.viewLocked(c, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) direct(userID, otherID string) (chatcore.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[otherID]; !ok {
		return chatcore.Conversation{}, errNotFound
	}
	for _, c := range b.convs {
		if c.Kind == chatcore.KindDirect && c.member(userID) && c.member(otherID) {
			return b.viewLocked(c, userID), nil
		}
	}
	c := b.newConversationLocked(chatcore.KindDirect, "", []string{userID, otherID})
	return b.viewLocked(c, userID), nil
}

func (b *Backend) createMessage(senderID string, req *chatcore.SendRequest, file *chatcore.FileRef) (chatcore.Message, error) {
	b.mu.Lock()
	c, ok := b.convs[req.ConversationID]
	if !ok {
		b.mu.Unlock()
		return chatcore.Message{}, errNotFound
	}
	if !c.member(senderID) {
		b.mu.Unlock()
		return chatcore.Message{}, errForbidden
	}
	b.seq++
	m := &chatcore.Message{
		ID:             fmt.Sprintf("m%06d", b.seq),
		ClientRef:      req.ClientMessageID,
		ConversationID: c.ID,
		Sender:         chatcore.Sender{ID: senderID, Name: b.users[senderID]},
		Content:        req.Content,
		File:           file,
		Type:           req.MessageType,
		CreatedAt:      b.now(),
	}
	if req.ReplyToMessageID != "" {
		if orig := c.find(req.ReplyToMessageID); orig != nil {
			m.ReplyTo = &chatcore.ReplyRef{MessageID: orig.ID, Snippet: orig.Content}
		}
	}
	c.messages = append(c.messages, m)
	out := *m
	b.mu.Unlock()

	b.hub.broadcast(c, chatcore.EventMessageNew, func(string) any { return out })
	return out, nil
}

func (b *Backend) page(userID, conversationID string, number, size int, desc bool) (chatcore.Page[chatcore.Message], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	if !ok {
		return chatcore.Page[chatcore.Message]{}, errNotFound
	}
	if !c.member(userID) {
		return chatcore.Page[chatcore.Message]{}, errForbidden
	}
	all := make([]chatcore.Message, len(c.messages))
	for i, m := range c.messages {
		all[i] = *m
	}
	if desc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	total := len(all)
	p := chatcore.Page[chatcore.Message]{
		Content:       []chatcore.Message{},
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
		Number:        number,
		Size:          size,
	}
	start := number * size
	if start < total {
		end := start + size
		if end > total {
			end = total
		}
		p.Content = all[start:end]
	}
	return p, nil
}

func (b *Backend) deleteMessage(userID, messageID string) error {
	b.mu.Lock()
	c, m := b.lookupLocked(messageID)
	if m == nil {
		b.mu.Unlock()
		return errNotFound
	}
	if m.Sender.ID != userID {
		b.mu.Unlock()
		return errForbidden
	}
	m.Deleted = true
	m.Content = ""
	m.File = nil
	b.mu.Unlock()

	p := chatcore.DeletedPayload{ConversationID: c.ID, MessageID: messageID}
	b.hub.broadcast(c, chatcore.EventMessageDeleted, func(string) any { return p })
	return nil
}

func (b *Backend) markRead(userID, conversationID, messageID string) (int, error) {
	b.mu.Lock()
	b.readCalls++
	if b.readErrors > 0 {
		b.readErrors--
		b.mu.Unlock()
		return 0, errUnavailable
	}
	c, ok := b.convs[conversationID]
	if !ok {
		b.mu.Unlock()
		return 0, errNotFound
	}
	m := c.find(messageID)
	if m == nil || !c.member(userID) {
		b.mu.Unlock()
		return 0, errNotFound
	}
	if cur := c.find(c.reads[userID]); cur == nil || cur.Before(m) {
		c.reads[userID] = messageID
	}
	watermark := c.reads[userID]
	unread := c.unread(userID)
	readAt := b.now()
	b.mu.Unlock()

	b.hub.broadcast(c, chatcore.EventReceipt, func(to string) any {
		p := chatcore.ReceiptPayload{ConversationID: c.ID, ReaderID: userID, MessageID: watermark, ReadAt: readAt}
		if to == userID {
			n := unread
			p.UnreadCount = &n
		}
		return p
	})
	return unread, nil
}

func (b *Backend) sync(userID string, cursors map[string]time.Time) (map[string][]chatcore.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncCalls++
	if len(cursors) > 1 && b.bulkSyncErrors > 0 {
		b.bulkSyncErrors--
		return nil, errUnavailable
	}
	out := make(map[string][]chatcore.Message)
	for id, since := range cursors {
		c, ok := b.convs[id]
		if !ok || !c.member(userID) {
			continue
		}
		if b.syncFailures[id] {
			out[id] = nil
			continue
		}
		var delta []chatcore.Message
		for _, m := range c.messages {
			if m.CreatedAt.After(since) {
				delta = append(delta, *m)
			}
		}
		if len(delta) > 0 {
			out[id] = delta
		}
	}
	return out, nil
}
