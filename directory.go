package chatcore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConversationFetcher returns the authoritative conversation list. *Client
// implements it.
type ConversationFetcher interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// PreviewSource supplies locally held messages for previews. *MessageStore
// implements it.
type PreviewSource interface {
	Newest(conversationID string) *Message
}

type dirEntry struct {
	conv Conversation
	// messages at or before the floor were covered by the last
	// authoritative unread count
	floorAt time.Time
	floorID string
	counted map[string]struct{}
	// created from a live message, not seen in a refresh yet
	placeholder bool
}

func (e *dirEntry) setFloor() {
	e.counted = make(map[string]struct{})
	if e.conv.LastMessage != nil {
		e.floorAt = e.conv.LastMessage.CreatedAt
		e.floorID = e.conv.LastMessage.ID
	} else {
		e.floorAt, e.floorID = time.Time{}, ""
	}
}

func (e *dirEntry) afterFloor(m *Message) bool {
	return compareKeys(m.CreatedAt, m.ID, e.floorAt, e.floorID) > 0
}

// Directory is the conversation list ordered by most recent activity. Its
// message previews are copies taken from the MessageStore.
type Directory struct {
	mu      sync.Mutex
	self    string
	entries map[string]*dirEntry
	open    string
	fetcher ConversationFetcher
	source  PreviewSource

	listenersMu sync.RWMutex
	listeners   []func()

	metrics *Metrics
	log     zerolog.Logger
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithSelf sets the current user; their own messages never count as unread.
func WithSelf(userID string) DirectoryOption {
	return func(d *Directory) { d.self = userID }
}

// WithPreviewSource merges the locally held newest message into the
// backend's lastMessage on refresh; the newer of the two becomes the preview.
func WithPreviewSource(src PreviewSource) DirectoryOption {
	return func(d *Directory) { d.source = src }
}

func WithDirectoryMetrics(m *Metrics) DirectoryOption {
	return func(d *Directory) { d.metrics = m }
}

func WithDirectoryLogger(l zerolog.Logger) DirectoryOption {
	return func(d *Directory) { d.log = l }
}

// NewDirectory creates an empty directory refreshed through fetcher.
func NewDirectory(fetcher ConversationFetcher, opts ...DirectoryOption) *Directory {
	d := &Directory{
		entries: make(map[string]*dirEntry),
		fetcher: fetcher,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnChange registers a listener called after the directory changed.
func (d *Directory) OnChange(fn func()) {
	d.listenersMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.listenersMu.Unlock()
}

func (d *Directory) changed() {
	d.metrics.setUnread(d.TotalUnread())
	d.listenersMu.RLock()
	listeners := append([]func(){}, d.listeners...)
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// ── Reads ────────────────────────────────────────────────

// List returns the conversations, most recent activity first.
func (d *Directory) List() []Conversation {
	d.mu.Lock()
	out := make([]Conversation, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.conv.clone())
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if c := compareKeys(a.activityTime(), activityID(a), b.activityTime(), activityID(b)); c != 0 {
			return c > 0
		}
		return a.ID < b.ID
	})
	return out
}

func activityID(c *Conversation) string {
	if c.LastMessage != nil {
		return c.LastMessage.ID
	}
	return c.ID
}

// Get returns one conversation.
func (d *Directory) Get(conversationID string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return e.conv.clone(), true
}

// TotalUnread sums the unread counts of every conversation.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		n += e.conv.UnreadCount
	}
	return n
}

// Open returns the conversation currently on screen, if any.
func (d *Directory) Open() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// SetOpen marks conversationID as the one on screen. Live messages in it do
// not increment its unread count. An empty id closes it.
func (d *Directory) SetOpen(conversationID string) {
	d.mu.Lock()
	d.open = conversationID
	d.mu.Unlock()
}

// ── Writes ───────────────────────────────────────────────

// Upsert merges a server record. A newer local preview is kept; the unread
// count is taken as authoritative.
func (d *Directory) Upsert(conv Conversation) {
	held := d.held(conv.ID)
	d.mu.Lock()
	d.upsertLocked(conv, held)
	d.mu.Unlock()
	d.changed()
}

func (d *Directory) held(conversationID string) *Message {
	if d.source == nil {
		return nil
	}
	return d.source.Newest(conversationID)
}

func (d *Directory) upsertLocked(conv Conversation, held *Message) {
	c := conv.clone()
	c.LastMessage, _ = mergePreview(c.LastMessage, held)
	e, ok := d.entries[c.ID]
	if !ok {
		e = &dirEntry{}
		d.entries[c.ID] = e
	} else {
		c.LastMessage, _ = mergePreview(c.LastMessage, e.conv.LastMessage)
	}
	e.conv = c
	e.placeholder = false
	e.setFloor()
}

// mergePreview returns the preview to keep when cand is offered over cur.
// The newer message wins; copies of the same message merge like the store
// does, so a tombstone is never undone.
func mergePreview(cur, cand *Message) (*Message, bool) {
	switch {
	case cand == nil:
		return cur, false
	case cur == nil:
	case cur.ID == cand.ID:
		merged := cur.clone()
		if !mergeMutable(&merged, cand) {
			return cur, false
		}
		return &merged, true
	case cur.IsTemporary() && cand.ClientRef == cur.ID:
		// the preview was the optimistic copy of this message
	case !cur.Before(cand):
		return cur, false
	}
	m := cand.clone()
	return &m, true
}

// UpsertFromMessage records msg as the conversation preview unless a newer
// message is already recorded. Applying the same message twice is a no-op;
// a later copy of the current preview (edit, tombstone) is merged into it.
func (d *Directory) UpsertFromMessage(msg Message) bool {
	if msg.ConversationID == "" || msg.ID == "" {
		return false
	}
	d.mu.Lock()
	e, ok := d.entries[msg.ConversationID]
	if !ok {
		e = &dirEntry{
			conv:        Conversation{ID: msg.ConversationID, CreatedAt: msg.CreatedAt},
			counted:     make(map[string]struct{}),
			placeholder: true,
		}
		d.entries[msg.ConversationID] = e
	}
	var update bool
	e.conv.LastMessage, update = mergePreview(e.conv.LastMessage, &msg)
	d.mu.Unlock()

	if update || !ok {
		d.changed()
	}
	return update
}

// NoteLive applies the optimistic unread increment for a live message. The
// message counts once, only if it comes from someone else, lands in a
// conversation that is not open and is newer than the last authoritative
// count.
func (d *Directory) NoteLive(msg Message) bool {
	d.mu.Lock()
	e, ok := d.entries[msg.ConversationID]
	if !ok || msg.IsTemporary() || msg.Deleted ||
		msg.Sender.ID == d.self || d.open == msg.ConversationID || !e.afterFloor(&msg) {
		d.mu.Unlock()
		return false
	}
	if _, seen := e.counted[msg.ID]; seen {
		d.mu.Unlock()
		return false
	}
	e.counted[msg.ID] = struct{}{}
	e.conv.UnreadCount++
	d.mu.Unlock()

	d.changed()
	return true
}

// SetUnread applies an authoritative unread count. Increments for messages
// already known when the count was produced are discarded.
func (d *Directory) SetUnread(conversationID string, count int) {
	if count < 0 {
		count = 0
	}
	d.mu.Lock()
	e, ok := d.entries[conversationID]
	if !ok {
		d.mu.Unlock()
		return
	}
	e.conv.UnreadCount = count
	e.setFloor()
	d.mu.Unlock()
	d.changed()
}

// Remove drops a conversation from the directory.
func (d *Directory) Remove(conversationID string) {
	d.mu.Lock()
	_, ok := d.entries[conversationID]
	delete(d.entries, conversationID)
	if d.open == conversationID {
		d.open = ""
	}
	d.mu.Unlock()
	if ok {
		d.changed()
	}
}

// Refresh replaces the directory with the backend's list. Conversations the
// backend no longer returns are dropped, except those first seen through a
// live message since they may predate the listing.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.fetcher == nil {
		return ErrNotConnected
	}
	convs, err := d.fetcher.ListConversations(ctx)
	if err != nil {
		return err
	}
	// read outside d.mu; the store calls into the directory on change
	held := make([]*Message, len(convs))
	for i, c := range convs {
		held[i] = d.held(c.ID)
	}

	d.mu.Lock()
	seen := make(map[string]struct{}, len(convs))
	for i, c := range convs {
		seen[c.ID] = struct{}{}
		d.upsertLocked(c, held[i])
	}
	dropped := 0
	for id, e := range d.entries {
		if _, ok := seen[id]; !ok && !e.placeholder {
			delete(d.entries, id)
			dropped++
		}
	}
	d.mu.Unlock()

	d.log.Debug().Int("conversations", len(convs)).Int("dropped", dropped).Msg("directory refreshed")
	d.changed()
	return nil
}
