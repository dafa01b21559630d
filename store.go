package chatcore

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Types
// ============================================================================

// IngestPath names where a message entered the store.
type IngestPath string

const (
	PathLive IngestPath = "live"
	PathPage IngestPath = "page"
	PathSync IngestPath = "sync"
	PathSend IngestPath = "send"
)

// IngestResult reports what a single ingest did.
type IngestResult struct {
	Inserted bool
	Updated  bool
	// Reconciled is the temporary id this message replaced, if any.
	Reconciled string
}

// StoreChange is delivered to change listeners after every mutation.
type StoreChange struct {
	ConversationID string
	Path           IngestPath
	Inserted       int
	Updated        int
	Removed        int
}

// PageState is the pagination bookkeeping of one conversation.
type PageState struct {
	Size          int
	TotalPages    int
	TotalElements int
	Loaded        []int
}

// IsLoaded reports whether page n has been merged.
func (p PageState) IsLoaded(n int) bool {
	i := sort.SearchInts(p.Loaded, n)
	return i < len(p.Loaded) && p.Loaded[i] == n
}

// NextPage returns the lowest page number not merged yet.
func (p PageState) NextPage() (int, bool) {
	if p.TotalPages == 0 && len(p.Loaded) == 0 {
		return 0, true
	}
	for n := 0; n < p.TotalPages; n++ {
		if !p.IsLoaded(n) {
			return n, true
		}
	}
	return 0, false
}

// HasMore reports whether older history remains on the backend.
func (p PageState) HasMore() bool {
	_, ok := p.NextPage()
	return ok
}

type conversationLog struct {
	msgs  []*Message
	byID  map[string]*Message
	pages PageState
}

func newConversationLog() *conversationLog {
	return &conversationLog{byID: make(map[string]*Message)}
}

func (l *conversationLog) search(m *Message) int {
	return sort.Search(len(l.msgs), func(i int) bool {
		return !l.msgs[i].Before(m)
	})
}

func (l *conversationLog) insert(m *Message) {
	i := l.search(m)
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.byID[m.ID] = m
}

func (l *conversationLog) remove(id string) bool {
	m, ok := l.byID[id]
	if !ok {
		return false
	}
	i := l.search(m)
	for ; i < len(l.msgs); i++ {
		if l.msgs[i].ID == id {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			break
		}
	}
	delete(l.byID, id)
	return true
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore is the authoritative in-memory ordering of every conversation.
// Messages are kept sorted by (CreatedAt, ID) and unique by ID regardless of
// the order in which live, page and sync deliveries arrive.
type MessageStore struct {
	mu    sync.Mutex
	convs map[string]*conversationLog
	// message id -> conversation id
	index map[string]string
	// temporary id -> conversation id, for sends not reconciled yet
	pending map[string]string
	// ids deleted before they were ever ingested
	tombstones map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []func(StoreChange)

	metrics *Metrics
	log     zerolog.Logger
}

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *MessageStore) { s.metrics = m }
}

func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *MessageStore) { s.log = l }
}

// NewMessageStore creates an empty store.
func NewMessageStore(opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		convs:      make(map[string]*conversationLog),
		index:      make(map[string]string),
		pending:    make(map[string]string),
		tombstones: make(map[string]struct{}),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers a listener called after each mutation, outside the store lock.
func (s *MessageStore) OnChange(fn func(StoreChange)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *MessageStore) emit(ch StoreChange) {
	if ch.Inserted == 0 && ch.Updated == 0 && ch.Removed == 0 {
		return
	}
	s.listenersMu.RLock()
	listeners := append([]func(StoreChange){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ch)
	}
}

func (s *MessageStore) conv(id string) *conversationLog {
	l, ok := s.convs[id]
	if !ok {
		l = newConversationLog()
		s.convs[id] = l
	}
	return l
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a copy of the conversation's ordered messages.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = m.clone()
	}
	return out
}

// Get returns a copy of one message.
func (s *MessageStore) Get(conversationID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return Message{}, false
	}
	m, ok := l.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Newest returns the last message of the conversation, or nil.
func (s *MessageStore) Newest(conversationID string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convs[conversationID]
	if !ok || len(l.msgs) == 0 {
		return nil
	}
	m := l.msgs[len(l.msgs)-1].clone()
	return &m
}

// NewestConfirmed returns the last message that carries a server id.
func (s *MessageStore) NewestConfirmed(conversationID string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	for i := len(l.msgs) - 1; i >= 0; i-- {
		if !l.msgs[i].IsTemporary() {
			m := l.msgs[i].clone()
			return &m
		}
	}
	return nil
}

// Pages returns the pagination bookkeeping of a conversation.
func (s *MessageStore) Pages(conversationID string) PageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convs[conversationID]
	if !ok {
		return PageState{}
	}
	p := l.pages
	p.Loaded = append([]int(nil), l.pages.Loaded...)
	return p
}

// PendingCount returns the number of temporary messages awaiting reconciliation.
func (s *MessageStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ConversationIDs lists every conversation holding messages.
func (s *MessageStore) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ── Writes ───────────────────────────────────────────────

// AddTemporary inserts an optimistic message and registers it for
// reconciliation. The message must carry a temporary id.
func (s *MessageStore) AddTemporary(msg Message) error {
	if !msg.IsTemporary() || msg.ConversationID == "" {
		return validationError("temporary message needs a %q id and a conversation", TempIDPrefix)
	}
	if msg.ClientRef == "" {
		msg.ClientRef = msg.ID
	}
	s.mu.Lock()
	l := s.conv(msg.ConversationID)
	if _, dup := l.byID[msg.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	m := msg.clone()
	l.insert(&m)
	s.index[m.ID] = m.ConversationID
	s.pending[m.ID] = m.ConversationID
	s.mu.Unlock()

	s.emit(StoreChange{ConversationID: msg.ConversationID, Path: PathSend, Inserted: 1})
	return nil
}

// IngestLive merges a socket-delivered message. An echo carrying the client
// reference of a pending temporary message replaces it.
func (s *MessageStore) IngestLive(msg Message) IngestResult {
	s.mu.Lock()
	res, ch := s.ingestLocked(msg, PathLive)
	s.mu.Unlock()
	s.emit(ch)
	return res
}

// IngestPage merges one history page. Pages may arrive in any order relative
// to each other and to live messages.
func (s *MessageStore) IngestPage(conversationID string, page []Message, meta PageMeta) StoreChange {
	s.mu.Lock()
	total := StoreChange{ConversationID: conversationID, Path: PathPage}
	for _, m := range page {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID {
			s.log.Warn().Str("conversation", conversationID).Str("message", m.ID).Msg("page message for another conversation skipped")
			continue
		}
		_, ch := s.ingestLocked(m, PathPage)
		total.Inserted += ch.Inserted
		total.Updated += ch.Updated
		total.Removed += ch.Removed
	}
	l := s.conv(conversationID)
	l.pages.Size = meta.Size
	l.pages.TotalPages = meta.TotalPages
	l.pages.TotalElements = meta.TotalElements
	if !l.pages.IsLoaded(meta.Number) {
		l.pages.Loaded = append(l.pages.Loaded, meta.Number)
		sort.Ints(l.pages.Loaded)
	}
	s.mu.Unlock()

	s.emit(total)
	return total
}

// IngestSyncBatch merges an offline catch-up batch.
func (s *MessageStore) IngestSyncBatch(conversationID string, msgs []Message) StoreChange {
	s.mu.Lock()
	total := StoreChange{ConversationID: conversationID, Path: PathSync}
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID {
			continue
		}
		_, ch := s.ingestLocked(m, PathSync)
		total.Inserted += ch.Inserted
		total.Updated += ch.Updated
		total.Removed += ch.Removed
	}
	s.mu.Unlock()
	s.emit(total)
	return total
}

// ReplaceTemporary reconciles a temporary message with the backend's copy.
// The temporary entry is removed and the server message takes its place; if
// the server message is already known (its socket echo won the race) only
// the temporary entry is dropped.
func (s *MessageStore) ReplaceTemporary(tempID string, server Message) IngestResult {
	s.mu.Lock()
	if server.ClientRef == "" {
		server.ClientRef = tempID
	}
	if server.ConversationID == "" {
		server.ConversationID = s.pending[tempID]
	}
	res, ch := s.reconcileLocked(tempID, server, PathSend)
	s.mu.Unlock()
	s.emit(ch)
	return res
}

// DiscardTemporary removes a temporary message whose send failed for good.
func (s *MessageStore) DiscardTemporary(tempID string) bool {
	s.mu.Lock()
	convID, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, tempID)
	delete(s.index, tempID)
	removed := false
	if l, ok := s.convs[convID]; ok {
		removed = l.remove(tempID)
	}
	s.mu.Unlock()
	if removed {
		s.emit(StoreChange{ConversationID: convID, Path: PathSend, Removed: 1})
	}
	return removed
}

// MarkDeleted tombstones a message: content is hidden, identity and position
// are kept. Unknown ids are remembered so a later ingest arrives tombstoned.
func (s *MessageStore) MarkDeleted(messageID string) bool {
	s.mu.Lock()
	convID, ok := s.index[messageID]
	if !ok {
		s.tombstones[messageID] = struct{}{}
		s.mu.Unlock()
		return false
	}
	m := s.convs[convID].byID[messageID]
	changed := !m.Deleted
	tombstone(m)
	s.mu.Unlock()

	if changed {
		s.metrics.tombstoned()
		s.emit(StoreChange{ConversationID: convID, Path: PathLive, Updated: 1})
	}
	return true
}

// ApplyReceipt records that readerID has read everything up to and
// including messageID.
func (s *MessageStore) ApplyReceipt(conversationID, readerID, messageID string, readAt time.Time) int {
	s.mu.Lock()
	l, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	mark, ok := l.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	updated := 0
	for _, m := range l.msgs {
		if mark.Before(m) {
			break
		}
		if m.Sender.ID == readerID || m.IsTemporary() {
			continue
		}
		if addReader(m, ReadBy{UserID: readerID, ReadAt: readAt}) {
			updated++
		}
	}
	s.mu.Unlock()
	s.emit(StoreChange{ConversationID: conversationID, Path: PathLive, Updated: updated})
	return updated
}

// Reset drops everything held for a conversation, including its pagination
// state and pending temporary messages.
func (s *MessageStore) Reset(conversationID string) {
	s.mu.Lock()
	l, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	removed := len(l.msgs)
	for id := range l.byID {
		delete(s.index, id)
		delete(s.pending, id)
	}
	delete(s.convs, conversationID)
	s.mu.Unlock()
	s.emit(StoreChange{ConversationID: conversationID, Path: PathLive, Removed: removed})
}

// ── Merge internals ──────────────────────────────────────

func (s *MessageStore) ingestLocked(msg Message, path IngestPath) (IngestResult, StoreChange) {
	ch := StoreChange{ConversationID: msg.ConversationID, Path: path}
	if msg.ID == "" || msg.ConversationID == "" {
		s.log.Warn().Str("path", string(path)).Msg("message without id or conversation dropped")
		return IngestResult{}, ch
	}
	if msg.ClientRef != "" && msg.ClientRef != msg.ID {
		if _, ok := s.pending[msg.ClientRef]; ok {
			return s.reconcileLocked(msg.ClientRef, msg, path)
		}
	}
	return s.mergeLocked(msg, path)
}

func (s *MessageStore) mergeLocked(msg Message, path IngestPath) (IngestResult, StoreChange) {
	ch := StoreChange{ConversationID: msg.ConversationID, Path: path}
	l := s.conv(msg.ConversationID)
	if existing, ok := l.byID[msg.ID]; ok {
		s.metrics.duplicate(path)
		if mergeMutable(existing, &msg) {
			ch.Updated = 1
			return IngestResult{Updated: true}, ch
		}
		return IngestResult{}, ch
	}
	if owner, ok := s.index[msg.ID]; ok && owner != msg.ConversationID {
		s.log.Warn().Str("message", msg.ID).Str("owner", owner).Str("conversation", msg.ConversationID).Msg("message id reused across conversations")
		return IngestResult{}, ch
	}
	m := msg.clone()
	if _, dead := s.tombstones[m.ID]; dead {
		tombstone(&m)
		delete(s.tombstones, m.ID)
	}
	l.insert(&m)
	s.index[m.ID] = m.ConversationID
	s.metrics.ingestedMsg(path)
	ch.Inserted = 1
	return IngestResult{Inserted: true}, ch
}

func (s *MessageStore) reconcileLocked(tempID string, server Message, path IngestPath) (IngestResult, StoreChange) {
	convID := server.ConversationID
	ch := StoreChange{ConversationID: convID, Path: path}
	if server.ID == "" || convID == "" || IsTemporaryID(server.ID) {
		return IngestResult{}, ch
	}
	removed := false
	if l, ok := s.convs[convID]; ok {
		if temp, ok := l.byID[tempID]; ok {
			if server.ReplyTo == nil && temp.ReplyTo != nil {
				server.ReplyTo = temp.ReplyTo
			}
			removed = l.remove(tempID)
			delete(s.index, tempID)
		}
	}
	delete(s.pending, tempID)

	res, merged := s.mergeLocked(server, path)
	if removed {
		res.Reconciled = tempID
		ch.Removed = 1
		s.metrics.reconciledMsg()
	}
	ch.Inserted = merged.Inserted
	ch.Updated = merged.Updated
	return res, ch
}

// mergeMutable copies the fields that may change after creation. Ordering
// keys are never touched.
func mergeMutable(dst, src *Message) bool {
	changed := false
	// tombstones are sticky
	switch {
	case dst.Deleted:
	case src.Deleted:
		tombstone(dst)
		changed = true
	case src.Edited && (!dst.Edited || dst.Content != src.Content):
		dst.Content = src.Content
		dst.Edited = true
		changed = true
	}
	for _, rb := range src.ReadBy {
		if addReader(dst, rb) {
			changed = true
		}
	}
	if dst.Sender.Name == "" && src.Sender.Name != "" {
		dst.Sender.Name = src.Sender.Name
		dst.Sender.Avatar = src.Sender.Avatar
		changed = true
	}
	if dst.ReplyTo == nil && src.ReplyTo != nil {
		r := *src.ReplyTo
		dst.ReplyTo = &r
		changed = true
	}
	return changed
}

func addReader(m *Message, rb ReadBy) bool {
	for i := range m.ReadBy {
		if m.ReadBy[i].UserID == rb.UserID {
			if rb.ReadAt.Before(m.ReadBy[i].ReadAt) {
				m.ReadBy[i].ReadAt = rb.ReadAt
				return true
			}
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, rb)
	return true
}

func tombstone(m *Message) {
	m.Deleted = true
	m.Content = ""
	m.File = nil
}
