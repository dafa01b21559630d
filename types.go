package chatcore

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes 1:1 from multi-member conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "DIRECT"
	KindGroup  ConversationKind = "GROUP"
)

// Member is a participant of a conversation.
type Member struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Conversation is a summary row of the conversation directory.
type Conversation struct {
	ID          string           `json:"id"`
	Kind        ConversationKind `json:"type"`
	Name        string           `json:"name,omitempty"`
	Members     []Member         `json:"members,omitempty"`
	LastMessage *Message         `json:"lastMessage,omitempty"`
	UnreadCount int              `json:"unreadCount"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// DisplayName returns the name shown for the conversation. Direct
// conversations are named after the member that is not selfID.
func (c *Conversation) DisplayName(selfID string) string {
	if c.Kind == KindDirect {
		for _, m := range c.Members {
			if m.UserID != selfID && m.Name != "" {
				return m.Name
			}
		}
	}
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// activityTime is the directory ordering key.
func (c *Conversation) activityTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func (c Conversation) clone() Conversation {
	out := c
	out.Members = append([]Member(nil), c.Members...)
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		out.LastMessage = &m
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeVideo MessageType = "VIDEO"
	TypeAudio MessageType = "AUDIO"
	TypeFile  MessageType = "FILE"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// TempIDPrefix marks identifiers generated locally before the backend acknowledged a send.
const TempIDPrefix = "temp-"

// IsTemporaryID reports whether id was generated locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Sender identifies the author of a message.
type Sender struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// FileRef describes an attachment stored by the backend.
type FileRef struct {
	URL          string `json:"url"`
	OriginalName string `json:"originalName"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
}

// ReadBy records that a user has read a message.
type ReadBy struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Snippet   string `json:"snippet,omitempty"`
}

// Message is a single conversation message.
type Message struct {
	ID             string      `json:"id"`
	ClientRef      string      `json:"clientMessageId,omitempty"`
	ConversationID string      `json:"conversationId"`
	Sender         Sender      `json:"sender"`
	Content        string      `json:"content,omitempty"`
	File           *FileRef    `json:"file,omitempty"`
	Type           MessageType `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
	Edited         bool        `json:"edited,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
	ReadBy         []ReadBy    `json:"readBy,omitempty"`
	ReplyTo        *ReplyRef   `json:"replyTo,omitempty"`
}

// Before reports whether m sorts before o in the (CreatedAt, ID) total order.
func (m *Message) Before(o *Message) bool {
	return compareKeys(m.CreatedAt, m.ID, o.CreatedAt, o.ID) < 0
}

// IsTemporary reports whether the message has not been acknowledged yet.
func (m *Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

func (m Message) clone() Message {
	out := m
	out.ReadBy = append([]ReadBy(nil), m.ReadBy...)
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return out
}

func compareKeys(at time.Time, aid string, bt time.Time, bid string) int {
	switch {
	case at.Before(bt):
		return -1
	case at.After(bt):
		return 1
	case aid < bid:
		return -1
	case aid > bid:
		return 1
	}
	return 0
}

// ============================================================================
// REST payloads
// ============================================================================

// Page is the Spring-style page envelope returned by paginated endpoints.
type Page[T any] struct {
	Content       []T `json:"content"`
	TotalPages    int `json:"totalPages"`
	TotalElements int `json:"totalElements"`
	Number        int `json:"number"`
	Size          int `json:"size"`
}

// Meta returns the page bookkeeping without the content.
func (p *Page[T]) Meta() PageMeta {
	return PageMeta{
		Number:        p.Number,
		Size:          p.Size,
		TotalPages:    p.TotalPages,
		TotalElements: p.TotalElements,
	}
}

// PageMeta is the pagination part of a page envelope.
type PageMeta struct {
	Number        int
	Size          int
	TotalPages    int
	TotalElements int
}

// PageRequest selects a history page.
type PageRequest struct {
	Page int
	Size int
	Sort string
}

const (
	DefaultPageSize = 20
	DefaultPageSort = "createdAt,desc"
)

// SendRequest is the body of POST /messages.
type SendRequest struct {
	ConversationID   string      `json:"conversationId"`
	Content          string      `json:"content"`
	MessageType      MessageType `json:"messageType"`
	ReplyToMessageID string      `json:"replyToMessageId,omitempty"`
	ClientMessageID  string      `json:"clientMessageId,omitempty"`
}

// Validate rejects requests that must never reach the network.
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return validationError("conversationId is required")
	}
	if r.MessageType == "" {
		r.MessageType = TypeText
	}
	if !r.MessageType.Valid() {
		return validationError("unknown messageType %q", r.MessageType)
	}
	if r.MessageType == TypeText && strings.TrimSpace(r.Content) == "" {
		return validationError("content is required for text messages")
	}
	if r.ReplyToMessageID != "" && IsTemporaryID(r.ReplyToMessageID) {
		return validationError("cannot reply to an unsent message")
	}
	return nil
}

type readRequest struct {
	ConversationID    string `json:"conversationId"`
	LastReadMessageID string `json:"lastReadMessageId"`
}

type readResponse struct {
	UnreadCount int `json:"unreadCount"`
}

type syncRequest struct {
	LastSyncTimestampsByConversation map[string]time.Time `json:"lastSyncTimestampsByConversation"`
}

// ============================================================================
// Socket payloads
// ============================================================================

// Envelope is the wire format of every socket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server socket frame.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Socket frame types.
const (
	EventConnected      = "connected"
	EventMessageNew     = "message.new"
	EventMessageEdited  = "message.edited"
	EventMessageDeleted = "message.deleted"
	EventMessageAck     = "message.ack"
	EventReceipt        = "receipt.updated"
	EventPong           = "pong"
	EventError          = "error"

	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandSend        = "message.send"
	CommandPing        = "ping"
)

// UserDestination is the per-user socket destination every session subscribes to.
const UserDestination = "/user/queue/messages"

// ConnectedPayload is the first frame after a successful socket handshake.
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// DeletedPayload announces a tombstoned message.
type DeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// AckPayload acknowledges a socket send.
type AckPayload struct {
	ConversationID  string  `json:"conversationId"`
	ClientMessageID string  `json:"clientMessageId"`
	Message         Message `json:"message"`
}

// ReceiptPayload reports a read-watermark change by some member.
type ReceiptPayload struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	MessageID      string    `json:"messageId"`
	ReadAt         time.Time `json:"readAt"`
	UnreadCount    *int      `json:"unreadCount,omitempty"`
}

// ErrorPayload is a server-side socket error.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
