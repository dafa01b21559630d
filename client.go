// Package chatcore is the real-time conversation messaging core of the
// staff network front end.
//
// It keeps an ordered, deduplicated view of every conversation by merging
// socket-delivered messages, paginated REST history and offline sync batches,
// and tracks unread counters and read watermarks on top of it.
//
// Example:
//
//	session := chatcore.StaticSession{User: "u-1", Jar: cookies}
//	client := chatcore.NewClient(chatcore.WithBaseURL(chatcore.BaseURLFromEnv()), chatcore.WithSession(session))
//	s := chatcore.NewSession(client, session)
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Close(ctx)
//
//	s.OpenConversation(ctx, "c-42")
//	s.Send(ctx, "c-42", "hello", nil)
package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

const (
	// EnvBackendURL names the environment variable holding the backend base URL.
	EnvBackendURL  = "CHATCORE_BACKEND_URL"
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	CSRFCookieName = "XSRF-TOKEN"
	CSRFHeaderName = "X-XSRF-TOKEN"
)

// BaseURLFromEnv returns the backend URL from the environment, or the
// localhost fallback.
func BaseURLFromEnv() string {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		return strings.TrimRight(v, "/")
	}
	return DefaultBaseURL
}

// ============================================================================
// Session capability
// ============================================================================

// SessionProvider is the identity/session backend as seen by the messaging
// core: who the local user is and which credentials to forward.
type SessionProvider interface {
	UserID() string
	CSRFToken() string
	Cookies() []*http.Cookie
}

// UnauthorizedHandler is optionally implemented by a SessionProvider that
// wants to force re-authentication on 401/403.
type UnauthorizedHandler interface {
	OnUnauthorized(err error)
}

// StaticSession is a SessionProvider over fixed credentials.
type StaticSession struct {
	User  string
	CSRF  string
	Jar   []*http.Cookie
	OnErr func(error)
}

func (s StaticSession) UserID() string { return s.User }

// CSRFToken returns the explicit token or the value of the XSRF-TOKEN cookie.
func (s StaticSession) CSRFToken() string {
	if s.CSRF != "" {
		return s.CSRF
	}
	for _, c := range s.Jar {
		if c.Name == CSRFCookieName {
			return c.Value
		}
	}
	return ""
}

func (s StaticSession) Cookies() []*http.Cookie { return s.Jar }

func (s StaticSession) OnUnauthorized(err error) {
	if s.OnErr != nil {
		s.OnErr(err)
	}
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the messaging REST backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    SessionProvider
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithSession(s SessionProvider) ClientOption {
	return func(c *Client) { c.session = s }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client. Without WithBaseURL the URL comes from
// BaseURLFromEnv.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: BaseURLFromEnv(),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		apiErr.Status = resp.StatusCode
		c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend error")
		if apiErr.Unwrap() != nil {
			if h, ok := c.session.(UnauthorizedHandler); ok {
				h.OnUnauthorized(apiErr)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.doRequest(ctx, method, path, reader, contentType, query)
}

// authorize forwards the session cookies unmodified and echoes the CSRF
// token on mutating requests.
func (c *Client) authorize(req *http.Request) {
	if c.session == nil {
		return
	}
	for _, ck := range c.session.Cookies() {
		req.AddCookie(ck)
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return
	}
	if token := c.session.CSRFToken(); token != "" {
		req.Header.Set(CSRFHeaderName, token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches every conversation the user belongs to.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/conversations/all", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// GetMessages fetches one page of a conversation's history.
func (c *Client) GetMessages(ctx context.Context, conversationID string, pr PageRequest) (*Page[Message], error) {
	if pr.Size <= 0 {
		pr.Size = DefaultPageSize
	}
	if pr.Sort == "" {
		pr.Sort = DefaultPageSort
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(pr.Page))
	q.Set("size", strconv.Itoa(pr.Size))
	q.Set("sort", pr.Sort)
	data, err := c.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, q)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[Page[Message]](data)
	if err != nil {
		return nil, err
	}
	for i := range page.Content {
		if page.Content[i].ConversationID == "" {
			page.Content[i].ConversationID = conversationID
		}
	}
	return page, nil
}

// CreateDirect creates, or returns the existing, direct conversation with otherUserID.
func (c *Client) CreateDirect(ctx context.Context, otherUserID string) (*Conversation, error) {
	if strings.TrimSpace(otherUserID) == "" {
		return nil, validationError("otherUserId is required")
	}
	data, err := c.doJSON(ctx, http.MethodPost, "/conversations/direct/"+url.PathEscape(otherUserID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage posts a text message. The request is validated before any
// network call.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	data, err := c.doJSON(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// SendFile uploads an attachment as a new message. msgType may be empty, in
// which case it is derived from the file's content type.
func (c *Client) SendFile(ctx context.Context, conversationID string, msgType MessageType, fileName string, r io.Reader) (*Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, validationError("conversationId is required")
	}
	if fileName == "" {
		return nil, validationError("fileName is required")
	}
	contentType := guessMimeType(fileName)
	if msgType == "" {
		msgType = typeForContentType(contentType)
	}
	if !msgType.Valid() {
		return nil, validationError("unknown messageType %q", msgType)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("conversationId", conversationID)
	_ = w.WriteField("type", string(msgType))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(fileName)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	data, err := c.doRequest(ctx, http.MethodPost, "/messages/file", &buf, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// DeleteMessage tombstones a message on the backend.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" || IsTemporaryID(messageID) {
		return validationError("cannot delete message %q", messageID)
	}
	_, err := c.doJSON(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// MarkRead moves the caller's read watermark and returns the new unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID, lastReadMessageID string) (int, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/messages/read", &readRequest{
		ConversationID:    conversationID,
		LastReadMessageID: lastReadMessageID,
	}, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[readResponse](data)
	if err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

// Sync returns, per conversation, the messages strictly newer than the given
// timestamps. Conversations the backend could not serve are absent.
func (c *Client) Sync(ctx context.Context, cursors map[string]time.Time) (map[string][]Message, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/messages/sync", &syncRequest{LastSyncTimestampsByConversation: cursors}, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[map[string][]Message](data)
	if err != nil {
		return nil, err
	}
	for convID, msgs := range *out {
		for i := range msgs {
			if msgs[i].ConversationID == "" {
				msgs[i].ConversationID = convID
			}
		}
	}
	return *out, nil
}

// SocketURL returns the socket endpoint derived from the base URL.
func (c *Client) SocketURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// ============================================================================
// Helpers
// ============================================================================

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in Go's builtin registry on every platform
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm",
		".m4a": "audio/mp4", ".opus": "audio/ogg", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func typeForContentType(ct string) MessageType {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return TypeImage
	case strings.HasPrefix(ct, "video/"):
		return TypeVideo
	case strings.HasPrefix(ct, "audio/"):
		return TypeAudio
	}
	return TypeFile
}
