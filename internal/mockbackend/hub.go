package mockbackend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/staffnet/chatcore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn is one socket connection. A user may hold several.
type conn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	userDest      bool
	conversations map[string]bool
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) wants(conv *conversation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conversations[conv.ID] {
		return true
	}
	return c.userDest && conv.member(c.userID)
}

type hub struct {
	backend *Backend
	log     zerolog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func newHub(b *Backend, log zerolog.Logger) *hub {
	return &hub{backend: b, log: log, conns: make(map[*conn]struct{})}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *hub) dropAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *hub) serve(gc *gin.Context) {
	uid, ok := h.backend.userFromRequest(gc.Request)
	if !ok {
		gc.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	c := &conn{
		userID:        uid,
		ws:            ws,
		send:          make(chan []byte, 64),
		done:          make(chan struct{}),
		conversations: make(map[string]bool),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("user", uid).Msg("socket connected")

	h.push(c, chatcore.EventConnected, chatcore.ConnectedPayload{UserID: uid})
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) push(c *conn, typ string, payload any) {
	data, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("encode frame")
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.log.Warn().Str("user", c.userID).Msg("send queue full, dropping connection")
		h.remove(c)
	}
}

// broadcast delivers one frame per connection that follows the conversation,
// either through the user destination or a conversation subscription.
func (h *hub) broadcast(conv *conversation, typ string, payload func(to string) any) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.backend.mu.Lock()
	wanted := targets[:0]
	for _, c := range targets {
		if c.wants(conv) {
			wanted = append(wanted, c)
		}
	}
	h.backend.mu.Unlock()

	for _, c := range wanted {
		h.push(c, typ, payload(c.userID))
	}
}

type command struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

type subscribeBody struct {
	Destination    string `json:"destination"`
	ConversationID string `json:"conversationId"`
}

func (h *hub) readLoop(c *conn) {
	defer h.remove(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("user", c.userID).Msg("socket read")
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.push(c, chatcore.EventError, chatcore.ErrorPayload{Code: "malformed", Message: "invalid frame"})
			continue
		}
		h.handle(c, cmd)
	}
}

func (h *hub) handle(c *conn, cmd command) {
	switch cmd.Type {
	case chatcore.CommandSubscribe, chatcore.CommandUnsubscribe:
		var body subscribeBody
		_ = json.Unmarshal(cmd.Payload, &body)
		on := cmd.Type == chatcore.CommandSubscribe
		c.mu.Lock()
		if body.Destination == chatcore.UserDestination {
			c.userDest = on
		}
		if body.ConversationID != "" {
			if on {
				c.conversations[body.ConversationID] = true
			} else {
				delete(c.conversations, body.ConversationID)
			}
		}
		c.mu.Unlock()
	case chatcore.CommandSend:
		var req chatcore.SendRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			h.push(c, chatcore.EventError, chatcore.ErrorPayload{Code: "malformed", Message: err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			h.push(c, chatcore.EventError, chatcore.ErrorPayload{Code: "validation", Message: err.Error()})
			return
		}
		m, err := h.backend.createMessage(c.userID, &req, nil)
		if err != nil {
			h.push(c, chatcore.EventError, chatcore.ErrorPayload{Code: "send", Message: err.Error()})
			return
		}
		h.push(c, chatcore.EventMessageAck, chatcore.AckPayload{
			ConversationID:  m.ConversationID,
			ClientMessageID: req.ClientMessageID,
			Message:         m,
		})
	case chatcore.CommandPing:
		var body struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(cmd.Payload, &body)
		h.push(c, chatcore.EventPong, body)
	default:
		h.push(c, chatcore.EventError, chatcore.ErrorPayload{Code: "unknown", Message: "unknown command " + cmd.Type})
	}
}

func (h *hub) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug().Err(err).Str("user", c.userID).Msg("socket write")
				h.remove(c)
				return
			}
		}
	}
}
