package mockbackend

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/staffnet/chatcore"
)

var (
	errNotFound    = errors.New("not found")
	errForbidden   = errors.New("forbidden")
	errUnavailable = errors.New("temporarily unavailable")
)

func (b *Backend) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), b.requestLog())

	r.GET("/ws", b.hub.serve)

	api := r.Group("/", b.authenticate(), b.checkCSRF())
	api.GET("/conversations/all", b.listConversations)
	api.GET("/conversations/:id", b.getMessages)
	api.POST("/conversations/direct/:otherUserId", b.createDirect)
	api.POST("/messages", b.postMessage)
	api.POST("/messages/file", b.postFile)
	api.POST("/messages/read", b.postRead)
	api.POST("/messages/sync", b.postSync)
	api.DELETE("/messages/:messageId", b.deleteMessageHandler)
	return r
}

func (b *Backend) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		b.log.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("request")
	}
}

func (b *Backend) userFromRequest(r *http.Request) (string, bool) {
	ck, err := r.Cookie(SessionCookie)
	if err != nil || ck.Value == "" {
		return "", false
	}
	b.mu.Lock()
	_, ok := b.users[ck.Value]
	b.mu.Unlock()
	return ck.Value, ok
}

func (b *Backend) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := b.userFromRequest(c.Request)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthorized", "no valid session")
			return
		}
		c.Set("user", uid)
		c.Next()
	}
}

// checkCSRF requires the XSRF-TOKEN cookie echoed in X-XSRF-TOKEN on
// mutating requests.
func (b *Backend) checkCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		ck, err := c.Request.Cookie(chatcore.CSRFCookieName)
		if err != nil || ck.Value == "" || c.GetHeader(chatcore.CSRFHeaderName) != ck.Value {
			abort(c, http.StatusForbidden, "csrf", "missing or invalid CSRF token")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"status": status, "error": code, "message": msg})
}

func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errNotFound):
		abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errForbidden):
		abort(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, errUnavailable):
		abort(c, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, chatcore.ErrValidation):
		abort(c, http.StatusBadRequest, "validation", err.Error())
	default:
		abort(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (b *Backend) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, b.listFor(c.GetString("user")))
}

func (b *Backend) getMessages(c *gin.Context) {
	number, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(chatcore.DefaultPageSize)))
	if number < 0 || size <= 0 {
		abort(c, http.StatusBadRequest, "validation", "invalid page or size")
		return
	}
	desc := strings.HasSuffix(strings.ToLower(c.DefaultQuery("sort", chatcore.DefaultPageSort)), ",desc")
	p, err := b.page(c.GetString("user"), c.Param("id"), number, size, desc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (b *Backend) createDirect(c *gin.Context) {
	conv, err := b.direct(c.GetString("user"), c.Param("otherUserId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (b *Backend) postMessage(c *gin.Context) {
	var req chatcore.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		fail(c, err)
		return
	}
	m, err := b.createMessage(c.GetString("user"), &req, nil)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (b *Backend) postFile(c *gin.Context) {
	convID := c.PostForm("conversationId")
	typ := chatcore.MessageType(c.PostForm("type"))
	fh, err := c.FormFile("file")
	if err != nil || convID == "" || !typ.Valid() {
		abort(c, http.StatusBadRequest, "validation", "conversationId, type and file are required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, err)
		return
	}
	n, err := io.Copy(io.Discard, f)
	f.Close()
	if err != nil {
		fail(c, err)
		return
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	ref := &chatcore.FileRef{
		URL:          "/files/" + strconv.FormatInt(time.Now().UnixNano(), 36) + "/" + fh.Filename,
		OriginalName: fh.Filename,
		ContentType:  ct,
		Size:         n,
	}
	m, err := b.createMessage(c.GetString("user"), &chatcore.SendRequest{
		ConversationID: convID,
		MessageType:    typ,
	}, ref)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type readBody struct {
	ConversationID    string `json:"conversationId" binding:"required"`
	LastReadMessageID string `json:"lastReadMessageId" binding:"required"`
}

func (b *Backend) postRead(c *gin.Context) {
	var body readBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	unread, err := b.markRead(c.GetString("user"), body.ConversationID, body.LastReadMessageID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": unread})
}

type syncBody struct {
	LastSyncTimestampsByConversation map[string]time.Time `json:"lastSyncTimestampsByConversation"`
}

func (b *Backend) postSync(c *gin.Context) {
	var body syncBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "validation", err.Error())
		return
	}
	out, err := b.sync(c.GetString("user"), body.LastSyncTimestampsByConversation)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) deleteMessageHandler(c *gin.Context) {
	if err := b.deleteMessage(c.GetString("user"), c.Param("messageId")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
