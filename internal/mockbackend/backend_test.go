package mockbackend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/staffnet/chatcore"
)

func do(t *testing.T, b *Backend, user, method, path string, body any, csrf bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		for _, ck := range Cookies(user) {
			req.AddCookie(ck)
		}
		if csrf {
			req.Header.Set(chatcore.CSRFHeaderName, "csrf-"+user)
		}
	}
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	return rec
}

func fixture(t *testing.T, n int) (*Backend, chatcore.Conversation) {
	t.Helper()
	b := New()
	b.AddUser("alice", "Alice")
	b.AddUser("bob", "Bob")
	conv := b.CreateGroup("general", "alice", "bob")
	for i := 1; i <= n; i++ {
		_, err := b.Post(conv.ID, "bob", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	return b, conv
}

func TestAuthAndCSRF(t *testing.T) {
	b, conv := fixture(t, 0)

	rec := do(t, b, "", http.MethodGet, "/conversations/all", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, b, "mallory", http.MethodGet, "/conversations/all", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	send := chatcore.SendRequest{ConversationID: conv.ID, Content: "hi", MessageType: chatcore.TypeText}
	rec = do(t, b, "alice", http.MethodPost, "/messages", send, false)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, b.Messages(conv.ID))

	rec = do(t, b, "alice", http.MethodPost, "/messages", send, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, b.Messages(conv.ID), 1)
}

func TestPagesNewestFirst(t *testing.T) {
	b, conv := fixture(t, 25)

	var page chatcore.Page[chatcore.Message]
	rec := do(t, b, "alice", http.MethodGet, "/conversations/"+conv.ID+"?page=1&size=20&sort=createdAt,desc", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 2, page.TotalPages)
	require.Equal(t, 25, page.TotalElements)
	require.Len(t, page.Content, 5)
	require.Equal(t, "msg 5", page.Content[0].Content)
	require.Equal(t, "msg 1", page.Content[4].Content)

	rec = do(t, b, "alice", http.MethodGet, "/conversations/"+conv.ID+"?page=0&size=0", nil, false)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	b.AddUser("carol", "Carol")
	rec = do(t, b, "carol", http.MethodGet, "/conversations/"+conv.ID, nil, false)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReadWatermarkNeverRegresses(t *testing.T) {
	b, conv := fixture(t, 4)
	msgs := b.Messages(conv.ID)

	var resp struct {
		UnreadCount int `json:"unreadCount"`
	}
	rec := do(t, b, "alice", http.MethodPost, "/messages/read", map[string]string{
		"conversationId": conv.ID, "lastReadMessageId": msgs[2].ID,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.UnreadCount)

	rec = do(t, b, "alice", http.MethodPost, "/messages/read", map[string]string{
		"conversationId": conv.ID, "lastReadMessageId": msgs[0].ID,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, msgs[2].ID, b.Watermark(conv.ID, "alice"))
	require.Equal(t, 2, b.ReadCalls())

	b.FailReads(1)
	rec = do(t, b, "alice", http.MethodPost, "/messages/read", map[string]string{
		"conversationId": conv.ID, "lastReadMessageId": msgs[3].ID,
	}, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, msgs[2].ID, b.Watermark(conv.ID, "alice"))
}

func TestSyncResponseShape(t *testing.T) {
	b, general := fixture(t, 2)
	quiet := b.CreateGroup("quiet", "alice", "bob")
	broken := b.CreateGroup("broken", "alice", "bob")
	b.SetSyncFailure(broken.ID, true)

	since := b.Messages(general.ID)[0].CreatedAt
	body := map[string]map[string]time.Time{"lastSyncTimestampsByConversation": {
		general.ID: since,
		quiet.ID:   since,
		broken.ID:  since,
	}}

	rec := do(t, b, "alice", http.MethodPost, "/messages/sync", body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string][]chatcore.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out[general.ID], 1, "strictly after the cursor")
	require.NotContains(t, out, quiet.ID, "no deltas, no entry")
	msgs, ok := out[broken.ID]
	require.True(t, ok)
	require.Nil(t, msgs)

	b.FailBulkSync(1)
	rec = do(t, b, "alice", http.MethodPost, "/messages/sync", body, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, 2, b.SyncCalls())
}

func TestDeleteOnlyBySender(t *testing.T) {
	b, conv := fixture(t, 1)
	id := b.Messages(conv.ID)[0].ID

	rec := do(t, b, "alice", http.MethodDelete, "/messages/"+id, nil, true)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, b, "bob", http.MethodDelete, "/messages/"+id, nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	m := b.Messages(conv.ID)[0]
	require.True(t, m.Deleted)
	require.Empty(t, m.Content)
}
