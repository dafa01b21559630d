package chatcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	convs []Conversation
	err   error
	calls int
}

func (f *fakeFetcher) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.calls++
	return f.convs, f.err
}

func TestDirectoryOrdersByActivity(t *testing.T) {
	last := testMsg("c-b", "m010", t0.Add(time.Hour), "bob")
	f := &fakeFetcher{convs: []Conversation{
		{ID: "c-a", Kind: KindGroup, Name: "a", CreatedAt: t0},
		{ID: "c-b", Kind: KindGroup, Name: "b", CreatedAt: t0, LastMessage: &last},
		{ID: "c-c", Kind: KindGroup, Name: "c", CreatedAt: t0.Add(time.Minute)},
	}}
	d := NewDirectory(f, WithSelf("alice"))
	require.NoError(t, d.Refresh(context.Background()))

	var got []string
	for _, c := range d.List() {
		got = append(got, c.ID)
	}
	require.Equal(t, []string{"c-b", "c-c", "c-a"}, got)

	require.True(t, d.UpsertFromMessage(testMsg("c-a", "m020", t0.Add(2*time.Hour), "bob")))
	require.Equal(t, "c-a", d.List()[0].ID)
}

func TestDirectoryPreviewIsIdempotent(t *testing.T) {
	d := NewDirectory(nil)
	m := testMsg("c-1", "m001", t0, "bob")
	require.True(t, d.UpsertFromMessage(m))
	require.False(t, d.UpsertFromMessage(m))

	older := testMsg("c-1", "m000", t0.Add(-time.Minute), "bob")
	require.False(t, d.UpsertFromMessage(older))

	m.Deleted, m.Content = true, ""
	require.True(t, d.UpsertFromMessage(m))
	conv, ok := d.Get("c-1")
	require.True(t, ok)
	require.True(t, conv.LastMessage.Deleted)
}

func TestDirectoryReplacesTemporaryPreview(t *testing.T) {
	d := NewDirectory(nil, WithSelf("alice"))
	temp := Message{ID: "temp-1", ClientRef: "temp-1", ConversationID: "c-1", Sender: Sender{ID: "alice"}, Content: "hi", CreatedAt: t0.Add(time.Second)}
	require.True(t, d.UpsertFromMessage(temp))

	// the server timestamp may be earlier than the local clock
	server := testMsg("c-1", "m005", t0, "alice")
	server.ClientRef = "temp-1"
	require.True(t, d.UpsertFromMessage(server))

	conv, _ := d.Get("c-1")
	require.Equal(t, "m005", conv.LastMessage.ID)
}

func TestDirectoryUnreadCounting(t *testing.T) {
	f := &fakeFetcher{convs: []Conversation{{ID: "c-1", Kind: KindGroup, CreatedAt: t0}}}
	d := NewDirectory(f, WithSelf("alice"))
	require.NoError(t, d.Refresh(context.Background()))

	fromBob := testMsg("c-1", "m001", t0.Add(time.Second), "bob")
	require.True(t, d.NoteLive(fromBob))
	require.False(t, d.NoteLive(fromBob), "counted twice")

	require.False(t, d.NoteLive(testMsg("c-1", "m002", t0.Add(2*time.Second), "alice")), "own message")
	require.False(t, d.NoteLive(Message{ID: "temp-9", ConversationID: "c-1", CreatedAt: t0.Add(3 * time.Second)}))

	d.SetOpen("c-1")
	require.False(t, d.NoteLive(testMsg("c-1", "m003", t0.Add(3*time.Second), "bob")), "open conversation")
	d.SetOpen("")

	conv, _ := d.Get("c-1")
	require.Equal(t, 1, conv.UnreadCount)
	require.Equal(t, 1, d.TotalUnread())
}

// A live message is counted, the user reads the conversation and the
// receipt ack reports zero unread. A late duplicate of the same live event
// (e.g. replayed after a reconnect) must not bring the count back.
func TestDirectoryStaleIncrementAfterReceiptAck(t *testing.T) {
	f := &fakeFetcher{convs: []Conversation{{ID: "c-1", Kind: KindGroup, CreatedAt: t0}}}
	d := NewDirectory(f, WithSelf("alice"))
	require.NoError(t, d.Refresh(context.Background()))

	m := testMsg("c-1", "m001", t0.Add(time.Second), "bob")
	d.UpsertFromMessage(m)
	require.True(t, d.NoteLive(m))

	d.SetUnread("c-1", 0)
	require.False(t, d.NoteLive(m))
	conv, _ := d.Get("c-1")
	require.Zero(t, conv.UnreadCount)

	// anything newer than the acknowledged state still counts
	m2 := testMsg("c-1", "m002", t0.Add(2*time.Second), "bob")
	d.UpsertFromMessage(m2)
	require.True(t, d.NoteLive(m2))
	conv, _ = d.Get("c-1")
	require.Equal(t, 1, conv.UnreadCount)
}

func TestDirectoryRefresh(t *testing.T) {
	local := testMsg("c-1", "m009", t0.Add(time.Hour), "bob")
	stale := testMsg("c-1", "m001", t0, "bob")
	f := &fakeFetcher{convs: []Conversation{
		{ID: "c-1", Kind: KindGroup, CreatedAt: t0, LastMessage: &stale, UnreadCount: 4},
		{ID: "c-2", Kind: KindGroup, CreatedAt: t0},
	}}
	d := NewDirectory(f)
	d.UpsertFromMessage(local)
	d.UpsertFromMessage(testMsg("c-9", "m100", t0, "bob"))
	require.NoError(t, d.Refresh(context.Background()))

	conv, _ := d.Get("c-1")
	require.Equal(t, "m009", conv.LastMessage.ID, "newer local preview kept")
	require.Equal(t, 4, conv.UnreadCount)

	// c-2 disappears from the listing, c-9 was only seen live
	f.convs = f.convs[:1]
	require.NoError(t, d.Refresh(context.Background()))
	_, ok := d.Get("c-2")
	require.False(t, ok)
	_, ok = d.Get("c-9")
	require.True(t, ok)

	f.err = errors.New("boom")
	require.Error(t, d.Refresh(context.Background()))
	require.Len(t, d.List(), 2)

	require.ErrorIs(t, NewDirectory(nil).Refresh(context.Background()), ErrNotConnected)
}

func TestDirectoryPreviewKeepsTombstone(t *testing.T) {
	d := NewDirectory(nil)
	orig := testMsg("c-1", "m001", t0, "bob")
	orig.Content = "secret"
	dead := orig
	dead.Deleted, dead.Content = true, ""

	require.True(t, d.UpsertFromMessage(dead))
	require.False(t, d.UpsertFromMessage(orig), "older copy after the delete")
	edited := orig
	edited.Edited, edited.Content = true, "edited secret"
	require.False(t, d.UpsertFromMessage(edited))

	conv, _ := d.Get("c-1")
	require.True(t, conv.LastMessage.Deleted)
	require.Empty(t, conv.LastMessage.Content)

	// the backend listing still carries the live copy
	f := &fakeFetcher{convs: []Conversation{{ID: "c-1", Kind: KindGroup, CreatedAt: t0, LastMessage: &orig}}}
	d.fetcher = f
	require.NoError(t, d.Refresh(context.Background()))
	conv, _ = d.Get("c-1")
	require.True(t, conv.LastMessage.Deleted)
	require.Empty(t, conv.LastMessage.Content)
}

type heldPreviews map[string]Message

func (h heldPreviews) Newest(conversationID string) *Message {
	m, ok := h[conversationID]
	if !ok {
		return nil
	}
	return &m
}

func TestDirectoryRefreshUsesHeldMessages(t *testing.T) {
	serverLast := testMsg("c-1", "m001", t0, "bob")
	held := testMsg("c-1", "m002", t0.Add(time.Minute), "bob")
	dead := testMsg("c-2", "m010", t0, "bob")
	dead.Deleted, dead.Content = true, ""
	alive := testMsg("c-2", "m010", t0, "bob")
	newer := testMsg("c-3", "m020", t0.Add(time.Hour), "bob")
	older := testMsg("c-3", "m019", t0, "bob")

	f := &fakeFetcher{convs: []Conversation{
		{ID: "c-1", Kind: KindGroup, CreatedAt: t0, LastMessage: &serverLast},
		{ID: "c-2", Kind: KindGroup, CreatedAt: t0, LastMessage: &alive},
		{ID: "c-3", Kind: KindGroup, CreatedAt: t0, LastMessage: &newer},
		{ID: "c-4", Kind: KindGroup, CreatedAt: t0},
	}}
	d := NewDirectory(f, WithPreviewSource(heldPreviews{"c-1": held, "c-2": dead, "c-3": older}))
	require.NoError(t, d.Refresh(context.Background()))

	conv, _ := d.Get("c-1")
	require.Equal(t, "m002", conv.LastMessage.ID, "held message is newer")
	conv, _ = d.Get("c-2")
	require.True(t, conv.LastMessage.Deleted, "held tombstone wins over the listing")
	conv, _ = d.Get("c-3")
	require.Equal(t, "m020", conv.LastMessage.ID, "listing is newer than the held page")
	conv, _ = d.Get("c-4")
	require.Nil(t, conv.LastMessage)
}
