package chatcore

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testMsg(conv, id string, at time.Time, sender string) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		Sender:         Sender{ID: sender},
		Content:        "body of " + id,
		Type:           TypeText,
		CreatedAt:      at,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// descPage returns page n of msgs (ascending) the way the backend serves
// createdAt,desc pages.
func descPage(msgs []Message, n, size int) ([]Message, PageMeta) {
	rev := make([]Message, len(msgs))
	for i := range msgs {
		rev[len(msgs)-1-i] = msgs[i]
	}
	start := min(n*size, len(rev))
	end := min(start+size, len(rev))
	pages := (len(msgs) + size - 1) / size
	return rev[start:end], PageMeta{Number: n, Size: size, TotalPages: pages, TotalElements: len(msgs)}
}

func TestStoreOrdersAndDedupsAnyInterleaving(t *testing.T) {
	const conv = "c-1"
	var all []Message
	for i := range 30 {
		// every third pair shares a timestamp so the id breaks the tie
		at := t0.Add(time.Duration(i/2) * time.Second)
		all = append(all, testMsg(conv, fmt.Sprintf("m%03d", i), at, "alice"))
	}
	want := ids(all)

	for seed := uint64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewPCG(seed, seed*7))

		type delivery struct {
			path IngestPath
			msgs []Message
		}
		var ds []delivery
		for _, m := range all {
			ds = append(ds, delivery{PathLive, []Message{m}})
			if r.IntN(2) == 0 {
				ds = append(ds, delivery{PathSync, []Message{m}})
			}
		}
		for n := range 3 {
			page, _ := descPage(all, n, 10)
			ds = append(ds, delivery{PathPage, page})
		}
		r.Shuffle(len(ds), func(i, j int) { ds[i], ds[j] = ds[j], ds[i] })

		s := NewMessageStore()
		for i, d := range ds {
			switch d.path {
			case PathLive:
				s.IngestLive(d.msgs[0])
			case PathSync:
				s.IngestSyncBatch(conv, d.msgs)
			case PathPage:
				s.IngestPage(conv, d.msgs, PageMeta{Number: i, Size: 10, TotalPages: 3})
			}
		}

		got := s.Messages(conv)
		require.Equal(t, want, ids(got), "seed %d", seed)
		require.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Before(&got[j]) }))
	}
}

func TestStoreTemporaryReplacementKeepsCount(t *testing.T) {
	const conv = "c-1"
	for _, echoFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("echoFirst=%v", echoFirst), func(t *testing.T) {
			s := NewMessageStore()
			s.IngestLive(testMsg(conv, "m001", t0, "bob"))

			temp := Message{ID: "temp-1", ConversationID: conv, Sender: Sender{ID: "alice"}, Content: "hi", Type: TypeText, CreatedAt: t0.Add(time.Second)}
			require.NoError(t, s.AddTemporary(temp))
			require.Len(t, s.Messages(conv), 2)
			require.Equal(t, 1, s.PendingCount())

			server := testMsg(conv, "m002", t0.Add(2*time.Second), "alice")
			server.ClientRef = "temp-1"

			if echoFirst {
				res := s.IngestLive(server)
				require.Equal(t, "temp-1", res.Reconciled)
				require.Len(t, s.Messages(conv), 2)
				res = s.ReplaceTemporary("temp-1", server)
				require.Empty(t, res.Reconciled)
			} else {
				res := s.ReplaceTemporary("temp-1", server)
				require.Equal(t, "temp-1", res.Reconciled)
				require.True(t, res.Inserted)
				require.Len(t, s.Messages(conv), 2)
				res = s.IngestLive(server)
				require.False(t, res.Inserted)
			}

			require.Equal(t, []string{"m001", "m002"}, ids(s.Messages(conv)))
			require.Zero(t, s.PendingCount())
			_, ok := s.Get(conv, "temp-1")
			require.False(t, ok)
		})
	}
}

func TestStoreRejectsNonTemporaryOptimisticMessage(t *testing.T) {
	s := NewMessageStore()
	err := s.AddTemporary(testMsg("c-1", "m001", t0, "alice"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestStoreDiscardTemporary(t *testing.T) {
	s := NewMessageStore()
	require.NoError(t, s.AddTemporary(Message{ID: "temp-x", ConversationID: "c-1", Content: "x", CreatedAt: t0}))
	require.True(t, s.DiscardTemporary("temp-x"))
	require.False(t, s.DiscardTemporary("temp-x"))
	require.Empty(t, s.Messages("c-1"))
	require.Zero(t, s.PendingCount())
}

func TestStoreTwoPagesWithLiveInBetween(t *testing.T) {
	const conv = "c-1"
	var history []Message
	for i := 1; i <= 25; i++ {
		history = append(history, testMsg(conv, fmt.Sprintf("m%03d", i), t0.Add(time.Duration(i)*time.Minute), "bob"))
	}
	s := NewMessageStore()

	page0, meta0 := descPage(history, 0, 20)
	s.IngestPage(conv, page0, meta0)
	require.Len(t, s.Messages(conv), 20)
	next, ok := s.Pages(conv).NextPage()
	require.True(t, ok)
	require.Equal(t, 1, next)

	live := testMsg(conv, "m026", t0.Add(26*time.Minute), "carol")
	require.True(t, s.IngestLive(live).Inserted)

	// the page was computed before m026 existed, so m006 is served again
	page1, meta1 := descPage(history, 1, 20)
	page1 = append([]Message{history[5]}, page1...)
	s.IngestPage(conv, page1, meta1)

	got := s.Messages(conv)
	require.Len(t, got, 26)
	require.Equal(t, "m001", got[0].ID)
	require.Equal(t, "m026", got[25].ID)
	require.False(t, s.Pages(conv).HasMore())
	require.Equal(t, "m026", s.Newest(conv).ID)
}

func TestStoreTombstones(t *testing.T) {
	const conv = "c-1"
	s := NewMessageStore()

	// deleted before it was ever seen
	require.False(t, s.MarkDeleted("m002"))
	s.IngestLive(testMsg(conv, "m001", t0, "alice"))
	s.IngestLive(testMsg(conv, "m002", t0.Add(time.Second), "alice"))

	m, ok := s.Get(conv, "m002")
	require.True(t, ok)
	require.True(t, m.Deleted)
	require.Empty(t, m.Content)

	require.True(t, s.MarkDeleted("m001"))
	edit := testMsg(conv, "m001", t0, "alice")
	edit.Content, edit.Edited = "revived?", true
	s.IngestLive(edit)

	m, _ = s.Get(conv, "m001")
	require.True(t, m.Deleted)
	require.Empty(t, m.Content)
	require.Equal(t, []string{"m001", "m002"}, ids(s.Messages(conv)))
}

func TestStoreMergesEdits(t *testing.T) {
	const conv = "c-1"
	s := NewMessageStore()
	var changes []StoreChange
	s.OnChange(func(ch StoreChange) { changes = append(changes, ch) })

	s.IngestLive(testMsg(conv, "m001", t0, "alice"))
	edit := testMsg(conv, "m001", t0, "alice")
	edit.Content, edit.Edited = "fixed typo", true
	require.True(t, s.IngestLive(edit).Updated)
	require.False(t, s.IngestLive(edit).Updated)

	m, _ := s.Get(conv, "m001")
	require.Equal(t, "fixed typo", m.Content)
	require.True(t, m.Edited)
	require.Len(t, changes, 2)
	require.Equal(t, 1, changes[0].Inserted)
	require.Equal(t, 1, changes[1].Updated)
}

func TestStoreApplyReceipt(t *testing.T) {
	const conv = "c-1"
	s := NewMessageStore()
	s.IngestLive(testMsg(conv, "m001", t0, "alice"))
	s.IngestLive(testMsg(conv, "m002", t0.Add(time.Second), "bob"))
	s.IngestLive(testMsg(conv, "m003", t0.Add(2*time.Second), "alice"))
	s.IngestLive(testMsg(conv, "m004", t0.Add(3*time.Second), "alice"))

	readAt := t0.Add(time.Hour)
	require.Equal(t, 2, s.ApplyReceipt(conv, "bob", "m003", readAt))
	require.Zero(t, s.ApplyReceipt(conv, "bob", "m003", readAt))

	for id, want := range map[string]int{"m001": 1, "m002": 0, "m003": 1, "m004": 0} {
		m, _ := s.Get(conv, id)
		require.Len(t, m.ReadBy, want, id)
	}
	require.Zero(t, s.ApplyReceipt(conv, "bob", "unknown", readAt))
}

func TestStoreResetDropsPagesAndPending(t *testing.T) {
	const conv = "c-1"
	s := NewMessageStore()
	page, meta := descPage([]Message{testMsg(conv, "m001", t0, "a")}, 0, 20)
	s.IngestPage(conv, page, meta)
	require.NoError(t, s.AddTemporary(Message{ID: "temp-1", ConversationID: conv, Content: "x", CreatedAt: t0}))

	s.Reset(conv)
	require.Empty(t, s.Messages(conv))
	require.False(t, s.Pages(conv).IsLoaded(0))
	require.Zero(t, s.PendingCount())

	// ids are free again after a reset
	require.True(t, s.IngestLive(testMsg(conv, "m001", t0, "a")).Inserted)
}

func TestPageStateNextPage(t *testing.T) {
	next, ok := PageState{}.NextPage()
	require.True(t, ok)
	require.Zero(t, next)

	p := PageState{TotalPages: 3, Loaded: []int{0, 2}}
	next, ok = p.NextPage()
	require.True(t, ok)
	require.Equal(t, 1, next)

	p.Loaded = []int{0, 1, 2}
	require.False(t, p.HasMore())

	// an empty conversation reports zero pages once page 0 is loaded
	require.False(t, PageState{Loaded: []int{0}}.HasMore())
}
