package chatcore_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/staffnet/chatcore"
)

func connectChannel(t *testing.T, b *testBackend, user string, cfg chatcore.ChannelConfig) (*chatcore.Channel, *eventLog) {
	t.Helper()
	ch := chatcore.NewChannel(b.socketURL(), cfg)
	log := &eventLog{}
	ch.OnEvent(log.add)
	require.NoError(t, ch.Connect(context.Background(), b.credentials(user)))
	t.Cleanup(func() { _ = ch.Disconnect() })
	return ch, log
}

func sendFrame(conv, ref, content string) *chatcore.SendRequest {
	return &chatcore.SendRequest{
		ConversationID:  conv,
		Content:         content,
		MessageType:     chatcore.TypeText,
		ClientMessageID: ref,
	}
}

func TestChannelConnectsAndReceivesUserEvents(t *testing.T) {
	b := startBackend(t, "alice", "bob")
	conv := b.CreateGroup("general", "alice", "bob")

	var mu sync.Mutex
	var states []chatcore.ChannelState
	ch := chatcore.NewChannel(b.socketURL(), fastChannel())
	ch.OnStateChange(func(s chatcore.ChannelState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	var hookState chatcore.ChannelState
	ch.BeforeReady(func(context.Context) error {
		hookState = ch.State()
		return nil
	})
	log := &eventLog{}
	ch.OnEvent(log.add)

	require.NoError(t, ch.Connect(context.Background(), b.credentials("alice")))
	t.Cleanup(func() { _ = ch.Disconnect() })

	require.Equal(t, chatcore.ChannelReady, ch.State())
	require.Equal(t, "alice", ch.UserID())
	require.Equal(t, chatcore.ChannelSyncing, hookState)
	mu.Lock()
	require.Equal(t, []chatcore.ChannelState{chatcore.ChannelConnecting, chatcore.ChannelSyncing, chatcore.ChannelReady}, states)
	mu.Unlock()

	// the user destination is subscribed before ready, so nothing is missed
	_, err := b.Post(conv.ID, "bob", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.contents()) == 1 }, waitFor, tick)
	require.Equal(t, []string{"hello"}, log.contents())
}

func TestChannelRoutesToSubscriptions(t *testing.T) {
	b := startBackend(t, "alice", "bob", "carol")
	general := b.CreateGroup("general", "alice", "bob")
	// alice is not a member, so events only arrive through the subscription
	ops := b.CreateGroup("ops", "bob", "carol")
	ch, log := connectChannel(t, b, "alice", fastChannel())

	first, second := &eventLog{}, &eventLog{}
	subFirst := ch.Subscribe(ops.ID, first.add)
	subSecond := ch.Subscribe(ops.ID, second.add)
	require.Equal(t, ops.ID, subFirst.ConversationID())

	require.Eventually(t, func() bool {
		_, _ = b.Post(ops.ID, "bob", "ping")
		return len(first.contents()) > 0
	}, waitFor, 50*time.Millisecond)

	subFirst.Unsubscribe()
	require.False(t, subFirst.Active())
	require.True(t, subSecond.Active())

	_, err := b.Post(ops.ID, "carol", "after")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return slices.Contains(second.contents(), "after") }, waitFor, tick)
	require.NotContains(t, first.contents(), "after")

	// dropping the last subscriber removes the server-side subscription;
	// the acked send orders it behind the unsubscribe command
	subSecond.Unsubscribe()
	_, err = ch.Publish(context.Background(), general.ID, sendFrame(general.ID, "temp-1", "barrier"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.count(chatcore.EventMessageAck) == 1 }, waitFor, tick)

	_, err = b.Post(ops.ID, "carol", "unseen")
	require.NoError(t, err)
	_, err = b.Post(general.ID, "bob", "seen")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return slices.Contains(log.contents(), "seen") }, waitFor, tick)
	require.NotContains(t, log.contents(), "unseen")
}

func TestChannelRejectsUnknownSession(t *testing.T) {
	b := startBackend(t, "alice")
	ch := chatcore.NewChannel(b.socketURL(), fastChannel())

	err := ch.Connect(context.Background(), b.credentials("mallory"))
	require.ErrorIs(t, err, chatcore.ErrUnauthorized)
	require.False(t, chatcore.IsRetryable(err))
	require.Equal(t, chatcore.ChannelDisconnected, ch.State())
	require.Zero(t, b.Connections())
}

func TestChannelQueuesDuringReconnect(t *testing.T) {
	b := startBackend(t, "alice", "bob", "carol")
	conv := b.CreateGroup("general", "alice", "bob")
	ops := b.CreateGroup("ops", "bob", "carol")

	cfg := fastChannel()
	cfg.ReconnectBaseDelay = 200 * time.Millisecond
	ch, log := connectChannel(t, b, "alice", cfg)

	var mu sync.Mutex
	var opsEvents int
	ch.Subscribe(ops.ID, func(env chatcore.Envelope) {
		if env.Type == chatcore.EventMessageNew {
			mu.Lock()
			opsEvents++
			mu.Unlock()
		}
	})
	require.Eventually(t, func() bool { return b.Connections() == 1 }, waitFor, tick)

	b.DropConnections()
	require.Eventually(t, func() bool { return ch.State() == chatcore.ChannelReconnecting }, waitFor, tick)

	res, err := ch.Publish(context.Background(), conv.ID, sendFrame(conv.ID, "temp-1", "while away"))
	require.NoError(t, err)
	require.Equal(t, chatcore.PublishQueued, res)
	require.Equal(t, 1, ch.QueueLen())

	require.Eventually(t, func() bool { return ch.State() == chatcore.ChannelReady }, waitFor, tick)
	require.Eventually(t, func() bool { return log.count(chatcore.EventMessageAck) == 1 }, waitFor, tick)
	require.Zero(t, ch.QueueLen())

	time.Sleep(100 * time.Millisecond)
	msgs := b.Messages(conv.ID)
	require.Len(t, msgs, 1, "queued frame is published exactly once")
	require.Equal(t, "temp-1", msgs[0].ClientRef)

	// the conversation subscription was restored on the new connection
	require.Eventually(t, func() bool {
		_, _ = b.Post(ops.ID, "bob", "restored")
		mu.Lock()
		defer mu.Unlock()
		return opsEvents > 0
	}, waitFor, 50*time.Millisecond)
}

func TestChannelPublishesRacingTheFlushAreNotStranded(t *testing.T) {
	b := startBackend(t, "alice", "bob")
	conv := b.CreateGroup("general", "alice", "bob")
	const n = 40

	ch := chatcore.NewChannel(b.socketURL(), fastChannel())
	t.Cleanup(func() { _ = ch.Disconnect() })

	var queuedAtReady []int
	ch.OnStateChange(func(s chatcore.ChannelState) {
		if s == chatcore.ChannelReady {
			queuedAtReady = append(queuedAtReady, ch.QueueLen())
		}
	})

	started := make(chan struct{})
	done := make(chan struct{})
	errs := make(chan error, n)
	ch.BeforeReady(func(context.Context) error {
		go func() {
			defer close(done)
			for i := 0; i < n; i++ {
				if i == 5 {
					close(started)
				}
				ref := fmt.Sprintf("temp-%d", i)
				if _, err := ch.Publish(context.Background(), conv.ID, sendFrame(conv.ID, ref, fmt.Sprintf("frame %02d", i))); err != nil {
					errs <- err
				}
			}
		}()
		<-started
		return nil
	})

	require.NoError(t, ch.Connect(context.Background(), b.credentials("alice")))
	<-done
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, []int{0}, queuedAtReady)
	require.Zero(t, ch.QueueLen(), "nothing left behind a ready channel")

	require.Eventually(t, func() bool { return len(b.Messages(conv.ID)) == n }, waitFor, tick)
	for i, m := range b.Messages(conv.ID) {
		require.Equal(t, fmt.Sprintf("frame %02d", i), m.Content)
	}
}

func TestChannelQueueLimit(t *testing.T) {
	b := startBackend(t, "alice", "bob")
	conv := b.CreateGroup("general", "alice", "bob")

	cfg := fastChannel()
	cfg.QueueLimit = 1
	ch := chatcore.NewChannel(b.socketURL(), cfg)
	t.Cleanup(func() { _ = ch.Disconnect() })

	res, err := ch.Publish(context.Background(), conv.ID, sendFrame(conv.ID, "temp-1", "first"))
	require.NoError(t, err)
	require.Equal(t, chatcore.PublishQueued, res)

	_, err = ch.Publish(context.Background(), conv.ID, sendFrame(conv.ID, "temp-2", "second"))
	require.ErrorIs(t, err, chatcore.ErrQueueFull)
	require.True(t, chatcore.IsRetryable(err))
	require.Equal(t, 1, ch.QueueLen())

	require.NoError(t, ch.Connect(context.Background(), b.credentials("alice")))
	require.Zero(t, ch.QueueLen())
	require.Eventually(t, func() bool { return len(b.Messages(conv.ID)) == 1 }, waitFor, tick)
	require.Equal(t, "first", b.Messages(conv.ID)[0].Content)

	res, err = ch.Publish(context.Background(), conv.ID, sendFrame(conv.ID, "temp-3", "third"))
	require.NoError(t, err)
	require.Equal(t, chatcore.PublishSent, res)
}

func TestChannelRejectsMalformedPayloads(t *testing.T) {
	ch := chatcore.NewChannel("ws://127.0.0.1:1/ws", fastChannel())
	ctx := context.Background()

	_, err := ch.Publish(ctx, "c-1", map[string]any{"conversationId": "c-2", "content": "x"})
	require.ErrorIs(t, err, chatcore.ErrMalformedPayload)
	_, err = ch.Publish(ctx, "c-1", "just a string")
	require.ErrorIs(t, err, chatcore.ErrMalformedPayload)
	_, err = ch.Publish(ctx, "", map[string]any{"content": "x"})
	require.ErrorIs(t, err, chatcore.ErrMalformedPayload)
	_, err = ch.Publish(ctx, "c-1", nil)
	require.ErrorIs(t, err, chatcore.ErrMalformedPayload)
	_, err = ch.Publish(ctx, "c-1", map[string]any{"bad": make(chan int)})
	require.ErrorIs(t, err, chatcore.ErrMalformedPayload)

	require.False(t, chatcore.IsRetryable(err))
	require.Zero(t, ch.QueueLen())
}

func TestChannelDisconnectMakesSubscriptionsInert(t *testing.T) {
	b := startBackend(t, "alice", "bob")
	conv := b.CreateGroup("general", "alice", "bob")
	ch, _ := connectChannel(t, b, "alice", fastChannel())

	var mu sync.Mutex
	var delivered int
	sub := ch.Subscribe(conv.ID, func(chatcore.Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, ch.Disconnect())
	require.False(t, sub.Active())
	require.Equal(t, chatcore.ChannelDisconnected, ch.State())

	mu.Lock()
	before := delivered
	mu.Unlock()
	_, err := b.Post(conv.ID, "bob", "too late")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Equal(t, before, delivered)
	mu.Unlock()

	_, err = ch.Publish(context.Background(), conv.ID, sendFrame(conv.ID, "temp-1", "x"))
	require.ErrorIs(t, err, chatcore.ErrClosed)
	require.Eventually(t, func() bool { return b.Connections() == 0 }, waitFor, tick)
}

func TestChannelDisconnectDropsQueue(t *testing.T) {
	ch := chatcore.NewChannel("ws://127.0.0.1:1/ws", fastChannel())
	_, err := ch.Publish(context.Background(), "c-1", sendFrame("c-1", "temp-1", "x"))
	require.NoError(t, err)
	require.Equal(t, 1, ch.QueueLen())

	require.NoError(t, ch.Disconnect())
	require.Zero(t, ch.QueueLen())
}
