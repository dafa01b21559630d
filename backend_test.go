package chatcore_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/staffnet/chatcore"
	"github.com/staffnet/chatcore/internal/mockbackend"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type testBackend struct {
	*mockbackend.Backend
	srv *httptest.Server

	mu    sync.Mutex
	holds map[string]*hold
}

type hold struct {
	arrived chan struct{}
	release chan struct{}
}

func startBackend(t *testing.T, users ...string) *testBackend {
	t.Helper()
	b := &testBackend{Backend: mockbackend.New(), holds: make(map[string]*hold)}
	for _, u := range users {
		b.AddUser(u, strings.ToUpper(u[:1])+u[1:])
	}
	handler := b.Handler()
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		h := b.holds[r.URL.Path]
		b.mu.Unlock()
		if h != nil {
			select {
			case h.arrived <- struct{}{}:
			default:
			}
			select {
			case <-h.release:
			case <-r.Context().Done():
				return
			}
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	t.Cleanup(b.DropConnections)
	return b
}

// holdPath stalls requests for path until release is called. arrived
// receives once per stalled request.
func (b *testBackend) holdPath(t *testing.T, path string) (arrived <-chan struct{}, release func()) {
	t.Helper()
	h := &hold{arrived: make(chan struct{}, 8), release: make(chan struct{})}
	b.mu.Lock()
	b.holds[path] = h
	b.mu.Unlock()
	var once sync.Once
	release = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.holds, path)
			b.mu.Unlock()
			close(h.release)
		})
	}
	t.Cleanup(release)
	return h.arrived, release
}

func (b *testBackend) socketURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *testBackend) session(user string) chatcore.StaticSession {
	return chatcore.StaticSession{User: user, Jar: mockbackend.Cookies(user)}
}

func (b *testBackend) client(user string) *chatcore.Client {
	return chatcore.NewClient(chatcore.WithBaseURL(b.srv.URL), chatcore.WithSession(b.session(user)))
}

func (b *testBackend) credentials(user string) chatcore.Credentials {
	return chatcore.Credentials{UserID: user, Cookies: mockbackend.Cookies(user)}
}

// fastChannel keeps reconnect delays short enough for tests.
func fastChannel() chatcore.ChannelConfig {
	return chatcore.ChannelConfig{
		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  300 * time.Millisecond,
		DialTimeout:        2 * time.Second,
	}
}

// eventLog collects socket events from handler goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []chatcore.Envelope
}

func (l *eventLog) add(env chatcore.Envelope) {
	l.mu.Lock()
	l.events = append(l.events, env)
	l.mu.Unlock()
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// contents returns the content of every message.new event, in receive order.
func (l *eventLog) contents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type != chatcore.EventMessageNew {
			continue
		}
		var m chatcore.Message
		if json.Unmarshal(e.Payload, &m) == nil {
			out = append(out, m.Content)
		}
	}
	return out
}
