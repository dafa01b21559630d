package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/staffnet/chatcore"
)

var errNoSession = errors.New("no session configured; run 'chatcore init --user <id> --cookies <header>' first")

// sessionFromConfig builds the session capability from the stored cookies.
func sessionFromConfig(cfg *Config) (chatcore.StaticSession, error) {
	if cfg.Auth.UserID == "" || cfg.Auth.Cookies == "" {
		return chatcore.StaticSession{}, errNoSession
	}
	jar, err := http.ParseCookie(cfg.Auth.Cookies)
	if err != nil {
		return chatcore.StaticSession{}, fmt.Errorf("invalid auth.cookies: %w", err)
	}
	return chatcore.StaticSession{
		User: cfg.Auth.UserID,
		CSRF: cfg.Auth.CSRFToken,
		Jar:  jar,
		OnErr: func(err error) {
			fmt.Fprintln(os.Stderr, "Session rejected by the backend; refresh auth.cookies.")
		},
	}, nil
}

func baseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return chatcore.BaseURLFromEnv()
}

// getClient creates an authenticated REST client from the config file.
func getClient() (*chatcore.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	sess, err := sessionFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	client := chatcore.NewClient(
		chatcore.WithBaseURL(baseURL(cfg)),
		chatcore.WithSession(sess),
		chatcore.WithClientLogger(logger.With().Str("component", "client").Logger()),
	)
	return client, cfg, nil
}

// cursorDBPath returns the bbolt file holding sync cursors.
func cursorDBPath(cfg *Config) (string, error) {
	if cfg.Sync.CursorDB != "" {
		return cfg.Sync.CursorDB, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	// one file per user, cursors are per account
	return filepath.Join(dir, "cursors-"+sanitize(cfg.Auth.UserID)+".db"), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// openSession builds a full messaging session backed by the on-disk cursor
// store. The returned cleanup closes both.
func openSession(opts ...chatcore.SessionOption) (*chatcore.Session, func(), error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, nil, err
	}
	sess, _ := sessionFromConfig(cfg)
	path, err := cursorDBPath(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := chatcore.OpenBoltCursorStore(path)
	if err != nil {
		return nil, nil, err
	}
	all := []chatcore.SessionOption{
		chatcore.WithLogger(logger),
		chatcore.WithCursorStore(store),
	}
	if cfg.Default.PageSize > 0 {
		all = append(all, chatcore.WithPageSize(cfg.Default.PageSize))
	}
	s := chatcore.NewSession(client, sess, append(all, opts...)...)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("close session")
		}
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close cursor store")
		}
	}
	return s, cleanup, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// Output
// ============================================================================

func formatMessage(m *chatcore.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", humanize.Time(m.CreatedAt), senderName(m))
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, " (reply to %s)", m.ReplyTo.MessageID)
	}
	b.WriteString(": ")
	switch {
	case m.Deleted:
		b.WriteString("(deleted)")
	case m.File != nil:
		fmt.Fprintf(&b, "%s %s (%s)", strings.ToLower(string(m.Type)), m.File.OriginalName, humanize.Bytes(uint64(m.File.Size)))
	default:
		b.WriteString(m.Content)
	}
	if m.Edited && !m.Deleted {
		b.WriteString(" (edited)")
	}
	if n := len(m.ReadBy); n > 0 {
		fmt.Fprintf(&b, "  ✓%d", n)
	}
	fmt.Fprintf(&b, "  #%s", m.ID)
	return b.String()
}

func senderName(m *chatcore.Message) string {
	if m.Sender.Name != "" {
		return m.Sender.Name
	}
	return m.Sender.ID
}

func formatConversation(c *chatcore.Conversation, self string) string {
	line := fmt.Sprintf("%-12s %-24s", c.ID, c.DisplayName(self))
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" [%s unread]", humanize.Comma(int64(c.UnreadCount)))
	}
	if m := c.LastMessage; m != nil {
		line += fmt.Sprintf("  %s: %s (%s)", senderName(m), preview(m), humanize.Time(m.CreatedAt))
	}
	return line
}

func preview(m *chatcore.Message) string {
	switch {
	case m.Deleted:
		return "(deleted)"
	case m.File != nil:
		return m.File.OriginalName
	}
	r := []rune(m.Content)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return m.Content
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
