package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/staffnet/chatcore"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// history
	historyPage int
	historySize int

	// send
	sendReplyTo string
	sendType    string

	// conversations
	conversationsUnread bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	historyCmd.Flags().IntVar(&historyPage, "page", 0, "page number, 0 is the newest")
	historyCmd.Flags().IntVar(&historySize, "size", 0, "page size (default from config)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().StringVar(&sendType, "type", string(chatcore.TypeText), "message type")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")

	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, sendFileCmd, deleteCmd, directCmd, readCmd, syncCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		dir := chatcore.NewDirectory(client, chatcore.WithSelf(cfg.Auth.UserID))
		if err := dir.Refresh(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		convs := dir.List()
		if conversationsUnread {
			kept := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					kept = append(kept, c)
				}
			}
			convs = kept
		}
		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for i := range convs {
			fmt.Println(formatConversation(&convs[i], cfg.Auth.UserID))
		}
		fmt.Printf("\n%d conversations, %d unread messages\n", len(convs), dir.TotalUnread())
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		size := historySize
		if size <= 0 {
			size = cfg.Default.PageSize
		}
		ctx, cancel := requestContext()
		defer cancel()

		page, err := client.GetMessages(ctx, args[0], chatcore.PageRequest{Page: historyPage, Size: size})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(page)
		}

		store := chatcore.NewMessageStore()
		store.IngestPage(args[0], page.Content, page.Meta())
		msgs := store.Messages(args[0])
		for i := range msgs {
			fmt.Println(formatMessage(&msgs[i]))
		}
		fmt.Printf("\npage %d of %d (%s messages)\n", page.Number+1, max(page.TotalPages, 1), humanize.Comma(int64(page.TotalElements)))
		return nil
	},
}

// ============================================================================
// send / send-file / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		req := &chatcore.SendRequest{
			ConversationID:   args[0],
			Content:          args[1],
			MessageType:      chatcore.MessageType(sendType),
			ReplyToMessageID: sendReplyTo,
		}
		ctx, cancel := requestContext()
		defer cancel()

		msg, err := client.SendMessage(ctx, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <conversation-id> <path>",
	Short: "Upload a file message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		if info, err := f.Stat(); err == nil {
			logger.Info().Str("file", info.Name()).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("uploading")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		msg, err := client.SendFile(ctx, args[0], "", filepath.Base(args[1]), f)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Println(formatMessage(msg))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		if err := client.DeleteMessage(ctx, args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// direct / read
// ============================================================================

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		conv, err := client.CreateDirect(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.DisplayName(cfg.Auth.UserID))
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> <message-id>",
	Short: "Mark a conversation read up to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		unread, err := client.MarkRead(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s: %d unread\n", args[0], unread)
		return nil
	},
}

// ============================================================================
// sync
// ============================================================================

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch messages missed since the last run",
	Long: "Run offline sync against the cursors stored on disk. Conversations\n" +
		"without a cursor are initialized from their newest page first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		path, err := cursorDBPath(cfg)
		if err != nil {
			return err
		}
		cursors, err := chatcore.OpenBoltCursorStore(path)
		if err != nil {
			return err
		}
		defer cursors.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		store := chatcore.NewMessageStore(chatcore.WithStoreLogger(logger))
		if err := initCursors(ctx, client, store, cursors); err != nil {
			return err
		}

		rec := chatcore.NewReconciler(client, store, chatcore.ReconcilerConfig{Cursors: cursors, Logger: logger})
		res, err := rec.SyncKnown(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if jsonOutput {
			return printJSON(res.Deltas)
		}

		ids := make([]string, 0, len(res.Deltas))
		for id := range res.Deltas {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s: %d new\n", id, len(res.Deltas[id]))
			for _, m := range store.Messages(id) {
				fmt.Println("  " + formatMessage(&m))
			}
		}
		fmt.Printf("%d messages merged across %d conversations\n", res.Merged(), len(res.Cursors))
		if len(res.Failed) > 0 {
			return res.Err()
		}
		return nil
	},
}

// initCursors gives every conversation without a cursor one at its newest
// message, so the next sync only fetches what arrives afterwards.
func initCursors(ctx context.Context, client *chatcore.Client, store *chatcore.MessageStore, cursors chatcore.CursorStore) error {
	known, err := cursors.Cursors()
	if err != nil {
		return err
	}
	convs, err := client.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		if at, ok := known[c.ID]; ok && !at.IsZero() {
			continue
		}
		page, err := client.GetMessages(ctx, c.ID, chatcore.PageRequest{Size: 1})
		if err != nil {
			logger.Warn().Err(err).Str("conversation", c.ID).Msg("initialize cursor")
			continue
		}
		store.IngestPage(c.ID, page.Content, page.Meta())
		at := c.CreatedAt
		if newest := store.NewestConfirmed(c.ID); newest != nil {
			at = newest.CreatedAt
		}
		if err := cursors.SetCursor(c.ID, at); err != nil {
			return err
		}
		store.Reset(c.ID)
		logger.Info().Str("conversation", c.ID).Time("cursor", at).Msg("cursor initialized")
	}
	return nil
}
