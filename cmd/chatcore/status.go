package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and check the session against the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", baseURL(cfg))
		if cfg.Default.PageSize > 0 {
			fmt.Printf("  Page size:   %d\n", cfg.Default.PageSize)
		}
		if path, err := cursorDBPath(cfg); err == nil {
			fmt.Printf("  Cursor DB:   %s\n", path)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Cookies != "" {
			fmt.Printf("  Cookies:     %s\n", maskKey(cfg.Auth.Cookies))
		} else {
			fmt.Println("  Cookies:     (not set)")
		}

		client, _, err := getClient()
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
