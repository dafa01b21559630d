package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/staffnet/chatcore/internal/mockbackend"
)

var (
	devAddr  string
	devUsers []string
	devGroup string
)

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:8080", "listen address")
	devserverCmd.Flags().StringSliceVar(&devUsers, "users", []string{"alice", "bob", "carol"}, "users to create")
	devserverCmd.Flags().StringVar(&devGroup, "group", "general", "name of a group with every user, empty for none")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory messaging backend for development",
	Long: "Serve the REST and socket contract from memory. Nothing is persisted.\n" +
		"The session cookies of every seeded user are printed on start.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		backend := mockbackend.New(mockbackend.WithLogger(logger.With().Str("component", "devserver").Logger()))
		for _, u := range devUsers {
			if u == "" {
				return fmt.Errorf("empty user name")
			}
			backend.AddUser(u, strings.ToUpper(u[:1])+u[1:])
		}
		if devGroup != "" && len(devUsers) > 0 {
			conv := backend.CreateGroup(devGroup, devUsers...)
			fmt.Printf("Group %q: %s\n", devGroup, conv.ID)
		}

		base := "http://" + devAddr
		fmt.Printf("Listening on %s\n\n", base)
		for _, u := range devUsers {
			fmt.Printf("chatcore init %s --user %s --cookies '%s'\n", base, u, cookieHeader(mockbackend.Cookies(u)))
		}

		srv := &http.Server{
			Addr:              devAddr,
			Handler:           backend.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		backend.DropConnections()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
