package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/staffnet/chatcore"
)

var (
	tailMetricsAddr  string
	tailConversation string
	tailNoRead       bool
)

func init() {
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	tailCmd.Flags().StringVar(&tailConversation, "open", "", "open a conversation (loads history and marks live messages read)")
	tailCmd.Flags().BoolVar(&tailNoRead, "no-read", false, "do not send read receipts for the open conversation")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect to the live channel and print events",
	Long: "Start a full messaging session: offline sync, live socket delivery and\n" +
		"read receipts. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		opts := []chatcore.SessionOption{chatcore.WithAutoRead(!tailNoRead)}
		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			opts = append(opts, chatcore.WithMetrics(chatcore.NewMetrics(reg)))
			srv := &http.Server{
				Addr:              tailMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", tailMetricsAddr).Msg("serving metrics")
		}

		s, cleanup, err := openSession(opts...)
		if err != nil {
			return err
		}
		defer cleanup()

		s.Channel().OnStateChange(func(st chatcore.ChannelState) {
			logger.Info().Str("state", string(st)).Msg("channel")
		})
		s.Channel().OnEvent(func(env chatcore.Envelope) { printEvent(s, env) })
		s.Reconciler().OnStateChange(func(st chatcore.SyncState) {
			logger.Debug().Str("state", string(st)).Msg("sync")
		})

		if err := s.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Connected as %s, %d conversations, %d unread\n",
			s.UserID(), len(s.Conversations()), s.Directory().TotalUnread())

		if tailConversation != "" {
			if err := s.OpenConversation(ctx, tailConversation); err != nil {
				return err
			}
			msgs := s.Messages(tailConversation)
			for i := range msgs {
				fmt.Println(formatMessage(&msgs[i]))
			}
			if !tailNoRead {
				s.MarkAllRead(tailConversation)
			}
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func printEvent(s *chatcore.Session, env chatcore.Envelope) {
	if jsonOutput {
		data, _ := json.Marshal(env)
		fmt.Println(string(data))
		return
	}
	switch env.Type {
	case chatcore.EventMessageNew, chatcore.EventMessageEdited:
		var m chatcore.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		// print the merged copy, it carries tombstones and receipts
		if stored, ok := s.Store().Get(m.ConversationID, m.ID); ok {
			m = stored
		}
		fmt.Printf("%s %s\n", m.ConversationID, formatMessage(&m))
	case chatcore.EventMessageDeleted:
		var p chatcore.DeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			fmt.Printf("%s message %s deleted\n", p.ConversationID, p.MessageID)
		}
	case chatcore.EventReceipt:
		var p chatcore.ReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.ReaderID != s.UserID() {
			fmt.Printf("%s read by %s up to %s\n", p.ConversationID, p.ReaderID, p.MessageID)
		}
	}
}
