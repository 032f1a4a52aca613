package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/younfor/chat-work/internal/channel"
	"github.com/younfor/chat-work/internal/channel/feishu"
	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/gateway"
)

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat-work server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			channels := channel.NewRegistry(log)
			opts := []gateway.ServerOption{
				gateway.WithChannels(channels),
				gateway.WithHooks(st.hooks),
			}

			if cfg.Feishu != nil {
				fs := feishu.New(*cfg.Feishu, log)
				channels.Register(fs)
				opts = append(opts, gateway.WithWebhook(fs))
			}

			dispatcher := st.dispatcher
			channels.OnMessage(func(msg domain.Message, sink domain.ReplySink) {
				if _, derr := dispatcher.Dispatch(ctx, msg, sink); derr != nil {
					log.Warn().Err(derr).Str("conversationId", msg.ConversationID).Msg("dispatch failed")
				}
			})

			if channels.Count() > 0 {
				if err := channels.StartAll(ctx); err != nil {
					return fmt.Errorf("starting channels: %w", err)
				}
				defer channels.StopAll(context.Background())
			}

			srv := gateway.New(cfg, dispatcher, st.policy, st.exec, log, opts...)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "override listen host")
	cmd.Flags().IntVar(&port, "port", 0, "override listen port")

	return cmd
}
