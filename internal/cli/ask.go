package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
)

func newAskCmd() *cobra.Command {
	var (
		conversation string
		execute      bool
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")

			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			st, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer st.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conversationID := conversation
			if conversationID == "" {
				conversationID = domain.ConversationKey{Channel: domain.ChannelAPI, ChatID: uuid.New().String()}.String()
			}

			msg := domain.Message{
				ConversationID: conversationID,
				SenderID:       "terminal",
				Channel:        domain.ChannelAPI,
				Content:        message,
				ReceivedAt:     time.Now(),
			}
			if execute {
				msg.AutoExecute = &execute
			}

			sink := &terminalSink{w: cmd.OutOrStdout()}
			results, err := st.dispatcher.Dispatch(ctx, msg, sink)
			if err != nil {
				return err
			}

			select {
			case res := <-results:
				if res.Err != "" {
					return errors.New(res.Err)
				}
				if res.Action != nil && res.ActionResult == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "action proposed but not executed; re-run with --execute to run it")
				}
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "session", "", "conversation id to continue (default: a fresh one)")
	cmd.Flags().BoolVar(&execute, "execute", false, "execute proposed actions without confirmation")

	return cmd
}
