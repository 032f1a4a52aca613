package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/dispatch"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/streamer"
)

func newChatCmd() *cobra.Command {
	var (
		chatID string
		auto   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the engine from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			conversationID := domain.ConversationKey{Channel: domain.ChannelCLI, ChatID: chatID}.String()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "chat-work interactive chat. /help lists commands, /exit leaves.")

			sink := newTerminalSink(out, "AI: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)

			for ctx.Err() == nil {
				fmt.Fprint(out, "\nYou: ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}

				msg := domain.Message{
					ConversationID: conversationID,
					SenderID:       "terminal",
					Channel:        domain.ChannelCLI,
					Content:        line,
					ReceivedAt:     time.Now(),
				}
				if auto {
					msg.AutoExecute = &auto
				}

				results, derr := st.dispatcher.Dispatch(ctx, msg, sink)
				if derr != nil {
					return derr
				}
				if werr := awaitExchange(ctx, st.dispatcher, conversationID, results, sink, scanner, out); werr != nil {
					return werr
				}

				if line == "/exit" || line == "/quit" {
					return nil
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "session", "default", "conversation to resume (persists across runs with the sqlite store)")
	cmd.Flags().BoolVar(&auto, "auto", false, "execute proposed actions without confirmation")

	return cmd
}

// awaitExchange blocks until the dispatched exchange completes. When
// the sink signals an approval prompt, one more line is read and
// dispatched as the answer, then the wait resumes on the original
// result.
func awaitExchange(ctx context.Context, d *dispatch.Dispatcher, conversationID string, results <-chan dispatch.Result, sink *terminalSink, scanner *bufio.Scanner, out io.Writer) error {
	for {
		select {
		case <-results:
			return nil
		case <-ctx.Done():
			return nil
		case <-sink.approvals:
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			answer := strings.TrimSpace(scanner.Text())
			reply := domain.Message{
				ConversationID: conversationID,
				SenderID:       "terminal",
				Channel:        domain.ChannelCLI,
				Content:        answer,
				ReceivedAt:     time.Now(),
			}
			// Consumed by the worker as the approval answer; its own
			// (empty) result is not waited on.
			if _, err := d.Dispatch(ctx, reply, nil); err != nil {
				return err
			}
		}
	}
}

// terminalSink renders the reply stream on a terminal: deltas as they
// arrive, notices on their own lines. An approval notice also pings
// the approvals channel so the chat loop wakes up to read the answer.
type terminalSink struct {
	w         io.Writer
	label     string
	approvals chan struct{}

	mu   sync.Mutex
	sent int
}

func newTerminalSink(w io.Writer, label string) *terminalSink {
	return &terminalSink{w: w, label: label, approvals: make(chan struct{}, 1)}
}

func (t *terminalSink) Update(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sent == 0 && text == streamer.Placeholder {
		return nil
	}
	t.print(text)
	return nil
}

func (t *terminalSink) Finish(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.print(text)
	if t.sent > 0 {
		fmt.Fprintln(t.w)
	}
	t.sent = 0
	return nil
}

func (t *terminalSink) Notice(_ context.Context, n domain.Notice) error {
	t.mu.Lock()
	fmt.Fprintln(t.w, "\n"+n.Text)
	t.mu.Unlock()

	if n.Kind == domain.NoticeApproval && t.approvals != nil {
		select {
		case t.approvals <- struct{}{}:
		default:
		}
	}
	return nil
}

func (t *terminalSink) print(text string) {
	if len(text) <= t.sent {
		return
	}
	if t.sent == 0 && t.label != "" {
		fmt.Fprint(t.w, "\n"+t.label)
	}
	fmt.Fprint(t.w, text[t.sent:])
	t.sent = len(text)
}
