package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

// streamEvent is one parsed line of engine output. Protocol parsers
// are stateless; accumulation happens in the client.
type streamEvent struct {
	// Kind is "delta" (incremental text), "snapshot" (full message
	// text so far), "done" (terminal, Result holds the complete
	// reply) or "error".
	Kind   string
	Text   string
	Result string
	Err    string
}

// CLIConfig describes how to drive one engine CLI.
type CLIConfig struct {
	// Command is the resolved binary path.
	Command string

	// EngineName is the display name for logs and errors.
	EngineName string

	// BuildArgs produces the argument list. The prompt itself is
	// always piped via stdin.
	BuildArgs func() []string

	// ParseLine parses a single stdout line. Returning (nil, nil)
	// skips the line.
	ParseLine func(line []byte) (*streamEvent, error)

	// Timeout bounds one invocation end to end.
	Timeout time.Duration
}

// CLIClient wraps an engine CLI subprocess as a Client. Each Invoke
// spawns a fresh process with the rendered transcript on stdin and
// adapts its line-delimited output into reply chunks.
type CLIClient struct {
	cfg CLIConfig
	log *logging.Logger
}

// NewCLIClient creates a CLI-backed engine client.
func NewCLIClient(cfg CLIConfig, log *logging.Logger) *CLIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &CLIClient{cfg: cfg, log: log.Sub("engine." + cfg.EngineName)}
}

// Name returns the engine name.
func (c *CLIClient) Name() string { return c.cfg.EngineName }

// Invoke spawns the CLI and streams its reply.
func (c *CLIClient) Invoke(ctx context.Context, conversationID, prompt string, history []domain.Turn) (<-chan domain.ReplyChunk, error) {
	args := c.cfg.BuildArgs()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	cmd := exec.CommandContext(cctx, c.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(renderPrompt(history, prompt))
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	// Capture stderr so CLI failures are reportable instead of lost.
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", c.cfg.Command, err)
	}

	c.log.Debug().
		Str("conversation", conversationID).
		Str("cmd", c.cfg.Command).
		Int("historyTurns", len(history)).
		Msg("engine invocation started")

	ch := make(chan domain.ReplyChunk, 64)

	go func() {
		defer close(ch)
		defer cancel()

		em := &emitter{conversationID: conversationID, ch: ch}
		c.consume(stdout, em)

		waitErr := cmd.Wait()
		switch {
		case cctx.Err() == context.DeadlineExceeded:
			em.fail(fmt.Sprintf("%s timed out after %s", c.cfg.EngineName, c.cfg.Timeout))
		case waitErr != nil && em.accumulated.Len() == 0:
			stderr := strings.TrimSpace(stderrBuf.String())
			if stderr == "" {
				stderr = waitErr.Error()
			}
			c.log.Error().
				Str("cmd", c.cfg.Command).
				Str("stderr", stderr).
				Err(waitErr).
				Msg("engine process failed")
			em.fail(fmt.Sprintf("%s: %s", c.cfg.EngineName, stderr))
		default:
			em.finish()
		}
	}()

	return ch, nil
}

// consume reads stdout lines and feeds parsed events to the emitter.
func (c *CLIClient) consume(r io.Reader, em *emitter) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		evt, err := c.cfg.ParseLine(line)
		if err != nil {
			c.log.Debug().Err(err).Msg("skipping unparseable stream line")
			continue
		}
		if evt == nil {
			continue
		}

		switch evt.Kind {
		case "delta":
			em.delta(evt.Text)
		case "snapshot":
			em.snapshot(evt.Text)
		case "done":
			em.result(evt.Result)
		case "error":
			em.fail(evt.Err)
		}
	}

	if err := scanner.Err(); err != nil {
		em.fail(fmt.Sprintf("reading %s output: %s", c.cfg.EngineName, err))
	}
}

// emitter turns protocol events into an ordered chunk stream: Seq
// assignment, snapshot diffing, and the exactly-one-Final guarantee.
type emitter struct {
	conversationID string
	ch             chan<- domain.ReplyChunk
	accumulated    strings.Builder
	seq            int
	done           bool
	resultText     string
}

func (e *emitter) send(chunk domain.ReplyChunk) {
	chunk.ConversationID = e.conversationID
	chunk.Seq = e.seq
	e.seq++
	e.ch <- chunk
}

// delta emits incremental text.
func (e *emitter) delta(text string) {
	if e.done || text == "" {
		return
	}
	e.accumulated.WriteString(text)
	e.send(domain.ReplyChunk{Text: text})
}

// snapshot emits only what a full-message event adds beyond what was
// already streamed. A snapshot that does not extend the accumulated
// text starts a fresh message.
func (e *emitter) snapshot(text string) {
	if e.done || text == "" {
		return
	}
	if sofar := e.accumulated.String(); strings.HasPrefix(text, sofar) {
		e.delta(text[len(sofar):])
		return
	}
	e.delta(text)
}

// result records the engine's own view of the complete reply. It is
// used only when no text was streamed before it.
func (e *emitter) result(text string) {
	if e.done {
		return
	}
	e.resultText = text
	e.finish()
}

// finish emits the single Final chunk, with any proposed action parsed
// from the full reply.
func (e *emitter) finish() {
	if e.done {
		return
	}
	e.done = true

	var trailing string
	if e.accumulated.Len() == 0 && e.resultText != "" {
		trailing = e.resultText
		e.accumulated.WriteString(e.resultText)
	}

	e.send(domain.ReplyChunk{
		Text:   trailing,
		Final:  true,
		Action: ParseAction(e.accumulated.String()),
	})
}

// fail emits a terminal error chunk. The message doubles as reply text
// so every channel shows the failure instead of going silent.
func (e *emitter) fail(msg string) {
	if e.done {
		return
	}
	e.done = true
	e.send(domain.ReplyChunk{
		Text:  "Engine error: " + msg,
		Final: true,
		Err:   msg,
	})
}
