// Package dispatch connects channel messages to the reasoning engine
// and screens the actions the engine proposes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/engine"
	"github.com/younfor/chat-work/internal/executor"
	"github.com/younfor/chat-work/internal/hooks"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/sandbox"
	"github.com/younfor/chat-work/internal/session"
	"github.com/younfor/chat-work/internal/streamer"
)

// maxActionRounds limits how many engine rounds one exchange can chain
// through action execution before the remaining proposal is surfaced
// unexecuted.
const maxActionRounds = 5

// queueSize bounds how many messages can wait on a busy conversation.
const queueSize = 16

// workerIdleTimeout is how long a conversation worker lingers with no
// pending work before it tears itself down. Conversations that come
// back later get a fresh worker; session state lives in the store and
// is untouched.
const workerIdleTimeout = 90 * time.Second

// DefaultApprovalTimeout is how long a pending action waits for user
// confirmation before it is skipped.
const DefaultApprovalTimeout = 120 * time.Second

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// ConversationState is the lifecycle state of one conversation's worker.
type ConversationState string

const (
	StateIdle             ConversationState = "idle"
	StateAwaitingEngine   ConversationState = "awaiting_engine"
	StateStreamingReply   ConversationState = "streaming_reply"
	StateAwaitingApproval ConversationState = "awaiting_approval"
)

const helpText = `Available commands:
/clear - clear conversation history
/auto - toggle automatic action execution
/help - show this help
/exit - leave the chat`

// Result summarizes a completed exchange. Action is the last proposal
// the engine made; ActionResult is set only when it was executed. A
// message consumed as an approval reply yields a zero Result.
type Result struct {
	Response     string                `json:"response"`
	Action       *domain.ActionRequest `json:"action,omitempty"`
	ActionResult *domain.ActionResult  `json:"actionResult,omitempty"`
	Err          string                `json:"err,omitempty"`
}

// work is one queued message together with where its replies go.
type work struct {
	ctx    context.Context
	msg    domain.Message
	sink   domain.ReplySink
	result chan Result
}

// worker serializes the exchanges of a single conversation.
type worker struct {
	mu    sync.Mutex
	state ConversationState
	queue chan *work

	// pending counts work reserved for this worker: incremented under
	// the dispatcher mutex before enqueueing, decremented when the
	// work is done. The worker only reaps itself at pending == 0, so
	// a message between reservation and enqueue can never land on a
	// dead queue.
	pending int
}

func (w *worker) setState(s ConversationState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) State() ConversationState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Dispatcher owns the per-conversation workers and the exchange loop.
// Messages for the same conversation are processed strictly in order;
// different conversations run concurrently.
type Dispatcher struct {
	sessions        session.Store
	engines         *engine.Registry
	policy          *sandbox.Policy
	exec            *executor.Executor
	streamer        *streamer.Streamer
	hooks           *hooks.Manager
	approvalTimeout time.Duration
	idleTimeout     time.Duration
	log             *logging.Logger

	mu      sync.Mutex
	workers map[string]*worker
	stop    chan struct{}
	closed  bool
}

// New creates a Dispatcher.
func New(
	cfg config.ApprovalConfig,
	sessions session.Store,
	engines *engine.Registry,
	policy *sandbox.Policy,
	exec *executor.Executor,
	str *streamer.Streamer,
	hk *hooks.Manager,
	log *logging.Logger,
) *Dispatcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Dispatcher{
		sessions:        sessions,
		engines:         engines,
		policy:          policy,
		exec:            exec,
		streamer:        str,
		hooks:           hk,
		approvalTimeout: timeout,
		idleTimeout:     workerIdleTimeout,
		log:             log.Sub("dispatch"),
		workers:         make(map[string]*worker),
		stop:            make(chan struct{}),
	}
}

// Dispatch queues a message for its conversation and returns a channel
// that receives exactly one Result when the exchange completes. The
// sink may be nil when the caller only needs the Result. While the
// conversation is awaiting approval, the next message is consumed as
// the confirm/deny answer instead of starting a new exchange.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.Message, sink domain.ReplySink) (<-chan Result, error) {
	if msg.ConversationID == "" {
		return nil, errors.New("conversation id required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	wkr, ok := d.workers[msg.ConversationID]
	if !ok {
		wkr = &worker{state: StateIdle, queue: make(chan *work, queueSize)}
		d.workers[msg.ConversationID] = wkr
		go d.run(msg.ConversationID, wkr)
		d.log.Debug().Str("conversationId", msg.ConversationID).Msg("worker started")
	}
	wkr.pending++
	d.mu.Unlock()

	wk := &work{ctx: ctx, msg: msg, sink: sink, result: make(chan Result, 1)}
	select {
	case wkr.queue <- wk:
		return wk.result, nil
	case <-ctx.Done():
		d.release(wkr)
		return nil, ctx.Err()
	case <-d.stop:
		d.release(wkr)
		return nil, ErrClosed
	}
}

// release returns one reserved unit of work. Called once per dequeued
// or abandoned *work.
func (d *Dispatcher) release(wkr *worker) {
	d.mu.Lock()
	wkr.pending--
	d.mu.Unlock()
}

// State reports the current state of a conversation's worker. Unknown
// conversations are Idle.
func (d *Dispatcher) State(conversationID string) ConversationState {
	d.mu.Lock()
	wkr := d.workers[conversationID]
	d.mu.Unlock()
	if wkr == nil {
		return StateIdle
	}
	return wkr.State()
}

// Close stops accepting messages and lets workers wind down. In-flight
// exchanges run to completion.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()
}

// run is the worker goroutine: one exchange at a time, in arrival
// order. A worker with nothing pending for idleTimeout removes itself
// from the map and exits, so one-shot conversations (fresh API or
// WebSocket ids) do not pile up goroutines for the process lifetime.
func (d *Dispatcher) run(conversationID string, wkr *worker) {
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case wk := <-wkr.queue:
			d.runExchange(wkr, wk)
			d.release(wkr)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)
		case <-idle.C:
			d.mu.Lock()
			if wkr.pending == 0 {
				delete(d.workers, conversationID)
				d.mu.Unlock()
				d.log.Debug().Str("conversationId", conversationID).Msg("idle worker stopped")
				return
			}
			d.mu.Unlock()
			idle.Reset(d.idleTimeout)
		case <-d.stop:
			return
		}
	}
}

// runExchange processes one message end to end.
func (d *Dispatcher) runExchange(wkr *worker, wk *work) {
	out := Result{}
	defer func() {
		wkr.setState(StateIdle)
		wk.result <- out
	}()

	ctx := wk.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	sink := wk.sink
	if sink == nil {
		sink = nopSink{}
	}

	msg := wk.msg
	convID := msg.ConversationID
	log := d.log.WithConversation(convID)

	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	if res, handled := d.handleControl(ctx, msg, sink, log); handled {
		out = res
		return
	}

	start := time.Now()
	d.hooks.Emit(ctx, hooks.EventMessageReceived, map[string]any{
		"conversation": convID,
		"channel":      string(msg.Channel),
	})

	auto, err := d.sessions.AutoExecute(ctx, convID)
	if err != nil {
		log.Warn().Err(err).Msg("reading auto-execute flag failed")
	}
	if msg.AutoExecute != nil {
		auto = *msg.AutoExecute
	}
	interactive := msg.Channel == domain.ChannelCLI ||
		msg.Channel == domain.ChannelWebSocket ||
		msg.Channel == domain.ChannelFeishu

	client, err := d.engines.Resolve("")
	if err != nil {
		out.Err = err.Error()
		if ferr := sink.Finish(ctx, "Engine error: "+err.Error()); ferr != nil {
			log.Warn().Err(ferr).Msg("error delivery failed")
		}
		log.Error().Err(err).Msg("no engine available")
		return
	}

	log.Info().
		Str("channel", string(msg.Channel)).
		Str("engine", client.Name()).
		Bool("autoExecute", auto).
		Msg("processing message")

	prompt := msg.Content
	if len(msg.Attachments) > 0 {
		prompt = promptWithAttachments(prompt, msg.Attachments)
	}
	promptAt := msg.ReceivedAt
	if promptAt.IsZero() {
		promptAt = time.Now()
	}

	rounds := 0
	for round := 0; round < maxActionRounds; round++ {
		history, herr := d.sessions.History(ctx, convID)
		if herr != nil {
			log.Warn().Err(herr).Msg("loading history failed")
		}
		if aerr := d.sessions.Append(ctx, convID, domain.Turn{Role: domain.RoleUser, Content: prompt, Timestamp: promptAt}); aerr != nil {
			log.Warn().Err(aerr).Msg("recording user turn failed")
		}

		wkr.setState(StateAwaitingEngine)
		chunks, ierr := client.Invoke(ctx, convID, prompt, history)
		if ierr != nil {
			out.Err = ierr.Error()
			if ferr := sink.Finish(ctx, "Engine error: "+ierr.Error()); ferr != nil {
				log.Warn().Err(ferr).Msg("error delivery failed")
			}
			log.Error().Err(ierr).Msg("engine invocation failed")
			break
		}
		rounds++

		wkr.setState(StateStreamingReply)
		sres := d.streamer.Stream(ctx, convID, chunks, sink)
		if ctx.Err() != nil {
			out.Err = ctx.Err().Error()
			log.Info().Msg("exchange cancelled, discarding reply")
			break
		}
		if sres.Err != "" {
			// Engine failure: the error text already reached the sink
			// as the final update; nothing is recorded as an assistant
			// turn so a retry starts clean.
			out.Response = sres.Text
			out.Err = sres.Err
			log.Warn().Str("error", sres.Err).Msg("engine stream failed")
			break
		}

		if sres.Text != "" {
			if aerr := d.sessions.Append(ctx, convID, domain.Turn{Role: domain.RoleAssistant, Content: sres.Text, Timestamp: time.Now()}); aerr != nil {
				log.Warn().Err(aerr).Msg("recording assistant turn failed")
			}
		}
		out.Response = sres.Text

		if sres.SinkFailed {
			out.Action = sres.Action
			log.Warn().Msg("reply delivery failed, ending exchange")
			break
		}

		action := sres.Action
		if action == nil {
			break
		}
		out.Action = action

		d.hooks.Emit(ctx, hooks.EventActionProposed, map[string]any{
			"conversation": convID,
			"kind":         string(action.Kind),
			"target":       action.Target(),
		})
		d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeAction, Text: describeAction(*action), Action: action}, log)

		if round == maxActionRounds-1 {
			log.Warn().Int("rounds", rounds).Msg("action round limit reached, leaving action unexecuted")
			break
		}

		verdict := d.policy.Evaluate(*action)
		d.hooks.Emit(ctx, hooks.EventActionEvaluated, map[string]any{
			"conversation": convID,
			"kind":         string(action.Kind),
			"allowed":      verdict.Allowed,
			"reason":       verdict.Reason,
		})
		if !verdict.Allowed {
			text := "❌ Action denied: " + verdict.Reason
			d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeActionResult, Text: text, Action: action}, log)
			d.appendNote(ctx, convID, "Action denied by sandbox policy: "+verdict.Reason+". It was not executed.", log)
			log.Info().Str("reason", verdict.Reason).Msg("action denied by policy")
			break
		}

		if !auto {
			if !interactive {
				log.Info().Msg("action needs confirmation but channel cannot confirm, leaving it unexecuted")
				break
			}
			wkr.setState(StateAwaitingApproval)
			d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeApproval, Text: d.approvalPrompt(*action), Action: action}, log)
			outcome := d.awaitApproval(ctx, wkr, log)
			if outcome == approvalAborted {
				out.Err = "cancelled"
				break
			}
			if outcome != approvalGranted {
				text := "Action skipped."
				note := "User declined the proposed action; it was not executed."
				if outcome == approvalTimedOut {
					text = fmt.Sprintf("No approval received within %s; action skipped.", d.approvalTimeout)
					note = "Approval timed out; the proposed action was not executed."
				}
				d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeSystem, Text: text}, log)
				d.appendNote(ctx, convID, note, log)
				break
			}
		}

		result := d.exec.Run(ctx, *action)
		out.ActionResult = &result
		d.hooks.Emit(ctx, hooks.EventActionExecuted, map[string]any{
			"conversation": convID,
			"kind":         string(action.Kind),
			"ok":           result.OK,
		})
		formatted := executor.FormatResult(*action, result)
		d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeActionResult, Text: formatted, Action: action}, log)

		prompt = "Action result:\n" + formatted
		promptAt = time.Now()
	}

	d.hooks.Emit(ctx, hooks.EventReplyFinished, map[string]any{
		"conversation": convID,
		"rounds":       rounds,
		"errored":      out.Err != "",
	})
	log.Info().
		Int("rounds", rounds).
		Dur("duration", time.Since(start)).
		Bool("actionExecuted", out.ActionResult != nil).
		Msg("exchange complete")
}

// handleControl intercepts slash commands that act on the session
// directly. Unknown slash commands fall through to the engine.
func (d *Dispatcher) handleControl(ctx context.Context, msg domain.Message, sink domain.ReplySink, log *logging.Logger) (Result, bool) {
	cmd := strings.ToLower(strings.TrimSpace(msg.Content))
	if !strings.HasPrefix(cmd, "/") {
		return Result{}, false
	}

	convID := msg.ConversationID
	switch cmd {
	case "/clear":
		if err := d.sessions.Clear(ctx, convID); err != nil {
			log.Warn().Err(err).Msg("clearing session failed")
		}
		d.hooks.Emit(ctx, hooks.EventSessionCleared, map[string]any{"conversation": convID})
		text := "Conversation history cleared."
		d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeSystem, Text: text}, log)
		log.Info().Msg("session cleared")
		return Result{Response: text}, true

	case "/auto":
		cur, err := d.sessions.AutoExecute(ctx, convID)
		if err != nil {
			log.Warn().Err(err).Msg("reading auto-execute flag failed")
		}
		next := !cur
		if err := d.sessions.SetAutoExecute(ctx, convID, next); err != nil {
			log.Warn().Err(err).Msg("setting auto-execute flag failed")
		}
		text := "Automatic execution disabled."
		if next {
			text = "Automatic execution enabled."
		}
		d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeSystem, Text: text}, log)
		return Result{Response: text}, true

	case "/help":
		d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeSystem, Text: helpText}, log)
		return Result{Response: helpText}, true

	case "/exit", "/quit":
		text := "Goodbye!"
		d.notify(ctx, sink, domain.Notice{Kind: domain.NoticeSystem, Text: text}, log)
		return Result{Response: text}, true
	}

	return Result{}, false
}

type approvalOutcome int

const (
	approvalGranted approvalOutcome = iota
	approvalDenied
	approvalTimedOut
	approvalAborted
)

// awaitApproval blocks until the user answers the confirmation prompt.
// The next message queued for this conversation is the answer; silence
// past the timeout denies.
func (d *Dispatcher) awaitApproval(ctx context.Context, wkr *worker, log *logging.Logger) approvalOutcome {
	timer := time.NewTimer(d.approvalTimeout)
	defer timer.Stop()

	select {
	case reply := <-wkr.queue:
		approved := isAffirmative(reply.msg.Content)
		log.Info().Bool("approved", approved).Msg("approval reply received")
		reply.result <- Result{}
		d.release(wkr)
		if approved {
			return approvalGranted
		}
		return approvalDenied
	case <-timer.C:
		log.Info().Dur("timeout", d.approvalTimeout).Msg("approval timed out")
		return approvalTimedOut
	case <-ctx.Done():
		return approvalAborted
	case <-d.stop:
		return approvalAborted
	}
}

// appendNote records a bridge-injected note so the next engine
// invocation sees it in the transcript.
func (d *Dispatcher) appendNote(ctx context.Context, convID, note string, log *logging.Logger) {
	if err := d.sessions.Append(ctx, convID, domain.Turn{Role: domain.RoleSystem, Content: note, Timestamp: time.Now()}); err != nil {
		log.Warn().Err(err).Msg("recording note failed")
	}
}

func (d *Dispatcher) notify(ctx context.Context, sink domain.ReplySink, n domain.Notice, log *logging.Logger) {
	if err := sink.Notice(ctx, n); err != nil {
		log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("notice delivery failed")
	}
}

func (d *Dispatcher) approvalPrompt(req domain.ActionRequest) string {
	return fmt.Sprintf("%s. Reply \"yes\" to run it; anything else skips it (auto-skip after %s).",
		describeAction(req), d.approvalTimeout)
}

func describeAction(req domain.ActionRequest) string {
	switch req.Kind {
	case domain.ActionExecute:
		return fmt.Sprintf("Proposed action: run `%s`", req.Command)
	case domain.ActionReadFile:
		return fmt.Sprintf("Proposed action: read %s", req.Path)
	case domain.ActionWriteFile:
		return fmt.Sprintf("Proposed action: write %s", req.Path)
	default:
		return fmt.Sprintf("Proposed action: %s %s", req.Kind, req.Target())
	}
}

// promptWithAttachments appends attachment references to the prompt.
// Adapters that fetched a resource to disk carry the local path so
// the engine can read the file; otherwise the platform reference is
// all the engine gets to reason about.
func promptWithAttachments(prompt string, atts []domain.Attachment) string {
	var b strings.Builder
	b.WriteString(prompt)
	for _, a := range atts {
		b.WriteString("\n[attachment")
		if a.Filename != "" {
			b.WriteString(": " + a.Filename)
		}
		switch {
		case a.LocalPath != "":
			b.WriteString(" saved at " + a.LocalPath)
		case a.ID != "":
			b.WriteString(" id " + a.ID)
		}
		b.WriteString("]")
	}
	return b.String()
}

var affirmatives = map[string]bool{
	"y":       true,
	"yes":     true,
	"ok":      true,
	"confirm": true,
	"approve": true,
	"run":     true,
}

func isAffirmative(s string) bool {
	return affirmatives[strings.ToLower(strings.TrimSpace(s))]
}

// nopSink discards all updates; used when a caller only wants the Result.
type nopSink struct{}

func (nopSink) Update(context.Context, string) error        { return nil }
func (nopSink) Finish(context.Context, string) error        { return nil }
func (nopSink) Notice(context.Context, domain.Notice) error { return nil }
