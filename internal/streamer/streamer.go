// Package streamer throttles engine reply chunks into the edit-style
// updates chat channels can absorb.
//
// Chat platforms deliver a reply by repeatedly replacing a message
// body, not by appending a live token stream. The streamer accumulates
// deltas and flushes the full text so far at a bounded rate, with a
// placeholder while the engine is still silent.
package streamer

import (
	"context"
	"strings"
	"time"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

// Placeholder is shown when the engine has produced nothing yet.
const Placeholder = "Thinking..."

// Result summarizes one consumed chunk stream.
type Result struct {
	// Text is the complete accumulated reply.
	Text string

	// Err is the engine's terminal error, empty on success.
	Err string

	// Action is the proposal carried on the final chunk, if any.
	Action *domain.ActionRequest

	// SinkFailed reports that delivery broke mid-stream and the
	// remaining updates were abandoned.
	SinkFailed bool
}

// Streamer drives one reply stream at a time into a sink. It is
// stateless between calls and safe for concurrent use by independent
// conversations.
type Streamer struct {
	interval         time.Duration
	placeholderAfter time.Duration
	log              *logging.Logger
}

// New creates a Streamer from stream configuration.
func New(cfg config.StreamConfig, log *logging.Logger) *Streamer {
	interval := time.Duration(cfg.UpdateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	placeholderAfter := time.Duration(cfg.PlaceholderAfterMs) * time.Millisecond
	if placeholderAfter <= 0 {
		placeholderAfter = 300 * time.Millisecond
	}
	return &Streamer{
		interval:         interval,
		placeholderAfter: placeholderAfter,
		log:              log.Sub("streamer"),
	}
}

// Stream consumes chunks until the final one and mirrors them into the
// sink: at most one Update per interval, each carrying the full text
// so far, then exactly one Finish. The final chunk bypasses the
// throttle. Identical consecutive flushes are suppressed. A sink error
// abandons delivery but still drains the stream so the producing
// goroutine can finish; ctx cancellation discards everything.
func (s *Streamer) Stream(ctx context.Context, conversationID string, chunks <-chan domain.ReplyChunk, sink domain.ReplySink) Result {
	var (
		buf       strings.Builder
		lastSent  string
		dirty     bool
		abandoned bool
		res       Result
	)

	log := s.log.WithConversation(conversationID)

	// The timer first guards the placeholder, then paces updates.
	timer := time.NewTimer(s.placeholderAfter)
	defer timer.Stop()
	placeholderPending := true
	lastFlush := time.Now()

	flush := func() {
		dirty = false
		text := buf.String()
		if abandoned || text == "" || text == lastSent {
			return
		}
		if err := sink.Update(ctx, text); err != nil {
			log.Warn().Err(err).Msg("sink update failed, abandoning stream")
			abandoned = true
			return
		}
		lastSent = text
		lastFlush = time.Now()
	}

	rearm := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			go drain(chunks)
			res.Text = buf.String()
			return res

		case <-timer.C:
			if placeholderPending && buf.Len() == 0 {
				placeholderPending = false
				if !abandoned {
					if err := sink.Update(ctx, Placeholder); err != nil {
						log.Warn().Err(err).Msg("sink update failed, abandoning stream")
						abandoned = true
					}
				}
				continue
			}
			placeholderPending = false
			if dirty {
				flush()
			}

		case chunk, ok := <-chunks:
			if !ok {
				// Producer closed without a final chunk; treat what we
				// have as the reply.
				res.Text = buf.String()
				res.SinkFailed = abandoned
				if !abandoned {
					if err := sink.Finish(ctx, res.Text); err != nil {
						log.Warn().Err(err).Msg("sink finish failed")
						res.SinkFailed = true
					}
				}
				return res
			}

			placeholderPending = false
			buf.WriteString(chunk.Text)
			dirty = true

			if chunk.Final {
				res.Text = buf.String()
				res.Err = chunk.Err
				res.Action = chunk.Action
				res.SinkFailed = abandoned
				go drain(chunks)
				if !abandoned {
					if err := sink.Finish(ctx, res.Text); err != nil {
						log.Warn().Err(err).Msg("sink finish failed")
						res.SinkFailed = true
					}
				}
				return res
			}

			if abandoned {
				continue
			}
			if elapsed := time.Since(lastFlush); elapsed >= s.interval {
				flush()
			} else {
				rearm(s.interval - elapsed)
			}
		}
	}
}

// drain consumes leftover chunks so the producer never blocks.
func drain(chunks <-chan domain.ReplyChunk) {
	for range chunks {
	}
}
