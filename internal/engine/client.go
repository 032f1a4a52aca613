// Package engine invokes the external reasoning agent and adapts its
// output into reply chunk streams.
//
// The default engine is the `claude` CLI spawned per exchange. The CLI
// carries its own auth and rate-limit handling, so wrapping it beats
// talking to the API directly; a direct API client exists as a
// fallback for hosts without the CLI installed.
package engine

import (
	"context"

	"github.com/younfor/chat-work/internal/domain"
)

// Client is one reasoning engine. Invoke starts a fresh exchange: the
// returned channel yields delta chunks in Seq order and is closed
// after exactly one Final chunk. Engine failures surface as a Final
// chunk with Err set, never as a panic or a leaked goroutine. A
// returned error means the exchange could not start at all.
//
// Engines are stateless across calls; history is rendered into the
// prompt on every invocation.
type Client interface {
	Invoke(ctx context.Context, conversationID, prompt string, history []domain.Turn) (<-chan domain.ReplyChunk, error)
	Name() string
}
