package engine

import (
	"context"

	"github.com/younfor/chat-work/internal/domain"
)

// MockClient is a test double for Client.
type MockClient struct {
	EngineName string
	InvokeFunc func(ctx context.Context, conversationID, prompt string, history []domain.Turn) (<-chan domain.ReplyChunk, error)
}

func (m *MockClient) Name() string {
	if m.EngineName != "" {
		return m.EngineName
	}
	return "mock"
}

func (m *MockClient) Invoke(ctx context.Context, conversationID, prompt string, history []domain.Turn) (<-chan domain.ReplyChunk, error) {
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, conversationID, prompt, history)
	}
	return ScriptedChunks(conversationID, "mock ", "reply"), nil
}

// ScriptedChunks builds a closed chunk channel from text pieces: each
// piece becomes a delta and the stream terminates with a Final chunk
// carrying any action found in the joined text.
func ScriptedChunks(conversationID string, pieces ...string) <-chan domain.ReplyChunk {
	ch := make(chan domain.ReplyChunk, len(pieces)+1)
	em := &emitter{conversationID: conversationID, ch: ch}
	for _, piece := range pieces {
		em.delta(piece)
	}
	em.finish()
	close(ch)
	return ch
}

// FailingChunks builds a closed chunk channel holding a single
// terminal error chunk.
func FailingChunks(conversationID, msg string) <-chan domain.ReplyChunk {
	ch := make(chan domain.ReplyChunk, 1)
	em := &emitter{conversationID: conversationID, ch: ch}
	em.fail(msg)
	close(ch)
	return ch
}
