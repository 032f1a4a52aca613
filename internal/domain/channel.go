package domain

import "context"

// MessageHandler consumes a normalized inbound message together with
// the sink that delivers reply updates back into its conversation.
// Handlers must not block the adapter's receive path.
type MessageHandler func(msg Message, sink ReplySink)

// ChannelStatus reports the runtime state of a channel adapter.
type ChannelStatus struct {
	Channel   ChannelKind `json:"channel"`
	Running   bool        `json:"running"`
	LastError string      `json:"lastError,omitempty"`
}

// Channel is the interface all chat channel adapters satisfy. An
// adapter normalizes platform events into Messages, hands each one to
// the registered handler with a conversation-bound ReplySink, and
// delivers whatever the sink receives back to the platform.
type Channel interface {
	// Kind returns the channel family this adapter serves.
	Kind() ChannelKind

	// Start begins receiving events for this adapter.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// OnMessage registers the handler invoked per inbound message.
	OnMessage(h MessageHandler)

	// Status reports the adapter's runtime state.
	Status() ChannelStatus
}
