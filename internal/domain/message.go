package domain

import "time"

// ChannelKind identifies the family of channel a message arrived through.
type ChannelKind string

const (
	ChannelCLI       ChannelKind = "cli"
	ChannelWebSocket ChannelKind = "websocket"
	ChannelFeishu    ChannelKind = "feishu"
	ChannelAPI       ChannelKind = "api"
)

// Attachment represents a file or media attachment on a message.
// LocalPath is set when the adapter has already fetched the resource
// to disk; the dispatcher references it in the engine prompt so the
// engine can act on the file.
type Attachment struct {
	ID        string `json:"id,omitempty"`
	URL       string `json:"url,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
	LocalPath string `json:"localPath,omitempty"`
}

// Message is a normalized inbound message, independent of the channel
// it arrived through. Adapters construct one per user event; nothing
// downstream mutates it.
type Message struct {
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId,omitempty"`
	Channel        ChannelKind  `json:"channel"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReceivedAt     time.Time    `json:"receivedAt"`

	// DedupKey is the platform event id for channels that redeliver
	// (webhooks). Empty for channels that cannot duplicate.
	DedupKey string `json:"dedupKey,omitempty"`

	// AutoExecute overrides the session's auto-execute flag for this
	// exchange only. Nil means use the session setting.
	AutoExecute *bool `json:"autoExecute,omitempty"`
}

// ConversationKey derives a stable conversation identifier from a
// channel and its native chat id.
type ConversationKey struct {
	Channel ChannelKind `json:"channel"`
	ChatID  string      `json:"chatId"`
}

// String returns the canonical conversation id form.
func (k ConversationKey) String() string {
	return string(k.Channel) + ":" + k.ChatID
}
