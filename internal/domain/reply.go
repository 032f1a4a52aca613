package domain

import "context"

// ReplyChunk is one piece of an engine reply stream. Seq increases
// strictly within a conversation's stream and exactly one chunk
// carries Final. Err is set when the stream terminated because the
// engine failed; such a chunk is always Final.
type ReplyChunk struct {
	ConversationID string `json:"conversationId"`
	Seq            int    `json:"seq"`
	Text           string `json:"text"`
	Final          bool   `json:"final"`
	Err            string `json:"err,omitempty"`

	// Action is set on the final chunk when the engine proposed an
	// action in its reply. The engine client extracts it; the
	// dispatcher decides what happens to it.
	Action *ActionRequest `json:"action,omitempty"`
}

// NoticeKind classifies out-of-band sink notices.
type NoticeKind string

const (
	NoticeSystem       NoticeKind = "system"
	NoticeAction       NoticeKind = "action"
	NoticeActionResult NoticeKind = "action_result"
	NoticeApproval     NoticeKind = "approval"
	NoticeError        NoticeKind = "error"
)

// Notice is an out-of-band event delivered alongside the reply stream:
// a proposed action, its execution result, an approval prompt, or a
// system message such as "history cleared".
type Notice struct {
	Kind   NoticeKind     `json:"kind"`
	Text   string         `json:"text,omitempty"`
	Action *ActionRequest `json:"action,omitempty"`
}

// ReplySink delivers progressive reply updates for one conversation.
// Update and Finish both carry the full accumulated text so far
// (replace semantics); channels that can only append diff against
// what they last delivered. An exchange may produce several reply
// segments (one per engine round); each segment is zero or more
// Updates followed by exactly one Finish. Notice may arrive between
// segments. Implementations need not be safe for concurrent use; the
// streamer serializes calls within a segment.
type ReplySink interface {
	Update(ctx context.Context, text string) error
	Finish(ctx context.Context, text string) error
	Notice(ctx context.Context, n Notice) error
}
