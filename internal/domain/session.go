package domain

import "time"

// Turn roles. System turns carry notes the bridge injects on its own
// behalf (a policy denial, a declined action); action results are fed
// back as user turns so the engine treats them as input.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is a single entry in a conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session tracks the state of one conversation. History is bounded;
// stores drop the oldest turns once the cap is reached. Clearing a
// session resets history but keeps AutoExecute, so a user who opted
// in to automatic execution stays opted in across /clear.
type Session struct {
	ConversationID string    `json:"conversationId"`
	History        []Turn    `json:"history,omitempty"`
	AutoExecute    bool      `json:"autoExecute"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
}
