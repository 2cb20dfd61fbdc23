package domain

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Assistant is the engine-side persona that owns conversations. AccountID is
// the account billed for turns on its conversations.
type Assistant struct {
	ID          string
	AccountID   string
	ExternalRef string
}

// Linked reports whether the assistant is bound to an engine assistant.
func (a Assistant) Linked() bool {
	return a.ExternalRef != ""
}

// Conversation is bound to exactly one external engine thread.
type Conversation struct {
	ID                string
	ExternalThreadRef string
	AssistantID       string
	CreatedAt         time.Time

	// Assistant is populated by directory lookups.
	Assistant *Assistant
}

// Turn is a single persisted message within a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
