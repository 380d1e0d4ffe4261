package protocol

import (
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// Non-display roles that can leak into history snapshots from the agent runtime
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// IsConversational reports whether the role belongs to the visible conversation
func (r Role) IsConversational() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single immutable turn in a conversation
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	AudioURL       *string   `json:"audioUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`

	// MessageType is set by agent runtimes that expose reasoning or tool traces
	// alongside regular turns (e.g. "reasoning_message").
	MessageType string `json:"messageType,omitempty"`
}

// HasAudio returns true if the message references persisted audio
func (m Message) HasAudio() bool {
	return m.AudioURL != nil && *m.AudioURL != ""
}

// SendResult is the request/response contract of a REST message send
type SendResult struct {
	UserMessage      Message `json:"userMessage"`
	AssistantMessage Message `json:"assistantMessage"`
}

// Conversation is the snapshot document returned by the history endpoint
type Conversation struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistantId,omitempty"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Messages    []Message `json:"messages"`
}
