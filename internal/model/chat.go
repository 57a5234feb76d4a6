package model

import "time"

// ChatConversation groups the message log for one policy conversation.
type ChatConversation struct {
	ID        string    `json:"id"`
	PolicyID  string    `json:"policy_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is a single turn in a conversation. Seq is assigned by the
// store at insert time so ordering holds even within one timestamp.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Content        string    `json:"content"`
	Seq            int       `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}
