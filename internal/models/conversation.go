package models

import "time"

// DefaultConversationTitle is stored when a conversation is created without a title.
const DefaultConversationTitle = "New Conversation"

// Conversation groups the messages exchanged by one user.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
