// Package entity defines the domain models for the chat feature.
package entity

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of the coaching conversation, persisted so a
// session can review its history.
type ChatMessage struct {
	ID        uint      `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    uint      `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
