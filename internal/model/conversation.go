// Package model defines data structures for the chat engine.
package model

import (
	"time"
)

// Conversation represents a conversation thread.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
	Archived  bool       `json:"archived,omitempty"`
}

// Pinned reports whether the conversation is pinned.
func (c *Conversation) Pinned() bool {
	return c.PinnedAt != nil
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// RenameConversationRequest is the request to rename a conversation.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []*Conversation `json:"conversations"`
	Total         int             `json:"total"`
}
