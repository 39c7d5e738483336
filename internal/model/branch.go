package model

import (
	"time"
)

// MessageBranch is an archived alternative suffix of a conversation.
// The snapshot holds the complete ordered message list from the branch
// point to the end of the conversation at the time it was archived.
type MessageBranch struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	BranchGroupID  string     `json:"branch_group_id"`
	BranchIndex    int        `json:"branch_index"`
	Snapshot       []*Message `json:"snapshot"`
	CreatedAt      time.Time  `json:"created_at"`
}

// BranchState is the runtime navigation state for one branch group.
// Exactly one branch per group is materialized live at any time; the
// rest exist only as MessageBranch snapshots.
type BranchState struct {
	Total       int `json:"total"`
	ActiveIndex int `json:"active_index"`
}

// BranchContext identifies the branch an in-flight stream belongs to.
type BranchContext struct {
	GroupID string `json:"group_id"`
	Index   int    `json:"index"`
}

// ThoughtSignature caches an opaque reasoning signature for reuse on
// subsequent turns, keyed by conversation and turn index.
type ThoughtSignature struct {
	ID             string    `json:"id"` // conversationID:turnIndex
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	Signature      string    `json:"signature"`
	CreatedAt      time.Time `json:"created_at"`
}

// CustomInstruction is a named system-instruction fragment. Active
// instructions are concatenated into the request system instruction.
type CustomInstruction struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
