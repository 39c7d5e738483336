// Package store provides the persistence layer: durable keyed document
// collections for conversations, messages, branch snapshots, thought
// signatures and custom instructions.
package store

import (
	"context"
	"errors"

	"github.com/lumi-ai/chat-engine/internal/model"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: not found")

// SchemaVersion identifies the storage layout. An on-disk store with a
// different version is recreated from scratch rather than failing open.
const SchemaVersion = 4

// DB is the document storage consumed by the engine. Every collection is
// keyed by id and queryable by conversation id. List results are returned
// in stable order: conversations by updatedAt descending, messages by
// createdAt ascending.
type DB interface {
	PutConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	PutMessage(ctx context.Context, msg *model.Message) error
	MessagesByConversation(ctx context.Context, conversationID string) ([]*model.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	DeleteMessagesByConversation(ctx context.Context, conversationID string) error

	PutBranch(ctx context.Context, branch *model.MessageBranch) error
	BranchByIndex(ctx context.Context, conversationID, branchGroupID string, branchIndex int) (*model.MessageBranch, error)
	BranchesByConversation(ctx context.Context, conversationID string) ([]*model.MessageBranch, error)
	DeleteBranch(ctx context.Context, conversationID, branchGroupID string, branchIndex int) error
	DeleteBranchesByConversation(ctx context.Context, conversationID string) error

	PutThoughtSignature(ctx context.Context, sig *model.ThoughtSignature) error
	DeleteThoughtSignaturesByConversation(ctx context.Context, conversationID string) error

	PutInstruction(ctx context.Context, instr *model.CustomInstruction) error
	GetInstruction(ctx context.Context, id string) (*model.CustomInstruction, error)
	ListInstructions(ctx context.Context) ([]*model.CustomInstruction, error)
	DeleteInstruction(ctx context.Context, id string) error

	Close() error
}
