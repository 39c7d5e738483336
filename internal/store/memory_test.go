package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-ai/chat-engine/internal/model"
)

func msg(id, convID string, createdAt time.Time, text string) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: convID,
		Role:           model.RoleUser,
		Parts:          []model.Part{model.TextPart(text)},
		CreatedAt:      createdAt,
	}
}

func TestMemoryConversationCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now()
	require.NoError(t, m.PutConversation(ctx, &model.Conversation{ID: "a", Title: "older", UpdatedAt: base}))
	require.NoError(t, m.PutConversation(ctx, &model.Conversation{ID: "b", Title: "newer", UpdatedAt: base.Add(time.Minute)}))

	list, err := m.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)

	require.NoError(t, m.DeleteConversation(ctx, "a"))
	_, err = m.GetConversation(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMessageOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	// Same timestamp; insertion order must break the tie.
	require.NoError(t, m.PutMessage(ctx, msg("m2", "conv", base, "second")))
	require.NoError(t, m.PutMessage(ctx, msg("m3", "conv", base, "third")))
	require.NoError(t, m.PutMessage(ctx, msg("m1", "conv", base.Add(-time.Second), "first")))
	require.NoError(t, m.PutMessage(ctx, msg("other", "elsewhere", base, "noise")))

	msgs, err := m.MessagesByConversation(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)

	require.NoError(t, m.DeleteMessage(ctx, "conv", "m2"))
	msgs, err = m.MessagesByConversation(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, m.DeleteMessagesByConversation(ctx, "conv"))
	msgs, err = m.MessagesByConversation(ctx, "conv")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Other conversations are untouched.
	msgs, err = m.MessagesByConversation(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMemoryCloneIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	original := msg("m1", "conv", time.Now(), "hello")
	require.NoError(t, m.PutMessage(ctx, original))

	// Mutating what we put in or got out must not affect the store.
	original.Parts[0].Text = "mutated input"
	got, err := m.MessagesByConversation(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, "hello", got[0].Parts[0].Text)

	got[0].Parts[0].Text = "mutated output"
	again, err := m.MessagesByConversation(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, "hello", again[0].Parts[0].Text)
}

func TestMemoryBranches(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.BranchByIndex(ctx, "conv", "g1", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	put := func(id, group string, index int) {
		require.NoError(t, m.PutBranch(ctx, &model.MessageBranch{
			ID:             id,
			ConversationID: "conv",
			BranchGroupID:  group,
			BranchIndex:    index,
			Snapshot:       []*model.Message{msg("s-"+id, "conv", time.Now(), "snap")},
			CreatedAt:      time.Now(),
		}))
	}
	put("b1", "g1", 1)
	put("b0", "g1", 0)
	put("c0", "g2", 0)

	branch, err := m.BranchByIndex(ctx, "conv", "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, "b1", branch.ID)
	require.Len(t, branch.Snapshot, 1)

	all, err := m.BranchesByConversation(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Ordered by group then index.
	assert.Equal(t, "b0", all[0].ID)
	assert.Equal(t, "b1", all[1].ID)
	assert.Equal(t, "c0", all[2].ID)

	require.NoError(t, m.DeleteBranch(ctx, "conv", "g1", 0))
	_, err = m.BranchByIndex(ctx, "conv", "g1", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.BranchByIndex(ctx, "conv", "g1", 1)
	require.NoError(t, err)

	require.NoError(t, m.DeleteBranchesByConversation(ctx, "conv"))
	all, err = m.BranchesByConversation(ctx, "conv")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryThoughtSignatures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PutThoughtSignature(ctx, &model.ThoughtSignature{
		ID:             "conv:0",
		ConversationID: "conv",
		Model:          "gemini-3-pro-preview",
		Signature:      "sig",
		CreatedAt:      time.Now(),
	}))
	require.NoError(t, m.PutThoughtSignature(ctx, &model.ThoughtSignature{
		ID:             "other:0",
		ConversationID: "other",
		Signature:      "sig",
		CreatedAt:      time.Now(),
	}))

	require.NoError(t, m.DeleteThoughtSignaturesByConversation(ctx, "conv"))
	// Idempotent on an already-clean conversation.
	require.NoError(t, m.DeleteThoughtSignaturesByConversation(ctx, "conv"))
}

func TestMemoryInstructions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, m.PutInstruction(ctx, &model.CustomInstruction{ID: "i2", Name: "later", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, m.PutInstruction(ctx, &model.CustomInstruction{ID: "i1", Name: "earlier", CreatedAt: base}))

	list, err := m.ListInstructions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "i1", list[0].ID)
	assert.Equal(t, "i2", list[1].ID)

	got, err := m.GetInstruction(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "earlier", got.Name)

	require.NoError(t, m.DeleteInstruction(ctx, "i1"))
	_, err = m.GetInstruction(ctx, "i1")
	assert.ErrorIs(t, err, ErrNotFound)
}
