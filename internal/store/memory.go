package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/lumi-ai/chat-engine/internal/model"
)

// Memory is an in-memory DB used in tests and as a fallback when no
// durable backend is configured.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string]*model.Message
	branches      map[string]*model.MessageBranch
	signatures    map[string]*model.ThoughtSignature
	instructions  map[string]*model.CustomInstruction
	seq           map[string]int // insertion order, breaks createdAt ties
	nextSeq       int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.Message),
		branches:      make(map[string]*model.MessageBranch),
		signatures:    make(map[string]*model.ThoughtSignature),
		instructions:  make(map[string]*model.CustomInstruction),
		seq:           make(map[string]int),
	}
}

// clone round-trips through JSON so callers never share pointers with
// stored documents.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return v
	}
	return out
}

func (m *Memory) PutConversation(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = clone(conv)
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(conv), nil
}

func (m *Memory) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, clone(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	return nil
}

func (m *Memory) PutMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seq[msg.ID]; !ok {
		m.nextSeq++
		m.seq[msg.ID] = m.nextSeq
	}
	m.messages[msg.ID] = clone(msg)
	return nil
}

func (m *Memory) MessagesByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, clone(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
	return nil
}

func (m *Memory) DeleteMessagesByConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, msg := range m.messages {
		if msg.ConversationID == conversationID {
			delete(m.messages, id)
		}
	}
	return nil
}

func (m *Memory) PutBranch(ctx context.Context, branch *model.MessageBranch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[branch.ID] = clone(branch)
	return nil
}

func (m *Memory) BranchByIndex(ctx context.Context, conversationID, branchGroupID string, branchIndex int) (*model.MessageBranch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, branch := range m.branches {
		if branch.ConversationID == conversationID &&
			branch.BranchGroupID == branchGroupID &&
			branch.BranchIndex == branchIndex {
			return clone(branch), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) BranchesByConversation(ctx context.Context, conversationID string) ([]*model.MessageBranch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.MessageBranch
	for _, branch := range m.branches {
		if branch.ConversationID == conversationID {
			out = append(out, clone(branch))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchGroupID != out[j].BranchGroupID {
			return out[i].BranchGroupID < out[j].BranchGroupID
		}
		return out[i].BranchIndex < out[j].BranchIndex
	})
	return out, nil
}

func (m *Memory) DeleteBranch(ctx context.Context, conversationID, branchGroupID string, branchIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, branch := range m.branches {
		if branch.ConversationID == conversationID &&
			branch.BranchGroupID == branchGroupID &&
			branch.BranchIndex == branchIndex {
			delete(m.branches, id)
		}
	}
	return nil
}

func (m *Memory) DeleteBranchesByConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, branch := range m.branches {
		if branch.ConversationID == conversationID {
			delete(m.branches, id)
		}
	}
	return nil
}

func (m *Memory) PutThoughtSignature(ctx context.Context, sig *model.ThoughtSignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[sig.ID] = clone(sig)
	return nil
}

func (m *Memory) DeleteThoughtSignaturesByConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.signatures {
		if strings.HasPrefix(id, conversationID+":") {
			delete(m.signatures, id)
		}
	}
	return nil
}

func (m *Memory) PutInstruction(ctx context.Context, instr *model.CustomInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instructions[instr.ID] = clone(instr)
	return nil
}

func (m *Memory) GetInstruction(ctx context.Context, id string) (*model.CustomInstruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instr, ok := m.instructions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(instr), nil
}

func (m *Memory) ListInstructions(ctx context.Context) ([]*model.CustomInstruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.CustomInstruction, 0, len(m.instructions))
	for _, instr := range m.instructions {
		out = append(out, clone(instr))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteInstruction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instructions, id)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ DB = (*Memory)(nil)
