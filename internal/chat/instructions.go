package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/internal/store"
)

// LoadInstructions activates the stored default instructions. Called
// once at startup.
func (e *Engine) LoadInstructions(ctx context.Context) error {
	all, err := e.db.ListInstructions(ctx)
	if err != nil {
		return err
	}
	var defaults []string
	for _, instr := range all {
		if instr.IsDefault {
			defaults = append(defaults, instr.ID)
		}
	}
	e.mu.Lock()
	e.activeInstructionIDs = defaults
	e.mu.Unlock()
	return nil
}

// Instructions lists all custom instructions, oldest first.
func (e *Engine) Instructions(ctx context.Context) ([]*model.CustomInstruction, error) {
	return e.db.ListInstructions(ctx)
}

// CreateInstruction stores a named instruction fragment. Defaults are
// activated immediately.
func (e *Engine) CreateInstruction(ctx context.Context, name, content string, isDefault bool) (*model.CustomInstruction, error) {
	now := time.Now()
	instr := &model.CustomInstruction{
		ID:        uuid.NewString(),
		Name:      name,
		Content:   content,
		IsDefault: isDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.db.PutInstruction(ctx, instr); err != nil {
		return nil, err
	}
	if isDefault {
		e.mu.Lock()
		e.activeInstructionIDs = append(e.activeInstructionIDs, instr.ID)
		e.mu.Unlock()
	}
	return instr, nil
}

// UpdateInstruction edits an instruction's name, content or default flag.
func (e *Engine) UpdateInstruction(ctx context.Context, id, name, content string, isDefault bool) error {
	instr, err := e.db.GetInstruction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInstructionNotFound
		}
		return err
	}
	instr.Name = name
	instr.Content = content
	instr.IsDefault = isDefault
	instr.UpdatedAt = time.Now()
	return e.db.PutInstruction(ctx, instr)
}

// DeleteInstruction removes an instruction and deactivates it.
func (e *Engine) DeleteInstruction(ctx context.Context, id string) error {
	if err := e.db.DeleteInstruction(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	for i, active := range e.activeInstructionIDs {
		if active == id {
			e.activeInstructionIDs = append(e.activeInstructionIDs[:i], e.activeInstructionIDs[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return nil
}

// ToggleInstruction flips an instruction's active state. Active
// instructions stack into the request system instruction.
func (e *Engine) ToggleInstruction(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, active := range e.activeInstructionIDs {
		if active == id {
			e.activeInstructionIDs = append(e.activeInstructionIDs[:i], e.activeInstructionIDs[i+1:]...)
			return
		}
	}
	e.activeInstructionIDs = append(e.activeInstructionIDs, id)
}

// ActiveInstructionIDs returns the ids of the active instructions in
// activation order.
func (e *Engine) ActiveInstructionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.activeInstructionIDs...)
}

// activeSystemInstruction joins the active instructions' content into
// the per-request system instruction, in activation order.
func (e *Engine) activeSystemInstruction() string {
	ids := e.ActiveInstructionIDs()
	if len(ids) == 0 {
		return ""
	}

	var texts []string
	for _, id := range ids {
		instr, err := e.db.GetInstruction(context.Background(), id)
		if err != nil {
			continue
		}
		if content := strings.TrimSpace(instr.Content); content != "" {
			texts = append(texts, content)
		}
	}
	return strings.Join(texts, "\n\n")
}
