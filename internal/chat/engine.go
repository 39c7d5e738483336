// Package chat implements the conversation branching and streaming
// orchestration engine. It owns the live message log of the selected
// conversation, archived branch snapshots for edited messages, and the
// registry of background streams that keep generating while the user
// views something else.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-ai/chat-engine/internal/gemini"
	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/internal/store"
	"github.com/lumi-ai/chat-engine/pkg/logger"
	"github.com/lumi-ai/chat-engine/pkg/metrics"
)

// Engine drives all conversation, branch and stream operations. All
// exported methods are safe for concurrent use; branch mutations are
// serialized per conversation.
type Engine struct {
	db       store.DB
	streamer gemini.Streamer
	signals  *Signals
	logger   *logger.Logger

	// mu guards the view state, settings and the stream registry.
	// Per-conversation op locks are always acquired before mu.
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	streams map[string]*streamHandle

	activeConversationID string
	selectedModel        string
	branchState          map[string]model.BranchState

	thinkingEnabled   bool
	thinkingBudget    int
	thinkingLevel     string
	searchEnabled     bool
	urlContextEnabled bool

	activeInstructionIDs []string

	recoveryText        string
	recoveryAttachments []model.Attachment
}

// New creates an engine over the given storage and stream client.
func New(db store.DB, streamer gemini.Streamer, log *logger.Logger) *Engine {
	return &Engine{
		db:              db,
		streamer:        streamer,
		signals:         NewSignals(),
		logger:          log,
		locks:           make(map[string]*sync.Mutex),
		streams:         make(map[string]*streamHandle),
		selectedModel:   model.DefaultModelID,
		branchState:     make(map[string]model.BranchState),
		thinkingEnabled: true,
		thinkingBudget:  8192,
		thinkingLevel:   "high",
	}
}

// Signals exposes the engine's observable stream state.
func (e *Engine) Signals() *Signals {
	return e.signals
}

// convLock returns the mutex serializing branch mutations for one
// conversation, creating it on first use.
func (e *Engine) convLock(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[conversationID] = l
	}
	return l
}

// Conversations lists all conversations, most recently updated first.
func (e *Engine) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	return e.db.ListConversations(ctx)
}

// ActiveConversationID returns the id of the viewed conversation, or "".
func (e *Engine) ActiveConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeConversationID
}

// SelectConversation switches the view to the given conversation and
// returns its live message log. An empty id deselects. Any background
// stream of the newly selected conversation has its buffers mirrored
// back into the signals, but only when its branch is the one in view.
func (e *Engine) SelectConversation(ctx context.Context, id string) ([]*model.Message, error) {
	e.signals.setError("")

	if id == "" {
		e.mu.Lock()
		e.activeConversationID = ""
		e.branchState = make(map[string]model.BranchState)
		e.mu.Unlock()
		e.signals.resetStreamView()
		return nil, nil
	}

	if _, err := e.db.GetConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	msgs, err := e.db.MessagesByConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	branchState, err := e.deriveBranchState(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.activeConversationID = id
	e.branchState = branchState
	handle := e.streams[id]
	viewing := handle != nil && e.branchMatchesLocked(handle.branchCtx)
	e.mu.Unlock()

	if viewing {
		text, thinking, images := handle.bufferedContent()
		e.signals.restoreStreamView(text, thinking, images)
	} else {
		e.signals.resetStreamView()
	}
	return msgs, nil
}

// NewConversation creates a conversation and selects it. A blank title
// gets the placeholder until the title generator names it.
func (e *Engine) NewConversation(ctx context.Context, title string) (*model.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = "New Chat"
	}
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Model:     e.Model(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.db.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	e.signals.publish(Event{Type: EventConversations, ConversationID: conv.ID})
	if _, err := e.SelectConversation(ctx, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation removes a conversation and everything attached to
// it: messages, branch snapshots and cached thought signatures. An
// in-flight stream for the conversation is aborted and its buffered
// output discarded.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	lock := e.convLock(id)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if handle, ok := e.streams[id]; ok {
		handle.markDiscarded()
		handle.cancel()
		delete(e.streams, id)
	}
	wasActive := e.activeConversationID == id
	e.mu.Unlock()
	e.signals.setStreaming(id, false)

	if err := e.db.DeleteConversation(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := e.db.DeleteMessagesByConversation(ctx, id); err != nil {
		return err
	}
	if err := e.db.DeleteThoughtSignaturesByConversation(ctx, id); err != nil {
		return err
	}
	if err := e.db.DeleteBranchesByConversation(ctx, id); err != nil {
		return err
	}

	e.signals.publish(Event{Type: EventConversations, ConversationID: id})
	if wasActive {
		if _, err := e.SelectConversation(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

// RenameConversation sets a new title. The title is trimmed; blank
// titles are rejected.
func (e *Engine) RenameConversation(ctx context.Context, id, title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return ErrEmptyTitle
	}
	conv, err := e.db.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	conv.Title = trimmed
	conv.UpdatedAt = time.Now()
	if err := e.db.PutConversation(ctx, conv); err != nil {
		return err
	}
	e.signals.publish(Event{Type: EventConversations, ConversationID: id})
	return nil
}

// TogglePin pins or unpins a conversation.
func (e *Engine) TogglePin(ctx context.Context, id string) error {
	conv, err := e.db.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if conv.Pinned() {
		conv.PinnedAt = nil
	} else {
		now := time.Now()
		conv.PinnedAt = &now
	}
	if err := e.db.PutConversation(ctx, conv); err != nil {
		return err
	}
	e.signals.publish(Event{Type: EventConversations, ConversationID: id})
	return nil
}

// ToggleArchive archives or unarchives a conversation. Archiving clears
// the pin; pin and archive are mutually exclusive. Archiving the viewed
// conversation deselects it.
func (e *Engine) ToggleArchive(ctx context.Context, id string) error {
	conv, err := e.db.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	conv.Archived = !conv.Archived
	if conv.Archived {
		conv.PinnedAt = nil
	}
	if err := e.db.PutConversation(ctx, conv); err != nil {
		return err
	}
	e.signals.publish(Event{Type: EventConversations, ConversationID: id})

	if conv.Archived && e.ActiveConversationID() == id {
		if _, err := e.SelectConversation(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

// RecoverSession re-selects a conversation after a restart, clearing any
// stale error state. Background streams do not survive a restart; the
// persisted log reflects whatever their terminal reconciliation wrote.
func (e *Engine) RecoverSession(ctx context.Context, conversationID string) error {
	_, err := e.SelectConversation(ctx, conversationID)
	return err
}

// Model returns the currently selected model id.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectedModel
}

// SetModel selects the model used for subsequent streams. The thinking
// level is clamped to what the model accepts.
func (e *Engine) SetModel(id string) error {
	def, ok := model.FindModel(id)
	if !ok {
		return ErrUnknownModel
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selectedModel = id
	levels := model.ModelThinkingLevels(id)
	if !containsString(levels, e.thinkingLevel) {
		if def.DefaultThinkingLevel != "" {
			e.thinkingLevel = def.DefaultThinkingLevel
		} else {
			e.thinkingLevel = levels[len(levels)-1]
		}
	}
	return nil
}

// SetThinkingEnabled toggles reasoning output for models that honor it.
func (e *Engine) SetThinkingEnabled(enabled bool) {
	e.mu.Lock()
	e.thinkingEnabled = enabled
	e.mu.Unlock()
}

// SetThinkingBudget sets the token budget used by budget-based models.
func (e *Engine) SetThinkingBudget(budget int) {
	if budget < 0 {
		budget = 0
	}
	e.mu.Lock()
	e.thinkingBudget = budget
	e.mu.Unlock()
}

// SetThinkingLevel sets the level used by level-based models.
func (e *Engine) SetThinkingLevel(level string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !containsString(model.ModelThinkingLevels(e.selectedModel), level) {
		return ErrUnknownModel
	}
	e.thinkingLevel = level
	return nil
}

// SetSearchEnabled toggles search grounding on subsequent requests.
func (e *Engine) SetSearchEnabled(enabled bool) {
	e.mu.Lock()
	e.searchEnabled = enabled
	e.mu.Unlock()
}

// SetURLContextEnabled toggles URL context on subsequent requests.
func (e *Engine) SetURLContextEnabled(enabled bool) {
	e.mu.Lock()
	e.urlContextEnabled = enabled
	e.mu.Unlock()
}

// Messages returns the live message log of the viewed conversation.
func (e *Engine) Messages(ctx context.Context) ([]*model.Message, error) {
	id := e.ActiveConversationID()
	if id == "" {
		return nil, nil
	}
	return e.db.MessagesByConversation(ctx, id)
}

// BranchStates returns the branch navigation state of the viewed
// conversation, keyed by branch group id.
func (e *Engine) BranchStates() map[string]model.BranchState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.BranchState, len(e.branchState))
	for k, v := range e.branchState {
		out[k] = v
	}
	return out
}

// RecoveryText returns the input text of the last rolled-back send, so
// the caller can repopulate its input. Empty when nothing failed.
func (e *Engine) RecoveryText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoveryText
}

// RecoveryAttachments returns the attachments of the last rolled-back send.
func (e *Engine) RecoveryAttachments() []model.Attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Attachment(nil), e.recoveryAttachments...)
}

// ClearRecovery empties the recovery slot.
func (e *Engine) ClearRecovery() {
	e.mu.Lock()
	e.recoveryText = ""
	e.recoveryAttachments = nil
	e.mu.Unlock()
}

func (e *Engine) setRecovery(text string, attachments []model.Attachment) {
	e.mu.Lock()
	e.recoveryText = text
	e.recoveryAttachments = append([]model.Attachment(nil), attachments...)
	e.mu.Unlock()
}

// touchConversation bumps a conversation's updatedAt.
func (e *Engine) touchConversation(ctx context.Context, id string) error {
	conv, err := e.db.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	return e.touchAndPut(ctx, conv)
}

func (e *Engine) touchAndPut(ctx context.Context, conv *model.Conversation) error {
	conv.UpdatedAt = time.Now()
	return e.db.PutConversation(ctx, conv)
}

// Close aborts all in-flight streams. Buffered output is discarded;
// Close is a shutdown path, not a graceful stop.
func (e *Engine) Close() error {
	e.mu.Lock()
	handles := make([]*streamHandle, 0, len(e.streams))
	for id, handle := range e.streams {
		handles = append(handles, handle)
		delete(e.streams, id)
	}
	e.mu.Unlock()
	for _, handle := range handles {
		handle.markDiscarded()
		handle.cancel()
	}
	return nil
}

// recordMessage counts a persisted message in metrics.
func recordMessage(role model.Role) {
	metrics.MessagesTotal.WithLabelValues(string(role)).Inc()
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// truncateRunes shortens s to at most n runes.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
