package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/internal/store"
	"github.com/lumi-ai/chat-engine/pkg/metrics"
)

// cloneMessages deep-copies a message slice so archived snapshots never
// share parts with the live log.
func cloneMessages(msgs []*model.Message) []*model.Message {
	data, err := json.Marshal(msgs)
	if err != nil {
		return msgs
	}
	var out []*model.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return msgs
	}
	return out
}

// deriveBranchState rebuilds the navigation state from the stored branch
// records. The active branch of each group lives only in the message log,
// so its index is the one gap in the otherwise contiguous record indices
// and the total is the record count plus one.
func (e *Engine) deriveBranchState(ctx context.Context, conversationID string) (map[string]model.BranchState, error) {
	branches, err := e.db.BranchesByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	present := make(map[string]map[int]bool)
	for _, b := range branches {
		if present[b.BranchGroupID] == nil {
			present[b.BranchGroupID] = make(map[int]bool)
		}
		present[b.BranchGroupID][b.BranchIndex] = true
	}

	state := make(map[string]model.BranchState, len(present))
	for groupID, indices := range present {
		total := len(indices) + 1
		active := total - 1
		for i := 0; i < total; i++ {
			if !indices[i] {
				active = i
				break
			}
		}
		state[groupID] = model.BranchState{Total: total, ActiveIndex: active}
	}
	return state, nil
}

// upsertBranch writes a snapshot as the branch record for the given
// index, reusing an existing record's id when present.
func (e *Engine) upsertBranch(ctx context.Context, conversationID, branchGroupID string, branchIndex int, snapshot []*model.Message) error {
	branch, err := e.db.BranchByIndex(ctx, conversationID, branchGroupID, branchIndex)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		branch = &model.MessageBranch{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			BranchGroupID:  branchGroupID,
			BranchIndex:    branchIndex,
			CreatedAt:      time.Now(),
		}
	}
	branch.Snapshot = snapshot
	return e.db.PutBranch(ctx, branch)
}

// branchPointIndex locates the first live message carrying the group id.
func branchPointIndex(msgs []*model.Message, branchGroupID string) int {
	for i, msg := range msgs {
		if msg.BranchGroupID == branchGroupID {
			return i
		}
	}
	return -1
}

// NavigateBranch switches the viewed conversation's live suffix to a
// different branch of the group. The current suffix is archived as a
// record for the outgoing index, the target's snapshot is materialized
// live and its record removed. A missing target record aborts before
// any destructive write. A background stream whose branch context is
// the navigated-to branch resumes mirroring into the signals.
func (e *Engine) NavigateBranch(ctx context.Context, branchGroupID string, targetIndex int) error {
	convID := e.ActiveConversationID()
	if convID == "" {
		return ErrNoActiveConversation
	}

	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	state, ok := e.branchState[branchGroupID]
	handle := e.streams[convID]
	e.mu.Unlock()
	if !ok || targetIndex == state.ActiveIndex || targetIndex < 0 || targetIndex >= state.Total {
		return ErrBranchOutOfRange
	}

	// The stream keeps running; only its UI mirror goes away.
	if handle != nil {
		e.signals.resetStreamView()
	}

	msgs, err := e.db.MessagesByConversation(ctx, convID)
	if err != nil {
		return err
	}
	pointIdx := branchPointIndex(msgs, branchGroupID)
	if pointIdx == -1 {
		return ErrMessageNotFound
	}

	// Read before write: a missing target must not leave the live log
	// half-truncated.
	target, err := e.db.BranchByIndex(ctx, convID, branchGroupID, targetIndex)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrBranchMissing
		}
		return err
	}

	currentSnapshot := cloneMessages(msgs[pointIdx:])
	if err := e.upsertBranch(ctx, convID, branchGroupID, state.ActiveIndex, currentSnapshot); err != nil {
		return err
	}

	for _, msg := range msgs[pointIdx:] {
		if err := e.db.DeleteMessage(ctx, convID, msg.ID); err != nil {
			return err
		}
	}
	for _, msg := range target.Snapshot {
		if err := e.db.PutMessage(ctx, msg); err != nil {
			return err
		}
	}
	// The target is live now; it exists only in the message log.
	if err := e.db.DeleteBranch(ctx, convID, branchGroupID, targetIndex); err != nil {
		return err
	}

	e.mu.Lock()
	e.branchState[branchGroupID] = model.BranchState{Total: state.Total, ActiveIndex: targetIndex}
	e.mu.Unlock()
	metrics.BranchOpsTotal.WithLabelValues("navigate").Inc()
	e.signals.publish(Event{Type: EventBranchState, ConversationID: convID})
	e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})

	if handle != nil && handle.branchCtx != nil &&
		handle.branchCtx.GroupID == branchGroupID && handle.branchCtx.Index == targetIndex {
		text, thinking, images := handle.bufferedContent()
		e.signals.restoreStreamView(text, thinking, images)
	}
	return nil
}

// EditMessage replaces a prior user message with new content, archiving
// the pre-edit suffix as a branch and streaming a reply for the new one.
// The first edit retroactively tags the original message with a fresh
// branch group id. On a stream failure that produced nothing, the edit
// is rolled back: the new message is deleted, the previous branch's
// snapshot is restored live and the input lands in the recovery slot.
func (e *Engine) EditMessage(ctx context.Context, req model.EditMessageRequest) error {
	convID := e.ActiveConversationID()
	if convID == "" {
		return ErrNoActiveConversation
	}
	if e.signals.IsStreaming(convID) {
		return ErrStreamActive
	}

	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := e.db.MessagesByConversation(ctx, convID)
	if err != nil {
		return err
	}
	idx := -1
	for i, msg := range msgs {
		if msg.ID == req.MessageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrMessageNotFound
	}
	original := msgs[idx]
	// Only user messages are editable; model replies are replaced via retry.
	if original.Role != model.RoleUser {
		return ErrMessageNotFound
	}

	branchGroupID := original.BranchGroupID
	if branchGroupID == "" {
		branchGroupID = uuid.NewString()
		original.BranchGroupID = branchGroupID
		if err := e.db.PutMessage(ctx, original); err != nil {
			return err
		}
	}

	e.mu.Lock()
	state, ok := e.branchState[branchGroupID]
	e.mu.Unlock()
	if !ok {
		state = model.BranchState{Total: 1, ActiveIndex: 0}
	}
	prevTotal := state.Total
	prevActive := state.ActiveIndex

	// Archive the pre-edit suffix under the outgoing active index.
	snapshot := cloneMessages(msgs[idx:])
	if err := e.upsertBranch(ctx, convID, branchGroupID, prevActive, snapshot); err != nil {
		return err
	}

	for _, msg := range msgs[idx:] {
		if err := e.db.DeleteMessage(ctx, convID, msg.ID); err != nil {
			return err
		}
	}

	var parts []model.Part
	if req.Attachments != nil {
		parts = buildUserParts(req.Text, req.Attachments)
	} else {
		for _, p := range cloneMessages([]*model.Message{original})[0].Parts {
			if p.Type != model.PartTypeText {
				parts = append(parts, p)
			}
		}
		parts = append(parts, buildUserParts(req.Text, nil)...)
	}

	newIndex := prevTotal
	userMsg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           model.RoleUser,
		Parts:          parts,
		CreatedAt:      time.Now(),
		BranchGroupID:  branchGroupID,
	}
	if err := e.db.PutMessage(ctx, userMsg); err != nil {
		return err
	}
	recordMessage(model.RoleUser)

	// Branch state flips before the message is exposed so navigation
	// renders consistently as soon as the new suffix appears.
	e.mu.Lock()
	e.branchState[branchGroupID] = model.BranchState{Total: newIndex + 1, ActiveIndex: newIndex}
	e.mu.Unlock()
	metrics.BranchOpsTotal.WithLabelValues("edit").Inc()
	e.signals.publish(Event{Type: EventBranchState, ConversationID: convID})
	e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})

	allMsgs, err := e.db.MessagesByConversation(ctx, convID)
	if err != nil {
		return err
	}
	contents := buildContents(allMsgs)
	editAttachments := append([]model.Attachment(nil), req.Attachments...)
	branchCtx := &model.BranchContext{GroupID: branchGroupID, Index: newIndex}

	return e.startStream(ctx, convID, contents, req.Text, len(allMsgs), branchCtx, func(rctx context.Context) {
		e.rollbackEdit(rctx, convID, branchGroupID, userMsg.ID, prevTotal, prevActive)
		e.setRecovery(req.Text, editAttachments)
	})
}

// rollbackEdit undoes a failed edit: removes the optimistic user message,
// re-materializes the previously active branch and reverts the branch
// state. Runs under the conversation's op lock, inside reconcile.
func (e *Engine) rollbackEdit(ctx context.Context, convID, branchGroupID, userMsgID string, prevTotal, prevActive int) {
	if err := e.db.DeleteMessage(ctx, convID, userMsgID); err != nil {
		e.logger.Error("rollback edit message", "conversation_id", convID, "error", err)
	}

	prevBranch, err := e.db.BranchByIndex(ctx, convID, branchGroupID, prevActive)
	if err != nil {
		e.logger.Error("rollback edit: previous branch unavailable",
			"conversation_id", convID, "branch_group_id", branchGroupID, "error", err)
	} else {
		msgs, err := e.db.MessagesByConversation(ctx, convID)
		if err == nil {
			if pointIdx := branchPointIndex(msgs, branchGroupID); pointIdx != -1 {
				for _, msg := range msgs[pointIdx:] {
					if derr := e.db.DeleteMessage(ctx, convID, msg.ID); derr != nil {
						e.logger.Error("rollback edit: clear suffix", "conversation_id", convID, "error", derr)
					}
				}
			}
		}
		for _, msg := range prevBranch.Snapshot {
			if perr := e.db.PutMessage(ctx, msg); perr != nil {
				e.logger.Error("rollback edit: restore snapshot", "conversation_id", convID, "error", perr)
			}
		}
		if derr := e.db.DeleteBranch(ctx, convID, branchGroupID, prevActive); derr != nil {
			e.logger.Error("rollback edit: drop restored record", "conversation_id", convID, "error", derr)
		}
	}

	e.mu.Lock()
	e.branchState[branchGroupID] = model.BranchState{Total: prevTotal, ActiveIndex: prevActive}
	e.mu.Unlock()
	e.signals.publish(Event{Type: EventBranchState, ConversationID: convID})
	e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})
}

// BranchToNewChat copies the viewed conversation's prefix up to and
// including the given message into a fresh conversation with new
// message ids and no branch linkage, then selects it. The source
// conversation is left untouched. Returns the new conversation id.
func (e *Engine) BranchToNewChat(ctx context.Context, messageID string) (string, error) {
	convID := e.ActiveConversationID()
	if convID == "" {
		return "", ErrNoActiveConversation
	}

	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := e.db.MessagesByConversation(ctx, convID)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, msg := range msgs {
		if msg.ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", ErrMessageNotFound
	}

	sourceTitle := "Chat"
	if conv, err := e.db.GetConversation(ctx, convID); err == nil {
		sourceTitle = conv.Title
	}

	now := time.Now()
	newConv := &model.Conversation{
		ID:        uuid.NewString(),
		Title:     "Branch: " + sourceTitle,
		Model:     e.Model(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.db.PutConversation(ctx, newConv); err != nil {
		return "", err
	}

	for _, msg := range cloneMessages(msgs[:idx+1]) {
		copied := &model.Message{
			ID:             uuid.NewString(),
			ConversationID: newConv.ID,
			Role:           msg.Role,
			Parts:          msg.Parts,
			CreatedAt:      msg.CreatedAt,
		}
		if err := e.db.PutMessage(ctx, copied); err != nil {
			return "", err
		}
	}

	metrics.BranchOpsTotal.WithLabelValues("branch_to_new_chat").Inc()
	e.signals.publish(Event{Type: EventConversations, ConversationID: newConv.ID})
	if _, err := e.SelectConversation(ctx, newConv.ID); err != nil {
		return "", err
	}
	return newConv.ID, nil
}
