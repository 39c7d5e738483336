package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-ai/chat-engine/internal/gemini"
	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/internal/store"
	"github.com/lumi-ai/chat-engine/pkg/metrics"
)

// streamHandle owns one in-flight stream's cancellation and growable
// buffers. It is registered in the engine before any network activity
// and removed exactly once, at the terminal event. Incremental events
// always land here; UI mirroring is conditional on the view.
type streamHandle struct {
	conversationID string
	branchCtx      *model.BranchContext
	cancel         context.CancelFunc
	done           chan struct{}

	mu            sync.Mutex
	text          strings.Builder
	thinking      strings.Builder
	lastSignature string
	calls         []model.Part
	images        []gemini.InlineData
	grounding     *model.Part
	hadError      bool
	discarded     bool
}

func newStreamHandle(conversationID string, branchCtx *model.BranchContext, cancel context.CancelFunc) *streamHandle {
	return &streamHandle{
		conversationID: conversationID,
		branchCtx:      branchCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

func (h *streamHandle) appendText(chunk string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.text.WriteString(chunk)
	return h.text.String()
}

func (h *streamHandle) appendThinking(chunk, signature string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thinking.WriteString(chunk)
	if signature != "" {
		h.lastSignature = signature
	}
	return h.thinking.String()
}

func (h *streamHandle) addImage(data gemini.InlineData) {
	h.mu.Lock()
	h.images = append(h.images, data)
	h.mu.Unlock()
}

func (h *streamHandle) addCall(call gemini.FunctionCall) {
	h.mu.Lock()
	h.calls = append(h.calls, model.FunctionCallPart(call.Name, call.Args, call.ID))
	h.mu.Unlock()
}

func (h *streamHandle) setGrounding(md gemini.GroundingMetadata) {
	queries := md.WebSearchQueries
	sources := make([]model.GroundingSource, 0, len(md.GroundingChunks))
	for _, chunk := range md.GroundingChunks {
		if chunk.Web != nil {
			sources = append(sources, model.GroundingSource{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}
	if len(queries) == 0 && len(sources) == 0 {
		return
	}
	part := model.SearchGroundingPart(queries, sources)
	h.mu.Lock()
	h.grounding = &part
	h.mu.Unlock()
}

func (h *streamHandle) setError() {
	h.mu.Lock()
	h.hadError = true
	h.mu.Unlock()
}

func (h *streamHandle) sawError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hadError
}

func (h *streamHandle) markDiscarded() {
	h.mu.Lock()
	h.discarded = true
	h.mu.Unlock()
}

func (h *streamHandle) isDiscarded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.discarded
}

// bufferedContent returns the accumulated text, thinking and images for
// restoring the UI mirror on navigation back to this stream.
func (h *streamHandle) bufferedContent() (string, string, []gemini.InlineData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	images := make([]gemini.InlineData, len(h.images))
	copy(images, h.images)
	return h.text.String(), h.thinking.String(), images
}

// assemble builds the terminal message parts in canonical order:
// thinking, function calls, inline media, text, grounding. Categories
// with no content are omitted. The second return is the thinking
// signature to cache, if any.
func (h *streamHandle) assemble() ([]model.Part, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var parts []model.Part
	signature := h.lastSignature
	if h.thinking.Len() > 0 {
		parts = append(parts, model.ThinkingPart(h.thinking.String(), h.lastSignature))
	}
	parts = append(parts, h.calls...)
	for _, img := range h.images {
		parts = append(parts, model.InlineDataPart(img.MimeType, img.Data, ""))
	}
	if h.text.Len() > 0 {
		parts = append(parts, model.TextPart(h.text.String()))
	}
	if h.grounding != nil && len(h.grounding.Sources) > 0 {
		parts = append(parts, *h.grounding)
	}
	return parts, signature
}

// branchMatchesLocked reports whether the branch context is the one in
// view. Callers hold e.mu. A nil context is visible whenever its
// conversation is.
func (e *Engine) branchMatchesLocked(branchCtx *model.BranchContext) bool {
	if branchCtx == nil {
		return true
	}
	state, ok := e.branchState[branchCtx.GroupID]
	return ok && state.ActiveIndex == branchCtx.Index
}

// isViewingStream is the mirror predicate: true when the conversation is
// selected and, if the stream carries a branch context, that branch is
// the active one. Re-evaluated on every stream event and navigation.
func (e *Engine) isViewingStream(conversationID string, branchCtx *model.BranchContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeConversationID != conversationID {
		return false
	}
	return e.branchMatchesLocked(branchCtx)
}

// startStream begins a streaming generation for a conversation. At most
// one stream per conversation; the handle is registered before any
// network I/O so navigation events observe it immediately. The stream
// outlives the caller's context and is cancelled only by Stop,
// conversation deletion or engine shutdown.
func (e *Engine) startStream(
	ctx context.Context,
	conversationID string,
	contents []gemini.Content,
	userText string,
	turnCount int,
	branchCtx *model.BranchContext,
	onErrorRecovery func(context.Context),
) error {
	e.signals.setError("")

	modelID := e.Model()
	genCfg := e.buildGenerationConfig(modelID)
	tools := e.buildActiveTools()
	systemInstruction := e.activeSystemInstruction()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := newStreamHandle(conversationID, branchCtx, cancel)

	e.mu.Lock()
	if _, exists := e.streams[conversationID]; exists {
		e.mu.Unlock()
		cancel()
		return ErrStreamActive
	}
	e.streams[conversationID] = handle
	e.mu.Unlock()

	metrics.StreamsActive.Inc()
	e.signals.setStreaming(conversationID, true)
	if e.isViewingStream(conversationID, branchCtx) {
		e.signals.resetStreamView()
	}

	go e.runStream(streamCtx, handle, modelID, contents, genCfg, systemInstruction, tools, userText, turnCount, onErrorRecovery)
	return nil
}

func (e *Engine) runStream(
	ctx context.Context,
	handle *streamHandle,
	modelID string,
	contents []gemini.Content,
	genCfg *gemini.GenerationConfig,
	systemInstruction string,
	tools []gemini.Tool,
	userText string,
	turnCount int,
	onErrorRecovery func(context.Context),
) {
	convID := handle.conversationID
	start := time.Now()

	cb := gemini.Callbacks{
		OnText: func(chunk string) {
			full := handle.appendText(chunk)
			if e.isViewingStream(convID, handle.branchCtx) {
				e.signals.setStreamingText(full)
				e.signals.publish(Event{Type: EventStreamingText, ConversationID: convID, Text: chunk})
			}
		},
		OnThinking: func(chunk, signature string) {
			full := handle.appendThinking(chunk, signature)
			if e.isViewingStream(convID, handle.branchCtx) {
				e.signals.setStreamingThinking(full)
				e.signals.publish(Event{Type: EventStreamingThinking, ConversationID: convID, Text: chunk})
			}
		},
		OnInlineData: func(data gemini.InlineData) {
			handle.addImage(data)
			if e.isViewingStream(convID, handle.branchCtx) {
				e.signals.appendStreamingImage(data)
				e.signals.publish(Event{Type: EventStreamingImage, ConversationID: convID, Payload: data})
			}
		},
		OnFunctionCall: func(call gemini.FunctionCall) {
			handle.addCall(call)
		},
		OnGrounding: func(md gemini.GroundingMetadata) {
			handle.setGrounding(md)
		},
		OnUsage: func(usage gemini.Usage) {
			metrics.RecordUsage(modelID, usage.PromptTokens, usage.OutputTokens)
		},
		OnError: func(message string) {
			handle.setError()
			if e.isViewingStream(convID, handle.branchCtx) {
				e.signals.setError(message)
			}
		},
	}

	err := e.streamer.Stream(ctx, modelID, contents, genCfg, systemInstruction, tools, cb)

	status := "completed"
	switch {
	case err == nil && handle.sawError():
		status = "error"
	case err == nil:
	case errors.Is(err, context.Canceled):
		// user abort, not an error
		status = "aborted"
	default:
		// transport failure before any data
		status = "error"
		handle.setError()
		e.logger.Error("stream transport failure", "conversation_id", convID, "error", err)
		if e.isViewingStream(convID, handle.branchCtx) {
			e.signals.setError(err.Error())
		}
	}

	e.reconcile(handle, modelID, userText, turnCount, onErrorRecovery)
	metrics.RecordStream(modelID, status, time.Since(start).Seconds())
}

// reconcile runs exactly once per stream, after the terminal event. It
// assembles the buffered parts into a model message and writes it into
// the live log or the owning branch snapshot, depending on what the
// user is viewing now. A failed stream that produced nothing while
// still in view triggers the caller's rollback hook instead.
func (e *Engine) reconcile(
	handle *streamHandle,
	modelID string,
	userText string,
	turnCount int,
	onErrorRecovery func(context.Context),
) {
	convID := handle.conversationID
	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()
	defer close(handle.done)

	e.mu.Lock()
	if e.streams[convID] == handle {
		delete(e.streams, convID)
	}
	e.mu.Unlock()
	metrics.StreamsActive.Dec()

	// The streaming flag drops only after the terminal write settles, so
	// a consumer reacting to stream end always reads the final state.
	defer e.signals.setStreaming(convID, false)

	if handle.isDiscarded() {
		return
	}

	ctx := context.Background()
	parts, signature := handle.assemble()
	viewing := e.isViewingStream(convID, handle.branchCtx)

	if len(parts) > 0 {
		if signature != "" {
			e.cacheThoughtSignature(ctx, convID, modelID, signature, turnCount)
		}

		msg := &model.Message{
			ID:             uuid.NewString(),
			ConversationID: convID,
			Role:           model.RoleModel,
			Parts:          parts,
			CreatedAt:      time.Now(),
		}

		if viewing {
			if err := e.db.PutMessage(ctx, msg); err != nil {
				e.logger.Error("persist model message", "conversation_id", convID, "error", err)
				return
			}
			e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})
		} else if handle.branchCtx != nil {
			if err := e.appendToBranch(ctx, convID, handle.branchCtx, msg); err != nil {
				e.logger.Error("append to branch snapshot", "conversation_id", convID, "error", err)
				return
			}
		} else {
			// background conversation with no branch context
			if err := e.db.PutMessage(ctx, msg); err != nil {
				e.logger.Error("persist model message", "conversation_id", convID, "error", err)
				return
			}
		}
		recordMessage(model.RoleModel)

		if err := e.touchConversation(ctx, convID); err != nil {
			e.logger.Warn("bump conversation", "conversation_id", convID, "error", err)
		}
		e.signals.publish(Event{Type: EventConversations, ConversationID: convID})

		text, _, _ := handle.bufferedContent()
		if turnCount <= 1 && text != "" {
			go e.generateTitle(context.Background(), convID, userText, text)
		}
	}

	if len(parts) == 0 && handle.sawError() && onErrorRecovery != nil && viewing {
		onErrorRecovery(ctx)
	}

	if viewing {
		e.signals.resetStreamView()
	}
}

// appendToBranch writes a completed model message into the snapshot of
// the branch the stream belongs to. If the record is unexpectedly
// missing the message is persisted into the live log instead; a
// finished generation is never dropped.
func (e *Engine) appendToBranch(ctx context.Context, conversationID string, branchCtx *model.BranchContext, msg *model.Message) error {
	branch, err := e.db.BranchByIndex(ctx, conversationID, branchCtx.GroupID, branchCtx.Index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("branch record missing at stream completion, saving live",
				"conversation_id", conversationID, "branch_group_id", branchCtx.GroupID, "branch_index", branchCtx.Index)
			return e.db.PutMessage(ctx, msg)
		}
		return err
	}
	branch.Snapshot = append(branch.Snapshot, msg)
	return e.db.PutBranch(ctx, branch)
}

func (e *Engine) cacheThoughtSignature(ctx context.Context, conversationID, modelID, signature string, turnIndex int) {
	sig := &model.ThoughtSignature{
		ID:             fmt.Sprintf("%s:%d", conversationID, turnIndex),
		ConversationID: conversationID,
		Model:          modelID,
		Signature:      signature,
		CreatedAt:      time.Now(),
	}
	if err := e.db.PutThoughtSignature(ctx, sig); err != nil {
		e.logger.Warn("cache thought signature", "conversation_id", conversationID, "error", err)
	}
}

// Stop aborts the viewed conversation's stream. A no-op when the viewed
// conversation is not streaming or its streaming branch is not the one
// in view; background streams are only killed by deletion or shutdown.
// Content buffered before the abort is still reconciled and persisted.
func (e *Engine) Stop() {
	e.mu.Lock()
	convID := e.activeConversationID
	handle := e.streams[convID]
	viewing := handle != nil && e.branchMatchesLocked(handle.branchCtx)
	e.mu.Unlock()

	if !viewing {
		return
	}
	handle.cancel()
}

// SendMessage appends a user message to the viewed conversation and
// starts a stream for the reply. With no conversation selected, one is
// created named after the message text. On a stream failure that
// produced nothing, the optimistic user message is removed and the
// input lands in the recovery slot.
func (e *Engine) SendMessage(ctx context.Context, req model.SendMessageRequest) error {
	e.signals.setError("")

	convID := e.ActiveConversationID()
	if convID != "" && e.signals.IsStreaming(convID) {
		return ErrStreamActive
	}
	if convID == "" {
		conv, err := e.NewConversation(ctx, truncateRunes(req.Text, 60))
		if err != nil {
			return err
		}
		convID = conv.ID
	}

	lock := e.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	userMsg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           model.RoleUser,
		Parts:          buildUserParts(req.Text, req.Attachments),
		CreatedAt:      time.Now(),
	}
	if err := e.db.PutMessage(ctx, userMsg); err != nil {
		return err
	}
	recordMessage(model.RoleUser)
	e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})

	allMsgs, err := e.db.MessagesByConversation(ctx, convID)
	if err != nil {
		return err
	}
	contents := buildContents(allMsgs)
	attachments := append([]model.Attachment(nil), req.Attachments...)

	return e.startStream(ctx, convID, contents, req.Text, len(allMsgs), nil, func(rctx context.Context) {
		if err := e.db.DeleteMessage(rctx, convID, userMsg.ID); err != nil {
			e.logger.Error("rollback user message", "conversation_id", convID, "error", err)
		}
		e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})
		e.setRecovery(req.Text, attachments)
	})
}

// RetryMessage deletes the viewed conversation's last model reply and
// streams a replacement for the same user turn, preserving the active
// branch context so a background completion lands in the right place.
func (e *Engine) RetryMessage(ctx context.Context) error {
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
	if len(msgs) < 2 {
		return ErrMessageNotFound
	}
	last := msgs[len(msgs)-1]
	if last.Role != model.RoleModel {
		return ErrMessageNotFound
	}

	if err := e.db.DeleteMessage(ctx, convID, last.ID); err != nil {
		return err
	}
	e.signals.publish(Event{Type: EventMessagesChanged, ConversationID: convID})

	prevUser := msgs[len(msgs)-2]
	var branchCtx *model.BranchContext
	if prevUser.BranchGroupID != "" {
		e.mu.Lock()
		if state, ok := e.branchState[prevUser.BranchGroupID]; ok {
			branchCtx = &model.BranchContext{GroupID: prevUser.BranchGroupID, Index: state.ActiveIndex}
		}
		e.mu.Unlock()
	}

	remaining := msgs[:len(msgs)-1]
	contents := buildContents(remaining)
	return e.startStream(ctx, convID, contents, prevUser.FirstText(), len(remaining), branchCtx, nil)
}
