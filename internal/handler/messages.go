package handler

import (
	"encoding/json"
	"net/http"

	"github.com/lumi-ai/chat-engine/internal/chat"
	"github.com/lumi-ai/chat-engine/internal/middleware"
	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/pkg/logger"
)

// MessageHandler handles message, branch and stream-control endpoints.
type MessageHandler struct {
	engine *chat.Engine
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(engine *chat.Engine, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		engine: engine,
		logger: log,
	}
}

// List handles GET /api/v1/chat/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.Messages(r.Context())
	if err != nil {
		h.logger.Error("failed to list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, model.ListMessagesResponse{
		Messages:  msgs,
		Streaming: h.engine.Signals().IsStreaming(h.engine.ActiveConversationID()),
	})
}

// Send handles POST /api/v1/chat/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, att := range req.Attachments {
		if err := middleware.ValidateAttachment(att.Data); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.engine.SendMessage(r.Context(), req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":          "streaming",
		"conversation_id": h.engine.ActiveConversationID(),
	})
}

// Edit handles POST /api/v1/chat/edit
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req model.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.EditMessage(r.Context(), req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "streaming",
		"branch_state": h.engine.BranchStates(),
	})
}

// Retry handles POST /api/v1/chat/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RetryMessage(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "streaming"})
}

// Stop handles POST /api/v1/chat/stop
func (h *MessageHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type navigateBranchRequest struct {
	BranchGroupID string `json:"branch_group_id"`
	TargetIndex   int    `json:"target_index"`
}

// Navigate handles POST /api/v1/chat/branches/navigate
func (h *MessageHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req navigateBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BranchGroupID == "" {
		writeError(w, http.StatusBadRequest, "branch_group_id is required")
		return
	}

	if err := h.engine.NavigateBranch(r.Context(), req.BranchGroupID, req.TargetIndex); err != nil {
		writeEngineError(w, err)
		return
	}

	msgs, err := h.engine.Messages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":     msgs,
		"branch_state": h.engine.BranchStates(),
	})
}

type branchToNewChatRequest struct {
	MessageID string `json:"message_id"`
}

// BranchToNewChat handles POST /api/v1/chat/branches/new-chat
func (h *MessageHandler) BranchToNewChat(w http.ResponseWriter, r *http.Request) {
	var req branchToNewChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	newID, err := h.engine.BranchToNewChat(r.Context(), req.MessageID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": newID})
}

// Recovery handles GET /api/v1/chat/recovery: the failed input a client
// can repopulate after a rolled-back send or edit.
func (h *MessageHandler) Recovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"text":        h.engine.RecoveryText(),
		"attachments": h.engine.RecoveryAttachments(),
	})
}

// ClearRecovery handles DELETE /api/v1/chat/recovery
func (h *MessageHandler) ClearRecovery(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearRecovery()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Models handles GET /api/v1/chat/models
func (h *MessageHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":   model.AvailableModels,
		"selected": h.engine.Model(),
	})
}

type settingsRequest struct {
	Model             *string `json:"model,omitempty"`
	ThinkingEnabled   *bool   `json:"thinking_enabled,omitempty"`
	ThinkingBudget    *int    `json:"thinking_budget,omitempty"`
	ThinkingLevel     *string `json:"thinking_level,omitempty"`
	SearchEnabled     *bool   `json:"search_enabled,omitempty"`
	URLContextEnabled *bool   `json:"url_context_enabled,omitempty"`
}

// Settings handles PUT /api/v1/chat/settings. Absent fields are left
// unchanged.
func (h *MessageHandler) Settings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Model != nil {
		if err := h.engine.SetModel(*req.Model); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.ThinkingEnabled != nil {
		h.engine.SetThinkingEnabled(*req.ThinkingEnabled)
	}
	if req.ThinkingBudget != nil {
		h.engine.SetThinkingBudget(*req.ThinkingBudget)
	}
	if req.ThinkingLevel != nil {
		if err := h.engine.SetThinkingLevel(*req.ThinkingLevel); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if req.SearchEnabled != nil {
		h.engine.SetSearchEnabled(*req.SearchEnabled)
	}
	if req.URLContextEnabled != nil {
		h.engine.SetURLContextEnabled(*req.URLContextEnabled)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
