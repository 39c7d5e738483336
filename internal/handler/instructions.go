package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lumi-ai/chat-engine/internal/chat"
	"github.com/lumi-ai/chat-engine/pkg/logger"
)

// InstructionHandler handles custom instruction endpoints.
type InstructionHandler struct {
	engine *chat.Engine
	logger *logger.Logger
}

// NewInstructionHandler creates a new instruction handler.
func NewInstructionHandler(engine *chat.Engine, log *logger.Logger) *InstructionHandler {
	return &InstructionHandler{
		engine: engine,
		logger: log,
	}
}

type instructionRequest struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsDefault bool   `json:"is_default"`
}

// List handles GET /api/v1/instructions
func (h *InstructionHandler) List(w http.ResponseWriter, r *http.Request) {
	instructions, err := h.engine.Instructions(r.Context())
	if err != nil {
		h.logger.Error("failed to list instructions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list instructions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instructions": instructions,
		"active":       h.engine.ActiveInstructionIDs(),
	})
}

// Create handles POST /api/v1/instructions
func (h *InstructionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req instructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	instr, err := h.engine.CreateInstruction(r.Context(), req.Name, req.Content, req.IsDefault)
	if err != nil {
		h.logger.Error("failed to create instruction", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create instruction")
		return
	}
	writeJSON(w, http.StatusCreated, instr)
}

// Update handles PUT /api/v1/instructions/{id}
func (h *InstructionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req instructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.engine.UpdateInstruction(r.Context(), id, req.Name, req.Content, req.IsDefault); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Delete handles DELETE /api/v1/instructions/{id}
func (h *InstructionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.DeleteInstruction(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Toggle handles POST /api/v1/instructions/{id}/toggle
func (h *InstructionHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.engine.ToggleInstruction(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"active": h.engine.ActiveInstructionIDs(),
	})
}
