// Package handler implements the HTTP API over the chat engine.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lumi-ai/chat-engine/internal/chat"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrStreamActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrBranchMissing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrBranchOutOfRange),
		errors.Is(err, chat.ErrEmptyTitle),
		errors.Is(err, chat.ErrUnknownModel),
		errors.Is(err, chat.ErrNoActiveConversation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, chat.ErrInstructionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
