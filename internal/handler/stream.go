package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lumi-ai/chat-engine/internal/chat"
	"github.com/lumi-ai/chat-engine/pkg/logger"
	"github.com/lumi-ai/chat-engine/pkg/metrics"
)

// StreamHandler serves the live signal feed over SSE: streaming text and
// thinking deltas, inline images, stream lifecycle, branch state and
// error events for whatever the engine is currently viewing.
type StreamHandler struct {
	engine *chat.Engine
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(engine *chat.Engine, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		engine: engine,
		logger: log,
	}
}

type heartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Events handles GET /api/v1/chat/events
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	events, cancel := h.engine.Signals().Subscribe(256)
	defer cancel()

	sendSSEEvent(w, flusher, "connected", map[string]any{
		"conversation_id": h.engine.ActiveConversationID(),
		"streaming":       h.engine.Signals().StreamingConversations(),
	})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected")
			return

		case ev, open := <-events:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, string(ev.Type), ev)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &heartbeatEvent{Timestamp: time.Now()})
		}
	}
}

// sendSSEEvent writes one named SSE event.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
