package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/lumi-ai/chat-engine/internal/gemini"
	"github.com/lumi-ai/chat-engine/internal/model"
	"github.com/lumi-ai/chat-engine/pkg/metrics"
)

const titlePrompt = "Generate a very short title (max 6 words) for this conversation. Reply with ONLY the title, nothing else.\n\nUser: %s\nAssistant: %s"

// generateTitle names a conversation from its first exchange using the
// lightweight model. Best effort: any failure keeps the placeholder.
func (e *Engine) generateTitle(ctx context.Context, conversationID, userText, modelText string) {
	contents := []gemini.Content{{
		Role: "user",
		Parts: []gemini.ContentPart{{
			Text: fmt.Sprintf(titlePrompt, truncateRunes(userText, 500), truncateRunes(modelText, 500)),
		}},
	}}

	parts, _, err := e.streamer.Generate(ctx, model.TitleModelID, contents, &gemini.GenerationConfig{MaxOutputTokens: 30}, "")
	if err != nil {
		metrics.TitleGenerationsTotal.WithLabelValues("error").Inc()
		e.logger.Debug("title generation failed", "conversation_id", conversationID, "error", err)
		return
	}

	title := sanitizeTitle(parts)
	if title == "" {
		metrics.TitleGenerationsTotal.WithLabelValues("rejected").Inc()
		return
	}

	conv, err := e.db.GetConversation(ctx, conversationID)
	if err != nil {
		metrics.TitleGenerationsTotal.WithLabelValues("error").Inc()
		return
	}
	conv.Title = title
	if err := e.touchAndPut(ctx, conv); err != nil {
		metrics.TitleGenerationsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.TitleGenerationsTotal.WithLabelValues("ok").Inc()
	e.signals.publish(Event{Type: EventTitleUpdated, ConversationID: conversationID, Text: title})
}

// sanitizeTitle joins the text parts, trims whitespace and surrounding
// quotes, and rejects anything empty or longer than 80 characters.
func sanitizeTitle(parts []gemini.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if !p.Thought {
			b.WriteString(p.Text)
		}
	}
	title := strings.TrimSpace(b.String())
	title = strings.Trim(title, `"'`)
	if title == "" || len([]rune(title)) > 80 {
		return ""
	}
	return title
}
