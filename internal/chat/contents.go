package chat

import (
	"strings"

	"github.com/lumi-ai/chat-engine/internal/gemini"
	"github.com/lumi-ai/chat-engine/internal/model"
)

// buildContents converts the persisted message log into API request
// contents. Search grounding parts are citation metadata, not model
// input, and are excluded; messages left with no parts are dropped.
func buildContents(msgs []*model.Message) []gemini.Content {
	contents := make([]gemini.Content, 0, len(msgs))
	for _, msg := range msgs {
		parts := make([]gemini.ContentPart, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch p.Type {
			case model.PartTypeText:
				if p.Text != "" {
					parts = append(parts, gemini.ContentPart{Text: p.Text})
				}
			case model.PartTypeThinking:
				if p.Text != "" {
					parts = append(parts, gemini.ContentPart{
						Text:             p.Text,
						Thought:          true,
						ThoughtSignature: p.ThoughtSignature,
					})
				}
			case model.PartTypeInlineData:
				parts = append(parts, gemini.ContentPart{
					InlineData: &gemini.InlineData{MimeType: p.MimeType, Data: p.Data},
				})
			case model.PartTypeFunctionCall:
				parts = append(parts, gemini.ContentPart{
					FunctionCall: &gemini.FunctionCall{Name: p.Name, Args: p.Args, ID: p.CallID},
				})
			case model.PartTypeFunctionResponse:
				parts = append(parts, gemini.ContentPart{
					FunctionResponse: &gemini.FunctionResponse{Name: p.Name, ID: p.CallID, Response: p.Response},
				})
			case model.PartTypeSearchGrounding:
				// not sent back to the API
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, gemini.Content{Role: string(msg.Role), Parts: parts})
	}
	return contents
}

// buildGenerationConfig derives the request tuning from the engine's
// thinking settings. Gemini 3 models take a thinking level; always-on
// models ignore the toggle, others degrade to "minimal" when thinking
// is off. Older models take a numeric token budget.
func (e *Engine) buildGenerationConfig(modelID string) *gemini.GenerationConfig {
	if !model.ModelSupportsThinking(modelID) {
		return nil
	}

	e.mu.Lock()
	enabled := e.thinkingEnabled
	budget := e.thinkingBudget
	level := e.thinkingLevel
	e.mu.Unlock()

	if model.IsGemini3Model(modelID) {
		if model.ModelAlwaysThinking(modelID) || enabled {
			return &gemini.GenerationConfig{
				MaxOutputTokens: 65536,
				ThinkingConfig: &gemini.ThinkingConfig{
					IncludeThoughts: true,
					ThinkingLevel:   level,
				},
			}
		}
		return &gemini.GenerationConfig{
			MaxOutputTokens: 65536,
			ThinkingConfig:  &gemini.ThinkingConfig{ThinkingLevel: "minimal"},
		}
	}

	if !enabled {
		return &gemini.GenerationConfig{MaxOutputTokens: 65536}
	}

	maxOutput := 65536
	if budget+1024 > maxOutput {
		maxOutput = budget + 1024
	}
	return &gemini.GenerationConfig{
		MaxOutputTokens: maxOutput,
		ThinkingConfig: &gemini.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  budget,
		},
	}
}

// buildActiveTools returns the tool list for the current toggles.
func (e *Engine) buildActiveTools() []gemini.Tool {
	e.mu.Lock()
	search := e.searchEnabled
	urlCtx := e.urlContextEnabled
	e.mu.Unlock()

	var tools []gemini.Tool
	if search {
		tools = append(tools, gemini.GoogleSearchTool())
	}
	if urlCtx {
		tools = append(tools, gemini.URLContextTool())
	}
	return tools
}

// buildUserParts assembles a user message's parts: attachments first,
// then the text if non-blank.
func buildUserParts(text string, attachments []model.Attachment) []model.Part {
	parts := make([]model.Part, 0, len(attachments)+1)
	for _, att := range attachments {
		parts = append(parts, model.InlineDataPart(att.MimeType, att.Data, att.Name))
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, model.TextPart(text))
	}
	return parts
}
