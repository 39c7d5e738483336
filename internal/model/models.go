package model

import "strings"

// ModelDefinition describes a selectable model and its thinking capabilities.
type ModelDefinition struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	ContextWindow        int      `json:"context_window"`
	MaxOutput            int      `json:"max_output"`
	SupportsThinking     bool     `json:"supports_thinking"`
	AlwaysThinking       bool     `json:"always_thinking,omitempty"`
	DefaultThinkingLevel string   `json:"default_thinking_level,omitempty"`
	ThinkingLevels       []string `json:"thinking_levels,omitempty"`
}

// DefaultModelID is the model used when none is selected.
const DefaultModelID = "gemini-3-pro-preview"

// TitleModelID is the lightweight variant used for title generation.
const TitleModelID = "gemini-2.5-flash-lite"

// AvailableModels lists the models the engine can drive.
var AvailableModels = []ModelDefinition{
	{
		ID:               "gemini-2.5-flash",
		Name:             "Gemini 2.5 Flash",
		ContextWindow:    1048576,
		MaxOutput:        65536,
		SupportsThinking: true,
	},
	{
		ID:               "gemini-2.5-pro",
		Name:             "Gemini 2.5 Pro",
		ContextWindow:    1048576,
		MaxOutput:        65536,
		SupportsThinking: true,
	},
	{
		ID:                   "gemini-3-flash-preview",
		Name:                 "Gemini 3 Flash Preview",
		ContextWindow:        1048576,
		MaxOutput:            65536,
		SupportsThinking:     true,
		DefaultThinkingLevel: "medium",
		ThinkingLevels:       []string{"low", "medium", "high"},
	},
	{
		ID:                   "gemini-3-pro-preview",
		Name:                 "Gemini 3 Pro Preview",
		ContextWindow:        1048576,
		MaxOutput:            65536,
		SupportsThinking:     true,
		AlwaysThinking:       true,
		DefaultThinkingLevel: "high",
		ThinkingLevels:       []string{"low", "high"},
	},
}

// FindModel looks up a model definition by id.
func FindModel(id string) (ModelDefinition, bool) {
	for _, m := range AvailableModels {
		if m.ID == id {
			return m, true
		}
	}
	return ModelDefinition{}, false
}

// ModelSupportsThinking reports whether the model emits thinking blocks.
func ModelSupportsThinking(id string) bool {
	m, ok := FindModel(id)
	return ok && m.SupportsThinking
}

// ModelAlwaysThinking reports whether the model thinks regardless of the toggle.
func ModelAlwaysThinking(id string) bool {
	m, ok := FindModel(id)
	return ok && m.AlwaysThinking
}

// IsGemini3Model reports whether the model uses level-based thinking config.
func IsGemini3Model(id string) bool {
	return strings.Contains(id, "gemini-3")
}

// ModelThinkingLevels returns the levels a model accepts.
func ModelThinkingLevels(id string) []string {
	m, ok := FindModel(id)
	if !ok || len(m.ThinkingLevels) == 0 {
		return []string{"low", "medium", "high"}
	}
	return m.ThinkingLevels
}
