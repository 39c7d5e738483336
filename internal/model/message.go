package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText             PartType = "text"
	PartTypeThinking         PartType = "thinking"
	PartTypeInlineData       PartType = "inlineData"
	PartTypeFunctionCall     PartType = "functionCall"
	PartTypeFunctionResponse PartType = "functionResponse"
	PartTypeSearchGrounding  PartType = "searchGrounding"
)

// GroundingSource is a single search-derived citation.
type GroundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Part is one element of a message's content. It is a tagged union:
// Type selects which of the remaining fields are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// text, thinking
	Text             string `json:"text,omitempty"`
	ThoughtSignature string `json:"thought_signature,omitempty"`

	// inlineData
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	Label    string `json:"label,omitempty"`

	// functionCall, functionResponse
	Name     string         `json:"name,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	CallID   string         `json:"call_id,omitempty"`
	Response any            `json:"response,omitempty"`

	// searchGrounding
	Queries []string          `json:"queries,omitempty"`
	Sources []GroundingSource `json:"sources,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ThinkingPart builds a thinking part with an optional signature.
func ThinkingPart(text, signature string) Part {
	return Part{Type: PartTypeThinking, Text: text, ThoughtSignature: signature}
}

// InlineDataPart builds an inline data part.
func InlineDataPart(mimeType, data, label string) Part {
	return Part{Type: PartTypeInlineData, MimeType: mimeType, Data: data, Label: label}
}

// FunctionCallPart builds a function call part.
func FunctionCallPart(name string, args map[string]any, callID string) Part {
	return Part{Type: PartTypeFunctionCall, Name: name, Args: args, CallID: callID}
}

// SearchGroundingPart builds a grounding part.
func SearchGroundingPart(queries []string, sources []GroundingSource) Part {
	return Part{Type: PartTypeSearchGrounding, Queries: queries, Sources: sources}
}

// Message represents a conversation message. Messages are immutable after
// creation; the only exception is incremental append by an in-flight stream,
// which owns the message exclusively until its terminal event.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"created_at"`

	// BranchGroupID links all alternative versions of an edited user
	// message. Assigned at first edit, never removed.
	BranchGroupID string `json:"branch_group_id,omitempty"`
}

// FirstText returns the message's first text part, or "".
func (m *Message) FirstText() string {
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			return p.Text
		}
	}
	return ""
}

// Attachment is a file payload pending send or edit.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// SendMessageRequest is the request to send a new user message.
type SendMessageRequest struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EditMessageRequest is the request to edit a prior user message.
// Attachments semantics: nil keeps the original message's non-text parts,
// a non-nil list (even empty) fully replaces them.
type EditMessageRequest struct {
	MessageID   string       `json:"message_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages  []*Message `json:"messages"`
	Streaming bool       `json:"streaming"`
}
