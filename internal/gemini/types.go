// Package gemini provides the streaming client for the Gemini API.
package gemini

// InlineData is a base64-encoded media payload.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references a previously uploaded file.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	ID   string         `json:"id,omitempty"`
}

// FunctionResponse is a tool result sent back to the model.
type FunctionResponse struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Response any    `json:"response"`
}

// ContentPart is one part of a request or response content entry.
type ContentPart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// ThinkingConfig controls reasoning output.
type ThinkingConfig struct {
	IncludeThoughts bool   `json:"includeThoughts,omitempty"`
	ThinkingBudget  int    `json:"thinkingBudget,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

// GenerationConfig tunes a generation request.
type GenerationConfig struct {
	MaxOutputTokens    int             `json:"maxOutputTokens,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	TopK               *int            `json:"topK,omitempty"`
	ThinkingConfig     *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
}

// FunctionDeclaration describes a callable tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool enables one tool family on a request. Exactly one field is set.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
	URLContext           *struct{}             `json:"urlContext,omitempty"`
}

// GoogleSearchTool returns the search grounding tool.
func GoogleSearchTool() Tool {
	return Tool{GoogleSearch: &struct{}{}}
}

// URLContextTool returns the URL context tool.
func URLContextTool() Tool {
	return Tool{URLContext: &struct{}{}}
}

// SystemInstruction carries the request system prompt.
type SystemInstruction struct {
	Role  string        `json:"role,omitempty"`
	Parts []ContentPart `json:"parts"`
}

// Request is the inner generation request.
type Request struct {
	Contents          []Content          `json:"contents"`
	GenerationConfig  *GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
}

// WrappedRequest is the gateway envelope around a Request.
type WrappedRequest struct {
	Project     string  `json:"project"`
	Model       string  `json:"model"`
	Request     Request `json:"request"`
	UserAgent   string  `json:"userAgent,omitempty"`
	RequestID   string  `json:"requestId,omitempty"`
	RequestType string  `json:"requestType,omitempty"`
}

// GroundingChunk is one search citation source.
type GroundingChunk struct {
	Web *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web,omitempty"`
}

// GroundingSupport maps response segments onto grounding chunks.
type GroundingSupport struct {
	Segment *struct {
		StartIndex int    `json:"startIndex,omitempty"`
		EndIndex   int    `json:"endIndex,omitempty"`
		Text       string `json:"text,omitempty"`
	} `json:"segment,omitempty"`
	GroundingChunkIndices []int     `json:"groundingChunkIndices,omitempty"`
	ConfidenceScores      []float64 `json:"confidenceScores,omitempty"`
}

// GroundingMetadata is search-derived citation metadata.
type GroundingMetadata struct {
	WebSearchQueries  []string           `json:"webSearchQueries,omitempty"`
	GroundingChunks   []GroundingChunk   `json:"groundingChunks,omitempty"`
	GroundingSupports []GroundingSupport `json:"groundingSupports,omitempty"`
}

// Candidate is one response candidate.
type Candidate struct {
	Content struct {
		Role  string        `json:"role"`
		Parts []ContentPart `json:"parts"`
	} `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// UsageMetadata reports token accounting for a response.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
}

// APIError is the error payload embedded in a response envelope.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// apiResponse is the SSE/JSON envelope. Content may be nested under
// "response" or appear at the top level depending on the gateway.
type apiResponse struct {
	Response *struct {
		Candidates    []Candidate    `json:"candidates,omitempty"`
		UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	} `json:"response,omitempty"`
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	Error         *APIError      `json:"error,omitempty"`
}

func (r *apiResponse) candidates() []Candidate {
	if r.Response != nil && len(r.Response.Candidates) > 0 {
		return r.Response.Candidates
	}
	return r.Candidates
}

func (r *apiResponse) usage() *UsageMetadata {
	if r.Response != nil && r.Response.UsageMetadata != nil {
		return r.Response.UsageMetadata
	}
	return r.UsageMetadata
}

// Usage is the normalized token accounting delivered to callbacks.
type Usage struct {
	PromptTokens   int
	OutputTokens   int
	TotalTokens    int
	ThoughtsTokens int
}
