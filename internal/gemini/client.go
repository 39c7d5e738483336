package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lumi-ai/chat-engine/pkg/logger"
)

const (
	streamPath   = "/v1internal:streamGenerateContent?alt=sse"
	generatePath = "/v1internal:generateContent"

	// maxLineSize bounds a single SSE line; inline images arrive
	// base64-encoded on one line.
	maxLineSize = 16 * 1024 * 1024
)

// Callbacks receives incremental stream events. Nil members are skipped.
type Callbacks struct {
	OnText         func(text string)
	OnThinking     func(text, signature string)
	OnInlineData   func(data InlineData)
	OnFunctionCall func(call FunctionCall)
	OnGrounding    func(metadata GroundingMetadata)
	OnUsage        func(usage Usage)
	OnError        func(message string)
}

// Streamer opens generation requests against the model API.
//
// Stream returns a *TransportError when the request failed before any data
// was received and ctx.Err() after an abort. API-reported errors mid-stream
// are delivered through OnError and do not terminate the stream.
type Streamer interface {
	Stream(ctx context.Context, model string, contents []Content, cfg *GenerationConfig, systemInstruction string, tools []Tool, cb Callbacks) error
	Generate(ctx context.Context, model string, contents []Content, cfg *GenerationConfig, systemInstruction string) ([]ContentPart, *UsageMetadata, error)
}

// TransportError indicates the request failed before any data arrived.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds client configuration.
type Config struct {
	Endpoint          string
	Token             string
	Project           string
	SystemInstruction string // base system prompt prepended to every request
}

// Client talks to the Gemini gateway over SSE.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *logger.Logger
}

// NewClient creates a new Gemini client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     log,
	}
}

func (c *Client) buildRequest(model string, contents []Content, cfg *GenerationConfig, systemInstruction string, tools []Tool) *WrappedRequest {
	text := c.cfg.SystemInstruction
	if systemInstruction != "" {
		if text != "" {
			text += "\n\n"
		}
		text += systemInstruction
	}

	req := Request{Contents: contents, GenerationConfig: cfg}
	if text != "" {
		req.SystemInstruction = &SystemInstruction{Parts: []ContentPart{{Text: text}}}
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	return &WrappedRequest{
		Project:     c.cfg.Project,
		Model:       model,
		Request:     req,
		UserAgent:   "chat-engine",
		RequestID:   "agent-" + uuid.NewString(),
		RequestType: "agent",
	}
}

func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// errorMessage extracts the API error from a non-2xx response body.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return envelope.Error.Message
	}
	return fmt.Sprintf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// parseLine decodes one SSE data line. Returns nil for anything that is
// not a well-formed event payload; malformed lines are never fatal.
func parseLine(line string) *apiResponse {
	if !strings.HasPrefix(line, "data: ") {
		return nil
	}
	raw := strings.TrimSpace(line[len("data: "):])
	if raw == "" || raw == "[DONE]" {
		return nil
	}
	var envelope apiResponse
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil
	}
	return &envelope
}

func dispatch(envelope *apiResponse, cb Callbacks) {
	candidates := envelope.candidates()
	if len(candidates) > 0 {
		first := candidates[0]
		for _, part := range first.Content.Parts {
			switch {
			// A thought part may carry only a signature; it still has to
			// reach the callback or the signature is lost.
			case part.Thought && (part.Text != "" || part.ThoughtSignature != ""):
				if cb.OnThinking != nil {
					cb.OnThinking(part.Text, part.ThoughtSignature)
				}
			case part.Text != "":
				if cb.OnText != nil {
					cb.OnText(part.Text)
				}
			case part.InlineData != nil:
				if cb.OnInlineData != nil {
					cb.OnInlineData(*part.InlineData)
				}
			case part.FunctionCall != nil:
				if cb.OnFunctionCall != nil {
					cb.OnFunctionCall(*part.FunctionCall)
				}
			}
		}
		if first.GroundingMetadata != nil && cb.OnGrounding != nil {
			cb.OnGrounding(*first.GroundingMetadata)
		}
	}

	if usage := envelope.usage(); usage != nil && cb.OnUsage != nil {
		cb.OnUsage(Usage{
			PromptTokens:   usage.PromptTokenCount,
			OutputTokens:   usage.CandidatesTokenCount,
			TotalTokens:    usage.TotalTokenCount,
			ThoughtsTokens: usage.ThoughtsTokenCount,
		})
	}
}

// Stream opens a streaming generation request and dispatches incremental
// events to cb in receipt order until the stream ends or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, model string, contents []Content, cfg *GenerationConfig, systemInstruction string, tools []Tool, cb Callbacks) error {
	body := c.buildRequest(model, contents, cfg, systemInstruction, tools)

	resp, err := c.post(ctx, streamPath, body, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(resp)
		if cb.OnError != nil {
			cb.OnError(msg)
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		envelope := parseLine(line)
		if envelope == nil {
			continue
		}
		if envelope.Error != nil {
			if cb.OnError != nil {
				cb.OnError(envelope.Error.Message)
			}
			continue
		}
		dispatch(envelope, cb)
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connection died mid-stream; surface like any upstream error.
		if cb.OnError != nil {
			cb.OnError(err.Error())
		}
	}
	return nil
}

// Generate sends a non-streaming generation request and returns the
// response parts of the first candidate.
func (c *Client) Generate(ctx context.Context, model string, contents []Content, cfg *GenerationConfig, systemInstruction string) ([]ContentPart, *UsageMetadata, error) {
	body := c.buildRequest(model, contents, cfg, systemInstruction, nil)

	resp, err := c.post(ctx, generatePath, body, "")
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("generate: %s", errorMessage(resp))
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, nil, fmt.Errorf("generate: %s", envelope.Error.Message)
	}

	candidates := envelope.candidates()
	if len(candidates) == 0 {
		return nil, envelope.usage(), nil
	}
	return candidates[0].Content.Parts, envelope.usage(), nil
}
