package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public endpoint for the generative language API.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client makes direct calls to the AI provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a provider client. An empty baseURL selects the public
// endpoint; tests point it at a local server.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "llm"),
	}
}

// Generator abstracts the provider client for consumers and their tests.
type Generator interface {
	Generate(ctx context.Context, secret, model string, req GenerateRequest) (string, error)
}

// InlineData carries a base64-encoded attachment for image extraction calls.
type InlineData struct {
	MimeType string
	Data     string
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	SystemInstruction string
	Prompt            string
	Inline            *InlineData
	Temperature       float64
}

type wirePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *wireInlineData `json:"inlineData,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireContent struct {
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	Contents          []wireContent `json:"contents"`
	SystemInstruction *wireContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate runs one generation call and returns the concatenated text parts.
// Failures are returned as classified *Error values.
func (c *Client) Generate(ctx context.Context, secret, model string, req GenerateRequest) (string, error) {
	parts := []wirePart{{Text: req.Prompt}}
	if req.Inline != nil {
		parts = append(parts, wirePart{InlineData: &wireInlineData{
			MimeType: req.Inline.MimeType,
			Data:     req.Inline.Data,
		}})
	}

	body := wireRequest{Contents: []wireContent{{Parts: parts}}}
	body.GenerationConfig.Temperature = req.Temperature
	if req.SystemInstruction != "" {
		body.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.SystemInstruction}}}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)

	c.logger.Debug("making provider request",
		"model", model,
		"prompt_length", len(req.Prompt),
		"has_inline", req.Inline != nil,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed wireResponse
	if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
			if parsed.Error.Status != "" {
				msg = parsed.Error.Status + ": " + msg
			}
		}
		classified := Classify(fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg), model, resp.StatusCode)
		c.logger.Warn("provider call failed",
			"model", model,
			"status_code", resp.StatusCode,
			"category", classified.Category,
		)
		return "", classified
	}

	if len(parsed.Candidates) == 0 {
		return "", ErrEmptyResponse
	}

	var b strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}

	c.logger.Debug("provider response received",
		"model", model,
		"response_length", b.Len(),
		"finish_reason", parsed.Candidates[0].FinishReason,
	)

	return b.String(), nil
}

// Validate checks a credential against a model with a minimal generation
// call and reports the observed round-trip latency.
func (c *Client) Validate(ctx context.Context, secret, model string) (int64, error) {
	start := time.Now()
	_, err := c.Generate(ctx, secret, model, GenerateRequest{Prompt: "ping"})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return latency, err
	}
	return latency, nil
}
