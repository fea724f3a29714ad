// Package mistral provides a hand-written client for the Mistral AI API,
// covering the two capabilities the engine consumes: text embeddings and
// chat completions (plain and JSON mode).
//
// The client performs single attempts only. Retry and backoff policy lives
// with the callers that own the calls (the vector store manager for
// embeddings, the workflow engine for generation); Retryable classifies
// errors for them.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultBaseURL = "https://api.mistral.ai/v1"
	DefaultTimeout = 120 * time.Second
)

var (
	// ErrUnauthorized indicates invalid or missing credentials. Never retried.
	ErrUnauthorized = errors.New("mistral: unauthorized")

	// ErrRateLimited indicates the API returned 429.
	ErrRateLimited = errors.New("mistral: rate limited")

	// ErrEmptyResponse indicates the API returned no usable content.
	ErrEmptyResponse = errors.New("mistral: empty response")
)

// APIError is a non-2xx response that is neither an auth nor a rate-limit
// failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mistral: API error (status %d): %s", e.Status, e.Message)
}

// Retryable reports whether an error is worth another attempt: rate limits,
// server-side failures and network timeouts qualify; credential errors and
// malformed requests do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Transport-level failures (connection reset, temporary DNS issues)
	// surface as url.Error with a timeout or temporary flag folded into
	// the message.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection reset", "connection refused", "temporary", "unavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Config holds client configuration.
type Config struct {
	// APIKey is the Mistral API key (required).
	APIKey string

	// BaseURL overrides the API endpoint. Tests point this at httptest
	// servers.
	BaseURL string

	// ChatModel is the completion model, e.g. "mistral-small-latest".
	ChatModel string

	// EmbedModel is the embedding model, e.g. "mistral-embed".
	EmbedModel string

	// Temperature for chat completions.
	Temperature float64

	// Timeout bounds a single HTTP request. Default 120s.
	Timeout time.Duration
}

// Client talks to the Mistral API.
type Client struct {
	http        *http.Client
	baseURL     string
	apiKey      string
	chatModel   string
	embedModel  string
	temperature float64
}

// New creates a Mistral client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mistral: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		chatModel:   cfg.ChatModel,
		embedModel:  cfg.EmbedModel,
		temperature: cfg.Temperature,
	}, nil
}

// EmbedModelVersion returns the versioned identity of the embedding model.
// Stored alongside vectors so that indices reject mixed-model entries.
func (c *Client) EmbedModelVersion() string {
	return c.embedModel
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed maps each input text to a fixed-dimension vector. Order of the
// returned vectors matches the input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embeddingResponse
	err := c.post(ctx, "/embeddings", embeddingRequest{
		Model: c.embedModel,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmptyResponse, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("mistral: embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector at index %d", ErrEmptyResponse, i)
		}
	}
	return vectors, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateOptions tune a single completion call.
type GenerateOptions struct {
	MaxTokens int
}

// Generate produces a text completion for the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var resp chatResponse
	err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.chatModel,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   opts.MaxTokens,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStructured produces a JSON-mode completion and unmarshals it
// into v. Code fences occasionally wrapped around the payload by the model
// are stripped before decoding.
func (c *Client) GenerateStructured(ctx context.Context, prompt string, v any) error {
	var resp chatResponse
	err := c.post(ctx, "/chat/completions", chatRequest{
		Model:          c.chatModel,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		Temperature:    c.temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}, &resp)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return ErrEmptyResponse
	}

	payload := StripFences(resp.Choices[0].Message.Content)
	if payload == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("mistral: decode structured response: %w", err)
	}
	return nil
}

// StripFences removes a surrounding markdown code fence from a model
// response, if present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

type apiErrorBody struct {
	Message string `json:"message"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

// post sends a JSON request and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("mistral: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mistral: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mistral: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mistral: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiMessage(data))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiMessage(data))
	case resp.StatusCode != http.StatusOK:
		return &APIError{Status: resp.StatusCode, Message: apiMessage(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mistral: decode response: %w", err)
	}
	return nil
}

func apiMessage(data []byte) string {
	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error.Message != "" {
			return body.Error.Message
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
