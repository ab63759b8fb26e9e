package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mindvault-ai/mindvault/internal/apperr"
)

// Client talks to an OpenAI-compatible endpoint. Transport failures,
// 429s, and 5xx responses are retried with exponential backoff; the
// exhausted result surfaces as an oracle_unavailable error so callers
// can degrade or requeue.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	chatModel      string
	embeddingModel string
	visionModel    string
	dimension      int
	maxRetries     int
}

// Config holds oracle client configuration.
type Config struct {
	Endpoint       string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	VisionModel    string
	Dimension      int
	Timeout        time.Duration
	MaxRetries     int
}

// NewClient creates a new oracle client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.ChatModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:         cfg.APIKey,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		visionModel:    cfg.VisionModel,
		dimension:      cfg.Dimension,
		maxRetries:     cfg.MaxRetries,
	}, nil
}

// Model returns the chat model name.
func (c *Client) Model() string { return c.chatModel }

// EmbeddingDimension returns the configured vector width.
func (c *Client) EmbeddingDimension() int { return c.dimension }

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error *apiError `json:"error,omitempty"`
}

// post sends one JSON request and retries transient failures. The
// response body is returned only for 200s.
func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, retryable, err := c.doOnce(ctx, path, jsonBody)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, apperr.Wrap(apperr.KindOracleUnavailable, "oracle request failed", lastErr)
}

func (c *Client) doOnce(ctx context.Context, path string, jsonBody []byte) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, false, nil
	}

	retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500

	var envelope errorEnvelope
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Error != nil {
		return nil, retryable, fmt.Errorf("api error: %s (type: %s)", envelope.Error.Message, envelope.Error.Type)
	}
	return nil, retryable, fmt.Errorf("api error: status %d", resp.StatusCode)
}

type chatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []json.RawMessage   `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormatSpec `json:"response_format,omitempty"`
}

type responseFormatSpec struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat runs one chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]json.RawMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		messages = append(messages, raw)
	}

	payload := chatCompletionRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ForceJSON {
		payload.ResponseFormat = &responseFormatSpec{Type: "json_object"}
	}

	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindOracleSchema, "malformed chat completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperr.New(apperr.KindOracleSchema, "chat completion returned no choices")
	}

	return &ChatResponse{
		Content:          parsed.Choices[0].Message.Content,
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := c.post(ctx, "/embeddings", embeddingRequest{Input: texts, Model: c.embeddingModel})
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindOracleSchema, "malformed embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperr.Newf(apperr.KindOracleSchema,
			"embedding count mismatch: sent %d, got %d", len(texts), len(parsed.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, apperr.New(apperr.KindOracleSchema, "embedding index out of range")
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

// RerankScores asks the chat model to score each passage against the
// query, expecting a strict JSON object {"scores": [...]}.
func (c *Client) RerankScores(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nPassages:\n", query)
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n", i, p)
	}
	fmt.Fprintf(&sb, "\nScore each passage's relevance to the query from 0 to 1. Respond with a JSON object {\"scores\": [s0, s1, ...]} containing exactly %d numbers in passage order.", len(passages))

	resp, err := c.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "You are a relevance scorer. Respond only with the requested JSON object."},
			{Role: RoleUser, Content: sb.String()},
		},
		Temperature: 0,
		ForceJSON:   true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindOracleSchema, "malformed rerank response", err)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, apperr.Newf(apperr.KindOracleSchema,
			"rerank score count mismatch: want %d, got %d", len(passages), len(parsed.Scores))
	}
	return parsed.Scores, nil
}

// DescribeImage extracts readable text from an image through the vision
// model.
func (c *Client) DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	content := []map[string]interface{}{
		{"type": "text", "text": "Transcribe all text visible in this image. Preserve structure where possible. If the image contains a diagram, describe it briefly after the text."},
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	userMessage, err := json.Marshal(map[string]interface{}{
		"role":    RoleUser,
		"content": content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision message: %w", err)
	}

	payload := chatCompletionRequest{
		Model:    c.visionModel,
		Messages: []json.RawMessage{userMessage},
	}

	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperr.Wrap(apperr.KindOracleSchema, "malformed vision response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", apperr.New(apperr.KindOracleSchema, "vision response returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ Oracle = (*Client)(nil)
