// Package oracle is the language-model gateway behind extraction,
// summarization, retrieval, and answering. Everything model-shaped goes
// through the Oracle interface so the rest of the system never knows
// which provider (or test double) is on the other side.
package oracle

import (
	"context"
)

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a chat completion call.
type ChatRequest struct {
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	// ForceJSON asks the model for a single JSON object response.
	ForceJSON bool
}

// ChatResponse carries the completion and its token accounting.
type ChatResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Oracle is the abstract model service. Implementations must be safe
// for concurrent use.
type Oracle interface {
	// Chat runs one chat completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// RerankScores scores each passage for relevance to the query,
	// higher is better. Output length equals len(passages).
	RerankScores(ctx context.Context, query string, passages []string) ([]float64, error)

	// DescribeImage extracts the text content of an image.
	DescribeImage(ctx context.Context, image []byte, mimeType string) (string, error)

	// Model names the chat model, for logging.
	Model() string

	// EmbeddingDimension is the width of vectors Embed returns.
	EmbeddingDimension() int
}
