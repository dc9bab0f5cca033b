// ABOUTME: Provider interface and types for language-model completions and embeddings
// ABOUTME: Streamed generation yields Fragments; embeddings never fail (zero-vector fallback)

package provider

import (
	"context"
	"strings"
)

// Role constants in the provider's vocabulary. Stored sender roles are mapped
// into these by callers (user -> User, ai -> Assistant, system -> System).
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one role-tagged entry of the completion input.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fragment is one incremental piece of generated text. A non-nil Err is the
// terminal element of a stream; no fragments follow it.
type Fragment struct {
	Text string
	Err  error
}

// Options are per-call generation parameters. Zero values fall back to the
// provider's configured defaults.
type Options struct {
	Temperature float32
	MaxTokens   int
}

// Provider is the completion provider contract: streamed text generation,
// single-shot completion, and embedding generation.
//
// Embed and EmbedBatch never return an error for individual texts: any
// provider failure yields a zero vector of the configured dimension so
// downstream pipelines can continue.
type Provider interface {
	// StreamCompletion starts a streaming generation over msgs. The returned
	// channel delivers fragments until generation completes or fails, then
	// closes. Cancelling ctx stops the stream.
	StreamCompletion(ctx context.Context, msgs []ChatMessage, opts Options) (<-chan Fragment, error)

	// Complete runs a single non-streaming generation and returns the full text.
	Complete(ctx context.Context, msgs []ChatMessage, opts Options) (string, error)

	// Embed returns the embedding vector for text, or a zero vector of the
	// configured dimension if the provider call fails.
	Embed(ctx context.Context, text string) []float32

	// EmbedBatch returns one vector per input text, substituting zero vectors
	// for individual failures.
	EmbedBatch(ctx context.Context, texts []string) [][]float32

	// Dimension is the fixed embedding vector length.
	Dimension() int
}

// EstimateTokens is the rough whitespace token count recorded on AI messages.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
