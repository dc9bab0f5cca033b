// ABOUTME: OpenAI implementation of the Provider interface using go-openai
// ABOUTME: Pumps streaming deltas into a Fragment channel and falls back to zero vectors

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// Config holds OpenAI provider configuration.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	EmbeddingDim   int
	Temperature    float32
	MaxTokens      int
}

// OpenAIProvider implements Provider against the OpenAI API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewOpenAIProvider creates an OpenAI-backed provider. Unset generation
// parameters take the documented defaults (temperature 0.7, 1000 max tokens,
// 1536-dim embeddings).
func NewOpenAIProvider(cfg Config, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 1536
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger.With("component", "provider"),
	}
}

// Dimension returns the fixed embedding vector length.
func (p *OpenAIProvider) Dimension() int {
	return p.cfg.EmbeddingDim
}

// StreamCompletion starts a streaming chat completion and returns a channel
// of fragments. The channel closes after the final fragment or a terminal
// error fragment.
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, msgs []ChatMessage, opts Options) (<-chan Fragment, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(msgs, opts, true))
	if err != nil {
		return nil, fmt.Errorf("creating completion stream: %w", err)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- Fragment{Err: fmt.Errorf("stream error: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- Fragment{Text: content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Complete runs a single non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, msgs []ChatMessage, opts Options) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(msgs, opts, false))
	if err != nil {
		return "", fmt.Errorf("creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding for text. On any provider failure it returns a
// zero vector of the configured dimension rather than an error.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) []float32 {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.cfg.EmbeddingModel),
	})
	if err != nil || len(resp.Data) == 0 {
		p.logger.Warn("embedding call failed, substituting zero vector", "error", err)
		return make([]float32, p.cfg.EmbeddingDim)
	}
	return resp.Data[0].Embedding
}

// EmbedBatch embeds each text, substituting zero vectors for failures.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.Embed(ctx, text)
	}
	return out
}

func (p *OpenAIProvider) chatRequest(msgs []ChatMessage, opts Options, stream bool) openai.ChatCompletionRequest {
	openaiMsgs := make([]openai.ChatCompletionMessage, len(msgs))
	for i, msg := range msgs {
		openaiMsgs[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}

	return openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    openaiMsgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}
