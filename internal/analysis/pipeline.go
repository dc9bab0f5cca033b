// ABOUTME: Post-conversation analysis pipeline: summary, key points, sentiment, embeddings
// ABOUTME: Each step is wrapped in a job record; partial progress survives later failures

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/store"
)

const summaryPrompt = `Please provide a concise summary of the following conversation.
Focus on the main topics, decisions made, and key outcomes.

Conversation:
%s

Summary:`

const keyPointsPrompt = `Analyze the following conversation and extract:
1. Key decisions made
2. Action items with owners
3. Important topics discussed
4. Follow-up requirements

Format the response as JSON with keys: decisions, actions, topics, follow_ups.
Respond with JSON only, no prose.

Conversation:
%s`

// Analyzer runs the post-conversation analysis pipeline over an ended
// conversation: summary, key points, sentiment, then embeddings, in that
// order. Every step is recorded as a job; a failed step stops the pipeline
// and the error propagates so the scheduler can retry. Results saved by
// earlier steps are kept.
type Analyzer struct {
	store    store.Store
	provider provider.Provider
	metrics  *metrics.Metrics
	genOpts  provider.Options
	logger   *slog.Logger
}

// NewAnalyzer creates an analyzer. Pass nil logger for default.
func NewAnalyzer(st store.Store, p provider.Provider, m *metrics.Metrics, genOpts provider.Options, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Analyzer{
		store:    st,
		provider: p,
		metrics:  m,
		genOpts:  genOpts,
		logger:   logger.With("component", "analyzer"),
	}
}

// Analyze runs all pipeline steps for the conversation and merges the
// results into its metadata. The summary is saved as soon as it is
// generated, before the remaining steps run.
func (a *Analyzer) Analyze(ctx context.Context, conversationID string) error {
	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	msgs, err := a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	transcript := transcript(msgs)

	logger := a.logger.With("conversation_id", conversationID)
	logger.Info("analysis started", "messages", len(msgs))

	var summary string
	err = a.step(ctx, conversationID, store.JobSummary, func(ctx context.Context) (map[string]any, error) {
		text, err := a.complete(ctx, fmt.Sprintf(summaryPrompt, transcript))
		if err != nil {
			return nil, err
		}
		summary = strings.TrimSpace(text)
		if err := a.store.UpdateConversation(ctx, conversationID, store.ConversationUpdate{Summary: &summary}); err != nil {
			return nil, fmt.Errorf("saving summary: %w", err)
		}
		return map[string]any{"summary_chars": len(summary)}, nil
	})
	if err != nil {
		return err
	}

	var keyPoints map[string]any
	err = a.step(ctx, conversationID, store.JobKeypoints, func(ctx context.Context) (map[string]any, error) {
		text, err := a.complete(ctx, fmt.Sprintf(keyPointsPrompt, transcript))
		if err != nil {
			return nil, err
		}
		keyPoints = parseKeyPoints(text)
		return map[string]any{"keys": len(keyPoints)}, nil
	})
	if err != nil {
		return err
	}

	var sentiment map[string]any
	err = a.step(ctx, conversationID, store.JobSentiment, func(ctx context.Context) (map[string]any, error) {
		sentiment = scoreSentiment(msgs)
		return sentiment, nil
	})
	if err != nil {
		return err
	}

	err = a.step(ctx, conversationID, store.JobEmbedding, func(ctx context.Context) (map[string]any, error) {
		return a.embedAll(ctx, conv, msgs, summary)
	})
	if err != nil {
		return err
	}

	upd := store.ConversationUpdate{Metadata: map[string]any{
		"key_points":        keyPoints,
		"sentiment":         sentiment,
		"analysis_complete": true,
	}}
	if err := a.store.UpdateConversation(ctx, conversationID, upd); err != nil {
		return fmt.Errorf("saving analysis metadata: %w", err)
	}

	logger.Info("analysis complete")
	return nil
}

// step wraps one pipeline step in a job record. The job is created in the
// running state and moved to completed or failed exactly once.
func (a *Analyzer) step(ctx context.Context, conversationID string, jobType store.JobType, fn func(context.Context) (map[string]any, error)) error {
	now := time.Now().UTC()
	job := &store.AnalysisJob{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Type:           jobType,
		Status:         store.JobRunning,
		StartedAt:      &now,
		CreatedAt:      now,
	}
	if err := a.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("creating %s job: %w", jobType, err)
	}

	result, err := fn(ctx)
	if err != nil {
		if failErr := a.store.FailJob(ctx, job.ID, err.Error(), time.Now().UTC()); failErr != nil {
			a.logger.Error("recording failed job", "error", failErr, "job_id", job.ID)
		}
		a.metrics.AnalysisJobs.WithLabelValues(string(store.JobFailed)).Inc()
		return fmt.Errorf("%s step: %w", jobType, err)
	}

	if err := a.store.CompleteJob(ctx, job.ID, result, time.Now().UTC()); err != nil {
		return fmt.Errorf("completing %s job: %w", jobType, err)
	}
	a.metrics.AnalysisJobs.WithLabelValues(string(store.JobCompleted)).Inc()
	return nil
}

// embedAll writes the conversation-level embedding and back-fills one
// embedding per message. The conversation embeds its summary when one
// exists, else the concatenated message contents.
func (a *Analyzer) embedAll(ctx context.Context, conv *store.Conversation, msgs []*store.Message, summary string) (map[string]any, error) {
	convText := summary
	if convText == "" {
		parts := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			parts = append(parts, msg.Content)
		}
		convText = strings.Join(parts, " ")
	}

	convVec := pgvector.NewVector(a.provider.Embed(ctx, convText))
	upd := store.ConversationUpdate{Embedding: &convVec}
	if err := a.store.UpdateConversation(ctx, conv.ID, upd); err != nil {
		return nil, fmt.Errorf("saving conversation embedding: %w", err)
	}

	texts := make([]string, len(msgs))
	for i, msg := range msgs {
		texts[i] = msg.Content
	}
	vectors := a.provider.EmbedBatch(ctx, texts)
	for i, msg := range msgs {
		if err := a.store.UpdateMessageEmbedding(ctx, msg.ID, pgvector.NewVector(vectors[i])); err != nil {
			return nil, fmt.Errorf("saving embedding for message %s: %w", msg.ID, err)
		}
	}

	return map[string]any{"message_embeddings": len(msgs)}, nil
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (string, error) {
	return a.provider.Complete(ctx, []provider.ChatMessage{
		{Role: provider.RoleUser, Content: prompt},
	}, a.genOpts)
}

// transcript renders messages as "sender: content" lines, oldest first.
func transcript(msgs []*store.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Sender))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// parseKeyPoints parses the model's JSON reply leniently. Code fences are
// stripped; anything that still fails to parse as a JSON object is kept
// verbatim under "raw" so a malformed reply never fails the pipeline.
func parseKeyPoints(text string) map[string]any {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return map[string]any{"raw": cleaned}
	}
	return parsed
}
