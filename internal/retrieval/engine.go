// ABOUTME: Semantic search and RAG over analyzed conversation history
// ABOUTME: Embeds the query, ranks by L2 distance, and grounds answers in retrieved context

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/store"
)

// ErrEmptyQuery is returned when a search or RAG query has no usable text.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrProvider wraps upstream model failures so callers can map them to a
// bad-gateway response.
var ErrProvider = errors.New("provider failure")

const (
	// defaultLimit caps ranked results when the caller does not set one.
	defaultLimit = 10

	// ragConversationCap and ragMessageCap bound the context assembled for
	// a RAG completion.
	ragConversationCap = 3
	ragMessageCap      = 5
)

const ragPrompt = `Based on the following context from previous conversations, please answer the user's question.
Only use information from the context; if it does not contain the answer, say so.

Context:
%s

Question: %s

Answer:`

// insufficientContext is the RAG answer when retrieval finds nothing.
const insufficientContext = "I don't have any relevant conversation history to answer that."

const conversationQueryPrompt = `Based on the following conversation, please answer the user's question.

Conversation:
%s

Question: %s

Answer:`

// emptyConversation is the answer when the queried conversation has no messages.
const emptyConversation = "This conversation has no messages to answer from."

// Filters narrows search results. The zero value matches everything.
type Filters struct {
	// Participant keeps only conversations (and their messages) that the
	// given user took part in.
	Participant string `json:"participant,omitempty"`
}

// ConversationResult is a ranked conversation with display fields.
type ConversationResult struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Summary  string    `json:"summary"`
	StartTS  time.Time `json:"start_ts"`
	Distance float64   `json:"distance"`
}

// MessageResult is a ranked message with its conversation's title for display.
type MessageResult struct {
	ID                string           `json:"id"`
	Content           string           `json:"content"`
	Sender            store.SenderRole `json:"sender"`
	Timestamp         time.Time        `json:"timestamp"`
	ConversationID    string           `json:"conversation_id"`
	ConversationTitle string           `json:"conversation_title"`
	Distance          float64          `json:"distance"`
}

// SearchResults holds both ranked lists, each ascending by distance.
type SearchResults struct {
	Conversations []ConversationResult `json:"conversations"`
	Messages      []MessageResult      `json:"messages"`
}

// RAGResult is a grounded answer plus the sources that informed it.
type RAGResult struct {
	Answer  string        `json:"answer"`
	Sources SearchResults `json:"sources"`
}

// ConversationAnswer is the result of a question scoped to one conversation.
// The whole transcript is the context, so there are no ranked sources.
type ConversationAnswer struct {
	Answer            string          `json:"answer"`
	ConversationID    string          `json:"conversation_id"`
	ConversationTitle string          `json:"conversation_title"`
	Sources           []MessageResult `json:"sources"`
}

// Engine runs semantic search and retrieval-augmented generation over ended,
// analyzed conversations.
type Engine struct {
	store    store.Store
	provider provider.Provider
	metrics  *metrics.Metrics
	genOpts  provider.Options
	logger   *slog.Logger
}

// NewEngine creates a retrieval engine. Pass nil logger for default.
func NewEngine(st store.Store, p provider.Provider, m *metrics.Metrics, genOpts provider.Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		store:    st,
		provider: p,
		metrics:  m,
		genOpts:  genOpts,
		logger:   logger.With("component", "retrieval"),
	}
}

// Search embeds the query and returns the nearest conversations and messages
// by L2 distance, ascending. limit <= 0 falls back to the default.
func (e *Engine) Search(ctx context.Context, query string, filters Filters, limit int) (*SearchResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	e.metrics.RetrievalQueries.WithLabelValues("search").Inc()

	vec := pgvector.NewVector(e.provider.Embed(ctx, query))

	// A participant filter is applied here, after ranking, so the store must
	// return the full ranking or the filter would eat into the limit. Without
	// a filter the store can truncate for us.
	fetchLimit := limit
	if filters.Participant != "" {
		fetchLimit = 0
	}

	convMatches, err := e.store.NearestConversations(ctx, vec, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching conversations: %w", err)
	}
	msgMatches, err := e.store.NearestMessages(ctx, vec, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	results := &SearchResults{
		Conversations: make([]ConversationResult, 0, len(convMatches)),
		Messages:      make([]MessageResult, 0, len(msgMatches)),
	}
	allowed := make(map[string]bool, len(convMatches))
	for _, m := range convMatches {
		if filters.Participant != "" && !m.Conversation.HasParticipant(filters.Participant) {
			allowed[m.Conversation.ID] = false
			continue
		}
		allowed[m.Conversation.ID] = true
		if len(results.Conversations) >= limit {
			continue
		}
		results.Conversations = append(results.Conversations, ConversationResult{
			ID:       m.Conversation.ID,
			Title:    m.Conversation.Title,
			Summary:  m.Conversation.Summary,
			StartTS:  m.Conversation.StartTS,
			Distance: m.Distance,
		})
	}
	for _, m := range msgMatches {
		if len(results.Messages) >= limit {
			break
		}
		if filters.Participant != "" && !e.allowedMessage(ctx, allowed, m.Message.ConversationID, filters.Participant) {
			continue
		}
		results.Messages = append(results.Messages, MessageResult{
			ID:                m.Message.ID,
			Content:           m.Message.Content,
			Sender:            m.Message.Sender,
			Timestamp:         m.Message.Timestamp,
			ConversationID:    m.Message.ConversationID,
			ConversationTitle: m.ConversationTitle,
			Distance:          m.Distance,
		})
	}

	e.logger.Debug("search complete",
		"conversations", len(results.Conversations),
		"messages", len(results.Messages))
	return results, nil
}

// allowedMessage reports whether the message's conversation has the
// participant, consulting the cache built from the conversation matches
// before falling back to a lookup.
func (e *Engine) allowedMessage(ctx context.Context, allowed map[string]bool, conversationID, participant string) bool {
	if ok, seen := allowed[conversationID]; seen {
		return ok
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	ok := err == nil && conv.HasParticipant(participant)
	allowed[conversationID] = ok
	return ok
}

// RAGQuery searches, assembles context from the top matches, and asks the
// provider for an answer grounded only in that context. When retrieval finds
// nothing the fixed insufficient-context answer is returned with no provider
// call and no sources.
func (e *Engine) RAGQuery(ctx context.Context, query string, filters Filters) (*RAGResult, error) {
	results, err := e.Search(ctx, query, filters, defaultLimit)
	if err != nil {
		return nil, err
	}
	e.metrics.RetrievalQueries.WithLabelValues("rag").Inc()

	if len(results.Conversations) > ragConversationCap {
		results.Conversations = results.Conversations[:ragConversationCap]
	}
	if len(results.Messages) > ragMessageCap {
		results.Messages = results.Messages[:ragMessageCap]
	}

	if len(results.Conversations) == 0 && len(results.Messages) == 0 {
		return &RAGResult{Answer: insufficientContext, Sources: SearchResults{}}, nil
	}

	answer, err := e.provider.Complete(ctx, []provider.ChatMessage{
		{Role: provider.RoleUser, Content: fmt.Sprintf(ragPrompt, buildContext(results), query)},
	}, e.genOpts)
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w: %w", ErrProvider, err)
	}

	return &RAGResult{Answer: strings.TrimSpace(answer), Sources: *results}, nil
}

// QueryConversation answers a question using one conversation's full
// transcript as the only context. The caller has already checked that the
// user may read the conversation.
func (e *Engine) QueryConversation(ctx context.Context, conv *store.Conversation, query string) (*ConversationAnswer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	e.metrics.RetrievalQueries.WithLabelValues("conversation_query").Inc()

	msgs, err := e.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}

	result := &ConversationAnswer{
		ConversationID:    conv.ID,
		ConversationTitle: conv.Title,
		Sources:           []MessageResult{},
	}
	if len(msgs) == 0 {
		result.Answer = emptyConversation
		return result, nil
	}

	var transcript strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Sender, msg.Content)
	}

	answer, err := e.provider.Complete(ctx, []provider.ChatMessage{
		{Role: provider.RoleUser, Content: fmt.Sprintf(conversationQueryPrompt, transcript.String(), query)},
	}, e.genOpts)
	if err != nil {
		return nil, fmt.Errorf("answering conversation query: %w: %w", ErrProvider, err)
	}

	result.Answer = strings.TrimSpace(answer)
	return result, nil
}

// buildContext renders the capped matches as the prompt context block.
func buildContext(results *SearchResults) string {
	var b strings.Builder
	b.WriteString("Relevant conversations and messages:\n\n")
	for _, conv := range results.Conversations {
		fmt.Fprintf(&b, "Conversation: %s\nSummary: %s\n\n", conv.Title, conv.Summary)
	}
	for _, msg := range results.Messages {
		fmt.Fprintf(&b, "Message from %s (%s): %s\n\n",
			msg.Sender, msg.Timestamp.UTC().Format(time.RFC3339), msg.Content)
	}
	return b.String()
}
