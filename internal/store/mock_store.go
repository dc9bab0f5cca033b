// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	convOrder     []string // insertion order, the stable tie-break for similarity
	messages      map[string][]*Message
	jobs          map[string]*AnalysisJob
	jobOrder      []string

	// FailSaves makes SaveMessage return this error when set, simulating an
	// unavailable store.
	FailSaves error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		jobs:          make(map[string]*AnalysisJob),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	m.convOrder = append(m.convOrder, c.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// UpdateConversation applies the non-nil fields of upd, merging metadata.
func (m *MockStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Summary != nil {
		c.Summary = *upd.Summary
	}
	if upd.Metadata != nil {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		for k, v := range upd.Metadata {
			c.Metadata[k] = v
		}
	}
	if upd.Embedding != nil {
		c.Embedding = upd.Embedding
	}
	c.UpdatedAt = time.Now()
	return nil
}

// EndConversation transitions active -> ended, rejecting repeats.
func (m *MockStore) EndConversation(ctx context.Context, id string, endTS time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status == ConversationEnded {
		return ErrConversationEnded
	}
	c.Status = ConversationEnded
	ts := endTS
	c.EndTS = &ts
	c.UpdatedAt = time.Now()
	return nil
}

// ListConversationsByParticipant returns conversations the user belongs to.
func (m *MockStore) ListConversationsByParticipant(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, id := range m.convOrder {
		c := m.conversations[id]
		if c.HasParticipant(userID) {
			result := *c
			out = append(out, &result)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTS.After(out[j].StartTS) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves != nil {
		return m.FailSaves
	}

	saved := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &saved)
	return nil
}

// ListMessages returns a conversation's messages in timestamp order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		result := *msg
		out[i] = &result
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UpdateMessageEmbedding back-fills a message embedding.
func (m *MockStore) UpdateMessageEmbedding(ctx context.Context, messageID string, embedding pgvector.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				vec := embedding
				msg.Embedding = &vec
				return nil
			}
		}
	}
	return ErrNotFound
}

// CreateJob stores an analysis job.
func (m *MockStore) CreateJob(ctx context.Context, job *AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := *job
	m.jobs[j.ID] = &j
	m.jobOrder = append(m.jobOrder, j.ID)
	return nil
}

// CompleteJob marks a job completed unless it is already terminal.
func (m *MockStore) CompleteJob(ctx context.Context, jobID string, result map[string]any, finishedAt time.Time) error {
	return m.finishJob(jobID, JobCompleted, result, "", finishedAt)
}

// FailJob marks a job failed unless it is already terminal.
func (m *MockStore) FailJob(ctx context.Context, jobID string, errMsg string, finishedAt time.Time) error {
	return m.finishJob(jobID, JobFailed, nil, errMsg, finishedAt)
}

func (m *MockStore) finishJob(jobID string, status JobStatus, result map[string]any, errMsg string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	j.Status = status
	j.Result = result
	j.ErrorMessage = errMsg
	ts := finishedAt
	j.FinishedAt = &ts
	return nil
}

// ListJobsByConversation returns jobs in creation order.
func (m *MockStore) ListJobsByConversation(ctx context.Context, conversationID string) ([]*AnalysisJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AnalysisJob
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.ConversationID == conversationID {
			result := *j
			out = append(out, &result)
		}
	}
	return out, nil
}

// NearestConversations ranks ended conversations by L2 distance.
func (m *MockStore) NearestConversations(ctx context.Context, vec pgvector.Vector, limit int) ([]*ConversationMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := vec.Slice()
	var matches []*ConversationMatch
	for _, id := range m.convOrder {
		c := m.conversations[id]
		if c.Status != ConversationEnded || c.Embedding == nil {
			continue
		}
		result := *c
		matches = append(matches, &ConversationMatch{
			Conversation: &result,
			Distance:     mockL2(query, c.Embedding.Slice()),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// NearestMessages ranks messages of ended conversations by L2 distance.
func (m *MockStore) NearestMessages(ctx context.Context, vec pgvector.Vector, limit int) ([]*MessageMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := vec.Slice()
	var matches []*MessageMatch
	for _, id := range m.convOrder {
		c := m.conversations[id]
		if c.Status != ConversationEnded {
			continue
		}
		for _, msg := range m.messages[id] {
			if msg.Embedding == nil {
				continue
			}
			result := *msg
			matches = append(matches, &MessageMatch{
				Message:           &result,
				ConversationTitle: c.Title,
				Distance:          mockL2(query, msg.Embedding.Slice()),
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

func mockL2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
