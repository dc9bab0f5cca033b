// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation lifecycle, message ordering, jobs, and similarity ranking

package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation(createdBy string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:           uuid.New().String(),
		Title:        "quarterly planning",
		Participants: []string{createdBy, "user-2"},
		Status:       ConversationActive,
		StartTS:      now,
		Metadata:     map[string]any{"channel": "web"},
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "quarterly planning", got.Title)
	assert.Equal(t, ConversationActive, got.Status)
	assert.Equal(t, []string{"user-1", "user-2"}, got.Participants)
	assert.Equal(t, "web", got.Metadata["channel"])
	assert.Nil(t, got.EndTS)
	assert.Nil(t, got.Embedding)
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndConversation_SetsEndTS(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	endTS := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.EndConversation(ctx, conv.ID, endTS))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationEnded, got.Status)
	require.NotNil(t, got.EndTS)
	assert.WithinDuration(t, endTS, *got.EndTS, time.Second)
}

func TestEndConversation_SecondCallRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NoError(t, s.EndConversation(ctx, conv.ID, time.Now()))

	err := s.EndConversation(ctx, conv.ID, time.Now())
	assert.ErrorIs(t, err, ErrConversationEnded)
}

func TestEndConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.EndConversation(t.Context(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConversation_MergesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	summary := "discussed budget"
	emb := pgvector.NewVector([]float32{0.1, 0.2, 0.3})
	err := s.UpdateConversation(ctx, conv.ID, ConversationUpdate{
		Summary:   &summary,
		Metadata:  map[string]any{"analysis_complete": true},
		Embedding: &emb,
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "discussed budget", got.Summary)
	// merged, not replaced
	assert.Equal(t, "web", got.Metadata["channel"])
	assert.Equal(t, true, got.Metadata["analysis_complete"])
	require.NotNil(t, got.Embedding)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding.Slice())
}

func TestUpdateConversation_ConcurrentMergesKeepAllKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	// Each writer merges its own key; no merge may overwrite another's
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.UpdateConversation(ctx, conv.ID, ConversationUpdate{
				Metadata: map[string]any{fmt.Sprintf("key-%d", i): i},
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		assert.Contains(t, got.Metadata, fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, "web", got.Metadata["channel"])
}

func TestSaveAndListMessages_TimestampOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC().Truncate(time.Second)
	// Insert out of order; listing must come back by timestamp
	for i, offset := range []int{2, 0, 1} {
		tokens := 3
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Sender:         SenderUser,
			Content:        []string{"third", "first", "second"}[i],
			Timestamp:      base.Add(time.Duration(offset) * time.Second),
			Tokens:         &tokens,
			Metadata:       map[string]any{},
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
	require.NotNil(t, msgs[0].Tokens)
	assert.Equal(t, 3, *msgs[0].Tokens)
}

func TestUpdateMessageEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Sender:         SenderAI,
		Content:        "hello",
		Timestamp:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	require.NoError(t, s.UpdateMessageEmbedding(ctx, msg.ID, pgvector.NewVector([]float32{1, 2})))

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Embedding)
	assert.Equal(t, []float32{1, 2}, msgs[0].Embedding.Slice())
}

func TestJobLifecycle_SingleTerminalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	started := time.Now().UTC().Truncate(time.Second)
	job := &AnalysisJob{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Type:           JobSummary,
		Status:         JobRunning,
		StartedAt:      &started,
		CreatedAt:      started,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.CompleteJob(ctx, job.ID, map[string]any{"length": 42}, time.Now()))

	// Second terminal transition is rejected
	err := s.FailJob(ctx, job.ID, "too late", time.Now())
	assert.ErrorIs(t, err, ErrJobTerminal)

	jobs, err := s.ListJobsByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobCompleted, jobs[0].Status)
	assert.Equal(t, float64(42), jobs[0].Result["length"])
	assert.NotNil(t, jobs[0].FinishedAt)
}

func TestFailJob_RetainsErrorText(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	started := time.Now().UTC()
	job := &AnalysisJob{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Type:           JobEmbedding,
		Status:         JobRunning,
		StartedAt:      &started,
		CreatedAt:      started,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.FailJob(ctx, job.ID, "provider unavailable", time.Now()))

	jobs, err := s.ListJobsByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobFailed, jobs[0].Status)
	assert.Equal(t, "provider unavailable", jobs[0].ErrorMessage)
}

func endedConversationWithEmbedding(t *testing.T, s *SQLiteStore, title string, vec []float32) *Conversation {
	t.Helper()
	ctx := t.Context()

	conv := newTestConversation("user-1")
	conv.Title = title
	require.NoError(t, s.CreateConversation(ctx, conv))
	require.NoError(t, s.EndConversation(ctx, conv.ID, time.Now()))
	emb := pgvector.NewVector(vec)
	require.NoError(t, s.UpdateConversation(ctx, conv.ID, ConversationUpdate{Embedding: &emb}))
	return conv
}

func TestNearestConversations_AscendingDistanceAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	endedConversationWithEmbedding(t, s, "far", []float32{10, 0})
	endedConversationWithEmbedding(t, s, "near", []float32{1, 0})
	endedConversationWithEmbedding(t, s, "mid", []float32{5, 0})

	// Active conversations are excluded even with an embedding
	active := newTestConversation("user-1")
	active.Title = "active"
	emb := pgvector.NewVector([]float32{0, 0})
	active.Embedding = &emb
	require.NoError(t, s.CreateConversation(ctx, active))

	matches, err := s.NearestConversations(ctx, pgvector.NewVector([]float32{0, 0}), 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].Conversation.Title)
	assert.Equal(t, "mid", matches[1].Conversation.Title)
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)
}

func TestNearestMessages_OnlyEndedConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	ended := endedConversationWithEmbedding(t, s, "ended", []float32{1, 1})
	activeConv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, activeConv))

	for _, tc := range []struct {
		convID  string
		content string
		vec     []float32
	}{
		{ended.ID, "in ended", []float32{1, 0}},
		{activeConv.ID, "in active", []float32{0, 0}},
	} {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: tc.convID,
			Sender:         SenderUser,
			Content:        tc.content,
			Timestamp:      time.Now().UTC(),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
		require.NoError(t, s.UpdateMessageEmbedding(ctx, msg.ID, pgvector.NewVector(tc.vec)))
	}

	matches, err := s.NearestMessages(ctx, pgvector.NewVector([]float32{0, 0}), 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "in ended", matches[0].Message.Content)
	assert.Equal(t, "ended", matches[0].ConversationTitle)
}
