// ABOUTME: Tests for the conversation session and token stream pipeline
// ABOUTME: Covers ack/commit pairing, FIFO ordering, cancellation, and inline provider errors

package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/store"
)

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	in chan *ClientEvent

	mu     sync.Mutex
	events []*ServerEvent
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *ClientEvent, 16)}
}

func (c *fakeConn) ReadEvent(ctx context.Context) (*ClientEvent, error) {
	select {
	case ev, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteEvent(ctx context.Context, ev *ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent(eventType string) []*ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ServerEvent
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls until at least n events of the given type were written.
func (c *fakeConn) waitFor(t *testing.T, eventType string, n int) []*ServerEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.sent(eventType); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", n, eventType, len(c.sent(eventType)))
	return nil
}

// fakeProvider scripts streaming replies per call.
type fakeProvider struct {
	mu        sync.Mutex
	scripts   [][]provider.Fragment
	holdOpen  bool          // keep the stream open after the script until ctx ends
	startGate chan struct{} // when set, block fragment delivery until closed
	histories [][]provider.ChatMessage
	calls     int
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, msgs []provider.ChatMessage, opts provider.Options) (<-chan provider.Fragment, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.histories = append(f.histories, msgs)
	var script []provider.Fragment
	if len(f.scripts) > 0 {
		idx := call
		if idx >= len(f.scripts) {
			idx = len(f.scripts) - 1
		}
		script = f.scripts[idx]
	}
	gate := f.startGate
	hold := f.holdOpen
	f.mu.Unlock()

	out := make(chan provider.Fragment)
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, frag := range script {
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeProvider) Complete(ctx context.Context, msgs []provider.ChatMessage, opts provider.Options) (string, error) {
	return "", nil
}

func (f *fakeProvider) Embed(ctx context.Context, text string) []float32 {
	return make([]float32, 3)
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 3)
	}
	return out
}

func (f *fakeProvider) Dimension() int { return 3 }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fragments(texts ...string) []provider.Fragment {
	out := make([]provider.Fragment, len(texts))
	for i, text := range texts {
		out[i] = provider.Fragment{Text: text}
	}
	return out
}

func activeConversation(t *testing.T, st *store.MockStore, participants ...string) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{
		ID:           uuid.New().String(),
		Title:        "test",
		Participants: participants,
		Status:       store.ConversationActive,
		StartTS:      time.Now().UTC(),
		CreatedBy:    participants[0],
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateConversation(context.Background(), conv))
	return conv
}

func startSession(t *testing.T, st *store.MockStore, fp *fakeProvider, conv *store.Conversation, userID string) (*fakeConn, chan error) {
	t.Helper()
	conn := newFakeConn()
	groups := broadcast.NewRegistry(nil)
	t.Cleanup(groups.Close)
	sess := NewSession(conv.ID, userID, conn, st, fp, groups, nil, provider.Options{}, nil)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	return conn, done
}

func waitSession(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
		return nil
	}
}

func waitMessages(t *testing.T, st *store.MockStore, convID string, n int) []*store.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := st.ListMessages(context.Background(), convID)
		require.NoError(t, err)
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestSession_AccessDenied_NotParticipant(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "owner")

	conn, done := startSession(t, st, &fakeProvider{}, conv, "intruder")

	err := waitSession(t, done)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.True(t, conn.closed)
	assert.Empty(t, conn.events)
}

func TestSession_AccessDenied_EndedConversation(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	require.NoError(t, st.EndConversation(context.Background(), conv.ID, time.Now()))

	_, done := startSession(t, st, &fakeProvider{}, conv, "user-1")
	assert.ErrorIs(t, waitSession(t, done), ErrAccessDenied)
}

func TestSession_AccessDenied_MissingConversation(t *testing.T) {
	st := store.NewMockStore()
	conv := &store.Conversation{ID: "ghost"}

	_, done := startSession(t, st, &fakeProvider{}, conv, "user-1")
	assert.ErrorIs(t, waitSession(t, done), ErrAccessDenied)
}

func TestSession_UserMessage_AckAndSingleCommit(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	fp := &fakeProvider{scripts: [][]provider.Fragment{fragments("Hel", "lo")}}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "hi there", TempID: "tmp-1"}

	doneEvents := conn.waitFor(t, EventLLMDone, 1)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	acks := conn.sent(EventMessageAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "tmp-1", acks[0].TempID)
	assert.NotEmpty(t, acks[0].MessageID)
	assert.NotEmpty(t, acks[0].Timestamp)

	tokens := conn.sent(EventLLMToken)
	require.Len(t, tokens, 2)
	assert.Equal(t, "Hel", tokens[0].Token)
	require.NotNil(t, tokens[0].Done)
	assert.False(t, *tokens[0].Done)

	assert.Equal(t, "Hello", doneEvents[0].Text)

	msgs := waitMessages(t, st, conv.ID, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.Equal(t, store.SenderAI, msgs[1].Sender)
	assert.Equal(t, "Hello", msgs[1].Content)
	require.NotNil(t, msgs[1].Tokens)
	assert.Equal(t, 1, *msgs[1].Tokens)
	assert.Equal(t, doneEvents[0].MessageID, msgs[1].ID)
}

func TestSession_EmptyContentIsNoOp(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	fp := &fakeProvider{}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "   \n\t", TempID: "tmp-1"}
	time.Sleep(50 * time.Millisecond)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	assert.Empty(t, conn.sent(EventMessageAck))
	assert.Zero(t, fp.callCount())
	msgs, err := st.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSession_ProviderFailure_InlinesErrorAndCommits(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	fp := &fakeProvider{scripts: [][]provider.Fragment{{
		{Text: "partial "},
		{Err: io.ErrUnexpectedEOF},
	}}}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "hi", TempID: "tmp-1"}

	doneEvents := conn.waitFor(t, EventLLMDone, 1)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	// One ack, one commit, error text inlined as the final fragment
	assert.Len(t, conn.sent(EventMessageAck), 1)
	assert.Contains(t, doneEvents[0].Text, "partial ")
	assert.Contains(t, doneEvents[0].Text, "Error:")

	msgs := waitMessages(t, st, conv.ID, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SenderAI, msgs[1].Sender)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "partial "))
}

func TestSession_EmptyStreamStillCommits(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	fp := &fakeProvider{scripts: [][]provider.Fragment{{}}}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "hi", TempID: "tmp-1"}

	doneEvents := conn.waitFor(t, EventLLMDone, 1)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	assert.Equal(t, "", doneEvents[0].Text)
	msgs := waitMessages(t, st, conv.ID, 2)
	assert.Equal(t, store.SenderAI, msgs[1].Sender)
	assert.Equal(t, "", msgs[1].Content)
}

func TestSession_DisconnectMidStream_NoCommit(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	fp := &fakeProvider{
		scripts:  [][]provider.Fragment{fragments("first")},
		holdOpen: true,
	}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "hi", TempID: "tmp-1"}

	// Wait until the stream is live, then disconnect
	conn.waitFor(t, EventLLMToken, 1)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	msgs, err := st.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "partial reply must be discarded")
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Empty(t, conn.sent(EventLLMDone))
}

func TestSession_QueuedMessages_RepliesInOrder(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	gate := make(chan struct{})
	fp := &fakeProvider{
		scripts: [][]provider.Fragment{
			fragments("reply-one"),
			fragments("reply-two"),
		},
		startGate: gate,
	}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "first", TempID: "tmp-1"}
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "second", TempID: "tmp-2"}

	// Both user messages ack before any reply is allowed to stream
	conn.waitFor(t, EventMessageAck, 2)
	close(gate)

	conn.waitFor(t, EventLLMDone, 2)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	msgs := waitMessages(t, st, conv.ID, 4)
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "reply-one", msgs[2].Content)
	assert.Equal(t, "reply-two", msgs[3].Content)

	// The second turn's history includes the first AI reply
	fp.mu.Lock()
	defer fp.mu.Unlock()
	require.Len(t, fp.histories, 2)
	assert.Len(t, fp.histories[1], 3)
	assert.Equal(t, provider.RoleAssistant, fp.histories[1][2].Role)
}

func TestSession_TypingIndicator_ReachesAllMembersIncludingSender(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1", "user-2")
	groups := broadcast.NewRegistry(nil)
	t.Cleanup(groups.Close)

	connA := newFakeConn()
	connB := newFakeConn()
	sessA := NewSession(conv.ID, "user-1", connA, st, &fakeProvider{}, groups, nil, provider.Options{}, nil)
	sessB := NewSession(conv.ID, "user-2", connB, st, &fakeProvider{}, groups, nil, provider.Options{}, nil)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- sessA.Run(context.Background()) }()
	go func() { doneB <- sessB.Run(context.Background()) }()

	// Let both sessions join before publishing
	time.Sleep(50 * time.Millisecond)
	connA.in <- &ClientEvent{Type: EventTypingIndicator, IsTyping: true}

	for _, conn := range []*fakeConn{connA, connB} {
		evs := conn.waitFor(t, EventTypingIndicator, 1)
		assert.Equal(t, "user-1", evs[0].UserID)
		require.NotNil(t, evs[0].IsTyping)
		assert.True(t, *evs[0].IsTyping)
	}

	close(connA.in)
	close(connB.in)
	waitSession(t, doneA)
	waitSession(t, doneB)

	// Typing signals are never persisted
	msgs, err := st.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSession_PersistenceFailureSendsError(t *testing.T) {
	st := store.NewMockStore()
	conv := activeConversation(t, st, "user-1")
	st.FailSaves = io.ErrClosedPipe
	fp := &fakeProvider{}

	conn, done := startSession(t, st, fp, conv, "user-1")
	conn.in <- &ClientEvent{Type: EventUserMessage, Content: "hi", TempID: "tmp-1"}

	conn.waitFor(t, EventError, 1)
	close(conn.in)
	require.NoError(t, waitSession(t, done))

	assert.Empty(t, conn.sent(EventMessageAck))
	assert.Zero(t, fp.callCount())
}
