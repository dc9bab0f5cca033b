// ABOUTME: Conversation session owning one client connection's lifecycle
// ABOUTME: Validates access, serializes inbound events, and fans out presence signals

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/store"
)

// ErrAccessDenied is returned when the caller does not own the conversation
// or the conversation is not active. The transport is closed with no join.
var ErrAccessDenied = errors.New("access denied")

const (
	// outBufferSize is the outbound event channel buffer.
	outBufferSize = 64

	// turnBufferSize bounds user messages queued behind an in-flight reply.
	turnBufferSize = 16

	// persistTimeout bounds the commit write when the request context is
	// already gone.
	persistTimeout = 5 * time.Second
)

// Session owns one live client connection bound to one conversation. It runs
// a read loop, a single outbound writer, a presence signal pump, and a single
// turn worker so replies are generated strictly in message order.
type Session struct {
	conversationID string
	userID         string
	conn           Conn
	store          store.Store
	provider       provider.Provider
	groups         broadcast.Transport
	metrics        *metrics.Metrics
	genOpts        provider.Options
	logger         *slog.Logger

	mu     sync.RWMutex
	closed bool
	out    chan *ServerEvent
	turns  chan struct{}
}

// NewSession creates a session for an accepted connection. Pass nil logger
// for default.
func NewSession(conversationID, userID string, conn Conn, st store.Store, p provider.Provider, groups broadcast.Transport, m *metrics.Metrics, genOpts provider.Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Session{
		conversationID: conversationID,
		userID:         userID,
		conn:           conn,
		store:          st,
		provider:       p,
		groups:         groups,
		metrics:        m,
		genOpts:        genOpts,
		logger: logger.With("component", "session",
			"conversation_id", conversationID,
			"user_id", userID),
		out:   make(chan *ServerEvent, outBufferSize),
		turns: make(chan struct{}, turnBufferSize),
	}
}

// Run authorizes the connection and processes events until disconnect.
// On any authorization failure the transport is closed with no partial join.
func (s *Session) Run(ctx context.Context) error {
	conv, err := s.store.GetConversation(ctx, s.conversationID)
	if err != nil || !conv.HasParticipant(s.userID) || conv.Status != store.ConversationActive {
		s.conn.Close("access denied")
		return ErrAccessDenied
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals, memberID := s.groups.Join(ctx, s.conversationID)
	defer s.groups.Leave(s.conversationID, memberID)

	s.logger.Info("session active")

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		s.writeLoop(ctx)
	}()

	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		s.pumpSignals(ctx, signals)
	}()
	go func() {
		defer producers.Done()
		s.turnWorker(ctx)
	}()

	readErr := s.readLoop(ctx)

	// Disconnect: cancel the in-flight pipeline, stop producers, then shut
	// down the writer once nothing can send anymore.
	cancel()
	close(s.turns)
	producers.Wait()
	s.closeOut()
	writers.Wait()
	s.conn.Close("")

	s.logger.Info("session closed")
	return readErr
}

// readLoop decodes inbound events until the transport fails or ctx ends.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		ev, err := s.conn.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch ev.Type {
		case EventUserMessage:
			if err := s.handleUserMessage(ctx, ev); err != nil {
				s.logger.Error("user message failed", "error", err)
				s.send(&ServerEvent{Type: EventError, Error: "message could not be saved"})
			}
		case EventTypingIndicator:
			s.groups.Publish(broadcast.Signal{
				ConversationID: s.conversationID,
				UserID:         s.userID,
				IsTyping:       ev.IsTyping,
			})
		default:
			s.logger.Warn("unknown event type", "type", ev.Type)
		}
	}
}

// handleUserMessage persists the message, acknowledges it, and queues a reply
// turn. Empty and whitespace-only content is a no-op.
func (s *Session) handleUserMessage(ctx context.Context, ev *ClientEvent) error {
	if ev.EmptyContent() {
		return nil
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: s.conversationID,
		Sender:         store.SenderUser,
		Content:        ev.Content,
		Timestamp:      time.Now().UTC(),
		Metadata:       ev.Metadata,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("saving user message: %w", err)
	}
	s.metrics.MessagesPersisted.WithLabelValues(string(store.SenderUser)).Inc()

	s.send(ackEvent(ev.TempID, msg.ID, msg.Timestamp))

	// Queue the reply turn. The worker re-reads history per turn, so the
	// queue carries only order. Blocking here is backpressure on the reader.
	select {
	case s.turns <- struct{}{}:
	case <-ctx.Done():
	}
	return nil
}

// turnWorker generates replies one at a time in queue order.
func (s *Session) turnWorker(ctx context.Context) {
	for {
		select {
		case _, ok := <-s.turns:
			if !ok {
				return
			}
			if err := s.streamReply(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("reply stream failed", "error", err)
				s.send(&ServerEvent{Type: EventError, Error: "reply generation failed"})
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpSignals forwards broadcast presence signals to the client.
func (s *Session) pumpSignals(ctx context.Context, signals <-chan broadcast.Signal) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.send(typingEvent(sig.UserID, sig.IsTyping))
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the single writer to the transport.
func (s *Session) writeLoop(ctx context.Context) {
	for ev := range s.out {
		if err := s.conn.WriteEvent(ctx, ev); err != nil {
			s.logger.Debug("write failed", "error", err, "event_type", ev.Type)
		}
	}
}

// send queues an outbound event. Returns false if the session is closed or
// the outbound buffer is full (slow client, event dropped).
func (s *Session) send(ev *ServerEvent) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	// Hold the read lock while sending to prevent close during send
	select {
	case s.out <- ev:
		s.mu.RUnlock()
		return true
	default:
		s.mu.RUnlock()
		s.logger.Debug("outbound buffer full, dropping event", "event_type", ev.Type)
		return false
	}
}

// closeOut marks the session closed and closes the outbound channel.
func (s *Session) closeOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
