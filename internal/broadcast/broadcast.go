// ABOUTME: In-memory fan-out for ephemeral per-conversation presence signals
// ABOUTME: Typing indicators reach every joined session including the publisher

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// memberBufferSize is the channel buffer for each group member.
	memberBufferSize = 64
)

// Signal is an ephemeral presence event scoped to one conversation. Signals
// are never persisted; typing is the only signal type today.
type Signal struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

// Transport is the multicast contract the session layer depends on. The
// in-memory Registry is the single-process implementation; a multi-process
// deployment swaps in one backed by an external pub/sub transport.
type Transport interface {
	// Join registers a member for signals on the given conversation and
	// returns the delivery channel plus a member ID for later Leave. The
	// membership is cleaned up automatically when ctx is cancelled.
	Join(ctx context.Context, conversationID string) (<-chan Signal, string)

	// Leave removes a member and closes its channel.
	Leave(conversationID, memberID string)

	// Publish delivers a signal to every current member of the signal's
	// conversation, including the publisher. Best-effort: slow members drop.
	Publish(sig Signal)
}

// Registry provides in-memory pub/sub for presence signals, keyed by
// conversation ID. Membership is scoped to process lifetime.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]chan Signal // conversationID -> memberID -> ch
	logger  *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[string]map[string]chan Signal),
		logger:  logger.With("component", "broadcast"),
	}
}

// Join registers a member for signals on the given conversation.
func (r *Registry) Join(ctx context.Context, conversationID string) (<-chan Signal, string) {
	memberID := uuid.New().String()
	ch := make(chan Signal, memberBufferSize)

	r.mu.Lock()
	if _, ok := r.members[conversationID]; !ok {
		r.members[conversationID] = make(map[string]chan Signal)
	}
	r.members[conversationID][memberID] = ch
	r.mu.Unlock()

	r.logger.Debug("member joined",
		"conversation_id", conversationID,
		"member_id", memberID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		r.Leave(conversationID, memberID)
	}()

	return ch, memberID
}

// Publish sends a signal to all members of its conversation, the publisher
// included. Non-blocking: signals are dropped for members whose channels are
// full.
//
// The sends happen under the read lock. Leave and Close only close member
// channels under the write lock, so a send can never race a close; the
// default branch keeps the lock hold bounded.
func (r *Registry) Publish(sig Signal) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.members[sig.ConversationID] {
		select {
		case ch <- sig:
			// Sent
		default:
			r.logger.Debug("dropped signal for slow member",
				"conversation_id", sig.ConversationID)
		}
	}
}

// Leave removes a member and closes its channel.
func (r *Registry) Leave(conversationID, memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.members[conversationID]
	if !ok {
		return
	}

	ch, exists := members[memberID]
	if !exists {
		return
	}

	delete(members, memberID)
	close(ch)

	if len(members) == 0 {
		delete(r.members, conversationID)
	}

	r.logger.Debug("member left",
		"conversation_id", conversationID,
		"member_id", memberID)
}

// Close shuts down the registry and closes all member channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for convID, members := range r.members {
		for memberID, ch := range members {
			close(ch)
			delete(members, memberID)
		}
		delete(r.members, convID)
	}

	r.logger.Debug("registry closed")
}
