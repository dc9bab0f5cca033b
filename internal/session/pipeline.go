// ABOUTME: Token stream pipeline: stream fragments, accumulate, then commit once
// ABOUTME: Commit runs on exhaustion or provider error, never after observed cancellation

package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/provider"
	"github.com/threadline-ai/threadline/internal/store"
)

// streamReply runs one token stream pipeline invocation: load the current
// message history, stream the provider's reply to the client while
// accumulating it, then commit exactly one AI message.
//
// Provider errors do not reach the client as failures; their text becomes the
// final fragment and the commit proceeds, so every user turn gets an AI-turn
// row. Cancellation observed between fragments discards the partial reply
// with no commit. Once the fragment stream is exhausted, the commit runs
// regardless of disconnect timing.
func (s *Session) streamReply(ctx context.Context) error {
	history, err := s.loadHistory(ctx)
	if err != nil {
		return err
	}

	var buf strings.Builder

	frags, err := s.provider.StreamCompletion(ctx, history, s.genOpts)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Provider refused the call outright: the error text is the reply.
		text := providerErrorText(err)
		buf.WriteString(text)
		s.send(tokenEvent(text))
		return s.commit(buf.String())
	}

loop:
	for {
		select {
		case frag, ok := <-frags:
			if !ok {
				break loop
			}
			if frag.Err != nil {
				// Mid-stream failure: inline as the final fragment and keep
				// going; the stream closes after a terminal error.
				text := providerErrorText(frag.Err)
				buf.WriteString(text)
				s.send(tokenEvent(text))
				continue
			}
			buf.WriteString(frag.Text)
			s.metrics.StreamedFragments.Inc()
			s.send(tokenEvent(frag.Text))
		case <-ctx.Done():
			// Disconnect before exhaustion: discard the partial reply.
			s.logger.Debug("stream cancelled before commit")
			return nil
		}
	}

	return s.commit(buf.String())
}

// loadHistory returns the conversation's messages mapped to the provider's
// role vocabulary, oldest first.
func (s *Session) loadHistory(ctx context.Context) ([]provider.ChatMessage, error) {
	msgs, err := s.store.ListMessages(ctx, s.conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	history := make([]provider.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		var role string
		switch msg.Sender {
		case store.SenderUser:
			role = provider.RoleUser
		case store.SenderAI:
			role = provider.RoleAssistant
		case store.SenderSystem:
			role = provider.RoleSystem
		default:
			return nil, fmt.Errorf("unknown sender role %q on message %s", msg.Sender, msg.ID)
		}
		history = append(history, provider.ChatMessage{Role: role, Content: msg.Content})
	}
	return history, nil
}

// commit persists the accumulated reply as one AI message and notifies the
// client. An empty buffer still commits so the turn is never silently
// dropped. The write uses its own timeout context so a disconnect after
// exhaustion cannot abort persistence.
func (s *Session) commit(text string) error {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: s.conversationID,
		Sender:         store.SenderAI,
		Content:        text,
		Timestamp:      time.Now().UTC(),
	}
	tokens := provider.EstimateTokens(text)
	msg.Tokens = &tokens

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveMessage(saveCtx, msg); err != nil {
		return fmt.Errorf("committing AI message: %w", err)
	}
	s.metrics.MessagesPersisted.WithLabelValues(string(store.SenderAI)).Inc()

	s.send(doneEvent(msg.ID, text))
	s.logger.Debug("reply committed", "message_id", msg.ID, "tokens", tokens)
	return nil
}

func providerErrorText(err error) string {
	return fmt.Sprintf("Error: %v", err)
}
