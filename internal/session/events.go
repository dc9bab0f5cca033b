// ABOUTME: Wire-level event types for the duplex conversation connection
// ABOUTME: JSON tagged unions matching the client protocol

package session

import (
	"strings"
	"time"
)

// Inbound event types.
const (
	EventUserMessage     = "user_message"
	EventTypingIndicator = "typing_indicator"
)

// Outbound event types.
const (
	EventMessageAck = "message_ack"
	EventLLMToken   = "llm_token"
	EventLLMDone    = "llm_done"
	EventError      = "error"
)

// ClientEvent is an inbound event from the connected client. Type selects
// which of the remaining fields are meaningful.
type ClientEvent struct {
	Type     string         `json:"type"`
	Content  string         `json:"content,omitempty"`
	TempID   string         `json:"temp_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	IsTyping bool           `json:"is_typing,omitempty"`
}

// EmptyContent reports whether the event carries no usable message content.
// Empty and whitespace-only user messages are dropped as no-ops.
func (e *ClientEvent) EmptyContent() bool {
	return strings.TrimSpace(e.Content) == ""
}

// ServerEvent is an outbound event to the connected client, a tagged union
// over the ack, token, done, typing, and error shapes.
type ServerEvent struct {
	Type      string `json:"type"`
	TempID    string `json:"temp_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Token     string `json:"token,omitempty"`
	Done      *bool  `json:"done,omitempty"`
	Text      string `json:"text,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	IsTyping  *bool  `json:"is_typing,omitempty"`
	Error     string `json:"error,omitempty"`
}

func ackEvent(tempID, messageID string, ts time.Time) *ServerEvent {
	return &ServerEvent{
		Type:      EventMessageAck,
		TempID:    tempID,
		MessageID: messageID,
		Timestamp: ts.UTC().Format(time.RFC3339),
	}
}

func tokenEvent(token string) *ServerEvent {
	done := false
	return &ServerEvent{
		Type:  EventLLMToken,
		Token: token,
		Done:  &done,
	}
}

func doneEvent(messageID, text string) *ServerEvent {
	return &ServerEvent{
		Type:      EventLLMDone,
		MessageID: messageID,
		Text:      text,
	}
}

func typingEvent(userID string, isTyping bool) *ServerEvent {
	typing := isTyping
	return &ServerEvent{
		Type:     EventTypingIndicator,
		UserID:   userID,
		IsTyping: &typing,
	}
}
