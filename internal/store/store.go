// ABOUTME: Store interface and data types for threadline persistence
// ABOUTME: Defines Conversation, Message, AnalysisJob and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConversationEnded is returned when ending a conversation that has
// already been ended. Ending is a one-way transition.
var ErrConversationEnded = errors.New("conversation already ended")

// ErrJobTerminal is returned when completing or failing a job that has
// already reached a terminal state.
var ErrJobTerminal = errors.New("analysis job already in terminal state")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationEnded:
		return true
	}
	return false
}

// SenderRole identifies who produced a message.
type SenderRole string

const (
	SenderUser   SenderRole = "user"
	SenderAI     SenderRole = "ai"
	SenderSystem SenderRole = "system"
)

// Valid reports whether r is a known role.
func (r SenderRole) Valid() bool {
	switch r {
	case SenderUser, SenderAI, SenderSystem:
		return true
	}
	return false
}

// JobType identifies an analysis pipeline step.
type JobType string

const (
	JobSummary   JobType = "summary"
	JobSentiment JobType = "sentiment"
	JobKeypoints JobType = "keypoints"
	JobEmbedding JobType = "embedding"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobSummary, JobSentiment, JobKeypoints, JobEmbedding:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status permits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Conversation is one chat between a set of participants. The embedding is
// present only after the analysis pipeline has run.
type Conversation struct {
	ID           string
	Title        string
	Participants []string
	Status       ConversationStatus
	StartTS      time.Time
	EndTS        *time.Time
	Summary      string
	Metadata     map[string]any
	Embedding    *pgvector.Vector
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID is a participant of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	if c.CreatedBy == userID {
		return true
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a single utterance within a conversation. Messages are immutable
// once written except for the embedding back-fill by the analysis pipeline.
type Message struct {
	ID             string
	ConversationID string
	Sender         SenderRole
	Content        string
	Timestamp      time.Time
	Tokens         *int
	Metadata       map[string]any
	Embedding      *pgvector.Vector
}

// AnalysisJob records one step of the post-conversation analysis pipeline.
// A failed job keeps its error text; jobs make at most one terminal
// transition.
type AnalysisJob struct {
	ID             string
	ConversationID string
	Type           JobType
	Status         JobStatus
	Result         map[string]any
	ErrorMessage   string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
}

// ConversationMatch is a conversation ranked by vector distance.
type ConversationMatch struct {
	Conversation *Conversation
	Distance     float64
}

// MessageMatch is a message ranked by vector distance, carrying its
// conversation title for display.
type MessageMatch struct {
	Message           *Message
	ConversationTitle string
	Distance          float64
}

// ConversationUpdate carries the mutable conversation fields written by the
// analysis pipeline and owning user. Nil fields are left untouched; Metadata
// is merged into the existing mapping, not replaced.
type ConversationUpdate struct {
	Title     *string
	Summary   *string
	Metadata  map[string]any
	Embedding *pgvector.Vector
}

// Store defines the interface for conversation, message, and job persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error
	EndConversation(ctx context.Context, id string, endTS time.Time) error
	ListConversationsByParticipant(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	UpdateMessageEmbedding(ctx context.Context, messageID string, embedding pgvector.Vector) error

	// Analysis jobs
	CreateJob(ctx context.Context, job *AnalysisJob) error
	CompleteJob(ctx context.Context, jobID string, result map[string]any, finishedAt time.Time) error
	FailJob(ctx context.Context, jobID string, errMsg string, finishedAt time.Time) error
	ListJobsByConversation(ctx context.Context, conversationID string) ([]*AnalysisJob, error)

	// Vector similarity (L2) over ended conversations and their messages,
	// ordered by ascending distance and truncated to limit.
	NearestConversations(ctx context.Context, vec pgvector.Vector, limit int) ([]*ConversationMatch, error)
	NearestMessages(ctx context.Context, vec pgvector.Vector, limit int) ([]*MessageMatch, error)

	Close() error
}
