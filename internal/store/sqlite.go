// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Vector similarity is computed in-process since SQLite cannot rank vectors

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// automatically created if it doesn't exist. Parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: the pragmas below are per-connection, and one writer
	// avoids SQLITE_BUSY under concurrent transactions
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys so message/job rows cascade with their conversation
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			participants TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			start_ts DATETIME NOT NULL,
			end_ts DATETIME,
			summary TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding TEXT,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status_start
			ON conversations(status, start_ts);

		CREATE INDEX IF NOT EXISTS idx_conversations_created_by
			ON conversations(created_by, status);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			tokens INTEGER,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp
			ON messages(conversation_id, timestamp);

		CREATE TABLE IF NOT EXISTS analysis_jobs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			finished_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_conversation
			ON analysis_jobs(conversation_id, job_type);

		CREATE INDEX IF NOT EXISTS idx_jobs_status
			ON analysis_jobs(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}
	metadata, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, participants, status, start_ts, end_ts, summary, metadata, embedding, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, string(participants), string(conv.Status),
		conv.StartTS, conv.EndTS, conv.Summary, metadata,
		vectorText(conv.Embedding), conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, participants, status, start_ts, end_ts, summary, metadata, embedding, created_by, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// UpdateConversation applies the non-nil fields of upd. Metadata is merged
// into the stored mapping rather than replacing it. The read-merge-write runs
// in one transaction so concurrent merges cannot drop each other's keys.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, title, participants, status, start_ts, end_ts, summary, metadata, embedding, created_by, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return err
	}

	if upd.Title != nil {
		conv.Title = *upd.Title
	}
	if upd.Summary != nil {
		conv.Summary = *upd.Summary
	}
	if upd.Metadata != nil {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any)
		}
		for k, v := range upd.Metadata {
			conv.Metadata[k] = v
		}
	}
	if upd.Embedding != nil {
		conv.Embedding = upd.Embedding
	}

	metadata, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET title = ?, summary = ?, metadata = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, conv.Summary, metadata, vectorText(conv.Embedding), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// EndConversation transitions active -> ended and stamps end_ts. Ending an
// already-ended conversation returns ErrConversationEnded with no side
// effects.
func (s *SQLiteStore) EndConversation(ctx context.Context, id string, endTS time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, end_ts = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(ConversationEnded), endTS, time.Now().UTC(), id, string(ConversationActive),
	)
	if err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already-ended
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
		return ErrConversationEnded
	}
	return nil
}

// ListConversationsByParticipant returns conversations the user created or
// participates in, newest first.
func (s *SQLiteStore) ListConversationsByParticipant(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	// Participants are a JSON array; the LIKE match is broad but created_by
	// covers the common owner case exactly.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, participants, status, start_ts, end_ts, summary, metadata, embedding, created_by, created_at, updated_at
		FROM conversations
		WHERE created_by = ? OR participants LIKE ?
		ORDER BY start_ts DESC LIMIT ?`,
		userID, `%"`+userID+`"%`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// SaveMessage inserts a new message row.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content, timestamp, tokens, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Content,
		msg.Timestamp, msg.Tokens, metadata, vectorText(msg.Embedding),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns all messages of a conversation in timestamp order.
// This order is the input order fed to the completion provider.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, timestamp, tokens, metadata, embedding
		FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// UpdateMessageEmbedding back-fills a message's embedding vector.
func (s *SQLiteStore) UpdateMessageEmbedding(ctx context.Context, messageID string, embedding pgvector.Vector) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = ? WHERE id = ?`,
		embedding.String(), messageID,
	)
	if err != nil {
		return fmt.Errorf("updating message embedding: %w", err)
	}
	return requireRow(res)
}

// CreateJob inserts a new analysis job row.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *AnalysisJob) error {
	result, err := encodeMetadata(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (id, conversation_id, job_type, status, result, error_message, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConversationID, string(job.Type), string(job.Status),
		result, job.ErrorMessage, job.StartedAt, job.FinishedAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting analysis job: %w", err)
	}
	return nil
}

// CompleteJob transitions a job to completed. Terminal jobs are not touched.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result map[string]any, finishedAt time.Time) error {
	encoded, err := encodeMetadata(result)
	if err != nil {
		return err
	}
	return s.finishJob(ctx, jobID, JobCompleted, encoded, "", finishedAt)
}

// FailJob transitions a job to failed, retaining the error text.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, errMsg string, finishedAt time.Time) error {
	return s.finishJob(ctx, jobID, JobFailed, "{}", errMsg, finishedAt)
}

func (s *SQLiteStore) finishJob(ctx context.Context, jobID string, status JobStatus, result, errMsg string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs SET status = ?, result = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), result, errMsg, finishedAt,
		jobID, string(JobCompleted), string(JobFailed),
	)
	if err != nil {
		return fmt.Errorf("finishing analysis job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrJobTerminal
	}
	return nil
}

// ListJobsByConversation returns a conversation's analysis jobs, oldest first.
func (s *SQLiteStore) ListJobsByConversation(ctx context.Context, conversationID string) ([]*AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, job_type, status, result, error_message, started_at, finished_at, created_at
		FROM analysis_jobs WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing analysis jobs: %w", err)
	}
	defer rows.Close()

	var out []*AnalysisJob
	for rows.Next() {
		var (
			job        AnalysisJob
			jobType    string
			status     string
			result     string
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&job.ID, &job.ConversationID, &jobType, &status, &result, &job.ErrorMessage, &startedAt, &finishedAt, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning analysis job: %w", err)
		}
		job.Type = JobType(jobType)
		job.Status = JobStatus(status)
		if job.Result, err = decodeMetadata(result); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t := startedAt.Time
			job.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			job.FinishedAt = &t
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

// NearestConversations ranks ended conversations by L2 distance to vec.
// SQLite has no vector index, so candidates are scanned and ranked here;
// the candidate set is bounded by the ended+embedded filter.
func (s *SQLiteStore) NearestConversations(ctx context.Context, vec pgvector.Vector, limit int) ([]*ConversationMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, participants, status, start_ts, end_ts, summary, metadata, embedding, created_by, created_at, updated_at
		FROM conversations
		WHERE status = ? AND embedding IS NOT NULL
		ORDER BY rowid ASC`,
		string(ConversationEnded),
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversations for similarity: %w", err)
	}
	defer rows.Close()

	query := vec.Slice()
	var matches []*ConversationMatch
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		if conv.Embedding == nil {
			continue
		}
		matches = append(matches, &ConversationMatch{
			Conversation: conv,
			Distance:     l2Distance(query, conv.Embedding.Slice()),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// NearestMessages ranks messages of ended conversations by L2 distance to vec.
func (s *SQLiteStore) NearestMessages(ctx context.Context, vec pgvector.Vector, limit int) ([]*MessageMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender, m.content, m.timestamp, m.tokens, m.metadata, m.embedding, c.title
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.status = ? AND m.embedding IS NOT NULL
		ORDER BY m.rowid ASC`,
		string(ConversationEnded),
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages for similarity: %w", err)
	}
	defer rows.Close()

	query := vec.Slice()
	var matches []*MessageMatch
	for rows.Next() {
		var (
			msg       Message
			sender    string
			tokens    sql.NullInt64
			metadata  string
			embedding sql.NullString
			title     string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &msg.Timestamp, &tokens, &metadata, &embedding, &title); err != nil {
			return nil, fmt.Errorf("scanning message match: %w", err)
		}
		msg.Sender = SenderRole(sender)
		if tokens.Valid {
			n := int(tokens.Int64)
			msg.Tokens = &n
		}
		var err error
		if msg.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		if msg.Embedding, err = decodeVector(embedding); err != nil {
			return nil, err
		}
		if msg.Embedding == nil {
			continue
		}
		matches = append(matches, &MessageMatch{
			Message:           &msg,
			ConversationTitle: title,
			Distance:          l2Distance(query, msg.Embedding.Slice()),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conv         Conversation
		participants string
		status       string
		endTS        sql.NullTime
		metadata     string
		embedding    sql.NullString
	)
	err := row.Scan(&conv.ID, &conv.Title, &participants, &status, &conv.StartTS, &endTS,
		&conv.Summary, &metadata, &embedding, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Status = ConversationStatus(status)
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if endTS.Valid {
		t := endTS.Time
		conv.EndTS = &t
	}
	if conv.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if conv.Embedding, err = decodeVector(embedding); err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg       Message
		sender    string
		tokens    sql.NullInt64
		metadata  string
		embedding sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &msg.Timestamp, &tokens, &metadata, &embedding)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.Sender = SenderRole(sender)
	if tokens.Valid {
		n := int(tokens.Int64)
		msg.Tokens = &n
	}
	if msg.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if msg.Embedding, err = decodeVector(embedding); err != nil {
		return nil, err
	}
	return &msg, nil
}

// vectorText renders a vector in pgvector text form for storage, or nil for
// a NULL column.
func vectorText(v *pgvector.Vector) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func decodeVector(col sql.NullString) (*pgvector.Vector, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var vec pgvector.Vector
	if err := vec.Scan(col.String); err != nil {
		return nil, fmt.Errorf("decoding embedding: %w", err)
	}
	return &vec, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// l2Distance computes Euclidean distance between two vectors. Dimension
// mismatches rank last rather than erroring.
func l2Distance(a, b []float32) float64 {
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

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
