package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docloop/docloop/internal/db"
	"github.com/docloop/docloop/internal/retrieval"
)

// Store persists conversations and their messages in SQLite. It is the
// single source of truth; stage changes go through UpdateStage, which
// is a compare-and-swap so concurrent drivers serialize.
type Store struct {
	db *db.DB
}

// NewStore creates a conversation store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new conversation in the Retrieving stage with the
// question as its first message.
func (s *Store) Create(ctx context.Context, question string) (*Conversation, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, question, stage) VALUES (?, ?, ?)`,
		id, question, string(StageRetrieving))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	if _, err := s.appendMessage(ctx, id, RoleUser, sql.NullString{String: question, Valid: true}); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// Get loads a conversation snapshot with its ordered messages.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, stage, retrieved_context, pending_decision, human_comment, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	var (
		conv             Conversation
		stage            string
		contextJSON      string
		pendingJSON      sql.NullString
		comment          sql.NullString
		created, updated string
	)
	err := row.Scan(&conv.ID, &conv.Question, &stage, &contextJSON, &pendingJSON, &comment, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	conv.Stage = Stage(stage)
	conv.HumanComment = comment.String
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)

	if err := json.Unmarshal([]byte(contextJSON), &conv.RetrievedContext); err != nil {
		return nil, fmt.Errorf("decode retrieved context: %w", err)
	}
	if pendingJSON.Valid {
		var pd PendingDecision
		if err := json.Unmarshal([]byte(pendingJSON.String), &pd); err != nil {
			return nil, fmt.Errorf("decode pending decision: %w", err)
		}
		conv.Pending = &pd
	}

	conv.Messages, err = s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpdateStage transitions a conversation between stages. The write is a
// compare-and-swap on the expected current stage: if another caller got
// there first, no row matches and ErrInvalidStage is returned.
func (s *Store) UpdateStage(ctx context.Context, id string, from, to Stage) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStage, from, to)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET stage = ?, updated_at = datetime('now') WHERE id = ? AND stage = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stage rows: %w", err)
	}
	if n == 0 {
		if !s.exists(ctx, id) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: expected stage %s", ErrInvalidStage, from)
	}
	return nil
}

// SetRetrievedContext overwrites the conversation's retrieved context.
func (s *Store) SetRetrievedContext(ctx context.Context, id string, candidates []retrieval.Candidate) error {
	if candidates == nil {
		candidates = []retrieval.Candidate{}
	}
	data, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("encode retrieved context: %w", err)
	}
	return s.update(ctx, id, `retrieved_context = ?`, string(data))
}

// SetPendingDecision stores or clears (nil) the draft awaiting review.
func (s *Store) SetPendingDecision(ctx context.Context, id string, pd *PendingDecision) error {
	if pd == nil {
		return s.update(ctx, id, `pending_decision = NULL`)
	}
	data, err := json.Marshal(pd)
	if err != nil {
		return fmt.Errorf("encode pending decision: %w", err)
	}
	return s.update(ctx, id, `pending_decision = ?`, string(data))
}

// SetHumanComment stores the reviewer's last feedback comment; an empty
// comment clears it.
func (s *Store) SetHumanComment(ctx context.Context, id, comment string) error {
	if comment == "" {
		return s.update(ctx, id, `human_comment = NULL`)
	}
	return s.update(ctx, id, `human_comment = ?`, comment)
}

// AppendMessage appends a completed turn at the next order index.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Turn, error) {
	return s.appendMessage(ctx, conversationID, role, sql.NullString{String: content, Valid: true})
}

// AppendPending appends an assistant turn with no content yet. Tokens
// accumulate elsewhere; the turn is completed in one write when the
// draft finishes.
func (s *Store) AppendPending(ctx context.Context, conversationID string) (Turn, error) {
	return s.appendMessage(ctx, conversationID, RoleAssistant, sql.NullString{})
}

// CompleteMessage fills in the content of a pending turn.
func (s *Store) CompleteMessage(ctx context.Context, messageID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE id = ?`, content, messageID)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a turn. Only used to discard a pending
// assistant turn when draft generation fails.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *Store) appendMessage(ctx context.Context, conversationID string, role Role, content sql.NullString) (Turn, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, ord, role, content)
		VALUES (?, ?, (SELECT COALESCE(MAX(ord) + 1, 0) FROM messages WHERE conversation_id = ?), ?, ?)`,
		id, conversationID, conversationID, string(role), content)
	if err != nil {
		return Turn{}, fmt.Errorf("append message: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT ord, created_at FROM messages WHERE id = ?`, id)
	var (
		ord     int
		created string
	)
	if err := row.Scan(&ord, &created); err != nil {
		return Turn{}, fmt.Errorf("scan appended message: %w", err)
	}

	return Turn{
		ID:        id,
		Role:      role,
		Ord:       ord,
		Content:   content.String,
		Pending:   !content.Valid,
		CreatedAt: parseTime(created),
	}, nil
}

func (s *Store) messages(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ord, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY ord`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			role    string
			content sql.NullString
			created string
		)
		if err := rows.Scan(&t.ID, &t.Ord, &role, &content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		t.Role = Role(role)
		t.Content = content.String
		t.Pending = !content.Valid
		t.CreatedAt = parseTime(created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *Store) update(ctx context.Context, id, setClause string, args ...any) error {
	query := `UPDATE conversations SET ` + setClause + `, updated_at = datetime('now') WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id string) bool {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	return err == nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
