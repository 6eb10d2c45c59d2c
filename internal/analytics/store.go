package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docloop/docloop/internal/db"
)

// Action is the reviewer verdict recorded with a validation event.
type Action string

const (
	ActionApproved Action = "approved"
	ActionFeedback Action = "feedback"
)

// Event is one recorded review decision.
type Event struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	Query           string    `json:"query"`
	Response        string    `json:"response"`
	Action          Action    `json:"action"`
	FeedbackComment string    `json:"feedback_comment,omitempty"`
	SourceCount     int       `json:"source_count"`
	Confidence      float32   `json:"retrieval_confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

// Stats aggregates validation events into review-quality metrics.
type Stats struct {
	TotalEvents   int     `json:"total_events"`
	Approved      int     `json:"approved"`
	Feedback      int     `json:"feedback"`
	ApprovalRate  float64 `json:"approval_rate"`
	FeedbackRate  float64 `json:"feedback_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Store persists validation events in SQLite.
type Store struct {
	db *db.DB
}

// NewStore creates an analytics store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// RecordDecision persists one review decision. It implements the
// conversation orchestrator's DecisionRecorder.
func (s *Store) RecordDecision(ctx context.Context, conversationID, query, response, action, comment string, sourceCount int, confidence float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_events (id, conversation_id, query, response, action, feedback_comment, source_count, retrieval_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, query, response, action,
		sql.NullString{String: comment, Valid: comment != ""}, sourceCount, confidence)
	if err != nil {
		return fmt.Errorf("insert validation event: %w", err)
	}
	return nil
}

// Stats computes aggregate review metrics over all recorded events.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN action = 'approved' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN action = 'feedback' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(retrieval_confidence), 0)
		FROM validation_events`)

	var stats Stats
	if err := row.Scan(&stats.TotalEvents, &stats.Approved, &stats.Feedback, &stats.AvgConfidence); err != nil {
		return Stats{}, fmt.Errorf("scan validation stats: %w", err)
	}
	if stats.TotalEvents > 0 {
		stats.ApprovalRate = float64(stats.Approved) / float64(stats.TotalEvents)
		stats.FeedbackRate = float64(stats.Feedback) / float64(stats.TotalEvents)
	}
	return stats, nil
}

// RecentFeedback lists the most recent feedback events, newest first.
func (s *Store) RecentFeedback(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, query, response, action, feedback_comment, source_count, retrieval_confidence, created_at
		FROM validation_events
		WHERE action = 'feedback'
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query feedback events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ByConversation lists all events for one conversation in record order.
func (s *Store) ByConversation(ctx context.Context, conversationID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, query, response, action, feedback_comment, source_count, retrieval_confidence, created_at
		FROM validation_events
		WHERE conversation_id = ?
		ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev      Event
			action  string
			comment sql.NullString
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Query, &ev.Response, &action, &comment, &ev.SourceCount, &ev.Confidence, &created); err != nil {
			return nil, fmt.Errorf("scan validation event: %w", err)
		}
		ev.Action = Action(action)
		ev.FeedbackComment = comment.String
		if t, err := time.Parse(time.DateTime, created); err == nil {
			ev.CreatedAt = t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
