package conversation

import (
	"errors"
	"time"

	"github.com/docloop/docloop/internal/retrieval"
)

// Stage is the current phase of a conversation's lifecycle.
type Stage string

const (
	StageRetrieving       Stage = "retrieving"
	StageDrafting         Stage = "drafting"
	StageAwaitingDecision Stage = "awaiting_decision"
	StageFinalizing       Stage = "finalizing"
	StageFinished         Stage = "finished"
	StageFailed           Stage = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageFinished || s == StageFailed
}

// canTransition is the single authority on legal stage transitions.
// Every stage change in this package goes through it.
func canTransition(from, to Stage) bool {
	switch from {
	case StageRetrieving:
		return to == StageDrafting || to == StageFailed
	case StageDrafting:
		return to == StageAwaitingDecision
	case StageAwaitingDecision:
		return to == StageFinalizing || to == StageDrafting
	case StageFinalizing:
		return to == StageFinished
	case StageFinished, StageFailed:
		return false
	default:
		return false
	}
}

// Decision is a reviewer's verdict on a draft answer.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionFeedback Decision = "feedback"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation. Content is empty and Pending
// is true for an assistant turn whose draft is still being generated.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Ord       int       `json:"ord"`
	Content   string    `json:"content"`
	Pending   bool      `json:"pending,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingDecision holds the draft awaiting human review together with
// the retrieved context that produced it, so a feedback decision can
// redraft without re-running retrieval.
type PendingDecision struct {
	Draft   string                `json:"draft"`
	Context []retrieval.Candidate `json:"context"`
}

// Conversation is the durable unit of state for one question-answer-
// review cycle, possibly spanning multiple feedback rounds.
type Conversation struct {
	ID               string                `json:"id"`
	Question         string                `json:"question"`
	Stage            Stage                 `json:"stage"`
	Messages         []Turn                `json:"messages"`
	RetrievedContext []retrieval.Candidate `json:"retrieved_context"`
	Pending          *PendingDecision      `json:"pending_decision,omitempty"`
	HumanComment     string                `json:"human_comment,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

var (
	// ErrNotFound is returned when a conversation id is unknown.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidStage is returned when an operation is attempted against
	// a stage that does not allow it, including lost CAS races.
	ErrInvalidStage = errors.New("conversation stage does not allow this operation")
	// ErrInvalidDecision is returned for unrecognized decision values.
	ErrInvalidDecision = errors.New("decision must be approved or feedback")
	// ErrEmptyQuestion is returned when a conversation is created
	// without question text.
	ErrEmptyQuestion = errors.New("question must not be empty")
	// ErrEmptyComment is returned when a feedback decision carries no
	// usable comment.
	ErrEmptyComment = errors.New("feedback decision requires a non-empty comment")
)
