package conversation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
)

// DecisionRecorder receives review decisions for analytics. Recording
// is best-effort; failures never affect the conversation.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, conversationID, query, response, action, comment string, sourceCount int, confidence float32) error
}

// Orchestrator is the external control surface: it creates
// conversations, applies resume decisions and attaches stream sessions
// to live or checkpointed machines.
type Orchestrator struct {
	store    *Store
	machine  *Machine
	recorder DecisionRecorder

	mu   sync.Mutex
	live map[string]*broadcaster
}

// NewOrchestrator creates an orchestrator. recorder may be nil.
func NewOrchestrator(store *Store, machine *Machine, recorder DecisionRecorder) *Orchestrator {
	return &Orchestrator{
		store:    store,
		machine:  machine,
		recorder: recorder,
		live:     make(map[string]*broadcaster),
	}
}

// Create starts a new conversation for the question and returns its id
// immediately; retrieval and drafting proceed in the background. The
// machine runs on a background context so a client disconnect never
// cancels generation.
func (o *Orchestrator) Create(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	conv, err := o.store.Create(ctx, question)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	events := o.register(conv.ID)
	go func() {
		defer o.release(conv.ID, events)
		o.machine.Run(context.Background(), conv, events)
	}()

	log.Printf("conversation: created %s", conv.ID)
	return conv.ID, nil
}

// Resume applies a reviewer decision to a conversation suspended at
// AwaitingDecision. Approval runs finalization synchronously; feedback
// starts a background redraft that a subsequent OpenStream observes.
// The stage write is a compare-and-swap, so of two concurrent resumes
// at most one is accepted.
func (o *Orchestrator) Resume(ctx context.Context, id string, decision Decision, comment string) error {
	switch decision {
	case DecisionApproved:
	case DecisionFeedback:
		comment = strings.TrimSpace(comment)
		if comment == "" {
			return ErrEmptyComment
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	conv, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.Stage != StageAwaitingDecision {
		return fmt.Errorf("%w: conversation is %s", ErrInvalidStage, conv.Stage)
	}

	var draft string
	if conv.Pending != nil {
		draft = conv.Pending.Draft
	}

	if decision == DecisionApproved {
		if err := o.store.UpdateStage(ctx, id, StageAwaitingDecision, StageFinalizing); err != nil {
			return err
		}
		o.recordDecision(ctx, conv, draft, DecisionApproved, "")
		return o.machine.Finalize(ctx, conv)
	}

	if err := o.store.UpdateStage(ctx, id, StageAwaitingDecision, StageDrafting); err != nil {
		return err
	}
	o.recordDecision(ctx, conv, draft, DecisionFeedback, comment)

	if _, err := o.store.AppendMessage(ctx, id, RoleUser, comment); err != nil {
		return err
	}
	if err := o.store.SetHumanComment(ctx, id, comment); err != nil {
		return err
	}
	if err := o.store.SetPendingDecision(ctx, id, nil); err != nil {
		return err
	}

	events := o.register(id)
	go func() {
		defer o.release(id, events)
		o.machine.Redraft(context.Background(), conv, draft, comment, events)
	}()

	log.Printf("conversation: %s resumed with feedback", id)
	return nil
}

// OpenStream attaches a stream session to a conversation. A live
// machine yields the live event feed, fanned out to every attached
// session. A conversation already suspended or finished replays its
// terminal status event and closes; token history is not replayed.
func (o *Orchestrator) OpenStream(ctx context.Context, id string) (<-chan Event, func(), error) {
	conv, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	o.mu.Lock()
	events := o.live[id]
	o.mu.Unlock()

	if events != nil {
		if ch, cancel, ok := events.Subscribe(); ok {
			return ch, cancel, nil
		}
		// The run ended between lookup and subscribe; fall through to
		// a stage-based replay.
		if conv, err = o.store.Get(ctx, id); err != nil {
			return nil, nil, err
		}
	}

	ch := make(chan Event, 1)
	switch conv.Stage {
	case StageAwaitingDecision:
		ch <- StatusEvent(StatusUserFeedback)
	case StageFinished:
		ch <- StatusEvent(StatusFinished)
	}
	// Any other stage without a live run closes with no status event,
	// which clients treat as an abnormal end.
	close(ch)
	return ch, func() {}, nil
}

// Get returns the conversation snapshot.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Conversation, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) register(id string) *broadcaster {
	events := newBroadcaster()
	o.mu.Lock()
	o.live[id] = events
	o.mu.Unlock()
	return events
}

func (o *Orchestrator) release(id string, events *broadcaster) {
	o.mu.Lock()
	if o.live[id] == events {
		delete(o.live, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) recordDecision(ctx context.Context, conv *Conversation, draft string, decision Decision, comment string) {
	if o.recorder == nil {
		return
	}
	err := o.recorder.RecordDecision(ctx, conv.ID, conv.Question, draft, string(decision), comment,
		len(conv.RetrievedContext), meanConfidence(conv.RetrievedContext))
	if err != nil {
		log.Printf("conversation: recording %s decision for %s: %v", decision, conv.ID, err)
	}
}
