package conversation

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/docloop/docloop/internal/llm"
	"github.com/docloop/docloop/internal/retrieval"
	"github.com/docloop/docloop/internal/vectordb"
)

// ContextRetriever is the retrieval gateway consumed by the machine.
// *retrieval.Retriever satisfies it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string) (retrieval.Result, error)
	RecordValidated(ctx context.Context, answer vectordb.ValidatedAnswer) error
}

// Machine drives one conversation through its stages. It runs
// non-concurrently per conversation: each call covers one uninterrupted
// span between suspension points, and the store's compare-and-swap
// stage writes keep competing drivers out.
type Machine struct {
	store     *Store
	retriever ContextRetriever
	provider  llm.Provider
	model     string
}

// NewMachine creates a state machine over the given collaborators.
func NewMachine(store *Store, retriever ContextRetriever, provider llm.Provider, model string) *Machine {
	return &Machine{store: store, retriever: retriever, provider: provider, model: model}
}

// Run takes a freshly created conversation from Retrieving through
// Drafting to the AwaitingDecision suspension point, publishing events
// along the way. A retrieval gateway failure is terminal: the
// conversation moves to Failed and the stream closes without a status
// event. An empty retrieval result is not a failure.
func (m *Machine) Run(ctx context.Context, conv *Conversation, events *broadcaster) {
	defer events.Close()

	result, err := m.retriever.Retrieve(ctx, conv.Question)
	if err != nil {
		log.Printf("conversation: retrieval failed for %s: %v", conv.ID, err)
		if serr := m.store.UpdateStage(ctx, conv.ID, StageRetrieving, StageFailed); serr != nil {
			log.Printf("conversation: marking %s failed: %v", conv.ID, serr)
		}
		return
	}

	if err := m.store.SetRetrievedContext(ctx, conv.ID, result.Candidates); err != nil {
		log.Printf("conversation: storing context for %s: %v", conv.ID, err)
		return
	}
	if err := m.store.UpdateStage(ctx, conv.ID, StageRetrieving, StageDrafting); err != nil {
		log.Printf("conversation: %s: %v", conv.ID, err)
		return
	}

	confidence := meanConfidence(result.Candidates)
	events.Publish(SourcesEvent(result.Candidates, confidence))
	log.Printf("conversation: %s retrieved %d candidates (confidence %.2f)",
		conv.ID, len(result.Candidates), confidence)

	msgs := draftMessages(conv.Question, result.Candidates, confidence)
	m.draft(ctx, conv.ID, msgs, result.Candidates, "", events)
}

// Redraft re-runs drafting after a feedback decision, reusing the
// conversation's prior retrieved context. The comment has already been
// appended to the message history; it is consumed (cleared) when the
// redraft completes.
func (m *Machine) Redraft(ctx context.Context, conv *Conversation, priorDraft, comment string, events *broadcaster) {
	defer events.Close()

	msgs := revisionMessages(conv.Question, priorDraft, comment, conv.RetrievedContext)
	m.draft(ctx, conv.ID, msgs, conv.RetrievedContext, comment, events)
}

// draft streams one generation pass, records the completed assistant
// turn and checkpoints into AwaitingDecision. On a generation failure
// the conversation stays in Drafting, its last checkpointed stage, and
// the stream closes without a status event.
func (m *Machine) draft(ctx context.Context, id string, msgs []llm.Message, candidates []retrieval.Candidate, consumedComment string, events *broadcaster) {
	turn, err := m.store.AppendPending(ctx, id)
	if err != nil {
		log.Printf("conversation: %s: %v", id, err)
		return
	}

	resp, err := m.provider.Stream(ctx, llm.CompletionRequest{
		Model:    m.model,
		Messages: msgs,
	}, func(text string) {
		events.Publish(TokenEvent(text))
	})
	if err != nil {
		log.Printf("conversation: drafting failed for %s: %v", id, err)
		if derr := m.store.DeleteMessage(ctx, turn.ID); derr != nil {
			log.Printf("conversation: discarding pending turn for %s: %v", id, derr)
		}
		return
	}

	if err := m.store.CompleteMessage(ctx, turn.ID, resp.Content); err != nil {
		log.Printf("conversation: %s: %v", id, err)
		return
	}
	if err := m.store.SetPendingDecision(ctx, id, &PendingDecision{Draft: resp.Content, Context: candidates}); err != nil {
		log.Printf("conversation: %s: %v", id, err)
		return
	}
	if consumedComment != "" {
		if err := m.store.SetHumanComment(ctx, id, ""); err != nil {
			log.Printf("conversation: %s: %v", id, err)
		}
	}
	if err := m.store.UpdateStage(ctx, id, StageDrafting, StageAwaitingDecision); err != nil {
		log.Printf("conversation: %s: %v", id, err)
		return
	}

	events.Publish(StatusEvent(StatusUserFeedback))
	log.Printf("conversation: %s awaiting decision (%d chars drafted)", id, len(resp.Content))
}

// Finalize records the approved draft as a validated answer and moves
// the conversation to Finished. The caller has already swapped the
// stage to Finalizing. The knowledge-base write is best-effort: a
// failure there is logged, never blocks completion.
func (m *Machine) Finalize(ctx context.Context, conv *Conversation) error {
	if conv.Pending != nil {
		answer := vectordb.ValidatedAnswer{
			ID:             uuid.NewString(),
			Answer:         conv.Pending.Draft,
			Query:          conv.Question,
			ConversationID: conv.ID,
			SourceFiles:    retrieval.SourceFiles(conv.Pending.Context),
			ApprovedAt:     time.Now().UTC(),
		}
		if err := m.retriever.RecordValidated(ctx, answer); err != nil {
			log.Printf("conversation: recording validated answer for %s: %v", conv.ID, err)
		}
	}

	if err := m.store.SetPendingDecision(ctx, conv.ID, nil); err != nil {
		return err
	}
	if err := m.store.UpdateStage(ctx, conv.ID, StageFinalizing, StageFinished); err != nil {
		return err
	}
	log.Printf("conversation: %s finished", conv.ID)
	return nil
}
