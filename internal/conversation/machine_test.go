package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docloop/docloop/internal/db"
	"github.com/docloop/docloop/internal/llm"
	"github.com/docloop/docloop/internal/retrieval"
	"github.com/docloop/docloop/internal/vectordb"
)

// fakeRetriever returns a canned retrieval result. A non-nil gate makes
// Retrieve block until the gate is closed, so tests can attach a stream
// before any events fire.
type fakeRetriever struct {
	mu       sync.Mutex
	result   retrieval.Result
	err      error
	gate     chan struct{}
	recorded []vectordb.ValidatedAnswer
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string) (retrieval.Result, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.result, f.err
}

func (f *fakeRetriever) RecordValidated(_ context.Context, a vectordb.ValidatedAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, a)
	return nil
}

func (f *fakeRetriever) recordedAnswers() []vectordb.ValidatedAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vectordb.ValidatedAnswer(nil), f.recorded...)
}

// scriptProvider replays fragment scripts, one per successive Stream
// call. The last script repeats if there are more calls than scripts.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]string
	calls   int
	err     error
	gate    chan struct{}
}

func (p *scriptProvider) Stream(_ context.Context, req llm.CompletionRequest, onDelta func(string)) (*llm.CompletionResponse, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return nil, p.err
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	script := p.scripts[idx]
	p.mu.Unlock()

	var sb strings.Builder
	for _, frag := range script {
		onDelta(frag)
		sb.WriteString(frag)
	}
	return &llm.CompletionResponse{Content: sb.String(), Model: req.Model}, nil
}

func (p *scriptProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.Stream(ctx, req, func(string) {})
}

func (p *scriptProvider) Name() string { return "script" }

func defaultCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{Content: "ports are configured in .docloop.yml", Provenance: retrieval.ProvenanceChunk, Confidence: 0.8, SourceFile: "config.md", Section: "Ports"},
		{Content: "set DOCLOOP_PORT to override", Provenance: retrieval.ProvenanceChunk, Confidence: 0.6, SourceFile: "config.md", Section: "Env"},
	}
}

func newTestOrchestrator(t *testing.T, ret ContextRetriever, prov llm.Provider) (*Orchestrator, *Store) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := NewStore(database)
	machine := NewMachine(store, ret, prov, "test-model")
	return NewOrchestrator(store, machine, nil), store
}

func waitForStage(t *testing.T, store *Store, id string, want Stage) *Conversation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conv, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if conv.Stage == want {
			return conv
		}
		time.Sleep(5 * time.Millisecond)
	}
	conv, _ := store.Get(context.Background(), id)
	t.Fatalf("timed out waiting for stage %s (stuck at %s)", want, conv.Stage)
	return nil
}

func drainEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out draining events (got %d so far)", len(events))
		}
	}
}

func TestHappyPathStageSequence(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates(), Confidence: 0.8}}
	prov := &scriptProvider{scripts: [][]string{{"The port ", "is 8080."}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "how do I change the port?")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conv := waitForStage(t, store, id, StageAwaitingDecision)
	if conv.Pending == nil {
		t.Fatal("pending decision missing at AwaitingDecision")
	}
	if conv.Pending.Draft != "The port is 8080." {
		t.Errorf("draft = %q", conv.Pending.Draft)
	}

	if err := orch.Resume(context.Background(), id, DecisionApproved, ""); err != nil {
		t.Fatalf("Resume approved: %v", err)
	}

	conv = waitForStage(t, store, id, StageFinished)
	if conv.Pending != nil {
		t.Error("pending decision should be cleared at Finished")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != RoleUser || conv.Messages[1].Role != RoleAssistant {
		t.Errorf("message roles = %s, %s", conv.Messages[0].Role, conv.Messages[1].Role)
	}

	recorded := ret.recordedAnswers()
	if len(recorded) != 1 {
		t.Fatalf("validated answers recorded = %d, want 1", len(recorded))
	}
	if recorded[0].Answer != "The port is 8080." {
		t.Errorf("recorded answer = %q", recorded[0].Answer)
	}
	if len(recorded[0].SourceFiles) != 1 || recorded[0].SourceFiles[0] != "config.md" {
		t.Errorf("recorded source files = %v", recorded[0].SourceFiles)
	}
}

func TestTokenConcatenationMatchesFinalMessage(t *testing.T) {
	gate := make(chan struct{})
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}, gate: gate}
	prov := &scriptProvider{scripts: [][]string{{"a", "bc", "", "def", "g"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch, cancel, err := orch.OpenStream(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer cancel()
	close(gate)

	events := drainEvents(t, ch)

	var concat strings.Builder
	for _, ev := range events {
		if ev.Kind == EventToken {
			concat.WriteString(ev.Text)
		}
	}

	conv := waitForStage(t, store, id, StageAwaitingDecision)
	final := conv.Messages[len(conv.Messages)-1]
	if final.Role != RoleAssistant {
		t.Fatalf("last message role = %s", final.Role)
	}
	if concat.String() != final.Content {
		t.Errorf("token concatenation %q != final content %q", concat.String(), final.Content)
	}
	if final.Content != "abcdefg" {
		t.Errorf("final content = %q", final.Content)
	}
}

func TestResumeRejectsWrongStage(t *testing.T) {
	gate := make(chan struct{})
	ret := &fakeRetriever{result: retrieval.Result{}, gate: gate}
	prov := &scriptProvider{scripts: [][]string{{"draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "what is X")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Machine is still blocked in Retrieving.
	err = orch.Resume(context.Background(), id, DecisionApproved, "")
	if !errors.Is(err, ErrInvalidStage) {
		t.Errorf("Resume during retrieving: err = %v, want ErrInvalidStage", err)
	}

	conv, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Stage != StageRetrieving {
		t.Errorf("stage changed to %s by rejected resume", conv.Stage)
	}

	close(gate)
	waitForStage(t, store, id, StageAwaitingDecision)
}

func TestFeedbackPreservesHistory(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{scripts: [][]string{{"first draft"}, {"shorter draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "Q1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStage(t, store, id, StageAwaitingDecision)

	if err := orch.Resume(context.Background(), id, DecisionFeedback, "be shorter"); err != nil {
		t.Fatalf("Resume feedback: %v", err)
	}
	conv := waitForStage(t, store, id, StageAwaitingDecision)

	want := []struct {
		role    Role
		content string
	}{
		{RoleUser, "Q1"},
		{RoleAssistant, "first draft"},
		{RoleUser, "be shorter"},
		{RoleAssistant, "shorter draft"},
	}
	if len(conv.Messages) != len(want) {
		t.Fatalf("messages = %d, want %d", len(conv.Messages), len(want))
	}
	for i, w := range want {
		got := conv.Messages[i]
		if got.Role != w.role || got.Content != w.content {
			t.Errorf("message[%d] = %s %q, want %s %q", i, got.Role, got.Content, w.role, w.content)
		}
		if got.Ord != i {
			t.Errorf("message[%d] ord = %d", i, got.Ord)
		}
	}

	if conv.HumanComment != "" {
		t.Errorf("human comment not cleared after redraft: %q", conv.HumanComment)
	}
	if conv.Pending == nil || conv.Pending.Draft != "shorter draft" {
		t.Errorf("pending decision after redraft = %+v", conv.Pending)
	}
}

func TestTerminalImmutability(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{scripts: [][]string{{"draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStage(t, store, id, StageAwaitingDecision)
	if err := orch.Resume(context.Background(), id, DecisionApproved, ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	before := waitForStage(t, store, id, StageFinished)

	for _, decision := range []Decision{DecisionApproved, DecisionFeedback} {
		err := orch.Resume(context.Background(), id, decision, "more feedback")
		if !errors.Is(err, ErrInvalidStage) {
			t.Errorf("Resume(%s) on finished: err = %v, want ErrInvalidStage", decision, err)
		}
	}

	after, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Stage != StageFinished {
		t.Errorf("stage = %s after rejected resumes", after.Stage)
	}
	if len(after.Messages) != len(before.Messages) {
		t.Errorf("messages changed: %d -> %d", len(before.Messages), len(after.Messages))
	}
}

func TestLateAttachReplaysFinishedStatus(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{scripts: [][]string{{"draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStage(t, store, id, StageAwaitingDecision)
	if err := orch.Resume(context.Background(), id, DecisionApproved, ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStage(t, store, id, StageFinished)

	ch, cancel, err := orch.OpenStream(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer cancel()

	events := drainEvents(t, ch)
	if len(events) != 1 {
		t.Fatalf("replayed events = %d, want exactly 1", len(events))
	}
	if events[0].Kind != EventStatus || events[0].Status != StatusFinished {
		t.Errorf("replayed event = %+v, want status finished", events[0])
	}
}

func TestEmptyRetrievalProceedsWithZeroConfidence(t *testing.T) {
	gate := make(chan struct{})
	ret := &fakeRetriever{result: retrieval.Result{}, gate: gate}
	prov := &scriptProvider{scripts: [][]string{{"answer from base knowledge"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "obscure question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch, cancel, err := orch.OpenStream(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer cancel()
	close(gate)

	events := drainEvents(t, ch)
	if len(events) == 0 || events[0].Kind != EventSources {
		t.Fatalf("first event = %+v, want sources", events)
	}
	if len(events[0].Candidates) != 0 {
		t.Errorf("candidates = %d, want 0", len(events[0].Candidates))
	}
	if events[0].Confidence != 0 {
		t.Errorf("confidence = %v, want 0", events[0].Confidence)
	}

	last := events[len(events)-1]
	if last.Kind != EventStatus || last.Status != StatusUserFeedback {
		t.Errorf("last event = %+v, want status user_feedback", last)
	}
	waitForStage(t, store, id, StageAwaitingDecision)
}

func TestRetrievalFailureMarksFailed(t *testing.T) {
	gate := make(chan struct{})
	ret := &fakeRetriever{err: errors.New("vector store unreachable"), gate: gate}
	prov := &scriptProvider{scripts: [][]string{{"never"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch, cancel, err := orch.OpenStream(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer cancel()
	close(gate)

	events := drainEvents(t, ch)
	for _, ev := range events {
		if ev.Kind == EventStatus {
			t.Errorf("failed conversation should close without a status event, got %+v", ev)
		}
	}
	waitForStage(t, store, id, StageFailed)
}

func TestGenerationFailureStaysInDrafting(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{err: errors.New("model unavailable")}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conv := waitForStage(t, store, id, StageDrafting)
	// Give the machine time to (not) advance further.
	time.Sleep(50 * time.Millisecond)
	conv, err = store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Stage != StageDrafting {
		t.Errorf("stage = %s, want drafting (last checkpoint)", conv.Stage)
	}
	if len(conv.Messages) != 1 {
		t.Errorf("messages = %d, want only the question (pending turn discarded)", len(conv.Messages))
	}
}

func TestConcurrentResumeSerialized(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{scripts: [][]string{{"draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStage(t, store, id, StageAwaitingDecision)

	const n = 4
	errs := make(chan error, n)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < n; i++ {
		go func() {
			start.Wait()
			errs <- orch.Resume(context.Background(), id, DecisionApproved, "")
		}()
	}
	start.Done()

	accepted := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			accepted++
		} else if !errors.Is(err, ErrInvalidStage) {
			t.Errorf("unexpected resume error: %v", err)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted resumes = %d, want exactly 1", accepted)
	}

	waitForStage(t, store, id, StageFinished)
	if got := len(ret.recordedAnswers()); got != 1 {
		t.Errorf("validated answers recorded = %d, want 1", got)
	}
}

func TestCreateRejectsEmptyQuestion(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeRetriever{}, &scriptProvider{scripts: [][]string{{"x"}}})

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := orch.Create(context.Background(), q); !errors.Is(err, ErrEmptyQuestion) {
			t.Errorf("Create(%q): err = %v, want ErrEmptyQuestion", q, err)
		}
	}
}

func TestResumeInputValidation(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{scripts: [][]string{{"draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStage(t, store, id, StageAwaitingDecision)

	if err := orch.Resume(context.Background(), id, Decision("maybe"), ""); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("unknown decision: err = %v, want ErrInvalidDecision", err)
	}
	if err := orch.Resume(context.Background(), id, DecisionFeedback, "   "); !errors.Is(err, ErrEmptyComment) {
		t.Errorf("blank comment: err = %v, want ErrEmptyComment", err)
	}
	if err := orch.Resume(context.Background(), "no-such-id", DecisionApproved, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing conversation: err = %v, want ErrNotFound", err)
	}

	conv, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Stage != StageAwaitingDecision {
		t.Errorf("stage = %s after rejected inputs", conv.Stage)
	}
}

func TestLateAttachAwaitingDecisionReplaysUserFeedback(t *testing.T) {
	ret := &fakeRetriever{result: retrieval.Result{Candidates: defaultCandidates()}}
	prov := &scriptProvider{scripts: [][]string{{"draft"}}}
	orch, store := newTestOrchestrator(t, ret, prov)

	id, err := orch.Create(context.Background(), "question")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStage(t, store, id, StageAwaitingDecision)

	ch, cancel, err := orch.OpenStream(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer cancel()

	events := drainEvents(t, ch)
	if len(events) != 1 || events[0].Kind != EventStatus || events[0].Status != StatusUserFeedback {
		t.Errorf("events = %+v, want single status user_feedback", events)
	}
}

func TestOpenStreamUnknownConversation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeRetriever{}, &scriptProvider{scripts: [][]string{{"x"}}})

	if _, _, err := orch.OpenStream(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
