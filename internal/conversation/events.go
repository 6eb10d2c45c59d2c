package conversation

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/docloop/docloop/internal/retrieval"
)

// EventKind is the outbound wire vocabulary.
type EventKind string

const (
	EventSources EventKind = "sources"
	EventToken   EventKind = "token"
	EventStatus  EventKind = "status"
)

// StatusValue signals why a stream is about to close normally.
type StatusValue string

const (
	StatusUserFeedback StatusValue = "user_feedback"
	StatusFinished     StatusValue = "finished"
)

// Event is one item on a conversation's outbound stream. Exactly the
// fields relevant to its kind are serialized.
type Event struct {
	Kind       EventKind
	Candidates []retrieval.Candidate
	Confidence float32
	Text       string
	Status     StatusValue
}

// SourcesEvent announces the retrieved context at the start of drafting.
func SourcesEvent(candidates []retrieval.Candidate, confidence float32) Event {
	return Event{Kind: EventSources, Candidates: candidates, Confidence: confidence}
}

// TokenEvent carries one incremental draft fragment.
func TokenEvent(text string) Event {
	return Event{Kind: EventToken, Text: text}
}

// StatusEvent signals that the machine reached a suspension or terminal
// point; the stream closes after it.
func StatusEvent(value StatusValue) Event {
	return Event{Kind: EventStatus, Status: value}
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventSources:
		candidates := e.Candidates
		if candidates == nil {
			candidates = []retrieval.Candidate{}
		}
		return json.Marshal(struct {
			Event      EventKind             `json:"event"`
			Candidates []retrieval.Candidate `json:"candidates"`
			Confidence float32               `json:"confidence"`
		}{e.Kind, candidates, e.Confidence})
	case EventToken:
		return json.Marshal(struct {
			Event EventKind `json:"event"`
			Text  string    `json:"text"`
		}{e.Kind, e.Text})
	case EventStatus:
		return json.Marshal(struct {
			Event EventKind   `json:"event"`
			Value StatusValue `json:"value"`
		}{e.Kind, e.Status})
	default:
		return json.Marshal(struct {
			Event EventKind `json:"event"`
		}{e.Kind})
	}
}

// subscriber buffer. A full buffer means the consumer is not keeping up
// with token generation; it gets dropped rather than blocking the machine.
const eventBuffer = 256

// broadcaster fans machine events out to all attached stream sessions.
// Publishing never blocks: slow subscribers are disconnected.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	// last status event published, replayed to subscribers that attach
	// between the status and the broadcaster closing.
	status *Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe attaches a new consumer. It returns false if the
// broadcaster has already closed.
func (b *broadcaster) Subscribe() (<-chan Event, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, false
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, eventBuffer)
	if b.status != nil {
		ch <- *b.status
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(id)
	}
	return ch, cancel, true
}

// Publish delivers an event to every subscriber without blocking.
func (b *broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if ev.Kind == EventStatus {
		b.status = &ev
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("conversation: dropping slow stream subscriber")
			b.remove(id)
		}
	}
}

// Close ends the stream for all subscribers.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.remove(id)
	}
}

// remove must be called with the lock held.
func (b *broadcaster) remove(id int) {
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
