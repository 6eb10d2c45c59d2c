package conversation

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the conversation control surface and the
// websocket streaming surface on the given router.
func RegisterRoutes(r chi.Router, orch *Orchestrator) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", handleCreate(orch))
		r.Get("/{id}", handleGet(orch))
		r.Post("/{id}/resume", handleResume(orch))
	})
	r.Get("/ws/conversations/{id}", handleStream(orch))
}

type createRequest struct {
	Question string `json:"question"`
}

type resumeRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

type conversationIDResponse struct {
	ConversationID string `json:"conversation_id"`
}

func handleCreate(orch *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		id, err := orch.Create(r.Context(), req.Question)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, conversationIDResponse{ConversationID: id})
	}
}

func handleResume(orch *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req resumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := orch.Resume(r.Context(), id, Decision(req.Decision), req.Comment); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversationIDResponse{ConversationID: id})
	}
}

func handleGet(orch *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := orch.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// handleStream upgrades to a websocket and forwards conversation events
// until the machine emits a status event or the feed ends. Whether this
// session saw a status event decides the close code: a status followed
// by closure is a normal end, anything else is abnormal.
func handleStream(orch *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		events, cancel, err := orch.OpenStream(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		defer cancel()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("conversation: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Detach on client disconnect. The machine keeps drafting; only
		// this session's subscription ends.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		sawStatus := false
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("conversation: websocket write for %s: %v", id, err)
				return
			}
			if ev.Kind == EventStatus {
				sawStatus = true
			}
		}

		closeCode := websocket.CloseNormalClosure
		if !sawStatus {
			closeCode = websocket.CloseInternalServerErr
		}
		deadline := time.Now().Add(time.Second)
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""), deadline); err != nil {
			log.Printf("conversation: websocket close for %s: %v", id, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidStage):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrEmptyQuestion), errors.Is(err, ErrEmptyComment):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
