// Package httpapi exposes the conversation engine over HTTP and streams
// message inserts over a websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comigor/chatsync/internal/codec"
	"github.com/comigor/chatsync/internal/directory"
	"github.com/comigor/chatsync/internal/engine"
	"github.com/comigor/chatsync/internal/history"
	"github.com/comigor/chatsync/internal/logger"
)

// eventBuffer bounds the events queued for one websocket client.
const eventBuffer = 64

type Server struct {
	pool     *engine.Pool
	store    history.Store
	upgrader websocket.Upgrader
}

// NewServer routes the API. owners maps bearer tokens to owner ids.
func NewServer(pool *engine.Pool, store history.Store, owners map[string]string) http.Handler {
	s := &Server{pool: pool, store: store}
	auth := func(h http.HandlerFunc) http.Handler { return withAuth(owners, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /api/chat", auth(s.handleChat))
	mux.Handle("GET /api/sessions", auth(s.handleListSessions))
	mux.Handle("POST /api/sessions", auth(s.handleCreateSession))
	mux.Handle("POST /api/sessions/{id}/activate", auth(s.handleActivate))
	mux.Handle("GET /api/sessions/{id}/messages", auth(s.handleMessages))
	mux.Handle("GET /api/transcript", auth(s.handleTranscript))
	mux.Handle("GET /api/events", auth(s.handleEvents))

	return chainMiddlewares(mux, withLogging)
}

// DTOs

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
	Failed    bool   `json:"failed"`
}

type createSessionRequest struct {
	Label string `json:"label"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	FirstMessage string    `json:"first_message"`
	Active       bool      `json:"active"`
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
	ActiveID string            `json:"active_id,omitempty"`
}

type messageResponse struct {
	ID        string          `json:"id,omitempty"`
	LocalID   string          `json:"local_id,omitempty"`
	SessionID string          `json:"session_id"`
	Role      history.Role    `json:"role"`
	Text      string          `json:"text"`
	CreatedAt time.Time       `json:"created_at"`
	Pending   bool            `json:"pending,omitempty"`
	Synthetic bool            `json:"synthetic,omitempty"`
	Segments  []codec.Segment `json:"segments,omitempty"`

	Placeholder bool `json:"placeholder,omitempty"`
}

type messagesResponse struct {
	SessionID string            `json:"session_id,omitempty"`
	Messages  []messageResponse `json:"messages"`
}

// Handlers

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	turn, err := eng.Submit(r.Context(), req.Message)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:     turn.Reply.Message.Text,
		SessionID: turn.SessionID,
		Failed:    turn.Failed,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	active, _ := eng.Active()
	resp := listSessionsResponse{Sessions: []sessionResponse{}, ActiveID: active.ID}
	for _, sess := range eng.Sessions() {
		resp.Sessions = append(resp.Sessions, toSessionResponse(sess, active.ID))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	sess, err := eng.NewSession(r.Context(), req.Label)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess, sess.ID))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := eng.SwitchSession(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagesResponse(id, engine.Render(eng.TranscriptOf(id))))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := eng.Load(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagesResponse(id, engine.Render(eng.TranscriptOf(id))))
}

// handleTranscript renders the active session, or the welcome placeholder
// when the owner has no sessions yet.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	active, _ := eng.Active()
	writeJSON(w, http.StatusOK, toMessagesResponse(active.ID, eng.View()))
}

// handleEvents streams the owner's message inserts. The subscription is in
// place before the upgrade completes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	events := make(chan history.Message, eventBuffer)
	cancel := s.store.Subscribe(func(msg history.Message) {
		if msg.Owner != owner {
			return
		}
		select {
		case events <- msg:
		default:
			logger.L.Warn("dropping event for slow websocket client", "owner", owner, "message_id", msg.ID)
		}
	})
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg := <-events:
			if err := conn.WriteJSON(toMessageResponse(engine.Render([]engine.Entry{{Message: msg}})[0])); err != nil {
				logger.L.Debug("websocket write failed", "owner", owner, "error", err)
				return
			}
		}
	}
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	eng, err := s.pool.For(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return eng, true
}

// Mapping

func toSessionResponse(sess history.Session, activeID string) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt,
		FirstMessage: sess.FirstMessage,
		Active:       sess.ID == activeID,
	}
}

func toMessageResponse(r engine.Rendered) messageResponse {
	return messageResponse{
		ID:          r.Message.ID,
		LocalID:     r.LocalID,
		SessionID:   r.Message.SessionID,
		Role:        r.Message.Role,
		Text:        r.Message.Text,
		CreatedAt:   r.Message.CreatedAt,
		Pending:     !r.Confirmed() && !r.Synthetic,
		Synthetic:   r.Synthetic,
		Segments:    r.Segments,
		Placeholder: r.Placeholder,
	}
}

func toMessagesResponse(sessionID string, rendered []engine.Rendered) messagesResponse {
	resp := messagesResponse{SessionID: sessionID, Messages: make([]messageResponse, 0, len(rendered))}
	for _, r := range rendered {
		resp.Messages = append(resp.Messages, toMessageResponse(r))
	}
	return resp
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, engine.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrReplyPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, directory.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrLoadFailed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.L.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
