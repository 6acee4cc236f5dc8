// File: internal/infra/web/handlers.go
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ai-chat-sync/internal/domain"
	"ai-chat-sync/internal/domain/model"
	"ai-chat-sync/internal/usecase"
)

// chatRequest accepts both accepted body shapes:
// {messages:[{role,content}]} or {message:"...", attachedFiles:[...]}.
type chatRequest struct {
	Messages      []model.WireMessage   `json:"messages"`
	Message       string                `json:"message"`
	AttachedFiles []model.FileReference `json:"attachedFiles"`
}

// handleChatProxy fronts the completion endpoint: it forwards the
// message history upstream and re-emits the token stream as
// data: {"content":"..."} SSE lines, ending on the upstream sentinel.
func (s *Server) handleChatProxy(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var history []model.WireMessage
	switch {
	case req.Messages != nil:
		history = req.Messages
	case req.Message != "":
		history = []model.WireMessage{{Role: "user", Content: req.Message}}
	default:
		writeError(w, http.StatusBadRequest, "messages or message is required")
		return
	}

	// Splice attached-file context into the last user message.
	if len(req.AttachedFiles) > 0 && len(history) > 0 {
		last := &history[len(history)-1]
		if last.Role == "user" {
			ctx := ""
			for i, f := range req.AttachedFiles {
				if i > 0 {
					ctx += "\n"
				}
				ctx += f.ContextLine()
			}
			last.Content = ctx + "\n\n" + last.Content
		}
	}

	stream, err := s.client.StreamChat(r.Context(), history)
	if err != nil {
		var cfgErr *domain.ConfigError
		var remote *domain.RemoteError
		switch {
		case errors.As(err, &cfgErr):
			writeError(w, http.StatusInternalServerError, "API configuration missing")
		case errors.As(err, &remote):
			// forward the upstream status, never the upstream body
			writeError(w, remote.Status, "failed to get response from completion API")
		default:
			writeError(w, http.StatusInternalServerError, "failed to reach completion API")
		}
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			// headers are gone; the client sees the truncated stream
			s.log.Warn().Err(err).Msg("proxy stream aborted")
			return
		}
		payload, _ := json.Marshal(map[string]string{"content": delta.Content})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// ===== Controller-backed session API =====

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	if rt.Ctrl.CurrentID() != sessionID {
		if _, err := rt.Ctrl.LoadSession(r.Context(), sessionID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	s.sendAndRespond(w, r, rt)
}

// handleSendFirstMessage starts a provisional session when none is
// current: the send path of a brand-new chat.
func (s *Server) handleSendFirstMessage(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	s.sendAndRespond(w, r, rt)
}

func (s *Server) sendAndRespond(w http.ResponseWriter, r *http.Request, rt *SessionRuntime) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, err := rt.Ctrl.SendMessage(r.Context(), body.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": rt.Ctrl.CurrentID(),
		"message":   msg,
	})
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	rt.Ctrl.CancelStream()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListByOwner(r.Context(), UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	sess, err := rt.Ctrl.NewSession(r.Context(), body.Title)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	sess, err := rt.Ctrl.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	if err := rt.Ctrl.RenameSession(r.Context(), chi.URLParam(r, "sessionID"), body.Title); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	if err := rt.Ctrl.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttachFile(w http.ResponseWriter, r *http.Request) {
	var file model.FileReference
	if err := json.NewDecoder(r.Body).Decode(&file); err != nil || file.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid file reference")
		return
	}
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if rt.Ctrl.CurrentID() != sessionID {
		if _, err := rt.Ctrl.LoadSession(r.Context(), sessionID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if err := rt.Ctrl.AttachFile(r.Context(), file); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachFile(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if rt.Ctrl.CurrentID() != sessionID {
		if _, err := rt.Ctrl.LoadSession(r.Context(), sessionID); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if err := rt.Ctrl.DetachFile(r.Context(), chi.URLParam(r, "fileID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wireEvent is the JSON shape pushed down the watch stream.
type wireEvent struct {
	Kind      usecase.EventKind    `json:"kind"`
	SessionID string               `json:"sessionId,omitempty"`
	Message   *model.Message       `json:"message,omitempty"`
	Sessions  []*model.ChatSession `json:"sessions,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// handleWatch is the live push channel: controller and reconciler
// events re-emitted over SSE until the client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtimeFor(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := rt.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			we := wireEvent{
				Kind:      ev.Kind,
				SessionID: ev.SessionID,
				Message:   ev.Message,
				Sessions:  ev.Sessions,
			}
			if ev.Err != nil {
				we.Error = ev.Err.Error()
			}
			payload, err := json.Marshal(we)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, err := s.auth.Mint(body.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token mint failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ===== helpers =====

func (s *Server) runtimeFor(w http.ResponseWriter, r *http.Request) (*SessionRuntime, bool) {
	userID := UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	rt, err := s.runtime(userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("runtime init failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return rt, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses. Remote and
// transport failures deliberately collapse into a generic message.
func writeDomainError(w http.ResponseWriter, err error) {
	var remote *domain.RemoteError
	var transport *domain.TransportError
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "session not found or access denied")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found or access denied")
	case errors.Is(err, domain.ErrStreamBusy):
		writeError(w, http.StatusConflict, "a response is already being generated")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.As(err, &remote), errors.As(err, &transport):
		writeError(w, http.StatusBadGateway, "failed to get a response, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
