package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/chat"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/store"
)

type conversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type currentConversation struct {
	conversationSummary
	Messages []models.Message `json:"messages"`
	Draft    bool             `json:"draft"`
}

type stateData struct {
	Conversations []conversationSummary `json:"conversations"`
	Current       *currentConversation  `json:"current"`
	Busy          bool                  `json:"busy"`
	TurnState     string                `json:"turnState"`
}

func summarize(c models.Conversation) conversationSummary {
	return conversationSummary{
		ID:        c.ID,
		Title:     c.Title,
		Pinned:    c.Pinned,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func summaries(snap store.Snapshot) []conversationSummary {
	list := snap.List()
	out := make([]conversationSummary, 0, len(list))
	for _, c := range list {
		out = append(out, summarize(c))
	}
	return out
}

func (s *Server) state() stateData {
	snap := s.session.Store().Snapshot()
	turn := s.session.Reconciler().State()
	data := stateData{
		Conversations: summaries(snap),
		Busy:          turn != chat.Idle,
		TurnState:     turn.String(),
	}
	if cur, ok := snap.Current(); ok {
		msgs := cur.Messages
		if msgs == nil {
			msgs = []models.Message{}
		}
		data.Current = &currentConversation{
			conversationSummary: summarize(cur),
			Messages:            msgs,
			Draft:               snap.Draft != nil,
		}
	}
	return data
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, summaries(s.session.Store().Snapshot()))
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	draft := s.session.NewChat()
	s.writeJSON(w, http.StatusCreated, summarize(draft))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Open(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.state())
}

type renameRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.session.Rename(r.Context(), id, req.Title); err != nil {
		s.writeError(w, err)
		return
	}
	conv, _ := s.session.Store().Get(id)
	s.writeJSON(w, http.StatusOK, summarize(conv))
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	pinned, err := s.session.TogglePin(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShare returns the Markdown transcript; the browser copies it to its clipboard.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	text, err := s.session.Share(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, text)
}

type turnRequest struct {
	Text        string            `json:"text"`
	Attachments []chat.Attachment `json:"attachments"`
}

type turnResponse struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
	Content        string `json:"content"`
	Error          string `json:"error,omitempty"`
}

// handleTurn runs a turn and responds when it ends. Progress is published on
// /api/events. A client disconnect does not abort the turn; use /api/turn/cancel.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	turn, err := s.session.Submit(context.WithoutCancel(r.Context()), req.Text, req.Attachments)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := turnResponse{
		ConversationID: turn.ConversationID,
		State:          turn.State.String(),
		Content:        turn.Content,
	}
	if turn.Err != nil {
		resp.Error = turn.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.session.Cancel()})
}

// handleEvents streams the session state as server-sent events: once on connect and
// again after every change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	wake := s.subscribe()
	defer s.unsubscribe(wake)

	for {
		payload, err := json.Marshal(s.state())
		if err != nil {
			s.logger.Error("encoding state", zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case _, ok := <-wake:
			if !ok {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrEmptyTitle):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrBusy):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
