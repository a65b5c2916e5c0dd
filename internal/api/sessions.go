package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/session"
)

// messageView is a session message plus its rendered HTML. Only
// assistant text is rendered; raw HTML in the markdown is escaped.
type messageView struct {
	llm.Message
	HTML string `json:"html,omitempty"`
}

type sessionView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Messages  []messageView `json:"messages"`
}

func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func newSessionView(sess session.Session) sessionView {
	v := sessionView{
		ID:        sess.ID,
		Title:     sess.Title,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Messages:  make([]messageView, 0, len(sess.Messages)),
	}
	for _, m := range sess.Messages {
		mv := messageView{Message: m}
		if m.Role == llm.RoleAssistant && m.Text() != "" {
			mv.HTML = renderMarkdown(m.Text())
		}
		v.Messages = append(v.Messages, mv)
	}
	return v
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.errorResponse(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrRunNotFound):
		s.errorResponse(w, http.StatusNotFound, "run not found")
	case errors.Is(err, session.ErrSessionBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Create(s.Config().Chat.SystemPrompt)
	writeJSON(w, map[string]string{"session_id": sess.ID}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.sessions.List()}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, newSessionView(sess), s.logger)
}

func (s *Server) handleSessionRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.sessions.Rename(r.PathValue("id"), req.Title)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "session": newSessionView(sess)}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true}, s.logger)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Reset(r.PathValue("id"), s.Config().Chat.SystemPrompt)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "session": newSessionView(sess)}, s.logger)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		s.sessionError(w, err)
		return
	}

	var req struct {
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == nil {
		s.errorResponse(w, http.StatusBadRequest, "content required")
		return
	}
	content := strings.TrimSpace(*req.Content)
	if content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content required")
		return
	}

	run, err := s.sessions.StartChatRun(r.Context(), id, content, s.engine())
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, map[string]string{"run_id": run.ID}, s.logger)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.sessions.Run(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	status, errText := run.Status()
	writeJSON(w, map[string]any{
		"run_id":     run.ID,
		"session_id": run.SessionID,
		"started_at": run.StartedAt,
		"status":     status,
		"error":      errText,
	}, s.logger)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.CancelRun(r.PathValue("id")); err != nil {
		writeJSON(w, map[string]bool{"ok": false}, s.logger)
		return
	}
	writeJSON(w, map[string]bool{"ok": true}, s.logger)
}
