package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/yuin/goldmark"

	"github.com/nugget/relay/internal/store"
)

const defaultSessionLimit = 50

// sessionID parses the {id} path value, writing a 400 on failure.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "session store not configured")
		return false
	}
	return true
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}

	sessions, err := s.sessions.ListSessions(r.Context(), parseIntParam(r, "limit", defaultSessionLimit))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, s.logger)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}

	sess, err := s.sessions.CreateSession(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "create session: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	sess, turns, ok := s.loadTranscript(w, r, id)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session": sess,
		"turns":   turns,
	}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "session not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "delete session: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}

	switch format {
	case "markdown", "md", "html":
		md, err := s.sessions.ExportMarkdown(r.Context(), id)
		if err != nil {
			s.storeError(w, "export", err)
			return
		}
		if format == "html" {
			html, err := transcriptHTML(md)
			if err != nil {
				s.errorResponse(w, http.StatusInternalServerError, "render html: "+err.Error())
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, html)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"session-%d.md\"", id))
		fmt.Fprint(w, md)

	case "json":
		sess, turns, ok := s.loadTranscript(w, r, id)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"session-%d.json\"", id))
		writeJSON(w, map[string]any{
			"session": sess,
			"turns":   turns,
		}, s.logger)

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use markdown, html, or json)")
	}
}

func (s *Server) loadTranscript(w http.ResponseWriter, r *http.Request, id int64) (*store.Session, []store.Turn, bool) {
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.storeError(w, "get session", err)
		return nil, nil, false
	}
	turns, err := s.sessions.Turns(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "get turns: "+err.Error())
		return nil, nil, false
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	return sess, turns, true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, op+": "+err.Error())
}

// transcriptHTML renders a markdown transcript as a standalone page.
// Raw HTML in turn content is not passed through.
func transcriptHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Relay transcript</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: auto;">
%s
</body></html>`, buf.String()), nil
}
