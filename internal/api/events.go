package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/relay/internal/events"
)

const (
	eventBuffer    = 64
	eventWriteWait = 10 * time.Second
)

// handleEvents streams bus events to an operator as JSON text frames
// until either side goes away. ?source=dispatch,title narrows the feed.
// Slow readers miss events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}

	var sources []string
	if q := r.URL.Query().Get("source"); q != "" {
		for _, src := range strings.Split(q, ",") {
			src = strings.TrimSpace(src)
			if !slices.Contains(events.Sources(), src) {
				s.errorResponse(w, http.StatusBadRequest, "unknown event source "+src)
				return
			}
			sources = append(sources, src)
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event feed upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	ch := s.bus.Subscribe(eventBuffer, sources...)
	defer s.bus.Unsubscribe(ch)

	s.logger.Info("event feed opened", "remote_addr", r.RemoteAddr, "sources", sources)
	defer s.logger.Info("event feed closed", "remote_addr", r.RemoteAddr)

	// Reading is only needed to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e := <-ch:
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ws.WriteJSON(e); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		}
	}
}
