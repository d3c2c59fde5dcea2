// Package memory loads bounded per-session conversational memory from the
// turn log.
package memory

import (
	"context"
	"log/slog"

	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/store"
)

// DefaultLimit is the number of turns replayed into a chat request.
const DefaultLimit = 20

// TurnSource reads recent turns, newest first. [store.Store] satisfies it.
type TurnSource interface {
	RecentTurns(ctx context.Context, sessionID, before int64, limit int) ([]store.Turn, error)
}

// Loader turns persisted session turns into generation history.
type Loader struct {
	turns  TurnSource
	limit  int
	logger *slog.Logger
}

// NewLoader creates a loader that returns at most limit turns per call.
// A limit below 1 means [DefaultLimit].
func NewLoader(turns TurnSource, limit int, logger *slog.Logger) *Loader {
	if limit < 1 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{turns: turns, limit: limit, logger: logger.With("component", "memory")}
}

// Limit returns the maximum number of messages a load returns.
func (l *Loader) Limit() int {
	return l.limit
}

// Load returns the most recent turns of a session, oldest first.
func (l *Loader) Load(ctx context.Context, sessionID int64) []llm.Message {
	return l.LoadBefore(ctx, sessionID, 0)
}

// LoadBefore is like Load but only considers turns whose sequence is
// below before. A before of zero or less means no bound.
//
// Storage failures are logged and yield empty history; chat proceeds
// without memory rather than failing.
func (l *Loader) LoadBefore(ctx context.Context, sessionID, before int64) []llm.Message {
	turns, err := l.turns.RecentTurns(ctx, sessionID, before, l.limit)
	if err != nil {
		l.logger.Warn("history load failed, continuing without memory",
			"session_id", sessionID, "error", err)
		return []llm.Message{}
	}

	if len(turns) > l.limit {
		turns = turns[:l.limit]
	}

	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		// turns arrive newest first
		msgs[len(turns)-1-i] = llm.Message{
			Role:    llm.NormalizeRole(t.Sender),
			Content: t.Content,
		}
	}
	return msgs
}
