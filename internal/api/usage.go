package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/relay/internal/usage"
)

// UsageReporter aggregates token usage. [usage.Store] satisfies it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByMode(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPurpose(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// handleUsage reports token totals for ?period= (today, yesterday,
// week, month, all; default today).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "today"
	}
	start, end, ok := periodRange(period, time.Now())
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "unknown period "+period)
		return
	}

	ctx := r.Context()
	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byMode, err := s.usage.SummaryByMode(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byPurpose, err := s.usage.SummaryByPurpose(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"period":     period,
		"start":      start,
		"end":        end,
		"total":      total,
		"by_model":   byModel,
		"by_mode":    byMode,
		"by_purpose": byPurpose,
	}, s.logger)
}

// periodRange converts a period name to [start, end) relative to now.
func periodRange(period string, now time.Time) (time.Time, time.Time, bool) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := now.Add(time.Minute)

	switch period {
	case "today":
		return midnight, end, true
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight, true
	case "week":
		return now.AddDate(0, 0, -7), end, true
	case "month":
		return now.AddDate(0, -1, 0), end, true
	case "all":
		return time.Time{}, end, true
	default:
		return time.Time{}, time.Time{}, false
	}
}
