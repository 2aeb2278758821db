package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/tadpole/internal/usage"
)

// UsageReporter answers token usage queries. [usage.Store] implements
// it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
	SummaryByConversation(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
	SummaryByPurpose(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
}

// handleUsage reports token totals for ?period= (default today) with an
// optional ?group_by=model|conversation|purpose breakdown.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking is not enabled")
		return
	}
	q := r.URL.Query()
	period := q.Get("period")
	start, end, err := usage.ParsePeriod(period, time.Now())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if period == "" {
		period = "today"
	}

	var group func(context.Context, time.Time, time.Time) (map[string]usage.Summary, error)
	groupBy := q.Get("group_by")
	switch groupBy {
	case "":
	case "model":
		group = s.deps.Usage.SummaryByModel
	case "conversation":
		group = s.deps.Usage.SummaryByConversation
	case "purpose":
		group = s.deps.Usage.SummaryByPurpose
	default:
		s.errorResponse(w, http.StatusBadRequest, "group_by must be model, conversation or purpose")
		return
	}

	total, err := s.deps.Usage.Summary(r.Context(), start, end)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := map[string]any{
		"period": period,
		"start":  start,
		"end":    end,
		"total":  total,
	}
	if group != nil {
		groups, err := group(r.Context(), start, end)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp["group_by"] = groupBy
		resp["groups"] = groups
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
