package api

import (
	"net/http"
	"strconv"
	"time"
)

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

// handleUsage reports token usage over the last ?hours= (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, map[string]any{"enabled": false}, s.logger)
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now().Add(time.Second)
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	summary, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	bySession, err := s.usage.SummaryBySession(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by session failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	recent, err := s.usage.Recent(ctx, parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("recent usage failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	writeJSON(w, map[string]any{
		"enabled":      true,
		"window_hours": hours,
		"summary":      summary,
		"by_model":     byModel,
		"by_session":   bySession,
		"recent":       recent,
	}, s.logger)
}
