package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

// StatsSource is the statistics aggregator as seen by the admin API.
type StatsSource interface {
	Realtime(ctx context.Context, serviceID string) (model.Counters, error)
	Persisted(ctx context.Context, serviceID, date string) (*model.DailyStats, error)
	Recent(ctx context.Context, serviceID string, limit int) ([]model.DailyStats, error)
	Flush(ctx context.Context) (stats.FlushResult, error)
	Clear(ctx context.Context) (int64, error)
}

// StatsHandler exposes live and durable call statistics.
type StatsHandler struct {
	stats StatsSource
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(src StatsSource) *StatsHandler {
	return &StatsHandler{stats: src}
}

// Realtime returns today's live counters.
// GET /admin/v1/stats/{serviceId}/realtime
func (h *StatsHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceId")
	c, err := h.stats.Realtime(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to read live statistics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c.Report())
}

// Persisted returns the durable row for one day, today by default.
// GET /admin/v1/stats/{serviceId}?date=YYYY-MM-DD
func (h *StatsHandler) Persisted(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceId")
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse(stats.DateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, reasonBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}
	row, err := h.stats.Persisted(r.Context(), id, date)
	if err != nil {
		if stats.IsNotFound(err) {
			writeError(w, http.StatusNotFound, reasonNotFound, "No statistics recorded for "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to read statistics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row.Report())
}

// History returns recent durable rows, newest first.
// GET /admin/v1/stats/{serviceId}/history?limit=7
func (h *StatsHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceId")
	limit := clampInt(queryInt(r, "limit", 7), 1, 366)
	rows, err := h.stats.Recent(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to read statistics: "+err.Error())
		return
	}
	reports := make([]model.StatsReport, len(rows))
	for i, row := range rows {
		reports[i] = row.Report()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service_id": id,
		"days":       reports,
		"count":      len(reports),
	})
}

// Flush merges live counters into the durable store now.
// POST /admin/v1/stats/flush
func (h *StatsHandler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.stats.Flush(r.Context())
	if err != nil {
		if errors.Is(err, stats.ErrFlushInProgress) {
			writeError(w, http.StatusConflict, reasonBusy, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, reasonInternal, "Flush failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClearCache drops every live counter. Durable rows are kept.
// DELETE /admin/v1/stats/cache
func (h *StatsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.stats.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to clear statistics: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}
