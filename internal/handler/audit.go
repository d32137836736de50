package handler

import (
	"context"
	"net/http"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/pipe"
)

// CallLogReader lists persisted audit entries.
type CallLogReader interface {
	ListCallLogs(ctx context.Context, f config.CallLogFilter) ([]model.CallLog, error)
}

// AuditHandler exposes the audit trail and the health of the background
// pipes that feed it and the statistics.
type AuditHandler struct {
	logs  CallLogReader
	pipes []func() pipe.Stats
}

// NewAuditHandler creates a new AuditHandler. Each pipes entry reports one
// background queue.
func NewAuditHandler(logs CallLogReader, pipes ...func() pipe.Stats) *AuditHandler {
	return &AuditHandler{logs: logs, pipes: pipes}
}

// ListAudit returns recent call logs and the pipe counters, including how
// many events were dropped on overflow.
// GET /admin/v1/audit?service_id=&user_id=&limit=100
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	logs, err := h.logs.ListCallLogs(r.Context(), config.CallLogFilter{
		ServiceID: r.URL.Query().Get("service_id"),
		UserID:    r.URL.Query().Get("user_id"),
		Limit:     clampInt(queryInt(r, "limit", 100), 1, 1000),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to list call logs: "+err.Error())
		return
	}

	pipes := make([]pipe.Stats, 0, len(h.pipes))
	for _, fn := range h.pipes {
		pipes = append(pipes, fn())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
		"pipes": pipes,
	})
}
