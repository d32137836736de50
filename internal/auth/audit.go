package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/pipe"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// AuditEvent is one auth decision queued for the audit trail.
type AuditEvent struct {
	Decision  Decision
	Path      string
	Method    string
	UserAgent string
	KeyMask   string
	At        time.Time
}

// CallLogWriter persists audit events.
type CallLogWriter interface {
	InsertCallLog(ctx context.Context, entry *model.CallLog) error
}

// AuditorOptions configures an Auditor.
type AuditorOptions struct {
	Buffer  int
	Writer  CallLogWriter // optional durable sink
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Auditor writes auth decisions to the log and, optionally, to the call log
// table. Events travel through a bounded pipe: Record never blocks and drops
// the event when the pipe is full.
type Auditor struct {
	pipe   *pipe.Pipe[AuditEvent]
	writer CallLogWriter
	logger *slog.Logger
}

// NewAuditor creates an Auditor. Call Start before recording.
func NewAuditor(opts AuditorOptions) *Auditor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &Auditor{writer: opts.Writer, logger: opts.Logger.With("component", "audit")}
	a.pipe = pipe.New(pipe.Options{
		Name:    "audit",
		Buffer:  opts.Buffer,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	}, a.handle)
	return a
}

// Start launches the audit consumer.
func (a *Auditor) Start(ctx context.Context) {
	if a == nil {
		return
	}
	a.pipe.Start(ctx)
}

// Record queues ev. It reports false when the event was dropped.
func (a *Auditor) Record(ev AuditEvent) bool {
	if a == nil {
		return false
	}
	return a.pipe.Publish(ev)
}

// Close drains queued events until ctx expires.
func (a *Auditor) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.pipe.Close(ctx)
}

// Stats reports pipe counters, including dropped events.
func (a *Auditor) Stats() pipe.Stats {
	if a == nil {
		return pipe.Stats{Name: "audit"}
	}
	return a.pipe.Stats()
}

func (a *Auditor) handle(ctx context.Context, ev AuditEvent) {
	d := ev.Decision
	a.logger.Info("auth decision",
		"allowed", d.Allowed,
		"method", d.Method,
		"reason", d.Reason,
		"path", ev.Path,
		"ip", d.ClientIP,
		"key", ev.KeyMask,
		"user_id", d.UserID,
		"service_id", d.ServiceID,
		"at", ev.At,
	)
	if a.writer == nil || d.Method == MethodWhitelist || d.Method == MethodDisabled {
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusForbidden
	}
	entry := &model.CallLog{
		UserID:        d.UserID,
		ServiceID:     d.ServiceID,
		AuthKeyID:     d.KeyID,
		RequestPath:   ev.Path,
		RequestMethod: ev.Method,
		ClientIP:      d.ClientIP,
		UserAgent:     ev.UserAgent,
		StatusCode:    status,
		AuthMethod:    string(d.Method),
		Reason:        d.Reason,
		CreatedAt:     ev.At,
	}
	if err := a.writer.InsertCallLog(ctx, entry); err != nil {
		a.logger.Warn("persist audit event failed", "error", err)
	}
}
