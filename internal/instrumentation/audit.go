package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/inboxrank/internal/logging"
)

// Audit actions.
const (
	AuditLogin   = "login"
	AuditLogout  = "logout"
	AuditRefresh = "refresh"
	AuditRevoke  = "revoke"
	AuditRank    = "rank"
	AuditTool    = "tool"
)

// AuditEvent describes one security relevant action on an identity.
//
// Identity is PII. The AuditLogger only writes it in full when configured
// with IncludePII; otherwise it is hashed.
type AuditEvent struct {
	Action   string
	Identity string
	// Source is the surface that triggered the action: http, mcp, cli.
	Source string
	Detail string

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	TraceID string
	SpanID  string
}

// NewAuditEvent starts timing an action.
func NewAuditEvent(action, source string) *AuditEvent {
	return &AuditEvent{
		Action:    action,
		Source:    source,
		StartTime: time.Now(),
	}
}

// WithIdentity sets the affected identity.
func (e *AuditEvent) WithIdentity(identity string) *AuditEvent {
	e.Identity = identity
	return e
}

// WithDetail attaches a short free-form note, such as a tool name.
func (e *AuditEvent) WithDetail(detail string) *AuditEvent {
	e.Detail = detail
	return e
}

// WithSpanContext copies trace and span IDs from ctx.
func (e *AuditEvent) WithSpanContext(ctx context.Context) *AuditEvent {
	e.TraceID = GetTraceID(ctx)
	e.SpanID = GetSpanID(ctx)
	return e
}

// Complete stops the timer and records the outcome.
func (e *AuditEvent) Complete(err error) *AuditEvent {
	e.Duration = time.Since(e.StartTime)
	e.Success = err == nil
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Status returns "success" or "error".
func (e *AuditEvent) Status() string {
	if e.Success {
		return StatusSuccess
	}
	return StatusError
}

func (e *AuditEvent) attrs(includePII bool) []any {
	args := []any{
		slog.String("action", e.Action),
		slog.Duration("duration", e.Duration),
		slog.Bool("success", e.Success),
	}
	if e.Identity != "" {
		if includePII {
			args = append(args, slog.String("user", e.Identity))
		} else {
			args = append(args, logging.UserHash(e.Identity))
		}
		args = append(args, slog.String("user_domain", ExtractUserDomain(e.Identity)))
	}
	if e.Source != "" {
		args = append(args, slog.String("source", e.Source))
	}
	if e.Detail != "" {
		args = append(args, slog.String("detail", e.Detail))
	}
	if e.TraceID != "" {
		args = append(args, slog.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		args = append(args, slog.String("span_id", e.SpanID))
	}
	if e.Error != "" {
		args = append(args, slog.String("error", e.Error))
	}
	return args
}

// AuditLogger writes audit events as structured log records.
// A nil *AuditLogger discards events.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger from config.
func NewAuditLogger(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	return &AuditLogger{
		logger:     logging.WithComponent(logger, "audit"),
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// Log writes e. Failures are logged at warn level.
func (al *AuditLogger) Log(e *AuditEvent) {
	if al == nil || !al.enabled || e == nil {
		return
	}
	if e.Success {
		al.logger.Info("audit_event", e.attrs(al.includePII)...)
	} else {
		al.logger.Warn("audit_event", e.attrs(al.includePII)...)
	}
}
