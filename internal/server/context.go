package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
)

// ServerContext holds what the HTTP gateway and the MCP tools share: the
// inbox service, instrumentation and a context cancelled on shutdown.
type ServerContext struct {
	ctx     context.Context
	cancel  context.CancelFunc
	service *inbox.Service

	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	logger      *slog.Logger

	mu       sync.RWMutex
	shutdown bool
	onClose  []func()
}

// ServerContextOption configures a ServerContext.
type ServerContextOption func(*ServerContext)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *instrumentation.Metrics) ServerContextOption {
	return func(sc *ServerContext) {
		sc.metrics = m
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(al *instrumentation.AuditLogger) ServerContextOption {
	return func(sc *ServerContext) {
		sc.auditLogger = al
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerContextOption {
	return func(sc *ServerContext) {
		sc.logger = l
	}
}

// OnShutdown registers fn to run once when the context shuts down, such as
// stopping the session binder's cleanup loop.
func OnShutdown(fn func()) ServerContextOption {
	return func(sc *ServerContext) {
		sc.onClose = append(sc.onClose, fn)
	}
}

// NewServerContext creates a server context around service.
func NewServerContext(ctx context.Context, service *inbox.Service, opts ...ServerContextOption) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	sc := &ServerContext{
		ctx:     shutdownCtx,
		cancel:  cancel,
		service: service,
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.logger = logging.OrDefault(sc.logger)
	return sc
}

// Context returns the server context. It is cancelled by Shutdown.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Service returns the inbox service.
func (sc *ServerContext) Service() *inbox.Service {
	return sc.service
}

// Metrics returns the metrics recorder, which may be nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// AuditLogger returns the audit logger, which may be nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	return sc.auditLogger
}

// Logger returns the logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// IsShutdown returns whether the server has been shut down.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context and runs the shutdown hooks. It is
// safe to call more than once.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	hooks := sc.onClose
	sc.mu.Unlock()

	sc.cancel()
	for _, fn := range hooks {
		fn()
	}
	return nil
}
