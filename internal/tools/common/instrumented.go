package common

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/instrumentation"
	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/server"
)

// errToolResult stands in for a tool that reported failure in its result
// rather than as a Go error.
var errToolResult = errors.New("tool returned an error result")

// InstrumentedToolHandler wraps a tool handler with a span, invocation
// metrics and an audit event, and tags the context as an MCP call.
//
// Usage:
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", sc, handler))
func InstrumentedToolHandler(toolName string, sc *server.ServerContext, handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	logger := logging.WithTool(sc.Logger(), toolName)

	return func(ctx context.Context, request mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		ctx = inbox.WithSource(ctx, inbox.SourceMCP)
		ctx, span := instrumentation.StartToolSpan(ctx, toolName)

		start := time.Now()
		event := instrumentation.NewAuditEvent(instrumentation.AuditTool, inbox.SourceMCP).
			WithSpanContext(ctx).
			WithIdentity(AccountArg(request.GetArguments())).
			WithDetail(toolName)

		result, err = handler(ctx, request)

		failed := err
		if failed == nil && result != nil && result.IsError {
			failed = errToolResult
		}
		status := instrumentation.StatusFor(failed)
		instrumentation.EndSpan(span, failed)
		sc.Metrics().RecordToolInvocation(ctx, toolName, status, time.Since(start))
		sc.AuditLogger().Log(event.Complete(failed))
		logger.Debug("Tool invoked", logging.Status(status), "duration", time.Since(start))

		return result, err
	}
}
