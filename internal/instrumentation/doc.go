// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for inboxrank.
//
// # Metrics
//
// Gateway:
//   - http_requests_total, http_request_duration_seconds
//   - active_sessions
//
// Provider:
//   - provider_operations_total, provider_operation_duration_seconds
//     (service: oauth, userinfo, gmail)
//
// Credential lifecycle:
//   - oauth_auth_total: code exchanges by result
//   - oauth_token_refresh_total: refresh attempts by result
//
// Ingestion:
//   - messages_fetched_total, message_fetch_failures_total
//   - messages_classified_total by category
//
// MCP tools:
//   - mcp_tool_invocations_total, mcp_tool_duration_seconds
//
// # Tracing
//
// Provider calls run in client spans named provider.<service>.<operation>;
// MCP tools in server spans named tool.<name>.
//
// # Configuration
//
// DefaultConfig reads INSTRUMENTATION_ENABLED, METRICS_EXPORTER,
// TRACING_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_TRACES_SAMPLER_ARG,
// OTEL_SERVICE_NAME, METRICS_DETAILED_LABELS, AUDIT_LOGGING_ENABLED and
// AUDIT_LOGGING_INCLUDE_PII.
package instrumentation
