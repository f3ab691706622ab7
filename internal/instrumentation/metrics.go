package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrOperation  = "operation"
	attrService    = "service"
	attrResult     = "result"
	attrTool       = "tool"
	attrCategory   = "category"
	attrUserDomain = "user_domain"
)

// Metrics records observability metrics. A nil *Metrics, or one built by a
// disabled Provider, silently drops every recording.
type Metrics struct {
	// HTTP gateway
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeSessions      metric.Int64UpDownCounter

	// Provider calls (token endpoint, userinfo, gmail)
	providerOperationsTotal   metric.Int64Counter
	providerOperationDuration metric.Float64Histogram

	// Credential lifecycle
	oauthAuthTotal         metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	// Ingestion and classification
	messagesFetchedTotal    metric.Int64Counter
	messageFetchFailures    metric.Int64Counter
	messagesClassifiedTotal metric.Int64Counter

	// MCP tools
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates all instruments on meter.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{detailedLabels: detailedLabels}

	var err error
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string, bounds ...float64) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		if err != nil {
			err = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
	}

	counter(&m.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests", "{request}")
	histogram(&m.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds",
		0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0)

	if err == nil {
		m.activeSessions, err = meter.Int64UpDownCounter("active_sessions",
			metric.WithDescription("Number of bound sessions"),
			metric.WithUnit("{session}"),
		)
		if err != nil {
			err = fmt.Errorf("failed to create active_sessions gauge: %w", err)
		}
	}

	counter(&m.providerOperationsTotal, "provider_operations_total", "Total number of calls to the mail provider", "{operation}")
	histogram(&m.providerOperationDuration, "provider_operation_duration_seconds", "Mail provider call duration in seconds",
		0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0)

	counter(&m.oauthAuthTotal, "oauth_auth_total", "Total number of authorization code exchanges", "{attempt}")
	counter(&m.oauthTokenRefreshTotal, "oauth_token_refresh_total", "Total number of credential refresh attempts", "{attempt}")

	counter(&m.messagesFetchedTotal, "messages_fetched_total", "Messages fetched from the provider", "{message}")
	counter(&m.messageFetchFailures, "message_fetch_failures_total", "Per-message fetch failures", "{message}")
	counter(&m.messagesClassifiedTotal, "messages_classified_total", "Messages annotated by the classification pipeline", "{message}")

	counter(&m.toolInvocationsTotal, "mcp_tool_invocations_total", "Total number of MCP tool invocations", "{invocation}")
	histogram(&m.toolDuration, "mcp_tool_duration_seconds", "MCP tool execution duration in seconds",
		0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0)

	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHTTPRequest records a gateway request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordProviderOperation records one call to the provider.
//
// service is one of ServiceGmail, ServiceOAuth, ServiceUserinfo and
// operation one of the Operation* constants. identity is only used when
// detailed labels are enabled, and then only its domain.
func (m *Metrics) RecordProviderOperation(ctx context.Context, service, operation, status, identity string, duration time.Duration) {
	if m == nil || m.providerOperationsTotal == nil || m.providerOperationDuration == nil {
		return
	}

	kv := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels && identity != "" {
		kv = append(kv, attribute.String(attrUserDomain, ExtractUserDomain(identity)))
	}

	attrs := metric.WithAttributes(kv...)
	m.providerOperationsTotal.Add(ctx, 1, attrs)
	m.providerOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOAuthAuth records an authorization code exchange with its result.
func (m *Metrics) RecordOAuthAuth(ctx context.Context, result string) {
	if m == nil || m.oauthAuthTotal == nil {
		return
	}
	m.oauthAuthTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordOAuthTokenRefresh records a refresh attempt with its result.
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordFetchBatch records the outcome of one batch fetch.
func (m *Metrics) RecordFetchBatch(ctx context.Context, fetched, failed int) {
	if m == nil || m.messagesFetchedTotal == nil || m.messageFetchFailures == nil {
		return
	}
	if fetched > 0 {
		m.messagesFetchedTotal.Add(ctx, int64(fetched))
	}
	if failed > 0 {
		m.messageFetchFailures.Add(ctx, int64(failed))
	}
}

// RecordClassified records n messages assigned to category.
func (m *Metrics) RecordClassified(ctx context.Context, category string, n int) {
	if m == nil || m.messagesClassifiedTotal == nil || n <= 0 {
		return
	}
	m.messagesClassifiedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrCategory, category)))
}

// RecordToolInvocation records an MCP tool invocation.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	)
	m.toolInvocationsTotal.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementActiveSessions increments the active sessions counter.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// StatusFor maps an error to a status label.
func StatusFor(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
