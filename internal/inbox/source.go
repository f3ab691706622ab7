package inbox

import "context"

// Sources recorded in audit events.
const (
	SourceHTTP = "http"
	SourceMCP  = "mcp"
	SourceCLI  = "cli"
)

type sourceKey struct{}

// WithSource tags ctx with the surface that is calling the service.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok {
		return s
	}
	return ""
}
