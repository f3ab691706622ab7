package instrumentation

import "strings"

// ExtractUserDomain reduces an identity to its domain for use as a metric
// label. Anything that is not a well formed address becomes "unknown".
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
func ExtractUserDomain(email string) string {
	if email == "" {
		return "unknown"
	}

	parts := strings.Split(email, "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}

	return "unknown"
}

// Provider operation names used as the "operation" label.
const (
	OperationList     = "list"
	OperationGet      = "get"
	OperationExchange = "exchange"
	OperationRefresh  = "refresh"
	OperationUserinfo = "userinfo"
	OperationRevoke   = "revoke"
)
