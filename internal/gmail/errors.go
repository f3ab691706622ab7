package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// ErrCredentialExpired is returned when the provider rejects the access
// token. Refreshing the credential may fix it.
var ErrCredentialExpired = errors.New("credential expired or revoked")

// ProviderError is any other failed provider call: a non-2xx status, a
// malformed body, a transport error or a timeout.
type ProviderError struct {
	Op        string
	MessageID string
	// Status is the HTTP status, zero when no response was received.
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	target := e.Op
	if e.MessageID != "" {
		target += " " + e.MessageID
	}
	if e.Status != 0 {
		return fmt.Sprintf("gmail %s: status %d: %v", target, e.Status, e.Err)
	}
	return fmt.Sprintf("gmail %s: %v", target, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time.
func (e *ProviderError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// classifyError maps an API client error onto the package's error types.
func classifyError(op, messageID string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized {
			return fmt.Errorf("gmail %s: %w", op, ErrCredentialExpired)
		}
		return &ProviderError{Op: op, MessageID: messageID, Status: apiErr.Code, Err: err}
	}
	return &ProviderError{Op: op, MessageID: messageID, Err: err}
}
