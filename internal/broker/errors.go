package broker

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

var (
	// ErrAuthRequired means there is no usable credential for the identity.
	// The user has to sign in again.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotRenewable means the stored credential carries no refresh token.
	ErrNotRenewable = errors.New("credential has no refresh token")
)

// AuthExchangeError reports a failed grant at the token endpoint, either an
// authorization code exchange or a refresh.
type AuthExchangeError struct {
	// Op is "exchange" or "refresh".
	Op string
	// Code and Description carry the provider's OAuth error, if any.
	Code        string
	Description string
	Err         error
}

func newAuthExchangeError(op string, err error) *AuthExchangeError {
	e := &AuthExchangeError{Op: op, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e.Code = re.ErrorCode
		e.Description = re.ErrorDescription
	}
	return e
}

func (e *AuthExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token %s failed: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("token %s failed: %v", e.Op, e.Err)
}

func (e *AuthExchangeError) Unwrap() error {
	return e.Err
}

// IdentityResolutionError reports that the provider would not say which
// account a freshly issued token belongs to.
type IdentityResolutionError struct {
	Err error
}

func (e *IdentityResolutionError) Error() string {
	return fmt.Sprintf("resolve identity: %v", e.Err)
}

func (e *IdentityResolutionError) Unwrap() error {
	return e.Err
}
