package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoAccount means no account is signed in yet.
	ErrNoAccount = errors.New("no account is signed in; call inbox_auth_url first")
	// ErrAmbiguousAccount means several accounts are signed in and the
	// request did not name one.
	ErrAmbiguousAccount = errors.New("several accounts are signed in; pass the account argument")
)

// AccountArg returns the trimmed "account" argument, or "".
func AccountArg(args map[string]any) string {
	v, _ := args["account"].(string)
	return strings.TrimSpace(v)
}

// ResolveAccount picks the mailbox a tool call acts on. An explicit
// "account" argument must be one of accounts. Without it the only signed in
// account is used.
func ResolveAccount(args map[string]any, accounts []string) (string, error) {
	if account := AccountArg(args); account != "" {
		for _, a := range accounts {
			if strings.EqualFold(a, account) {
				return a, nil
			}
		}
		return "", fmt.Errorf("account %q is not signed in; call inbox_auth_url first", account)
	}

	switch len(accounts) {
	case 0:
		return "", ErrNoAccount
	case 1:
		return accounts[0], nil
	}
	return "", ErrAmbiguousAccount
}

// IntArg reads a non-negative integer argument. JSON numbers arrive as
// float64; absent means 0.
func IntArg(args map[string]any, name string) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("%s must be an integer", name)
		}
		n = int(x)
	case int:
		n = x
	default:
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return n, nil
}
