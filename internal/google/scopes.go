package google

import gmail "google.golang.org/api/gmail/v1"

// DefaultOAuthScopes are requested on every sign-in. openid, email and
// profile let the broker resolve the account identity; gmail.readonly is
// enough to list and read messages.
var DefaultOAuthScopes = []string{
	"openid",
	"email",
	"profile",
	gmail.GmailReadonlyScope,
}
