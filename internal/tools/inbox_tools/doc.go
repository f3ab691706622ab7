// Package inbox_tools exposes the inbox service as MCP tools.
//
// Available tools:
//   - inbox_auth_url: Get the Google consent URL
//   - inbox_save_auth_code: Redeem the authorization code and store the credential
//   - inbox_auth_status: List signed in accounts or check one
//   - inbox_rank_emails: Rank the newest messages of an account
//   - inbox_sign_out: Revoke and forget the credentials of one or more accounts
//
// Over stdio there is no browser session, so tools name the mailbox with
// the optional "account" argument. With a single signed in account it can
// be omitted.
package inbox_tools
