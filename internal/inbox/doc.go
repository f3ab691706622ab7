// Package inbox ties the credential broker, session binder, message fetcher
// and classification pipeline into the operations the gateways expose:
// login, status, logout and ranking the recent inbox.
//
// The HTTP gateway addresses a mailbox through a session reference; the MCP
// tools and the CLI address it by identity directly. Both paths end in
// RankForIdentity.
package inbox
