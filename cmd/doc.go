// Package cmd implements the command-line interface for inboxrank.
//
// This package provides the following commands:
//   - serve: Start the HTTP gateway (default) or the MCP server over stdio
//   - login: Sign a Google account in and store its credential
//   - rank: Print the ranked inbox of a signed in account as JSON
//   - version: Display version information
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - generate-key: Print a new key for encrypting stored tokens
//
// Every command reads its Google client settings from flags, falling back to
// the GOOGLE_* and INBOXRANK_* environment variables.
package cmd
