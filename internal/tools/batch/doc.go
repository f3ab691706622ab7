// Package batch provides helpers for MCP tools that act on several items in
// one call, such as signing out more than one account.
//
// A failing item does not stop the batch; every item gets its own Result and
// the summary counts successes and failures.
package batch
