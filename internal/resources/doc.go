// Package resources provides MCP resources for exposing account data.
// Resources are read-only data sources that MCP clients can fetch; the
// accounts resource tells a client which account argument the inbox tools
// accept.
package resources
