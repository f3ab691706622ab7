// Package common holds what every MCP tool shares: account resolution,
// argument parsing and the instrumentation wrapper.
package common
