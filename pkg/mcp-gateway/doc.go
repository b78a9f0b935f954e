// Package mcpgateway exposes the merged tool catalog of a toolexec.Executor
// over a single Streamable MCP server. Downstream AI clients see every
// upstream tool under its namespaced name and their calls are dispatched
// through the executor, so timeouts, argument validation and error reporting
// behave exactly as for in-process callers.
package mcpgateway
