package upstream

import "net/url"

// ThreadsPath is the thread collection endpoint.
const ThreadsPath = "/api/v2/cortex/threads"

// ThreadPath addresses a single thread.
func ThreadPath(id string) string {
	return ThreadsPath + "/" + url.PathEscape(id)
}

// AgentRunPath addresses the run endpoint of a named agent.
func AgentRunPath(database, schema, agent string) string {
	return schemaPath(database, schema) + "/agents/" + url.PathEscape(agent) + ":run"
}

// InlineAgentRunPath is the run endpoint for agents configured in the request
// body rather than stored as a named object.
const InlineAgentRunPath = "/api/v2/cortex/agent:run"

// MCPServerPath addresses a managed MCP server.
func MCPServerPath(database, schema, server string) string {
	return schemaPath(database, schema) + "/mcp-servers/" + url.PathEscape(server)
}

func schemaPath(database, schema string) string {
	return "/api/v2/databases/" + url.PathEscape(database) + "/schemas/" + url.PathEscape(schema)
}
