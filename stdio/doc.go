// Package stdio bridges a local MCP client speaking JSON-RPC over
// stdin/stdout to a platform-managed MCP server reached over HTTP.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : one JSON-RPC message per line
//	Upstream auth    : the broker's cached keypair JWT
//	Concurrency      : requests are forwarded one at a time, in order
//
// The managed servers only implement tools, so the bridge answers a few
// methods itself so that editors probing for resources or prompts keep
// working:
//
//	resources/list, prompts/list, roots/list -> empty list
//	resources/read, prompts/get              -> -32601 method not found
//
// Notifications are dropped. Everything else is posted to the MCP server
// endpoint and its JSON-RPC response is written back verbatim, except that
// the snake_case keys some servers use in the initialize result are renamed
// to their camelCase form.
//
// Example:
//
//	up, _ := upstream.New(accountURL, cache)
//	h := stdio.NewHandler(up, upstream.MCPServerPath(db, schema, server),
//	    stdio.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
