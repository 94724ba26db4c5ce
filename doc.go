// Package mcpclient implements the client side of the Model Context Protocol (MCP),
// a JSON-RPC 2.0 protocol for talking to remote tool servers over a persistent
// streaming transport. It follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// The package is built around three layers. A Transport carries JSON-RPC messages
// over a byte stream or an SSE channel. A Session multiplexes concurrent requests
// over one Transport, matching responses to requests by id. A Client composes both
// inside a Stack, which guarantees that everything acquired during Connect is
// released in reverse order on Close, even when the connection fails partway.
package mcpclient
