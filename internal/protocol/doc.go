// Package protocol owns the wire contract shared by every layer of the engine.
//
// Ownership boundary:
// - error classes (transport, framing, decode, protocol, resource)
// - object identifier ranges
//
// Subpackages:
// - wire: message framing and typed argument codec
// - schema: interface descriptions and compiled opcode tables
// - registry: per-connection object identifier table
// - dispatch: message routing to bound handlers
// - session: connection, transport and outbound queue
package protocol
