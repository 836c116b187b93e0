// Package session owns the connection layer of the wire protocol.
//
// Ownership boundary:
// - transports (unix socket with descriptor passing, in-memory pipe)
// - inbound framing over an arena buffer and in-order dispatch
// - the bounded ordered outbox, flush and back-pressure
// - close/teardown and display socket discovery
package session
