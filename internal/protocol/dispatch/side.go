package dispatch

import (
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
)

// Side is the role of the local end of a connection.
type Side uint8

const (
	// ServerSide dispatches requests; the peer allocates client-range ids.
	ServerSide Side = iota
	// ClientSide dispatches events; the peer allocates server-range ids.
	ClientSide
)

func (s Side) String() string {
	if s == ClientSide {
		return "client"
	}
	return "server"
}

// Inbound is the direction of messages this side receives.
func (s Side) Inbound() schema.Direction {
	if s == ClientSide {
		return schema.Event
	}
	return schema.Request
}

func (s Side) Outbound() schema.Direction {
	if s == ClientSide {
		return schema.Request
	}
	return schema.Event
}

// LocalRange is where this side allocates ids.
func (s Side) LocalRange() registry.Range {
	if s == ClientSide {
		return registry.ClientRange
	}
	return registry.ServerRange
}

func (s Side) PeerRange() registry.Range {
	if s == ClientSide {
		return registry.ServerRange
	}
	return registry.ClientRange
}

func rangeName(r registry.Range) string {
	if r == registry.ServerRange {
		return "server"
	}
	return "client"
}
