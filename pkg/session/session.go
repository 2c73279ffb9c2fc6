// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/absmach/rakgate/pkg/protocol"
)

// Endpoint identifies a peer by IP version, address and port.
type Endpoint = protocol.Address

// State is the handshake step a peer is on.
type State int

const (
	// StateUnseen is never stored; it is the absence of a record.
	StateUnseen State = iota

	// StateAwaitingConnectionRequest2 follows OpenConnectionReply1. The MTU
	// has been provisionally recorded.
	StateAwaitingConnectionRequest2

	// StateAwaitingNewIncomingConnection follows OpenConnectionReply2. The
	// MTU is fixed; the next expected packet is ConnectionRequest.
	StateAwaitingNewIncomingConnection

	// StateAwaitingConnectionRequest follows ConnectionRequestAccepted. The
	// client GUID is set; the next expected packet is NewIncomingConnection.
	StateAwaitingConnectionRequest

	// StateConnected hands the peer over to the reliability layer.
	StateConnected

	// StateClosed is terminal; closed records are removed from the registry.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateAwaitingConnectionRequest2:
		return "awaiting_connection_request_2"
	case StateAwaitingNewIncomingConnection:
		return "awaiting_new_incoming_connection"
	case StateAwaitingConnectionRequest:
		return "awaiting_connection_request"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-peer record kept by the Registry. It is a plain value:
// the registry stores and returns copies.
type Session struct {
	// ID is a unique identifier assigned when the session is registered
	ID string

	// Endpoint is the registry key
	Endpoint Endpoint

	// State is the current handshake step
	State State

	// ClientGUID is chosen by the client in ConnectionRequest and never
	// changes once HasClientGUID is set
	ClientGUID    uint64
	HasClientGUID bool

	// MTU is the negotiated datagram size; zero until OpenConnectionRequest1
	MTU uint16

	// MTUFixed is set by OpenConnectionRequest2; from then on MTU is final
	MTUFixed bool

	// ProtocolVersion is the RakNet protocol declared in OpenConnectionRequest1
	ProtocolVersion    uint8
	HasProtocolVersion bool

	// CreatedAt is when the session was registered
	CreatedAt time.Time

	// LastActivity is refreshed on every datagram from Endpoint
	LastActivity time.Time
}

// Connected reports whether the session has been handed to the reliability layer.
func (s Session) Connected() bool {
	return s.State == StateConnected
}
