// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
)

// ID is the leading identifier byte of a RakNet datagram.
type ID byte

const (
	IDConnectedPing             ID = 0x00
	IDUnconnectedPing           ID = 0x01
	IDUnconnectedPingOpen       ID = 0x02
	IDConnectedPong             ID = 0x03
	IDOpenConnectionRequest1    ID = 0x05
	IDOpenConnectionReply1      ID = 0x06
	IDOpenConnectionRequest2    ID = 0x07
	IDOpenConnectionReply2      ID = 0x08
	IDConnectionRequest         ID = 0x09
	IDConnectionRequestAccepted ID = 0x10
	IDNewIncomingConnection     ID = 0x13
	IDNoFreeIncomingConnections ID = 0x14
	IDDisconnectionNotification ID = 0x15
	IDUnconnectedPong           ID = 0x1c
)

// String returns a string representation of the identifier.
func (id ID) String() string {
	switch id {
	case IDConnectedPing:
		return "connected_ping"
	case IDUnconnectedPing:
		return "unconnected_ping"
	case IDUnconnectedPingOpen:
		return "unconnected_ping_open"
	case IDConnectedPong:
		return "connected_pong"
	case IDOpenConnectionRequest1:
		return "open_connection_request_1"
	case IDOpenConnectionReply1:
		return "open_connection_reply_1"
	case IDOpenConnectionRequest2:
		return "open_connection_request_2"
	case IDOpenConnectionReply2:
		return "open_connection_reply_2"
	case IDConnectionRequest:
		return "connection_request"
	case IDConnectionRequestAccepted:
		return "connection_request_accepted"
	case IDNewIncomingConnection:
		return "new_incoming_connection"
	case IDNoFreeIncomingConnections:
		return "no_free_incoming_connections"
	case IDDisconnectionNotification:
		return "disconnection_notification"
	case IDUnconnectedPong:
		return "unconnected_pong"
	default:
		return fmt.Sprintf("unknown_0x%02x", byte(id))
	}
}

// Magic is the 16-byte sequence that marks offline packets.
type Magic [16]byte

// OfflineMagic is the magic every RakNet implementation sends.
var OfflineMagic = Magic{
	0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78,
}

// Valid reports whether m equals OfflineMagic.
func (m Magic) Valid() bool {
	return bytes.Equal(m[:], OfflineMagic[:])
}

// UDPHeaderSize is the IPv4 plus UDP header overhead clients add to the
// datagram length when probing the MTU.
const UDPHeaderSize = 28

// SystemAddressCount is the number of internal addresses carried in
// ConnectionRequestAccepted by Bedrock-compatible servers.
const SystemAddressCount = 20

// Packet is a decoded RakNet packet. The concrete types in this package are
// the variants; switch on the type to handle them.
type Packet interface {
	ID() ID
}

// UnconnectedPing is sent by clients looking for servers.
type UnconnectedPing struct {
	Time       int64
	Magic      Magic
	ClientGUID uint64
	// Open marks the variant that only servers with free slots answer.
	Open bool
}

// UnconnectedPong answers an UnconnectedPing.
type UnconnectedPong struct {
	Time       int64
	ServerGUID uint64
	Magic      Magic
	Status     string
}

// OpenConnectionRequest1 opens the handshake and probes the MTU.
type OpenConnectionRequest1 struct {
	Magic    Magic
	Protocol uint8
	MTU      uint16
}

// OpenConnectionReply1 answers OpenConnectionRequest1.
type OpenConnectionReply1 struct {
	Magic       Magic
	ServerGUID  uint64
	UseSecurity bool
	MTU         uint16
}

// OpenConnectionRequest2 fixes the MTU.
type OpenConnectionRequest2 struct {
	Magic         Magic
	ServerAddress Address
	MTU           uint16
	ClientGUID    uint64
}

// OpenConnectionReply2 answers OpenConnectionRequest2.
type OpenConnectionReply2 struct {
	Magic             Magic
	ServerGUID        uint64
	ClientAddress     Address
	MTU               uint16
	EncryptionEnabled bool
}

// ConnectionRequest carries the client GUID.
type ConnectionRequest struct {
	ClientGUID  uint64
	Time        int64
	UseSecurity bool
}

// ConnectionRequestAccepted answers ConnectionRequest.
type ConnectionRequestAccepted struct {
	ClientAddress   Address
	SystemIndex     uint16
	SystemAddresses []Address
	RequestTime     int64
	Time            int64
}

// NewIncomingConnection completes the handshake.
type NewIncomingConnection struct {
	ServerAddress   Address
	SystemAddresses []Address
	RequestTime     int64
	Time            int64
}

// ConnectedPing is a keep-alive from a connected peer.
type ConnectedPing struct {
	Time int64
}

// ConnectedPong answers ConnectedPing.
type ConnectedPong struct {
	PingTime int64
	PongTime int64
}

// NoFreeIncomingConnections rejects an OpenConnectionRequest1 when the server
// is full.
type NoFreeIncomingConnections struct {
	Magic      Magic
	ServerGUID uint64
}

// DisconnectionNotification announces that the sender is going away.
type DisconnectionNotification struct{}

// Unknown is any packet with an identifier the codec does not handle.
type Unknown struct {
	PacketID ID
	Payload  []byte
}

func (p UnconnectedPing) ID() ID {
	if p.Open {
		return IDUnconnectedPingOpen
	}
	return IDUnconnectedPing
}

func (UnconnectedPong) ID() ID           { return IDUnconnectedPong }
func (OpenConnectionRequest1) ID() ID    { return IDOpenConnectionRequest1 }
func (OpenConnectionReply1) ID() ID      { return IDOpenConnectionReply1 }
func (OpenConnectionRequest2) ID() ID    { return IDOpenConnectionRequest2 }
func (OpenConnectionReply2) ID() ID      { return IDOpenConnectionReply2 }
func (ConnectionRequest) ID() ID         { return IDConnectionRequest }
func (ConnectionRequestAccepted) ID() ID { return IDConnectionRequestAccepted }
func (NewIncomingConnection) ID() ID     { return IDNewIncomingConnection }
func (ConnectedPing) ID() ID             { return IDConnectedPing }
func (ConnectedPong) ID() ID             { return IDConnectedPong }
func (NoFreeIncomingConnections) ID() ID { return IDNoFreeIncomingConnections }
func (DisconnectionNotification) ID() ID { return IDDisconnectionNotification }
func (p Unknown) ID() ID                 { return p.PacketID }
