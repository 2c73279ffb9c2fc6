// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the RakNet packet codec used during connection
// establishment.
//
// # Overview
//
// Every RakNet datagram starts with a single identifier byte. Offline
// (unconnected) packets additionally carry the 16-byte offline magic which
// lets a server tell handshake traffic apart from stray UDP noise. Once a
// peer is connected its datagrams are frame sets (identifiers 0x80-0x8d)
// owned by the reliability layer and are never decoded here.
//
// # Packets
//
//	0x00 ConnectedPing              time
//	0x01 UnconnectedPing            time, magic, client guid
//	0x02 UnconnectedPing (open)     time, magic, client guid
//	0x03 ConnectedPong              ping time, pong time
//	0x05 OpenConnectionRequest1     magic, protocol, zero padding up to MTU
//	0x06 OpenConnectionReply1       magic, server guid, security, MTU
//	0x07 OpenConnectionRequest2     magic, server address, MTU, client guid
//	0x08 OpenConnectionReply2       magic, server guid, client address, MTU, encryption
//	0x09 ConnectionRequest          client guid, time, security
//	0x10 ConnectionRequestAccepted  client address, system index, system addresses, request time, time
//	0x13 NewIncomingConnection      server address, system addresses, request time, time
//	0x14 NoFreeIncomingConnections  magic, server guid
//	0x15 DisconnectionNotification
//	0x1c UnconnectedPong            time, server guid, magic, status string
//
// All integers are big-endian. Strings are prefixed with a uint16 length.
//
// # Addresses
//
// IPv4 addresses are encoded as the version byte 4, the four octets each
// inverted (x ^ 0xff) and the port. IPv6 addresses follow the sockaddr_in6
// layout: version byte 6, little-endian family (23), port, flow info, the 16
// address bytes and the scope id.
//
// # MTU discovery
//
// OpenConnectionRequest1 is zero-padded by the client to the MTU it is
// probing. The codec reports the MTU as the datagram length plus the 28 bytes
// of IPv4 and UDP header that the client accounted for, and pads encoded
// requests accordingly.
//
// # Unknown packets
//
// Identifiers the codec does not know decode to the Unknown variant with a
// nil error, so callers can treat them as a first-class outcome rather than a
// failure.
package protocol
