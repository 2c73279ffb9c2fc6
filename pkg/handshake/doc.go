// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the RakNet connection-establishment state
// machine.
//
// # Overview
//
// Machine.Step is a pure function: given the current session record (or nil
// for a peer that has never been seen), one decoded packet, the server
// identity and the current time, it returns the record to persist, at most
// one reply and a side effect for the caller to carry out. It performs no I/O
// and reads no clock, so identical inputs always produce identical results.
//
// # Transitions
//
//	Packet                    Prior state                         Next state / reply
//	UnconnectedPing(open)     any or none                         unchanged / UnconnectedPong
//	OpenConnectionRequest1    none or any pre-connected state     AwaitingConnectionRequest2 / OpenConnectionReply1
//	OpenConnectionRequest2    AwaitingConnectionRequest2          AwaitingNewIncomingConnection / OpenConnectionReply2
//	ConnectionRequest         AwaitingNewIncomingConnection       AwaitingConnectionRequest / ConnectionRequestAccepted
//	NewIncomingConnection     AwaitingConnectionRequest           Connected / none (EffectPromote)
//	DisconnectionNotification any pre-connected state             Closed / none (EffectRemove)
//
// Any other combination is ignored: no reply, and the record only has its
// last activity refreshed. Reordered and duplicated UDP delivery is normal,
// so this is not an error.
//
// # Retries
//
// A step that has already been satisfied answers again with the same reply:
//
//   - OpenConnectionRequest1 in any pre-connected state
//   - OpenConnectionRequest2 in AwaitingNewIncomingConnection
//   - ConnectionRequest with the stored GUID in AwaitingConnectionRequest
//
// Once OpenConnectionRequest2 has fixed the MTU, retries echo the fixed MTU,
// and a ConnectionRequest carrying a different GUID than the stored one is
// dropped.
//
// # Capacity
//
// Input.Full tells the machine the registry is at its session limit. An
// unseen peer's OpenConnectionRequest1 is then answered with
// NoFreeIncomingConnections and no record is created, and the open variant of
// UnconnectedPing goes unanswered.
package handshake
