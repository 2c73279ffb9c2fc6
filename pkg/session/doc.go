// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session holds the per-peer handshake records and the registry that
// owns them.
//
// UDP has no connection concept, so the registry is keyed by the peer
// endpoint (IP version, address, port). A record exists from the first
// OpenConnectionRequest1 until the peer disconnects or goes quiet for longer
// than the session timeout:
//
//	Key:       Endpoint{Version, Host, Port}
//	Contents:  ID, State, ClientGUID, MTU, ProtocolVersion, LastActivity
//
// The registry is split into shards, each with its own mutex. Apply gives a
// caller exclusive access to one endpoint for a read-modify-write, and
// ExpireStale takes the same shard locks, so a sweep can never remove a
// record that a datagram is promoting at the same moment.
package session
