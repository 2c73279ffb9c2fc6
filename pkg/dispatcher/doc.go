// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher is the entry point for every datagram the server
// receives.
//
// For each datagram the dispatcher takes the exclusive record of the source
// endpoint in the session registry and then:
//
//  1. forwards the raw bytes to the reliability layer if the session is
//     connected, answering bare ConnectedPing keep-alives itself;
//  2. otherwise decodes the datagram, dropping malformed and unknown packets
//     without touching the record;
//  3. evaluates the handshake machine and persists its result;
//  4. releases the record, carries out the side effect and sends the reply.
//
// State is always persisted before the reply leaves, so a retransmission
// handled right after observes the new state.
//
// Stale sessions are removed by Cleanup, which runs ExpireStale on a ticker.
// Expiry takes the same registry locks as datagram handling.
package dispatcher
