// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP transport of rakgate.
//
// # Architecture
//
//	┌─────────┐         ┌─────────────┐         ┌────────────┐
//	│ Client  │ ──UDP─→ │ read loop   │ ──────→ │ worker N   │ ─→ Handler
//	└─────────┘         └─────────────┘  hash   └────────────┘
//	     ↑                                  (endpoint)    │
//	     └──────────────── Server.Send ←──────────────────┘
//
// # Ordering
//
// Every worker owns a queue. The read loop hashes the source endpoint to pick
// the queue, so all datagrams from one endpoint are handled by one goroutine
// in the order they were read, while different endpoints are handled in
// parallel. When a queue is full the datagram is dropped and a warning is
// logged; peers retransmit.
//
// # Buffers
//
// Read buffers come from a sync.Pool and go back to it once the handler
// returns. Handlers must copy anything they keep.
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//	1. The socket is closed and the read loop exits
//	2. Worker queues are closed
//	3. Workers handle what is left in their queues
//	4. Listen returns ErrShutdownTimeout if that takes longer than ShutdownTimeout
//
// # Example
//
//	srv := udp.New(udp.Config{Address: ":19132"}, dispatcher)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
