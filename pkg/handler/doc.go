// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface between connection establishment and
// the reliability layer.
//
// # Data Flow
//
//	Client → Transport → Dispatcher (handshake) → Handler.OnConnect
//	Client → Transport → Dispatcher (connected) → Handler.Handle → w → Client
//	Expiry / shutdown → Dispatcher → Handler.OnDisconnect
//	Handler detects peer gone → Dispatcher.NotifyClose
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - RemoteAddr: Peer endpoint
//   - ClientGUID: GUID chosen by the client
//   - MTU: Negotiated datagram size
//   - ProtocolVersion: RakNet protocol declared by the client
//
// # Implementation
//
// Applications implement the Handler interface with their frame-set,
// acknowledgement and ordering logic. The NoopHandler discards traffic and is
// useful for testing the handshake on its own.
//
// # Example
//
//	type Reliable struct {
//		conns map[string]*Conn
//	}
//
//	func (h *Reliable) OnConnect(ctx context.Context, hctx *handler.Context) error {
//		h.conns[hctx.SessionID] = newConn(hctx.MTU)
//		return nil
//	}
//
//	func (h *Reliable) Handle(ctx context.Context, hctx *handler.Context, data []byte, w io.Writer) error {
//		return h.conns[hctx.SessionID].receive(data, w)
//	}
package handler
