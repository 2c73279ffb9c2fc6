// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"io"
)

// Context contains the metadata of an established session.
// It is passed to Handler methods so the reliability layer can tell peers apart.
type Context struct {
	// SessionID is the unique identifier assigned at registration
	SessionID string

	// RemoteAddr is the peer endpoint (host:port)
	RemoteAddr string

	// ClientGUID is the GUID the client sent in ConnectionRequest
	ClientGUID uint64

	// MTU is the negotiated maximum datagram size
	MTU uint16

	// ProtocolVersion is the RakNet protocol declared by the client
	ProtocolVersion uint8
}

// Handler is the reliability layer that owns a peer once its handshake has
// completed. The dispatcher calls OnConnect at most once per session, then
// Handle for every datagram the peer sends, and OnDisconnect when the session
// expires or the server shuts down.
//
// A session removed before it could be announced gets neither callback.
// OnDisconnect is only called after OnConnect has returned nil for the same
// session.
//
// When the reliability layer itself detects that a peer is gone it reports it
// through the dispatcher's NotifyClose; OnDisconnect is not called back for
// that session.
type Handler interface {
	// OnConnect is called when a session reaches the connected state.
	OnConnect(ctx context.Context, hctx *Context) error

	// Handle receives one raw datagram from a connected peer. data is only
	// valid until Handle returns. Writes to w are sent to the peer as single
	// datagrams.
	Handle(ctx context.Context, hctx *Context, data []byte, w io.Writer) error

	// OnDisconnect is called when a connected session is removed by expiry
	// or shutdown.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that discards all traffic.
// Useful for testing or when only the handshake is of interest.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) Handle(ctx context.Context, hctx *Context, data []byte, w io.Writer) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
