// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for rakgate.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMalformedPacket indicates a datagram that is truncated or carries
	// fields that cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrInvalidMagic indicates an offline packet without the RakNet magic.
	ErrInvalidMagic = errors.New("invalid offline magic")

	// ErrUnknownPacket indicates a packet identifier the codec does not know.
	ErrUnknownPacket = errors.New("unknown packet")

	// ErrNotListening indicates a send on a transport that is not bound.
	ErrNotListening = errors.New("transport not listening")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")
)

// PacketError wraps an error with the datagram it was raised for.
type PacketError struct {
	Op       string // Operation that failed (decode, encode, send, ...)
	Endpoint string // Peer endpoint
	PacketID byte   // Leading identifier byte, if known
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *PacketError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s packet 0x%02x: %v", e.Op, e.PacketID, e.Err)
	}
	return fmt.Sprintf("%s packet 0x%02x from %s: %v", e.Op, e.PacketID, e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *PacketError) Unwrap() error {
	return e.Err
}

// New creates a new PacketError.
func New(op, endpoint string, id byte, err error) error {
	if err == nil {
		return nil
	}
	return &PacketError{
		Op:       op,
		Endpoint: endpoint,
		PacketID: id,
		Err:      err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
