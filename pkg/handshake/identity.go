// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Identity identifies this server instance to clients. It is created once at
// startup and never changes.
type Identity struct {
	GUID uint64
}

// NewIdentity returns an identity with a random GUID.
func NewIdentity() (Identity, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Identity{}, fmt.Errorf("failed to generate server guid: %w", err)
	}
	return Identity{GUID: binary.BigEndian.Uint64(b[:])}, nil
}
