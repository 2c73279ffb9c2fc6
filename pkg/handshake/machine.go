// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"slices"
	"time"

	"github.com/absmach/rakgate/pkg/protocol"
	"github.com/absmach/rakgate/pkg/session"
)

const (
	// DefaultMaxMTU is the largest MTU the server accepts.
	DefaultMaxMTU = 1500

	// DefaultMinMTU is the smallest MTU the server accepts.
	DefaultMinMTU = 576
)

// Reasons reported in Result.Reason when a packet is ignored.
const (
	ReasonUnexpectedState  = "unexpected_state"
	ReasonUnexpectedPacket = "unexpected_packet"
	ReasonServerFull       = "server_full"
	ReasonMTUTooSmall      = "mtu_too_small"
	ReasonGUIDMismatch     = "guid_mismatch"
)

// Effect is the side effect the caller must carry out after a step.
type Effect int

const (
	// EffectNone needs nothing beyond persisting Result.Next.
	EffectNone Effect = iota

	// EffectRegister marks Result.Next as a new session.
	EffectRegister

	// EffectPromote hands the session to the reliability layer.
	EffectPromote

	// EffectRemove deletes the session.
	EffectRemove
)

// String returns a string representation of the effect.
func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectRegister:
		return "register"
	case EffectPromote:
		return "promote"
	case EffectRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Config holds the machine configuration.
type Config struct {
	// MaxMTU caps the MTU declared by clients.
	// If 0, uses DefaultMaxMTU.
	MaxMTU uint16

	// MinMTU is the smallest MTU accepted; smaller requests are ignored.
	// If 0, uses DefaultMinMTU.
	MinMTU uint16

	// SystemAddresses is sent in ConnectionRequestAccepted.
	// If empty, protocol.SystemAddressCount unspecified addresses are used.
	SystemAddresses []protocol.Address
}

// Input is everything a step depends on.
type Input struct {
	// Session is the current record, nil if the peer is unseen.
	Session *session.Session

	// Endpoint is the peer the packet came from.
	Endpoint session.Endpoint

	// Packet is the decoded packet.
	Packet protocol.Packet

	// Now is the time the packet is processed at.
	Now time.Time

	// Status is the server status string sent in UnconnectedPong.
	Status string

	// Full reports that the registry has no room for another session.
	Full bool
}

// Result is the outcome of a step.
type Result struct {
	// Next is the record to persist, nil if there is none.
	Next *session.Session

	// Reply is the packet to send back, nil if there is none.
	Reply protocol.Packet

	// Effect is the side effect to carry out.
	Effect Effect

	// Reason explains why the packet was ignored or rejected.
	Reason string
}

// State returns the state the peer is in after the step.
func (r Result) State() session.State {
	if r.Next != nil {
		return r.Next.State
	}
	if r.Effect == EffectRemove {
		return session.StateClosed
	}
	return session.StateUnseen
}

// Machine evaluates handshake transitions.
type Machine struct {
	identity        Identity
	maxMTU          uint16
	minMTU          uint16
	systemAddresses []protocol.Address
}

// New creates a machine answering with the given identity.
func New(id Identity, cfg Config) *Machine {
	if cfg.MaxMTU == 0 {
		cfg.MaxMTU = DefaultMaxMTU
	}
	if cfg.MinMTU == 0 {
		cfg.MinMTU = DefaultMinMTU
	}
	if len(cfg.SystemAddresses) == 0 {
		cfg.SystemAddresses = make([]protocol.Address, protocol.SystemAddressCount)
		for i := range cfg.SystemAddresses {
			cfg.SystemAddresses[i] = protocol.UnspecifiedAddress
		}
	}
	return &Machine{
		identity:        id,
		maxMTU:          cfg.MaxMTU,
		minMTU:          cfg.MinMTU,
		systemAddresses: slices.Clone(cfg.SystemAddresses),
	}
}

// Identity returns the server identity.
func (m *Machine) Identity() Identity {
	return m.identity
}

// Step evaluates one packet.
func (m *Machine) Step(in Input) Result {
	switch pkt := in.Packet.(type) {
	case protocol.UnconnectedPing:
		return m.unconnectedPing(in, pkt)
	case protocol.OpenConnectionRequest1:
		return m.openConnectionRequest1(in, pkt)
	case protocol.OpenConnectionRequest2:
		return m.openConnectionRequest2(in, pkt)
	case protocol.ConnectionRequest:
		return m.connectionRequest(in, pkt)
	case protocol.NewIncomingConnection:
		return m.newIncomingConnection(in)
	case protocol.DisconnectionNotification:
		return m.disconnectionNotification(in)
	default:
		return ignore(in, ReasonUnexpectedPacket)
	}
}

func (m *Machine) unconnectedPing(in Input, pkt protocol.UnconnectedPing) Result {
	if pkt.Open && in.Full {
		return ignore(in, ReasonServerFull)
	}
	return Result{
		Next: touch(in),
		Reply: protocol.UnconnectedPong{
			Time:       pkt.Time,
			ServerGUID: m.identity.GUID,
			Magic:      pkt.Magic,
			Status:     in.Status,
		},
	}
}

func (m *Machine) openConnectionRequest1(in Input, pkt protocol.OpenConnectionRequest1) Result {
	cur := in.Session
	if cur != nil && cur.State == session.StateConnected {
		return ignore(in, ReasonUnexpectedState)
	}
	if cur == nil && in.Full {
		return Result{
			Reply: protocol.NoFreeIncomingConnections{
				Magic:      pkt.Magic,
				ServerGUID: m.identity.GUID,
			},
			Reason: ReasonServerFull,
		}
	}

	mtu := m.clamp(pkt.MTU)
	if mtu < m.minMTU {
		return ignore(in, ReasonMTUTooSmall)
	}

	effect := EffectNone
	next := session.Session{Endpoint: in.Endpoint, CreatedAt: in.Now}
	if cur != nil {
		next = *cur
	} else {
		effect = EffectRegister
	}

	if next.MTUFixed {
		mtu = next.MTU
	} else {
		next.MTU = mtu
	}
	next.State = session.StateAwaitingConnectionRequest2
	next.ProtocolVersion = pkt.Protocol
	next.HasProtocolVersion = true
	next.LastActivity = in.Now

	return Result{
		Next: &next,
		Reply: protocol.OpenConnectionReply1{
			Magic:       pkt.Magic,
			ServerGUID:  m.identity.GUID,
			UseSecurity: false,
			MTU:         mtu,
		},
		Effect: effect,
	}
}

func (m *Machine) openConnectionRequest2(in Input, pkt protocol.OpenConnectionRequest2) Result {
	cur := in.Session
	if cur == nil {
		return ignore(in, ReasonUnexpectedState)
	}
	switch cur.State {
	case session.StateAwaitingConnectionRequest2, session.StateAwaitingNewIncomingConnection:
	default:
		return ignore(in, ReasonUnexpectedState)
	}

	next := *cur
	if !next.MTUFixed {
		mtu := m.clamp(pkt.MTU)
		if mtu < m.minMTU {
			return ignore(in, ReasonMTUTooSmall)
		}
		next.MTU = mtu
		next.MTUFixed = true
	}
	next.State = session.StateAwaitingNewIncomingConnection
	next.LastActivity = in.Now

	return Result{
		Next: &next,
		Reply: protocol.OpenConnectionReply2{
			Magic:             pkt.Magic,
			ServerGUID:        m.identity.GUID,
			ClientAddress:     in.Endpoint,
			MTU:               next.MTU,
			EncryptionEnabled: false,
		},
	}
}

func (m *Machine) connectionRequest(in Input, pkt protocol.ConnectionRequest) Result {
	cur := in.Session
	if cur == nil {
		return ignore(in, ReasonUnexpectedState)
	}
	switch cur.State {
	case session.StateAwaitingNewIncomingConnection, session.StateAwaitingConnectionRequest:
	default:
		return ignore(in, ReasonUnexpectedState)
	}
	if cur.HasClientGUID && cur.ClientGUID != pkt.ClientGUID {
		return ignore(in, ReasonGUIDMismatch)
	}

	next := *cur
	next.ClientGUID = pkt.ClientGUID
	next.HasClientGUID = true
	next.State = session.StateAwaitingConnectionRequest
	next.LastActivity = in.Now

	return Result{
		Next: &next,
		Reply: protocol.ConnectionRequestAccepted{
			ClientAddress:   in.Endpoint,
			SystemIndex:     0,
			SystemAddresses: slices.Clone(m.systemAddresses),
			RequestTime:     pkt.Time,
			Time:            in.Now.UnixMilli(),
		},
	}
}

func (m *Machine) newIncomingConnection(in Input) Result {
	cur := in.Session
	if cur == nil || cur.State != session.StateAwaitingConnectionRequest {
		return ignore(in, ReasonUnexpectedState)
	}

	next := *cur
	next.State = session.StateConnected
	next.LastActivity = in.Now

	return Result{Next: &next, Effect: EffectPromote}
}

func (m *Machine) disconnectionNotification(in Input) Result {
	cur := in.Session
	if cur == nil || cur.State == session.StateConnected {
		return ignore(in, ReasonUnexpectedState)
	}
	return Result{Effect: EffectRemove}
}

func (m *Machine) clamp(mtu uint16) uint16 {
	if mtu > m.maxMTU {
		return m.maxMTU
	}
	return mtu
}

// touch returns the current record with its activity refreshed.
func touch(in Input) *session.Session {
	if in.Session == nil {
		return nil
	}
	next := *in.Session
	next.LastActivity = in.Now
	return &next
}

func ignore(in Input, reason string) Result {
	return Result{Next: touch(in), Reason: reason}
}
