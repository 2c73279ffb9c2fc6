// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	rakerrors "github.com/absmach/rakgate/pkg/errors"
)

// ipv6Family is AF_INET6 as Windows numbers it; RakNet writes it verbatim.
const ipv6Family = 23

// Peek returns the identifier byte of a datagram without decoding it.
func Peek(data []byte) (ID, bool) {
	if len(data) == 0 {
		return 0, false
	}
	return ID(data[0]), true
}

// Decode parses one datagram. Unknown identifiers yield an Unknown packet and
// a nil error. Truncated payloads return an error wrapping
// errors.ErrMalformedPacket, and offline packets without the RakNet magic one
// wrapping errors.ErrInvalidMagic.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", rakerrors.ErrMalformedPacket)
	}

	id := ID(data[0])
	r := &reader{buf: data[1:]}

	var p Packet
	switch id {
	case IDConnectedPing:
		p = ConnectedPing{Time: r.i64()}

	case IDUnconnectedPing, IDUnconnectedPingOpen:
		pk := UnconnectedPing{Open: id == IDUnconnectedPingOpen}
		pk.Time = r.i64()
		pk.Magic = r.magic()
		if len(r.buf) >= 8 {
			pk.ClientGUID = r.u64()
		}
		p = pk

	case IDConnectedPong:
		p = ConnectedPong{PingTime: r.i64(), PongTime: r.i64()}

	case IDOpenConnectionRequest1:
		pk := OpenConnectionRequest1{}
		pk.Magic = r.magic()
		pk.Protocol = r.u8()
		mtu := len(data) + UDPHeaderSize
		if mtu > 0xffff {
			mtu = 0xffff
		}
		pk.MTU = uint16(mtu)
		r.buf = nil
		p = pk

	case IDOpenConnectionReply1:
		p = OpenConnectionReply1{
			Magic:       r.magic(),
			ServerGUID:  r.u64(),
			UseSecurity: r.boolean(),
			MTU:         r.u16(),
		}

	case IDOpenConnectionRequest2:
		p = OpenConnectionRequest2{
			Magic:         r.magic(),
			ServerAddress: r.address(),
			MTU:           r.u16(),
			ClientGUID:    r.u64(),
		}

	case IDOpenConnectionReply2:
		p = OpenConnectionReply2{
			Magic:             r.magic(),
			ServerGUID:        r.u64(),
			ClientAddress:     r.address(),
			MTU:               r.u16(),
			EncryptionEnabled: r.boolean(),
		}

	case IDConnectionRequest:
		pk := ConnectionRequest{ClientGUID: r.u64(), Time: r.i64()}
		if len(r.buf) > 0 {
			pk.UseSecurity = r.boolean()
		}
		p = pk

	case IDConnectionRequestAccepted:
		pk := ConnectionRequestAccepted{}
		pk.ClientAddress = r.address()
		pk.SystemIndex = r.u16()
		pk.SystemAddresses = r.addressList()
		pk.RequestTime = r.i64()
		pk.Time = r.i64()
		p = pk

	case IDNewIncomingConnection:
		pk := NewIncomingConnection{}
		pk.ServerAddress = r.address()
		pk.SystemAddresses = r.addressList()
		pk.RequestTime = r.i64()
		pk.Time = r.i64()
		p = pk

	case IDNoFreeIncomingConnections:
		p = NoFreeIncomingConnections{Magic: r.magic(), ServerGUID: r.u64()}

	case IDDisconnectionNotification:
		p = DisconnectionNotification{}

	case IDUnconnectedPong:
		p = UnconnectedPong{
			Time:       r.i64(),
			ServerGUID: r.u64(),
			Magic:      r.magic(),
			Status:     r.str(),
		}

	default:
		return Unknown{PacketID: id, Payload: append([]byte(nil), data[1:]...)}, nil
	}

	if r.err != nil {
		return nil, rakerrors.New("decode", "", byte(id), r.err)
	}
	if m, ok := offlineMagic(p); ok && !m.Valid() {
		return nil, rakerrors.New("decode", "", byte(id), rakerrors.ErrInvalidMagic)
	}

	return p, nil
}

// Encode serializes a packet.
func Encode(p Packet) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(byte(p.ID()))

	switch pk := p.(type) {
	case ConnectedPing:
		w.i64(pk.Time)

	case UnconnectedPing:
		w.i64(pk.Time)
		w.magic(pk.Magic)
		w.u64(pk.ClientGUID)

	case ConnectedPong:
		w.i64(pk.PingTime)
		w.i64(pk.PongTime)

	case OpenConnectionRequest1:
		w.magic(pk.Magic)
		w.u8(pk.Protocol)
		pad := int(pk.MTU) - UDPHeaderSize - len(w.buf)
		if pad < 0 {
			w.fail(fmt.Errorf("%w: MTU %d too small for request", rakerrors.ErrMalformedPacket, pk.MTU))
			break
		}
		w.buf = append(w.buf, make([]byte, pad)...)

	case OpenConnectionReply1:
		w.magic(pk.Magic)
		w.u64(pk.ServerGUID)
		w.boolean(pk.UseSecurity)
		w.u16(pk.MTU)

	case OpenConnectionRequest2:
		w.magic(pk.Magic)
		w.address(pk.ServerAddress)
		w.u16(pk.MTU)
		w.u64(pk.ClientGUID)

	case OpenConnectionReply2:
		w.magic(pk.Magic)
		w.u64(pk.ServerGUID)
		w.address(pk.ClientAddress)
		w.u16(pk.MTU)
		w.boolean(pk.EncryptionEnabled)

	case ConnectionRequest:
		w.u64(pk.ClientGUID)
		w.i64(pk.Time)
		w.boolean(pk.UseSecurity)

	case ConnectionRequestAccepted:
		w.address(pk.ClientAddress)
		w.u16(pk.SystemIndex)
		for _, a := range pk.SystemAddresses {
			w.address(a)
		}
		w.i64(pk.RequestTime)
		w.i64(pk.Time)

	case NewIncomingConnection:
		w.address(pk.ServerAddress)
		for _, a := range pk.SystemAddresses {
			w.address(a)
		}
		w.i64(pk.RequestTime)
		w.i64(pk.Time)

	case NoFreeIncomingConnections:
		w.magic(pk.Magic)
		w.u64(pk.ServerGUID)

	case DisconnectionNotification:

	case UnconnectedPong:
		w.i64(pk.Time)
		w.u64(pk.ServerGUID)
		w.magic(pk.Magic)
		w.str(pk.Status)

	case Unknown:
		w.buf = append(w.buf, pk.Payload...)

	default:
		return nil, fmt.Errorf("%w: cannot encode %T", rakerrors.ErrUnknownPacket, p)
	}

	if w.err != nil {
		return nil, rakerrors.New("encode", "", byte(p.ID()), w.err)
	}
	return w.buf, nil
}

func offlineMagic(p Packet) (Magic, bool) {
	switch pk := p.(type) {
	case UnconnectedPing:
		return pk.Magic, true
	case UnconnectedPong:
		return pk.Magic, true
	case OpenConnectionRequest1:
		return pk.Magic, true
	case OpenConnectionReply1:
		return pk.Magic, true
	case OpenConnectionRequest2:
		return pk.Magic, true
	case OpenConnectionReply2:
		return pk.Magic, true
	case NoFreeIncomingConnections:
		return pk.Magic, true
	}
	return Magic{}, false
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", rakerrors.ErrMalformedPacket, n, len(r.buf))
		r.buf = nil
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() bool {
	return r.u8() != 0
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i64() int64 {
	return int64(r.u64())
}

func (r *reader) magic() Magic {
	var m Magic
	copy(m[:], r.take(len(m)))
	return m
}

func (r *reader) str() string {
	n := r.u16()
	return string(r.take(int(n)))
}

func (r *reader) address() Address {
	version := r.u8()
	if r.err != nil {
		return Address{}
	}

	switch version {
	case 4:
		b := r.take(4)
		port := r.u16()
		if r.err != nil {
			return Address{}
		}
		ip := netip.AddrFrom4([4]byte{^b[0], ^b[1], ^b[2], ^b[3]})
		return Address{Version: 4, Host: ip.String(), Port: port}

	case 6:
		r.take(2) // family
		port := r.u16()
		r.u32() // flow info
		b := r.take(16)
		r.u32() // scope id
		if r.err != nil {
			return Address{}
		}
		ip := netip.AddrFrom16([16]byte(b))
		return Address{Version: 6, Host: ip.String(), Port: port}

	default:
		r.err = fmt.Errorf("%w: address version %d", rakerrors.ErrMalformedPacket, version)
		return Address{}
	}
}

// addressList reads addresses until only the two trailing timestamps remain.
func (r *reader) addressList() []Address {
	var addrs []Address
	for r.err == nil && len(r.buf) > 16 {
		addrs = append(addrs, r.address())
	}
	if r.err != nil {
		return nil
	}
	return addrs
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) i64(v int64) {
	w.u64(uint64(v))
}

func (w *writer) magic(m Magic) {
	w.buf = append(w.buf, m[:]...)
}

func (w *writer) str(s string) {
	if len(s) > 0xffff {
		w.fail(fmt.Errorf("%w: string of %d bytes", rakerrors.ErrMalformedPacket, len(s)))
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) address(a Address) {
	ap, err := a.AddrPort()
	if err != nil {
		w.fail(err)
		return
	}

	ip := ap.Addr()
	switch a.Version {
	case 4:
		w.u8(4)
		for _, o := range ip.As4() {
			w.u8(^o)
		}
		w.u16(ap.Port())
	case 6:
		w.u8(6)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, ipv6Family)
		w.u16(ap.Port())
		w.u32(0)
		b := ip.As16()
		w.buf = append(w.buf, b[:]...)
		w.u32(0)
	}
}
