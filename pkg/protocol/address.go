// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Address is a peer endpoint: IP version, textual address and port.
// Two addresses are equal iff all three fields match.
type Address struct {
	Version uint8
	Host    string
	Port    uint16
}

// AddressFromAddrPort converts a socket address. IPv4-mapped IPv6 addresses
// are reported as IPv4.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	ip := ap.Addr().Unmap()
	version := uint8(6)
	if ip.Is4() {
		version = 4
	}
	return Address{
		Version: version,
		Host:    ip.String(),
		Port:    ap.Port(),
	}
}

// AddrPort parses the address back into a socket address.
func (a Address) AddrPort() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid host %q: %w", a.Host, err)
	}
	switch {
	case a.Version == 4 && !ip.Is4():
		return netip.AddrPort{}, fmt.Errorf("host %q is not an IPv4 address", a.Host)
	case a.Version == 6 && !ip.Is6():
		return netip.AddrPort{}, fmt.Errorf("host %q is not an IPv6 address", a.Host)
	case a.Version != 4 && a.Version != 6:
		return netip.AddrPort{}, fmt.Errorf("unsupported address version %d", a.Version)
	}
	return netip.AddrPortFrom(ip, a.Port), nil
}

// String returns host:port.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// UnspecifiedAddress is the placeholder used to fill system address lists.
var UnspecifiedAddress = Address{Version: 4, Host: "0.0.0.0"}
