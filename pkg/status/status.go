// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package status renders the server status string sent in UnconnectedPong.
package status

import (
	"strconv"
	"strings"
)

// Provider returns the status string advertised to pinging clients.
type Provider interface {
	CurrentIdentity() string
}

// Static is a Provider that always returns the same string.
type Static string

var _ Provider = Static("")

// CurrentIdentity implements Provider.
func (s Static) CurrentIdentity() string {
	return string(s)
}

// Query renders the Bedrock status line:
//
//	MCPE;motd;protocol;version;online;max;guid;submotd;gamemode;gamemodeID;port4;port6;
type Query struct {
	Edition         string
	MOTD            string
	SubMOTD         string
	ProtocolVersion int
	GameVersion     string
	MaxPlayers      int
	ServerGUID      uint64
	GameMode        string
	GameModeID      int
	PortV4          uint16
	PortV6          uint16

	// Online reports the current player count. If nil, 0 is advertised.
	Online func() int
}

var _ Provider = (*Query)(nil)

// CurrentIdentity implements Provider.
func (q *Query) CurrentIdentity() string {
	edition := q.Edition
	if edition == "" {
		edition = "MCPE"
	}
	online := 0
	if q.Online != nil {
		online = q.Online()
	}

	fields := []string{
		edition,
		clean(q.MOTD),
		strconv.Itoa(q.ProtocolVersion),
		clean(q.GameVersion),
		strconv.Itoa(online),
		strconv.Itoa(q.MaxPlayers),
		strconv.FormatUint(q.ServerGUID, 10),
		clean(q.SubMOTD),
		clean(q.GameMode),
		strconv.Itoa(q.GameModeID),
		strconv.Itoa(int(q.PortV4)),
		strconv.Itoa(int(q.PortV6)),
	}
	return strings.Join(fields, ";") + ";"
}

// clean drops separators so a field cannot shift the ones after it.
func clean(s string) string {
	return strings.ReplaceAll(s, ";", "")
}
