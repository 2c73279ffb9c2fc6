// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the RakNet coordinator that wires together the UDP
// server, the session registry, the handshake machine and the dispatcher.
//
// # Architecture
//
//	Application
//	     ↓
//	┌──────────────┐
//	│ RakNetProxy  │  (Coordinator)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│  UDP Server  │  (Transport, per-endpoint worker queues)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│  Dispatcher  │  (Registry + Handshake Machine)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│   Handler    │  (Reliability layer)
//	└──────────────┘
//
// # Usage
//
//	cfg := proxy.RakNetConfig{
//		Host:           "0.0.0.0",
//		Port:           "19132",
//		SessionTimeout: 10 * time.Second,
//		MaxSessions:    10000,
//		Query:          status.Query{MOTD: "lobby", GameVersion: "1.21.20"},
//	}
//
//	p, err := proxy.NewRakNet(cfg, handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Listen returns once ctx is cancelled and every remaining session has been
// closed. Connected sessions receive OnDisconnect during that drain.
package proxy
