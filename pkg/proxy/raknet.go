// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/absmach/rakgate/pkg/dispatcher"
	"github.com/absmach/rakgate/pkg/handler"
	"github.com/absmach/rakgate/pkg/handshake"
	"github.com/absmach/rakgate/pkg/metrics"
	"github.com/absmach/rakgate/pkg/protocol"
	"github.com/absmach/rakgate/pkg/ratelimit"
	"github.com/absmach/rakgate/pkg/server/udp"
	"github.com/absmach/rakgate/pkg/session"
	"github.com/absmach/rakgate/pkg/status"
	"golang.org/x/sync/errgroup"
)

// RakNetConfig holds configuration for the RakNet server.
type RakNetConfig struct {
	Host            string
	Port            string
	SessionTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxSessions     int
	MaxMTU          uint16
	MinMTU          uint16
	RegistryShards  int
	WorkerPoolSize  int
	QueueSize       int
	BufferSize      int
	ReadBufferSize  int
	WriteBufferSize int

	// Identity is the server identity. If nil, a random one is generated.
	Identity *handshake.Identity

	// Status answers pings. If nil, Query is advertised with the server
	// GUID, port, capacity and live player count filled in.
	Status status.Provider
	Query  status.Query

	Limiter       *ratelimit.Limiter
	GlobalLimiter *ratelimit.TokenBucket
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// RakNetProxy coordinates the UDP server, the session registry, the
// handshake machine and the dispatcher.
type RakNetProxy struct {
	identity   handshake.Identity
	registry   *session.Registry
	dispatcher *dispatcher.Dispatcher
	server     *udp.Server
	logger     *slog.Logger
}

// NewRakNet creates a RakNet server handing connected peers to h.
func NewRakNet(cfg RakNetConfig, h handler.Handler) (*RakNetProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var id handshake.Identity
	if cfg.Identity != nil {
		id = *cfg.Identity
	} else {
		var err error
		if id, err = handshake.NewIdentity(); err != nil {
			return nil, err
		}
	}

	p := &RakNetProxy{
		identity: id,
		registry: session.NewRegistry(cfg.Logger, cfg.RegistryShards),
		logger:   cfg.Logger,
	}

	address := net.JoinHostPort(cfg.Host, cfg.Port)
	p.server = udp.New(udp.Config{
		Address:         address,
		ShutdownTimeout: cfg.ShutdownTimeout,
		BufferSize:      cfg.BufferSize,
		WorkerPoolSize:  cfg.WorkerPoolSize,
		QueueSize:       cfg.QueueSize,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Logger:          cfg.Logger,
	}, p)

	machine := handshake.New(id, handshake.Config{
		MaxMTU: cfg.MaxMTU,
		MinMTU: cfg.MinMTU,
	})

	sp := cfg.Status
	var query *status.Query
	if sp == nil {
		q := cfg.Query
		query = &q
		sp = query
	}

	p.dispatcher = dispatcher.New(dispatcher.Config{
		SessionTimeout: cfg.SessionTimeout,
		MaxSessions:    cfg.MaxSessions,
		Limiter:        cfg.Limiter,
		GlobalLimiter:  cfg.GlobalLimiter,
		Metrics:        cfg.Metrics,
		Logger:         cfg.Logger,
	}, p.registry, machine, h, sp, p.server)

	if query != nil {
		query.ServerGUID = id.GUID
		query.Online = p.dispatcher.Connected
		if query.MaxPlayers == 0 {
			query.MaxPlayers = p.dispatcher.MaxSessions()
		}
		if port, err := strconv.ParseUint(cfg.Port, 10, 16); err == nil {
			if query.PortV4 == 0 {
				query.PortV4 = uint16(port)
			}
			if query.PortV6 == 0 {
				query.PortV6 = uint16(port)
			}
		}
	}

	return p, nil
}

// HandleDatagram implements udp.Handler.
func (p *RakNetProxy) HandleDatagram(ctx context.Context, data []byte, from protocol.Address) {
	p.dispatcher.HandleDatagram(ctx, data, from)
}

// Listen starts the RakNet server and blocks until context is cancelled.
// Remaining sessions are closed before it returns.
func (p *RakNetProxy) Listen(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.server.Listen(ctx)
	})

	g.Go(func() error {
		return p.dispatcher.Cleanup(ctx)
	})

	p.logger.Info("RakNet server starting",
		slog.String("server_guid", fmt.Sprintf("%016x", p.identity.GUID)))

	err := g.Wait()
	p.dispatcher.CloseAll(context.Background())
	return err
}

// NotifyClose removes the session of ep. Reliability layers call it when they
// detect that a peer is gone.
func (p *RakNetProxy) NotifyClose(ctx context.Context, ep protocol.Address) bool {
	return p.dispatcher.NotifyClose(ctx, ep)
}

// Identity returns the server identity.
func (p *RakNetProxy) Identity() handshake.Identity {
	return p.identity
}

// LocalAddr returns the bound address, or nil when the server is not
// listening.
func (p *RakNetProxy) LocalAddr() net.Addr {
	return p.server.LocalAddr()
}

// Sessions returns the number of sessions in any state.
func (p *RakNetProxy) Sessions() int {
	return p.dispatcher.Sessions()
}

// Connected returns the number of connected sessions.
func (p *RakNetProxy) Connected() int {
	return p.dispatcher.Connected()
}

// CheckCapacity reports an error when the registry is full.
func (p *RakNetProxy) CheckCapacity(ctx context.Context) error {
	if n, limit := p.dispatcher.Sessions(), p.dispatcher.MaxSessions(); n >= limit {
		return fmt.Errorf("session registry full: %d/%d", n, limit)
	}
	return nil
}

// CheckListening reports an error when the UDP socket is not bound.
func (p *RakNetProxy) CheckListening(ctx context.Context) error {
	if p.server.LocalAddr() == nil {
		return fmt.Errorf("UDP server not listening")
	}
	return nil
}
