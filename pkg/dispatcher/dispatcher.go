// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rakerrors "github.com/absmach/rakgate/pkg/errors"
	"github.com/absmach/rakgate/pkg/handler"
	"github.com/absmach/rakgate/pkg/handshake"
	"github.com/absmach/rakgate/pkg/metrics"
	"github.com/absmach/rakgate/pkg/protocol"
	"github.com/absmach/rakgate/pkg/ratelimit"
	"github.com/absmach/rakgate/pkg/session"
	"github.com/absmach/rakgate/pkg/status"
	"github.com/google/uuid"
)

const (
	// DefaultSessionTimeout is the default inactivity timeout of a session.
	DefaultSessionTimeout = 10 * time.Second

	// DefaultMaxSessions is the default registry capacity.
	DefaultMaxSessions = 10000
)

// Drop reasons besides the handshake.Reason* values.
const (
	ReasonMalformed     = "malformed"
	ReasonUnknownPacket = "unknown_packet"
	ReasonRateLimited   = "rate_limited"
)

const (
	kindConnected = "connected"
	kindMalformed = "malformed"
)

// Transport sends datagrams to peers.
type Transport interface {
	Send(data []byte, to protocol.Address) error
}

// Config holds the dispatcher configuration.
type Config struct {
	// SessionTimeout is how long a session may stay inactive, in any state,
	// before ExpireStale removes it.
	// If 0, uses DefaultSessionTimeout.
	SessionTimeout time.Duration

	// MaxSessions is the registry capacity. New peers are refused with
	// NoFreeIncomingConnections once it is reached.
	// If 0, uses DefaultMaxSessions.
	MaxSessions int

	// Limiter bounds the offline packet rate of each endpoint. Optional.
	Limiter *ratelimit.Limiter

	// GlobalLimiter bounds the offline packet rate of all endpoints together.
	// Optional.
	GlobalLimiter *ratelimit.TokenBucket

	// Metrics records dispatch outcomes. Optional.
	Metrics *metrics.Metrics

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	// Logger for dispatcher events
	Logger *slog.Logger
}

// Dispatcher is the single entry point for received datagrams. It routes
// traffic of connected peers to the reliability layer and drives the
// handshake of everyone else.
type Dispatcher struct {
	config    Config
	registry  *session.Registry
	machine   *handshake.Machine
	handler   handler.Handler
	status    status.Provider
	transport Transport
	connected atomic.Int64

	// sessions counts registered sessions plus slots reserved by peers
	// that are registering. It never exceeds MaxSessions.
	sessions atomic.Int64

	// hooks holds the lifecycle of sessions announced through OnConnect,
	// keyed by session ID.
	hooks sync.Map
}

// hook orders the reliability callbacks of one session: OnDisconnect waits
// for OnConnect to return and is skipped unless OnConnect accepted it.
type hook struct {
	mu       sync.Mutex
	accepted bool
}

// New creates a dispatcher.
func New(cfg Config, r *session.Registry, m *handshake.Machine, h handler.Handler, sp status.Provider, t Transport) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if sp == nil {
		sp = status.Static("")
	}
	return &Dispatcher{
		config:    cfg,
		registry:  r,
		machine:   m,
		handler:   h,
		status:    sp,
		transport: t,
	}
}

// outcome is what happened to one datagram inside the registry exclusion.
type outcome struct {
	kind    string
	prev    *session.Session
	next    *session.Session
	reply   protocol.Packet
	effect  handshake.Effect
	reason  string
	err     error
	limiter string
	forward bool
}

// HandleDatagram processes one datagram received from the given endpoint.
// Datagrams from one endpoint must not be handled concurrently with each
// other. Malformed input is dropped and never reported as an error.
func (d *Dispatcher) HandleDatagram(ctx context.Context, data []byte, from protocol.Address) {
	start := time.Now()
	now := d.config.Clock()

	// The status string is built outside the registry lock so providers may
	// read the registry.
	var identity string
	if id, ok := protocol.Peek(data); ok && (id == protocol.IDUnconnectedPing || id == protocol.IDUnconnectedPingOpen) {
		if cur, found := d.registry.Lookup(from); !found || !cur.Connected() {
			identity = d.status.CurrentIdentity()
		}
	}

	var out outcome
	d.registry.Apply(from, func(cur *session.Session) *session.Session {
		out = d.step(cur, data, from, now, identity)
		return out.next
	})

	d.finish(ctx, from, data, out)
	d.config.Metrics.ObserveDatagram(out.kind, len(data), time.Since(start))
}

// step evaluates one datagram against the current record. It runs with the
// endpoint's record locked and performs no I/O.
func (d *Dispatcher) step(cur *session.Session, data []byte, from protocol.Address, now time.Time, identity string) outcome {
	out := outcome{prev: cur}

	if cur != nil && cur.Connected() {
		next := *cur
		next.LastActivity = now
		out.next = &next
		out.kind = kindConnected
		if pong, ok := connectedPong(data, now); ok {
			out.kind = protocol.IDConnectedPing.String()
			out.reply = pong
			return out
		}
		out.forward = true
		return out
	}

	if limiter := d.limit(from); limiter != "" {
		out.kind = ReasonRateLimited
		out.reason = ReasonRateLimited
		out.limiter = limiter
		out.next = cur
		return out
	}

	pkt, err := protocol.Decode(data)
	if err != nil {
		out.kind = kindMalformed
		out.err = err
		out.next = cur
		return out
	}
	out.kind = pkt.ID().String()
	if _, ok := pkt.(protocol.Unknown); ok {
		out.reason = ReasonUnknownPacket
		out.next = cur
		return out
	}

	// An unseen peer holds a slot while it is stepped, so concurrent
	// registrations cannot push the registry past MaxSessions.
	var full, reserved bool
	if cur == nil {
		reserved = d.reserve()
		full = !reserved
	} else {
		full = d.sessions.Load() >= int64(d.config.MaxSessions)
	}

	res := d.machine.Step(handshake.Input{
		Session:  cur,
		Endpoint: from,
		Packet:   pkt,
		Now:      now,
		Status:   identity,
		Full:     full,
	})
	if res.Effect == handshake.EffectRegister && res.Next != nil {
		res.Next.ID = uuid.NewString()
	} else if reserved {
		d.sessions.Add(-1)
	}

	out.reply = res.Reply
	out.effect = res.Effect
	out.reason = res.Reason
	if res.Effect != handshake.EffectRemove {
		out.next = res.Next
	}
	return out
}

// finish carries out everything that happens after the record is persisted.
func (d *Dispatcher) finish(ctx context.Context, from protocol.Address, data []byte, out outcome) {
	logger := d.config.Logger
	m := d.config.Metrics

	switch {
	case out.err != nil:
		logger.Debug("dropped malformed datagram",
			slog.String("remote", from.String()),
			slog.Int("size", len(data)),
			slog.String("error", out.err.Error()))
		m.Drop(ReasonMalformed)
	case out.reason == ReasonRateLimited:
		logger.Debug("rate limited datagram",
			slog.String("remote", from.String()),
			slog.String("limiter", out.limiter))
		m.RateLimited(out.limiter)
		m.Drop(out.reason)
	case out.reason != "":
		logger.Debug("ignored packet",
			slog.String("remote", from.String()),
			slog.String("packet", out.kind),
			slog.String("reason", out.reason))
		m.Drop(out.reason)
	}

	m.Transition(stateOf(out.prev).String(), nextState(out).String())
	if out.effect != handshake.EffectNone {
		m.Effect(out.effect.String())
	}

	switch out.effect {
	case handshake.EffectRegister:
		logger.Debug("session registered",
			slog.String("session", out.next.ID),
			slog.String("remote", from.String()),
			slog.Int("mtu", int(out.next.MTU)))
	case handshake.EffectPromote:
		d.promote(ctx, *out.next)
	case handshake.EffectRemove:
		if out.prev != nil {
			logger.Debug("session closed by peer",
				slog.String("session", out.prev.ID),
				slog.String("remote", from.String()))
			d.ended(*out.prev, false)
		}
	}

	if out.forward {
		d.forward(ctx, *out.next, data)
	}
	if out.reply != nil {
		d.send(out.reply, from)
	}
}

func (d *Dispatcher) promote(ctx context.Context, s session.Session) {
	d.connected.Add(1)

	h := &hook{}
	h.mu.Lock()
	d.hooks.Store(s.ID, h)

	// The session may have been closed or expired since it was persisted.
	// disconnect looks the hook up only after the registry removal, so either
	// the check below sees the session gone or disconnect waits for OnConnect.
	if cur, ok := d.registry.Lookup(s.Endpoint); !ok || cur.ID != s.ID {
		d.hooks.Delete(s.ID)
		h.mu.Unlock()
		d.config.Logger.Debug("session closed before it was announced",
			slog.String("session", s.ID),
			slog.String("remote", s.Endpoint.String()))
		return
	}

	d.config.Logger.Info("session connected",
		slog.String("session", s.ID),
		slog.String("remote", s.Endpoint.String()),
		slog.Uint64("client_guid", s.ClientGUID),
		slog.Int("mtu", int(s.MTU)))

	err := d.handler.OnConnect(ctx, handlerContext(s))
	h.accepted = err == nil
	h.mu.Unlock()

	if err != nil {
		d.config.Metrics.HandlerError("on_connect")
		d.config.Logger.Warn("reliability channel rejected session",
			slog.String("session", s.ID),
			slog.String("remote", s.Endpoint.String()),
			slog.String("error", err.Error()))
		d.hooks.Delete(s.ID)
		d.remove(s.Endpoint, s.ID)
	}
}

func (d *Dispatcher) forward(ctx context.Context, s session.Session, data []byte) {
	w := &peerWriter{dispatcher: d, to: s.Endpoint}
	if err := d.handler.Handle(ctx, handlerContext(s), data, w); err != nil {
		d.config.Metrics.HandlerError("handle")
		d.config.Logger.Debug("reliability channel error",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) send(p protocol.Packet, to protocol.Address) {
	data, err := protocol.Encode(p)
	if err != nil {
		d.config.Logger.Error("failed to encode reply",
			slog.String("packet", p.ID().String()),
			slog.String("remote", to.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := d.transport.Send(data, to); err != nil {
		err = rakerrors.New("send", to.String(), byte(p.ID()), err)
		d.config.Logger.Warn("failed to send reply", slog.String("error", err.Error()))
		return
	}
	d.config.Metrics.Reply(p.ID().String())
}

// NotifyClose removes the session of ep on behalf of the reliability layer,
// which has detected that the peer is gone. OnDisconnect is not called.
// It reports whether a session was removed.
func (d *Dispatcher) NotifyClose(ctx context.Context, ep protocol.Address) bool {
	s, ok := d.registry.Remove(ep)
	if !ok {
		return false
	}
	d.hooks.Delete(s.ID)
	d.ended(s, false)
	d.config.Metrics.Transition(s.State.String(), session.StateClosed.String())
	d.config.Logger.Info("session closed",
		slog.String("session", s.ID),
		slog.String("remote", ep.String()))
	return true
}

// ExpireStale removes every session inactive for longer than the session
// timeout, whatever its state, and returns them. Connected sessions are
// reported to the reliability layer through OnDisconnect.
func (d *Dispatcher) ExpireStale(ctx context.Context, now time.Time) []session.Session {
	removed := d.registry.ExpireStale(now, d.config.SessionTimeout)
	for _, s := range removed {
		d.ended(s, true)
		d.config.Metrics.Transition(s.State.String(), session.StateClosed.String())
		d.config.Logger.Debug("session expired",
			slog.String("session", s.ID),
			slog.String("remote", s.Endpoint.String()),
			slog.String("state", s.State.String()),
			slog.Duration("idle", now.Sub(s.LastActivity)))
		if s.Connected() {
			d.disconnect(ctx, s)
		}
	}
	if d.config.Limiter != nil {
		d.config.Limiter.Sweep()
	}
	d.recordSessions()
	return removed
}

// Cleanup runs ExpireStale every half session timeout until ctx is done.
func (d *Dispatcher) Cleanup(ctx context.Context) error {
	interval := d.config.SessionTimeout / 2
	if interval <= 0 {
		interval = d.config.SessionTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.ExpireStale(ctx, d.config.Clock())
		}
	}
}

// CloseAll removes every session. Connected sessions are reported to the
// reliability layer through OnDisconnect.
func (d *Dispatcher) CloseAll(ctx context.Context) int {
	removed := d.registry.Drain()
	for _, s := range removed {
		d.ended(s, false)
		if s.Connected() {
			d.disconnect(ctx, s)
		}
	}
	d.recordSessions()
	if len(removed) > 0 {
		d.config.Logger.Info("closed all sessions", slog.Int("count", len(removed)))
	}
	return len(removed)
}

// Connected returns the number of connected sessions.
func (d *Dispatcher) Connected() int {
	return int(d.connected.Load())
}

// Sessions returns the number of sessions in any state.
func (d *Dispatcher) Sessions() int {
	return d.registry.Count()
}

// MaxSessions returns the registry capacity.
func (d *Dispatcher) MaxSessions() int {
	return d.config.MaxSessions
}

// remove deletes the record of ep if it still belongs to session id.
func (d *Dispatcher) remove(ep protocol.Address, id string) {
	var removed *session.Session
	d.registry.Apply(ep, func(cur *session.Session) *session.Session {
		if cur != nil && cur.ID == id {
			removed = cur
			return nil
		}
		return cur
	})
	if removed != nil {
		d.ended(*removed, false)
	}
}

// disconnect reports a removed connected session to the reliability layer,
// once OnConnect has returned and only if it accepted the session.
func (d *Dispatcher) disconnect(ctx context.Context, s session.Session) {
	v, ok := d.hooks.LoadAndDelete(s.ID)
	if !ok {
		return
	}
	h := v.(*hook)
	h.mu.Lock()
	accepted := h.accepted
	h.mu.Unlock()
	if !accepted {
		return
	}

	if err := d.handler.OnDisconnect(ctx, handlerContext(s)); err != nil {
		d.config.Metrics.HandlerError("on_disconnect")
		d.config.Logger.Error("disconnect handler error",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
	}
}

// ended does the bookkeeping for a session that left the registry.
func (d *Dispatcher) ended(s session.Session, expired bool) {
	if s.Connected() {
		d.connected.Add(-1)
	}
	d.sessions.Add(-1)
	d.config.Metrics.SessionEnded(d.config.Clock().Sub(s.CreatedAt), expired)
}

// reserve takes a session slot if one is free.
func (d *Dispatcher) reserve() bool {
	limit := int64(d.config.MaxSessions)
	for {
		n := d.sessions.Load()
		if n >= limit {
			return false
		}
		if d.sessions.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// limit returns the name of the limiter refusing a datagram from ep, or ""
// if it is allowed.
func (d *Dispatcher) limit(ep protocol.Address) string {
	if d.config.GlobalLimiter != nil && !d.config.GlobalLimiter.Allow() {
		return "global"
	}
	if d.config.Limiter != nil && !d.config.Limiter.Allow(ep.String()) {
		return "endpoint"
	}
	return ""
}

func (d *Dispatcher) recordSessions() {
	if d.config.Metrics == nil {
		return
	}
	counts := make(map[string]int)
	for state, n := range d.registry.CountByState() {
		counts[state.String()] = n
	}
	d.config.Metrics.SetSessions(counts)
}

// connectedPong answers a raw ConnectedPing.
func connectedPong(data []byte, now time.Time) (protocol.ConnectedPong, bool) {
	if id, ok := protocol.Peek(data); !ok || id != protocol.IDConnectedPing {
		return protocol.ConnectedPong{}, false
	}
	pkt, err := protocol.Decode(data)
	if err != nil {
		return protocol.ConnectedPong{}, false
	}
	ping, ok := pkt.(protocol.ConnectedPing)
	if !ok {
		return protocol.ConnectedPong{}, false
	}
	return protocol.ConnectedPong{PingTime: ping.Time, PongTime: now.UnixMilli()}, true
}

func handlerContext(s session.Session) *handler.Context {
	return &handler.Context{
		SessionID:       s.ID,
		RemoteAddr:      s.Endpoint.String(),
		ClientGUID:      s.ClientGUID,
		MTU:             s.MTU,
		ProtocolVersion: s.ProtocolVersion,
	}
}

func stateOf(s *session.Session) session.State {
	if s == nil {
		return session.StateUnseen
	}
	return s.State
}

func nextState(out outcome) session.State {
	if out.effect == handshake.EffectRemove {
		return session.StateClosed
	}
	return stateOf(out.next)
}

// peerWriter sends each Write as one datagram to a peer.
type peerWriter struct {
	dispatcher *Dispatcher
	to         protocol.Address
}

func (w *peerWriter) Write(p []byte) (int, error) {
	if err := w.dispatcher.transport.Send(p, w.to); err != nil {
		return 0, err
	}
	return len(p), nil
}
