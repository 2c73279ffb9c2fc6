// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/absmach/rakgate/pkg/handler"
	"github.com/absmach/rakgate/pkg/handshake"
	"github.com/absmach/rakgate/pkg/metrics"
	"github.com/absmach/rakgate/pkg/protocol"
	"github.com/absmach/rakgate/pkg/ratelimit"
	"github.com/absmach/rakgate/pkg/session"
	"github.com/absmach/rakgate/pkg/status"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serverGUID = 0x0a0b0c0d0e0f1011
	identity   = "MCPE;rakgate;712;1.21.20;0;20;723685415333071889;lobby;Survival;1;19132;19133;"
)

var (
	peer   = protocol.Address{Version: 4, Host: "203.0.113.7", Port: 54000}
	server = protocol.Address{Version: 4, Host: "198.51.100.1", Port: 19132}
	t0     = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
)

type sent struct {
	to   protocol.Address
	data []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (t *fakeTransport) Send(data []byte, to protocol.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, sent{to: to, data: append([]byte(nil), data...)})
	return nil
}

// take returns the decoded packets sent since the last call.
func (t *fakeTransport) take(tb testing.TB) []protocol.Packet {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	var pkts []protocol.Packet
	for _, s := range t.sent {
		assert.Equal(tb, peer, s.to)
		p, err := protocol.Decode(s.data)
		require.NoError(tb, err)
		pkts = append(pkts, p)
	}
	t.sent = nil
	return pkts
}

func (t *fakeTransport) raw() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, s := range t.sent {
		out = append(out, s.data)
	}
	t.sent = nil
	return out
}

type recordingHandler struct {
	mu           sync.Mutex
	connected    []handler.Context
	disconnected []handler.Context
	received     [][]byte
	events       []string
	connectErr   error
	echo         bool

	// entered and release, when set, hold OnConnect until release is closed.
	entered chan struct{}
	release chan struct{}
}

func (h *recordingHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	if h.entered != nil {
		close(h.entered)
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, *hctx)
	h.events = append(h.events, "connect")
	return h.connectErr
}

func (h *recordingHandler) Handle(ctx context.Context, hctx *handler.Context, data []byte, w io.Writer) error {
	h.mu.Lock()
	h.received = append(h.received, append([]byte(nil), data...))
	h.mu.Unlock()
	if h.echo {
		_, err := w.Write(data)
		return err
	}
	return nil
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, *hctx)
	h.events = append(h.events, "disconnect")
	return nil
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type fixture struct {
	d         *Dispatcher
	registry  *session.Registry
	transport *fakeTransport
	handler   *recordingHandler
	metrics   *metrics.Metrics
	now       time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		registry:  session.NewRegistry(nil, 4),
		transport: &fakeTransport{},
		handler:   &recordingHandler{},
		metrics:   metrics.New("test", prometheus.NewRegistry()),
		now:       t0,
	}
	cfg.Metrics = f.metrics
	cfg.Clock = func() time.Time { return f.now }
	m := handshake.New(handshake.Identity{GUID: serverGUID}, handshake.Config{})
	f.d = New(cfg, f.registry, m, f.handler, status.Static(identity), f.transport)
	return f
}

func (f *fixture) deliver(t *testing.T, p protocol.Packet) {
	t.Helper()
	data, err := protocol.Encode(p)
	require.NoError(t, err)
	f.d.HandleDatagram(context.Background(), data, peer)
}

func (f *fixture) state(t *testing.T) session.State {
	t.Helper()
	s, ok := f.registry.Lookup(peer)
	if !ok {
		return session.StateUnseen
	}
	return s.State
}

func (f *fixture) handshake(t *testing.T) {
	t.Helper()
	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	f.deliver(t, protocol.OpenConnectionRequest2{Magic: protocol.OfflineMagic, ServerAddress: server, MTU: 1492, ClientGUID: 42})
	f.deliver(t, protocol.ConnectionRequest{ClientGUID: 42, Time: 1000})
	f.deliver(t, protocol.NewIncomingConnection{ServerAddress: server, RequestTime: 1000, Time: 1001})
	f.transport.take(t)
	require.Equal(t, session.StateConnected, f.state(t))
}

func TestHandleDatagram_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{})

	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	replies := f.transport.take(t)
	require.Len(t, replies, 1)
	assert.Empty(t, cmp.Diff(protocol.OpenConnectionReply1{
		Magic:       protocol.OfflineMagic,
		ServerGUID:  serverGUID,
		UseSecurity: false,
		MTU:         1492,
	}, replies[0]))
	assert.Equal(t, session.StateAwaitingConnectionRequest2, f.state(t))

	s, ok := f.registry.Lookup(peer)
	require.True(t, ok)
	assert.NotEmpty(t, s.ID, "registration assigns a session id")
	id := s.ID

	f.now = f.now.Add(10 * time.Millisecond)
	f.deliver(t, protocol.OpenConnectionRequest2{Magic: protocol.OfflineMagic, ServerAddress: server, MTU: 1492, ClientGUID: 42})
	replies = f.transport.take(t)
	require.Len(t, replies, 1)
	assert.Empty(t, cmp.Diff(protocol.OpenConnectionReply2{
		Magic:             protocol.OfflineMagic,
		ServerGUID:        serverGUID,
		ClientAddress:     peer,
		MTU:               1492,
		EncryptionEnabled: false,
	}, replies[0]))
	assert.Equal(t, session.StateAwaitingNewIncomingConnection, f.state(t))

	f.now = f.now.Add(10 * time.Millisecond)
	const requestTime = 987654321
	f.deliver(t, protocol.ConnectionRequest{ClientGUID: 42, Time: requestTime})
	replies = f.transport.take(t)
	require.Len(t, replies, 1)
	accepted, ok := replies[0].(protocol.ConnectionRequestAccepted)
	require.True(t, ok, "got %T", replies[0])
	assert.Equal(t, peer, accepted.ClientAddress)
	assert.Equal(t, int64(requestTime), accepted.RequestTime)
	assert.Equal(t, f.now.UnixMilli(), accepted.Time)
	assert.Len(t, accepted.SystemAddresses, protocol.SystemAddressCount)
	assert.Equal(t, session.StateAwaitingConnectionRequest, f.state(t))

	f.deliver(t, protocol.NewIncomingConnection{ServerAddress: server, RequestTime: requestTime, Time: requestTime + 1})
	assert.Empty(t, f.transport.take(t), "promotion sends no reply")
	assert.Equal(t, session.StateConnected, f.state(t))
	assert.Equal(t, 1, f.d.Connected())

	require.Len(t, f.handler.connected, 1)
	assert.Equal(t, handler.Context{
		SessionID:       id,
		RemoteAddr:      "203.0.113.7:54000",
		ClientGUID:      42,
		MTU:             1492,
		ProtocolVersion: 11,
	}, f.handler.connected[0])

	// Connected traffic is forwarded without decoding, even when it looks
	// like a handshake packet.
	frames := [][]byte{
		{0x84, 0x00, 0x00, 0x00, 0x40, 0x00, 0x90},
		{0x05, 0xde, 0xad},
		{0xff},
	}
	for _, frame := range frames {
		f.d.HandleDatagram(context.Background(), frame, peer)
	}
	assert.Equal(t, frames, f.handler.received)
	assert.Empty(t, f.transport.raw())
	assert.Equal(t, session.StateConnected, f.state(t))
}

func TestHandleDatagram_RandomBytes(t *testing.T) {
	f := newFixture(t, Config{})
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 256; i++ {
		data := make([]byte, rng.Intn(1500))
		rng.Read(data)
		assert.NotPanics(t, func() {
			f.d.HandleDatagram(context.Background(), data, peer)
		})
	}
	assert.Equal(t, 0, f.registry.Count())
	assert.Empty(t, f.handler.received)
}

func TestHandleDatagram_PingFromUnseenPeer(t *testing.T) {
	for _, open := range []bool{false, true} {
		f := newFixture(t, Config{})
		f.deliver(t, protocol.UnconnectedPing{Time: 77, Magic: protocol.OfflineMagic, ClientGUID: 9, Open: open})

		replies := f.transport.take(t)
		require.Len(t, replies, 1)
		assert.Empty(t, cmp.Diff(protocol.UnconnectedPong{
			Time:       77,
			ServerGUID: serverGUID,
			Magic:      protocol.OfflineMagic,
			Status:     identity,
		}, replies[0]))
		assert.Equal(t, 0, f.registry.Count(), "pings never create sessions")
	}
}

func TestHandleDatagram_IdempotentRequest1(t *testing.T) {
	f := newFixture(t, Config{})
	ocr1 := protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492}

	f.deliver(t, ocr1)
	first := f.transport.raw()
	f.deliver(t, ocr1)
	second := f.transport.raw()

	require.Len(t, first, 1)
	assert.Equal(t, first, second)
	assert.Equal(t, session.StateAwaitingConnectionRequest2, f.state(t))
	assert.Equal(t, 1, f.registry.Count())
}

func TestHandleDatagram_OutOfOrderConnectionRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	f.transport.take(t)

	f.now = f.now.Add(time.Second)
	f.deliver(t, protocol.ConnectionRequest{ClientGUID: 42, Time: 1})
	f.deliver(t, protocol.NewIncomingConnection{ServerAddress: server})

	assert.Empty(t, f.transport.take(t))
	s, ok := f.registry.Lookup(peer)
	require.True(t, ok)
	assert.Equal(t, session.StateAwaitingConnectionRequest2, s.State)
	assert.False(t, s.HasClientGUID)
	assert.Equal(t, f.now, s.LastActivity, "ignored packets still count as activity")
	assert.Empty(t, f.handler.connected)
}

func TestHandleDatagram_UnseenPeerHandshakePackets(t *testing.T) {
	f := newFixture(t, Config{})
	f.deliver(t, protocol.OpenConnectionRequest2{Magic: protocol.OfflineMagic, ServerAddress: server, MTU: 1492, ClientGUID: 42})
	f.deliver(t, protocol.ConnectionRequest{ClientGUID: 42, Time: 1})
	f.deliver(t, protocol.DisconnectionNotification{})

	assert.Empty(t, f.transport.take(t))
	assert.Equal(t, 0, f.registry.Count())
}

func TestHandleDatagram_ConnectedPing(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	f.now = f.now.Add(time.Second)
	f.deliver(t, protocol.ConnectedPing{Time: 5555})

	replies := f.transport.take(t)
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.ConnectedPong{PingTime: 5555, PongTime: f.now.UnixMilli()}, replies[0])
	assert.Empty(t, f.handler.received, "keep-alives are not forwarded")

	s, _ := f.registry.Lookup(peer)
	assert.Equal(t, f.now, s.LastActivity)
}

func TestHandleDatagram_HandlerWritesToPeer(t *testing.T) {
	f := newFixture(t, Config{})
	f.handler.echo = true
	f.handshake(t)

	frame := []byte{0xc0, 0x00, 0x01, 0x01, 0x00, 0x00, 0x00}
	f.d.HandleDatagram(context.Background(), frame, peer)
	assert.Equal(t, [][]byte{frame}, f.transport.raw())
}

func TestHandleDatagram_OnConnectRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.handler.connectErr = errors.New("no room")

	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	f.deliver(t, protocol.OpenConnectionRequest2{Magic: protocol.OfflineMagic, ServerAddress: server, MTU: 1492, ClientGUID: 42})
	f.deliver(t, protocol.ConnectionRequest{ClientGUID: 42, Time: 1})
	f.deliver(t, protocol.NewIncomingConnection{ServerAddress: server})

	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.d.Connected())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HandlerErrors.WithLabelValues("on_connect")))
}

func TestHandleDatagram_DisconnectDuringHandshake(t *testing.T) {
	f := newFixture(t, Config{})
	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	f.deliver(t, protocol.DisconnectionNotification{})

	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EffectsTotal.WithLabelValues("remove")))
}

func TestHandleDatagram_ServerFull(t *testing.T) {
	f := newFixture(t, Config{MaxSessions: 1})
	other := protocol.Address{Version: 4, Host: "203.0.113.8", Port: 1}
	data, err := protocol.Encode(protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	require.NoError(t, err)
	f.d.HandleDatagram(context.Background(), data, other)
	f.transport.raw()

	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	replies := f.transport.take(t)
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.NoFreeIncomingConnections{Magic: protocol.OfflineMagic, ServerGUID: serverGUID}, replies[0])
	assert.Equal(t, session.StateUnseen, f.state(t))
}

func TestHandleDatagram_RateLimited(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.config.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		Capacity:   2,
		RefillRate: 1,
		Clock:      func() time.Time { return f.now },
	})

	ping := protocol.UnconnectedPing{Time: 1, Magic: protocol.OfflineMagic}
	for i := 0; i < 5; i++ {
		f.deliver(t, ping)
	}
	assert.Len(t, f.transport.take(t), 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RateLimitedDatagrams.WithLabelValues("endpoint")))
}

func TestHandleDatagram_RateLimitSurvivesSessionEnd(t *testing.T) {
	f := newFixture(t, Config{})
	f.d.config.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		Capacity:   2,
		RefillRate: 0,
		Clock:      func() time.Time { return f.now },
	})

	for i := 0; i < 100; i++ {
		f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
		f.deliver(t, protocol.DisconnectionNotification{})
	}

	replies := f.transport.take(t)
	require.Len(t, replies, 1, "closing the session must not refill the bucket")
	assert.IsType(t, protocol.OpenConnectionReply1{}, replies[0])
	assert.Equal(t, 198.0, testutil.ToFloat64(f.metrics.RateLimitedDatagrams.WithLabelValues("endpoint")))
}

func TestExpireStale_KeepsRateLimit(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: 10 * time.Second})
	f.d.config.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		Capacity:    1,
		RefillRate:  0,
		IdleTimeout: time.Minute,
		Clock:       func() time.Time { return f.now },
	})
	ocr1 := protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492}

	f.deliver(t, ocr1)
	require.Len(t, f.transport.take(t), 1)

	f.now = f.now.Add(11 * time.Second)
	require.Len(t, f.d.ExpireStale(context.Background(), f.now), 1)

	f.deliver(t, ocr1)
	assert.Empty(t, f.transport.take(t), "an expired session keeps its bucket until it is idle")
	assert.Equal(t, session.StateUnseen, f.state(t))
}

func TestHandleDatagram_CapacityUnderConcurrency(t *testing.T) {
	f := newFixture(t, Config{MaxSessions: 1})
	data := mustEncode(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})

	const peers = 64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			<-start
			f.d.HandleDatagram(context.Background(), data, protocol.Address{Version: 4, Host: "203.0.113.50", Port: port})
		}(uint16(1000 + i))
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, f.registry.Count())
	accepted, refused := 0, 0
	for _, raw := range f.transport.raw() {
		p, err := protocol.Decode(raw)
		require.NoError(t, err)
		switch p.(type) {
		case protocol.OpenConnectionReply1:
			accepted++
		case protocol.NoFreeIncomingConnections:
			refused++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, peers-1, refused)

	f.d.CloseAll(context.Background())
	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	assert.Equal(t, session.StateAwaitingConnectionRequest2, f.state(t), "closed sessions free their slot")
}

func TestHandleDatagram_OnConnectOrdering(t *testing.T) {
	f := newFixture(t, Config{})
	f.handler.entered = make(chan struct{})
	f.handler.release = make(chan struct{})

	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	f.deliver(t, protocol.OpenConnectionRequest2{Magic: protocol.OfflineMagic, ServerAddress: server, MTU: 1492, ClientGUID: 42})
	f.deliver(t, protocol.ConnectionRequest{ClientGUID: 42, Time: 1000})

	nic := mustEncode(t, protocol.NewIncomingConnection{ServerAddress: server, RequestTime: 1000, Time: 1001})
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		f.d.HandleDatagram(context.Background(), nic, peer)
	}()
	<-f.handler.entered

	closed := make(chan int, 1)
	go func() { closed <- f.d.CloseAll(context.Background()) }()

	assert.Never(t, func() bool { return len(f.handler.snapshot()) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"OnDisconnect waits for OnConnect")
	close(f.handler.release)
	<-handled
	assert.Equal(t, 1, <-closed)
	assert.Equal(t, []string{"connect", "disconnect"}, f.handler.snapshot())
	assert.Equal(t, 0, f.d.Connected())
}

func TestPromote_SessionGone(t *testing.T) {
	f := newFixture(t, Config{})
	s := session.Session{ID: "gone", Endpoint: peer, State: session.StateConnected, CreatedAt: t0, LastActivity: t0}
	f.registry.Upsert(s)
	require.True(t, f.d.NotifyClose(context.Background(), peer))

	f.d.promote(context.Background(), s)
	assert.Empty(t, f.handler.snapshot(), "a closed session is never announced")
	assert.Equal(t, 0, f.d.Connected())

	f.d.CloseAll(context.Background())
	assert.Empty(t, f.handler.snapshot())
}

func TestCleanup_TinyTimeout(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: time.Nanosecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Cleanup(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestHandleDatagram_SendFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.transport.err = errors.New("network down")

	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	assert.Equal(t, session.StateAwaitingConnectionRequest2, f.state(t), "state is persisted before the reply is sent")
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: 10 * time.Second})
	f.handshake(t)

	halfOpen := protocol.Address{Version: 4, Host: "203.0.113.9", Port: 2}
	data, err := protocol.Encode(protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492})
	require.NoError(t, err)
	f.d.HandleDatagram(context.Background(), data, halfOpen)
	f.transport.raw()

	assert.Empty(t, f.d.ExpireStale(context.Background(), f.now.Add(5*time.Second)))
	assert.Equal(t, 2, f.registry.Count())

	f.now = f.now.Add(11 * time.Second)
	removed := f.d.ExpireStale(context.Background(), f.now)
	assert.Len(t, removed, 2)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.d.Connected())
	require.Len(t, f.handler.disconnected, 1, "only connected sessions are reported")
	assert.Equal(t, "203.0.113.7:54000", f.handler.disconnected[0].RemoteAddr)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ExpiredSessions))

	// The endpoint is a fresh peer again: its traffic is decoded.
	f.d.HandleDatagram(context.Background(), []byte{0x84, 0x00}, peer)
	assert.Empty(t, f.handler.received)
	assert.Equal(t, 0, f.registry.Count())

	f.deliver(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1400})
	replies := f.transport.take(t)
	require.Len(t, replies, 1)
	assert.Equal(t, uint16(1400), replies[0].(protocol.OpenConnectionReply1).MTU)
	assert.Equal(t, session.StateAwaitingConnectionRequest2, f.state(t))
}

func TestNotifyClose(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	assert.True(t, f.d.NotifyClose(context.Background(), peer))
	assert.False(t, f.d.NotifyClose(context.Background(), peer))
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.d.Connected())
	assert.Empty(t, f.handler.disconnected, "the reliability layer already knows")
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t, Config{})
	f.handshake(t)

	assert.Equal(t, 1, f.d.CloseAll(context.Background()))
	assert.Len(t, f.handler.disconnected, 1)
	assert.Equal(t, 0, f.d.Sessions())
	assert.Equal(t, 0, f.d.CloseAll(context.Background()))
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, Config{SessionTimeout: 20 * time.Millisecond})
	f.d.config.Clock = time.Now
	f.d.HandleDatagram(context.Background(), mustEncode(t, protocol.OpenConnectionRequest1{Magic: protocol.OfflineMagic, Protocol: 11, MTU: 1492}), peer)
	require.Equal(t, 1, f.registry.Count())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Cleanup(ctx) }()

	assert.Eventually(t, func() bool { return f.registry.Count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func mustEncode(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	data, err := protocol.Encode(p)
	require.NoError(t, err)
	return data
}
