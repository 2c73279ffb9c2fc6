// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	rakerrors "github.com/absmach/rakgate/pkg/errors"
	"github.com/absmach/rakgate/pkg/protocol"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 32

	// DefaultQueueSize is the default number of datagrams each worker buffers.
	DefaultQueueSize = 256
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = rakerrors.Wrap(rakerrors.ErrTimeout, "shutdown")

// Handler processes received datagrams. data is only valid until
// HandleDatagram returns.
type Handler interface {
	HandleDatagram(ctx context.Context, data []byte, from protocol.Address)
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for queued datagrams to be
	// handled during graceful shutdown
	ShutdownTimeout time.Duration

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	// Datagrams from one endpoint are always handled by the same worker, in
	// the order they were read.
	// If 0, uses DefaultWorkerPoolSize.
	WorkerPoolSize int

	// QueueSize is the number of datagrams each worker buffers. Datagrams
	// arriving for a full worker are dropped.
	// If 0, uses DefaultQueueSize.
	QueueSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for server events
	Logger *slog.Logger
}

// packetJob is a datagram waiting in a worker queue.
type packetJob struct {
	from protocol.Address
	buf  *[]byte
	n    int
}

// Server reads datagrams from a UDP socket and hands them to a Handler. It
// also sends datagrams on the same socket.
type Server struct {
	config     Config
	handler    Handler
	bufferPool *sync.Pool
	queues     []chan packetJob
	workerWg   sync.WaitGroup
	seed       maphash.Seed
	conn       atomic.Pointer[net.UDPConn]
}

// New creates a new UDP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	// Create buffer pool for efficient memory reuse
	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		handler:    h,
		bufferPool: bufferPool,
		seed:       maphash.MakeSeed(),
	}
}

// Listen starts the UDP server and blocks until the context is cancelled.
// On shutdown it stops reading, lets the workers finish the queued datagrams
// and returns ErrShutdownTimeout if they take longer than ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	// Configure socket buffer sizes if specified
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.conn.Store(conn)
	defer s.conn.Store(nil)

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("queue_size", s.config.QueueSize),
		slog.Int("buffer_size", s.config.BufferSize))

	// Queued datagrams are still handled after ctx is cancelled.
	s.startWorkerPool(context.WithoutCancel(ctx))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the connection to stop reading
	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	for _, q := range s.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all workers stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, abandoning queued datagrams")
		return ErrShutdownTimeout
	}
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)

		n, ap, err := conn.ReadFromUDPAddrPort(*bufPtr)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		from := protocol.AddressFromAddrPort(ap)
		select {
		case s.queues[s.worker(from)] <- packetJob{from: from, buf: bufPtr, n: n}:
		default:
			s.bufferPool.Put(bufPtr)
			s.config.Logger.Warn("worker queue full, dropping packet",
				slog.String("client", from.String()))
		}
	}
}

// startWorkerPool starts the worker goroutines, each with its own queue.
func (s *Server) startWorkerPool(ctx context.Context) {
	s.queues = make([]chan packetJob, s.config.WorkerPoolSize)
	for i := range s.queues {
		s.queues[i] = make(chan packetJob, s.config.QueueSize)
		s.workerWg.Add(1)
		go func(q <-chan packetJob) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, q)
		}(s.queues[i])
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// packetWorker handles datagrams until its queue is closed.
func (s *Server) packetWorker(ctx context.Context, q <-chan packetJob) {
	for job := range q {
		s.handler.HandleDatagram(ctx, (*job.buf)[:job.n], job.from)
		s.bufferPool.Put(job.buf)
	}
}

// worker returns the queue index serving an endpoint.
func (s *Server) worker(from protocol.Address) int {
	var h maphash.Hash
	h.SetSeed(s.seed)
	h.WriteString(from.Host)
	h.WriteByte(from.Version)
	h.WriteByte(byte(from.Port >> 8))
	h.WriteByte(byte(from.Port))
	return int(h.Sum64() % uint64(len(s.queues)))
}

// Send writes one datagram to a peer.
func (s *Server) Send(data []byte, to protocol.Address) error {
	conn := s.conn.Load()
	if conn == nil {
		return rakerrors.ErrNotListening
	}
	ap, err := to.AddrPort()
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDPAddrPort(data, ap); err != nil {
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

// LocalAddr returns the bound address, or nil when the server is not
// listening.
func (s *Server) LocalAddr() net.Addr {
	conn := s.conn.Load()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}
