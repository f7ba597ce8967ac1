package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kargono/kgnet/internal/protocol"
)

// DefaultReceiveQueue is the number of datagrams buffered between the OS
// socket and Receive.
const DefaultReceiveQueue = 256

var (
	// ErrAddressInUse is reported by Open when the port is already bound.
	ErrAddressInUse = errors.New("address already in use")
	// ErrWouldBlock is returned by Receive when no datagram is pending.
	ErrWouldBlock = errors.New("no datagram pending")
	// ErrSocketClosed is returned when the socket is not open.
	ErrSocketClosed = errors.New("socket is closed")
	// ErrSocketOpen is returned by Open on an already open socket.
	ErrSocketOpen = errors.New("socket is already open")
	// ErrShortWrite is returned by Send when the OS accepted fewer bytes than given.
	ErrShortWrite = errors.New("short write")
)

// SocketErrorCode is the closed set of Open failure classes.
type SocketErrorCode int

const (
	SocketErrorNone SocketErrorCode = iota
	SocketErrorAddressInUse
	SocketErrorOther
)

func (c SocketErrorCode) String() string {
	switch c {
	case SocketErrorNone:
		return "none"
	case SocketErrorAddressInUse:
		return "address_in_use"
	default:
		return "other_failure"
	}
}

// SocketError wraps a platform error with its classified code.
type SocketError struct {
	Code SocketErrorCode
	Op   string
	Err  error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAddressInUse) match by code.
func (e *SocketError) Is(target error) bool {
	return target == ErrAddressInUse && e.Code == SocketErrorAddressInUse
}

// ErrorCode classifies any error returned by this package.
func ErrorCode(err error) SocketErrorCode {
	if err == nil {
		return SocketErrorNone
	}
	var se *SocketError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, ErrAddressInUse) {
		return SocketErrorAddressInUse
	}
	return SocketErrorOther
}

type datagram struct {
	data []byte
	from Address
	err  error
}

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithReuseAddr sets SO_REUSEADDR before binding.
func WithReuseAddr(reuse bool) SocketOption {
	return func(s *Socket) { s.reuseAddr = reuse }
}

// WithReceiveQueue sets the receive queue depth.
func WithReceiveQueue(n int) SocketOption {
	return func(s *Socket) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Socket owns one UDP endpoint. Receive never blocks: a reader goroutine
// drains the OS socket into a bounded queue, and a full queue drops the
// datagram just as a full kernel buffer would.
//
// Send and Receive are meant to be called from a single owning goroutine.
type Socket struct {
	sc        *SocketContext
	reuseAddr bool
	queueSize int

	mu    sync.Mutex
	conn  *net.UDPConn
	queue chan datagram
	local Address
	wg    sync.WaitGroup

	open    atomic.Bool
	dropped atomic.Uint64

	logger zerolog.Logger
}

// NewSocket creates an unopened socket that will use sc for platform setup.
func NewSocket(sc *SocketContext, opts ...SocketOption) *Socket {
	s := &Socket{
		sc:        sc,
		queueSize: DefaultReceiveQueue,
		logger:    log.With().Str("component", "socket").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open binds the socket to 0.0.0.0:port and starts receiving. Port 0 picks
// an ephemeral port; see LocalAddr.
func (s *Socket) Open(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open.Load() {
		return &SocketError{Code: SocketErrorOther, Op: "open", Err: ErrSocketOpen}
	}

	if err := s.sc.Acquire(); err != nil {
		return &SocketError{Code: SocketErrorOther, Op: "open", Err: err}
	}

	lc := net.ListenConfig{}
	if s.reuseAddr {
		lc = ReuseAddrListenConfig()
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		s.sc.Release()
		code := SocketErrorOther
		if isAddrInUse(err) {
			code = SocketErrorAddressInUse
		}
		s.logger.Warn().Err(err).Uint16("port", port).Str("code", code.String()).Msg("failed to bind socket")
		return &SocketError{Code: code, Op: "open", Err: err}
	}

	conn := pc.(*net.UDPConn)
	local, err := AddressFromUDP(conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		conn.Close()
		s.sc.Release()
		return &SocketError{Code: SocketErrorOther, Op: "open", Err: err}
	}

	s.conn = conn
	s.local = local
	s.queue = make(chan datagram, s.queueSize)
	s.open.Store(true)

	s.wg.Add(1)
	go s.readLoop(conn, s.queue)

	s.logger.Info().Uint16("port", local.Port()).Msg("socket opened")
	return nil
}

func (s *Socket) readLoop(conn *net.UDPConn, queue chan<- datagram) {
	defer s.wg.Done()
	defer close(queue)

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.open.Load() {
				return
			}
			s.enqueue(queue, datagram{err: &SocketError{Code: SocketErrorOther, Op: "receive", Err: err}})
			continue
		}

		addr, err := AddressFromUDP(from)
		if err != nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.enqueue(queue, datagram{data: data, from: addr})
	}
}

func (s *Socket) enqueue(queue chan<- datagram, d datagram) {
	select {
	case queue <- d:
	default:
		s.dropped.Add(1)
		s.logger.Debug().Str("from", d.from.String()).Msg("receive queue full, datagram dropped")
	}
}

// Close releases the OS socket and the socket context. Closing a closed
// socket is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open.Swap(false) {
		return nil
	}

	err := s.conn.Close()
	s.wg.Wait()
	s.conn = nil
	s.queue = nil

	if rerr := s.sc.Release(); rerr != nil && err == nil {
		err = rerr
	}
	s.logger.Info().Uint16("port", s.local.Port()).Msg("socket closed")
	return err
}

// IsOpen reports whether the socket is bound.
func (s *Socket) IsOpen() bool {
	return s.open.Load()
}

// LocalAddr returns the bound address, 0.0.0.0 with the actual port.
func (s *Socket) LocalAddr() Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Dropped returns the number of datagrams dropped because the queue was full.
func (s *Socket) Dropped() uint64 {
	return s.dropped.Load()
}

// Send transmits data to dst. Delivery is not guaranteed.
func (s *Socket) Send(dst Address, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSocketClosed
	}

	n, err := conn.WriteToUDP(data, dst.UDPAddr())
	if err != nil {
		s.logger.Warn().Err(err).Str("to", dst.String()).Msg("failed to send packet")
		return &SocketError{Code: SocketErrorOther, Op: "send", Err: err}
	}
	if n != len(data) {
		return fmt.Errorf("%w: sent %d of %d bytes", ErrShortWrite, n, len(data))
	}
	return nil
}

// Receive copies the next pending datagram into buf and returns its length
// and sender. It returns ErrWouldBlock when nothing is pending, and a
// different error when the socket is closed or the OS reported a failure.
// Datagrams longer than buf are truncated.
func (s *Socket) Receive(buf []byte) (int, Address, error) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return 0, Address{}, ErrSocketClosed
	}

	select {
	case d, ok := <-queue:
		if !ok {
			return 0, Address{}, ErrSocketClosed
		}
		if d.err != nil {
			return 0, Address{}, d.err
		}
		return copy(buf, d.data), d.from, nil
	default:
		return 0, Address{}, ErrWouldBlock
	}
}
