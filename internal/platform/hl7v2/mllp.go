package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MLLP frame bytes: <VT> message <FS><CR>.
const (
	MLLPStartBlock     = 0x0B
	MLLPEndBlock       = 0x1C
	MLLPCarriageReturn = 0x0D
)

const (
	maxFrameSize       = 1 << 20
	defaultReadTimeout = 30 * time.Second
	defaultMaxConns    = 64
	writeTimeout       = 10 * time.Second
)

// MessageHandler handles one received message and returns the ACK to send
// back, or nil to send nothing. ctx is cancelled when the server stops.
type MessageHandler func(ctx context.Context, msg *Message) *Message

// MLLPServer accepts instrument connections and hands each framed message
// to the handler. Messages on one connection are handled in order.
type MLLPServer struct {
	addr        string
	handler     MessageHandler
	logger      zerolog.Logger
	readTimeout time.Duration
	maxConns    int

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type ServerOption func(*MLLPServer)

// WithReadTimeout closes connections idle for longer than d.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *MLLPServer) { s.readTimeout = d }
}

// WithMaxConns refuses connections beyond n concurrent peers.
func WithMaxConns(n int) ServerOption {
	return func(s *MLLPServer) { s.maxConns = n }
}

func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger, opts ...ServerOption) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MLLPServer{
		addr:        addr,
		handler:     handler,
		logger:      logger.With().Str("component", "mllp").Logger(),
		readTimeout: defaultReadTimeout,
		maxConns:    defaultMaxConns,
		conns:       make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens and returns; the accept loop runs in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (s *MLLPServer) Stop() error {
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, useful after listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept")
			}
			return
		}
		if !s.track(conn) {
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Int("max", s.maxConns).Msg("connection limit reached")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxConns > 0 && len(s.conns) >= s.maxConns {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *MLLPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// serveConn reads frames until the peer disconnects, the server stops, or
// the connection idles past the read timeout with nothing buffered.
func (s *MLLPServer) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	var pending []byte
	chunk := make([]byte, 4096)

	for s.ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, err := conn.Read(chunk)
		pending = append(pending, chunk[:n]...)
		if len(pending) > maxFrameSize {
			s.logger.Warn().Str("remote", remote).Msg("frame exceeds 1 MiB, closing connection")
			return
		}

		for {
			raw, rest, ok := UnframeMessage(pending)
			if !ok {
				break
			}
			pending = rest
			s.dispatch(conn, raw)
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(pending) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) dispatch(conn net.Conn, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("unparseable message")
		return
	}
	ack := s.handler(s.ctx, msg)
	if ack == nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(ack))); err != nil {
		s.logger.Warn().Err(err).Str("control_id", msg.ControlID).Msg("write ack")
	}
}

// FrameMessage wraps raw HL7 bytes in MLLP framing.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage extracts the first complete frame in data. Bytes before
// the start block are discarded; rest is whatever follows the frame.
func UnframeMessage(data []byte) (message, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start < 0 {
		return nil, data, false
	}
	body := data[start+1:]
	end := bytes.Index(body, []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end < 0 {
		return nil, data, false
	}
	return body[:end], body[end+2:], true
}
