package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/courier/internal/logging"
)

type HandlerFunc func(req *Request) *Response

// Server answers one request per connection. Handlers run on the
// connection's goroutine and must not block on Stop.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      *logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	connMu   sync.Mutex
	listener net.Listener
	waiting  map[net.Conn]struct{} // accepted, request not read yet
	stopped  bool
	wg       sync.WaitGroup
}

func NewServer(socketPath string) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		waiting:     make(map[net.Conn]struct{}),
	}
}

// SetConnTimeout bounds how long a client may take to send its request and
// read the reply.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) SetLogger(l *logging.Logger) {
	s.logger = l.With("uds")
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Commands lists the registered command names.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	return out
}

// Start listens on the socket path. The caller holds the daemon lock, so a
// socket file already there belongs to a dead daemon and is replaced.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.connMu.Lock()
	s.listener = ln
	s.stopped = false
	s.connMu.Unlock()

	s.wg.Add(1)
	go s.serve(ln)
	return nil
}

// Stop closes the listener and every connection that has not sent its
// request yet, then waits for requests already being handled to reply.
func (s *Server) Stop() error {
	s.connMu.Lock()
	if s.stopped {
		s.connMu.Unlock()
		return nil
	}
	s.stopped = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.waiting {
		_ = c.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	backoff := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.logger.Warnf("accept: %v (retry in %s)", err, backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, time.Second)
			continue
		}
		backoff = 5 * time.Millisecond

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopped {
		return false
	}
	s.waiting[conn] = struct{}{}
	return true
}

// untrack reports false when Stop already closed the connection.
func (s *Server) untrack(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.waiting, conn)
	return !s.stopped
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	err := ReadFrame(conn, &req)
	if !s.untrack(conn) {
		return
	}
	if err != nil {
		s.logger.Debugf("read request: %v", err)
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	s.logger.Debugf("command=%s success=%v took=%s", req.Command, resp.Success, time.Since(start).Round(time.Microsecond))

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write response for %s: %v", req.Command, err)
	}
}

// dispatch routes req to its handler. A panicking handler yields
// INTERNAL_ERROR instead of a dropped connection.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("handler %s panicked: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler %s panicked", req.Command))
		}
	}()
	return handler(req)
}
