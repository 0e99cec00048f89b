package toolsurface

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxConns and DefaultRequestTimeout bound the socket listener with
// a buffered semaphore channel for the connection cap and a per-request
// read/write deadline, as the teacher's internal/rpc.Server does. Unlike
// the teacher, no environment variable overrides either value.
const (
	DefaultMaxConns       = 100
	DefaultRequestTimeout = 30 * time.Second
)

// SocketServer exposes a Server over a newline-delimited-JSON Unix domain
// socket: one Request per line in, one Response per line out. Grounded on
// internal/rpc/server.go's handleConnection (bufio.Reader.ReadBytes('\n'),
// json.Unmarshal into Request, write the Response back) and Start/Stop
// (ensure socket dir, remove a stale socket file, chmod 0600, accept loop
// with a connection-count semaphore, sync.Once-guarded shutdown).
type SocketServer struct {
	srv            *Server
	socketPath     string
	logger         *slog.Logger
	maxConns       int
	requestTimeout time.Duration

	mu       sync.RWMutex
	listener net.Listener
	shutdown bool
	stopOnce sync.Once

	activeConns int32
	sem         chan struct{}
}

// NewSocketServer wraps srv for socket transport. socketPath's parent
// directory is created on Serve if missing.
func NewSocketServer(srv *Server, socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketServer{
		srv:            srv,
		socketPath:     socketPath,
		logger:         logger,
		maxConns:       DefaultMaxConns,
		requestTimeout: DefaultRequestTimeout,
		sem:            make(chan struct{}, DefaultMaxConns),
	}
}

// Serve listens on socketPath and dispatches every line-delimited Request
// to srv.Handle until ctx is cancelled or Stop is called.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("toolsurface: ensure socket dir: %w", err)
	}
	_ = os.Remove(s.socketPath) // drop a stale socket from an unclean exit

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("toolsurface: listen on %s: %w", s.socketPath, err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(s.socketPath, 0o600); err != nil {
			listener.Close()
			return fmt.Errorf("toolsurface: chmod socket: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown {
				return nil
			}
			return fmt.Errorf("toolsurface: accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-s.sem }()
				atomic.AddInt32(&s.activeConns, 1)
				defer atomic.AddInt32(&s.activeConns, -1)
				s.handleConnection(ctx, c)
			}(conn)
		default:
			s.logger.Warn("toolsurface: max connections reached, rejecting")
			conn.Close()
		}
	}
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		resp := &Response{}
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(fmt.Errorf("invalid request: %w", err))
		} else {
			resp = s.srv.Handle(ctx, &req)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}
		if err := s.writeResponse(writer, resp); err != nil {
			return
		}
	}
}

func (s *SocketServer) writeResponse(w *bufio.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// Stop closes the listener, causing Serve to return. Safe to call more
// than once.
func (s *SocketServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			err = l.Close()
		}
		_ = os.Remove(s.socketPath)
	})
	return err
}
