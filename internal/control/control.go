// Package control is the local operator channel between voicecordctl and a
// running daemon: one JSON request and one JSON response per connection,
// framed as [4-byte LE op][4-byte LE length][payload], over a Unix socket
// or a Windows named pipe.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Commands understood by the daemon.
const (
	CmdStatus = "status"
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdBackup = "backup"
	CmdClear  = "clear"
)

// connTimeout bounds one request/response exchange.
const connTimeout = 30 * time.Second

// ErrDaemonNotRunning is returned by [Call] when nothing listens on the
// endpoint.
var ErrDaemonNotRunning = errors.New("voicecord daemon is not running")

// ///////////////////////////////////////////////
// Messages
// ///////////////////////////////////////////////

// Request is sent by the CLI.
type Request struct {
	Command string `json:"command"`
	// Server is the target server for clear.
	Server string `json:"server,omitempty"`
}

// Response is the daemon's answer.
type Response struct {
	OK      bool    `json:"ok"`
	Message string  `json:"message,omitempty"`
	Status  *Status `json:"status,omitempty"`
}

// Status describes a running daemon.
type Status struct {
	PID        int       `json:"pid"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	Connected  bool      `json:"connected"`
	Enabled    bool      `json:"enabled"`
	Backend    string    `json:"backend"`
	Servers    int       `json:"servers"`
	Records    int       `json:"records"`
	Open       int       `json:"open"`
	NextBackup time.Time `json:"next_backup"`
	Timezone   string    `json:"timezone"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ProcessRSS    uint64  `json:"process_rss"`
}

// Errorf builds a failed response.
func Errorf(format string, args ...any) Response {
	return Response{OK: false, Message: fmt.Sprintf(format, args...)}
}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// HandlerFunc answers one request.
type HandlerFunc func(ctx context.Context, req Request) Response

// Server accepts control connections.
type Server struct {
	ln      net.Listener
	handle  HandlerFunc
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// Listen opens the control endpoint. On Unix a stale socket file left by
// a crashed daemon is removed first; the caller must already hold the PID
// lock.
func Listen(endpoint string, handle HandlerFunc) (*Server, error) {
	ln, err := listen(endpoint)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	return &Server{ln: ln, handle: handle, closing: make(chan struct{})}, nil
}

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closing:
		}
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				s.wg.Wait()
				return
			default:
			}
			slog.Warn("control accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	var req Request
	op, err := ReadFrame(conn, &req)
	if err != nil {
		slog.Debug("control request unreadable", "error", err)
		return
	}
	var resp Response
	if op != OpRequest {
		resp = Errorf("unexpected frame op %d", op)
	} else {
		slog.Debug("control request", "command", req.Command, "server", req.Server)
		resp = s.handle(ctx, req)
	}
	if err := WriteFrame(conn, OpResponse, resp); err != nil {
		slog.Debug("control response not delivered", "error", err)
	}
}

// Close stops accepting connections. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		err = s.ln.Close()
	})
	return err
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Call sends req to the daemon at endpoint and waits for the response.
func Call(ctx context.Context, endpoint string, req Request) (Response, error) {
	conn, err := dial(ctx, endpoint)
	if err != nil {
		return Response{}, fmt.Errorf("%w (%v)", ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(connTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := WriteFrame(conn, OpRequest, req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	op, err := ReadFrame(conn, &resp)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if op != OpResponse {
		return Response{}, fmt.Errorf("unexpected frame op %d", op)
	}
	return resp, nil
}
