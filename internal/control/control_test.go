//go:build !windows

package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are length-limited; t.TempDir can be too long on macOS.
	dir, err := os.MkdirTemp("", "vc")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "control.sock")
}

func startServer(t *testing.T, path string, h HandlerFunc) *Server {
	t.Helper()
	srv, err := Listen(path, h)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func TestCallRoundTrip(t *testing.T) {
	path := socketPath(t)
	var calls atomic.Int32
	startServer(t, path, func(_ context.Context, req Request) Response {
		calls.Add(1)
		switch req.Command {
		case CmdStatus:
			return Response{OK: true, Status: &Status{PID: 42, Enabled: true, Records: 3}}
		case CmdClear:
			return Response{OK: true, Message: "cleared " + req.Server}
		default:
			return Errorf("unknown command %q", req.Command)
		}
	})

	ctx := context.Background()
	resp, err := Call(ctx, path, Request{Command: CmdStatus})
	if err != nil {
		t.Fatalf("Call(status): %v", err)
	}
	if !resp.OK || resp.Status == nil || resp.Status.PID != 42 || resp.Status.Records != 3 {
		t.Errorf("status response = %+v", resp)
	}

	resp, err = Call(ctx, path, Request{Command: CmdClear, Server: "s1"})
	if err != nil {
		t.Fatalf("Call(clear): %v", err)
	}
	if resp.Message != "cleared s1" {
		t.Errorf("clear message = %q", resp.Message)
	}

	resp, err = Call(ctx, path, Request{Command: "dance"})
	if err != nil {
		t.Fatalf("Call(dance): %v", err)
	}
	if resp.OK || resp.Message != `unknown command "dance"` {
		t.Errorf("unknown command response = %+v", resp)
	}
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
}

func TestCallNoDaemon(t *testing.T) {
	_, err := Call(context.Background(), socketPath(t), Request{Command: CmdStatus})
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("err = %v, want ErrDaemonNotRunning", err)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	startServer(t, path, func(context.Context, Request) Response { return Response{OK: true} })

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Errorf("mode = %v, want a socket", info.Mode())
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o, want 600", info.Mode().Perm())
	}
}

func TestServerClose(t *testing.T) {
	path := socketPath(t)
	srv, err := Listen(path, func(context.Context, Request) Response { return Response{OK: true} })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		srv.Serve(context.Background())
		close(done)
	}()

	if err := srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	srv.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
