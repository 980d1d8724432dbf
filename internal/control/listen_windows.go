//go:build windows

package control

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// pipeSecurity grants full access to the pipe owner only.
const pipeSecurity = "D:P(A;;GA;;;OW)"

func listen(name string) (net.Listener, error) {
	return winio.ListenPipe(name, &winio.PipeConfig{SecurityDescriptor: pipeSecurity})
}

func dial(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, name)
}
