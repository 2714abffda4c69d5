// Package transport provides the framed byte-stream providers a session runs
// over. Every provider exposes the same Conn surface, so swapping direct,
// tunnel and relay topologies never changes session or authenticator
// behavior.
package transport

import (
	"context"
	"errors"

	"darkmatter/fleet/pkg/proto"
)

var ErrClosed = errors.New("transport: connection closed")

// Conn is one framed, bidirectional connection. WriteFrame is safe for
// concurrent use; ReadFrame must be called from a single goroutine.
type Conn interface {
	WriteFrame(f *proto.Frame) error
	ReadFrame() (*proto.Frame, error)
	Close() error
	RemoteAddr() string
}

// Dialer produces outbound connections; the slave side of every topology.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Listener produces inbound connections; the master side.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}
