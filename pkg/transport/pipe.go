package transport

import (
	"sync"

	"darkmatter/fleet/pkg/proto"
)

// Pipe returns two connected in-memory Conns, the transport analogue of
// net.Pipe. Frames cross unserialized, so proofs and sequence numbers arrive
// exactly as written. Closing either end closes both.
type pipeConn struct {
	in   chan *proto.Frame
	out  chan *proto.Frame
	done chan struct{}
	stop func()
}

func Pipe() (Conn, Conn) {
	a := make(chan *proto.Frame, 64)
	b := make(chan *proto.Frame, 64)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	return &pipeConn{in: a, out: b, done: done, stop: stop},
		&pipeConn{in: b, out: a, done: done, stop: stop}
}

func (p *pipeConn) WriteFrame(f *proto.Frame) error {
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) ReadFrame() (*proto.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.stop()
	return nil
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }
