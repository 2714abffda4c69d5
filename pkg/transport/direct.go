package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"darkmatter/fleet/pkg/proto"
)

// DirectDialer connects straight to a master's /ws endpoint.
type DirectDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

func (d *DirectDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.timeout(),
		Subprotocols:     []string{proto.WSSubprotocol},
	}
	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

func (d *DirectDialer) timeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return 10 * time.Second
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{proto.WSSubprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DirectListener serves the /ws endpoint and hands upgraded connections to
// Accept. TLS is enabled when both cert and key paths are set.
type DirectListener struct {
	srv     *http.Server
	ln      net.Listener
	conns   chan Conn
	done    chan struct{}
	closing sync.Once
}

// ListenDirect starts listening on addr immediately so that callers binding
// ":0" can read the final address back.
func ListenDirect(addr, certFile, keyFile string) (*DirectListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &DirectListener{
		ln:    ln,
		conns: make(chan Conn, 16),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleWS)
	l.srv = &http.Server{Handler: mux}
	go func() {
		if certFile != "" && keyFile != "" {
			_ = l.srv.ServeTLS(ln, certFile, keyFile)
		} else {
			_ = l.srv.Serve(ln)
		}
	}()
	return l, nil
}

func (l *DirectListener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.conns <- NewWSConn(ws):
	case <-l.done:
		_ = ws.Close()
	}
}

func (l *DirectListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *DirectListener) Close() error {
	var err error
	l.closing.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func (l *DirectListener) Addr() string {
	return l.ln.Addr().String()
}
