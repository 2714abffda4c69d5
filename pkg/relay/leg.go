package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/session"
	"darkmatter/fleet/pkg/transport"
)

// ErrPeerGone reports that the relay lost the opposite leg.
var ErrPeerGone = errors.New("relay: peer leg gone")

// Dialer opens an authenticated slave leg. The Conn it returns speaks plain
// frames; the envelope bookkeeping stays inside so the layers above cannot
// tell a leg from a direct connection.
type Dialer struct {
	URL              string
	Auth             *auth.Authenticator
	SlaveID          string
	Name             string
	HandshakeTimeout time.Duration
	InsecureTLS      bool
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	ws, err := transport.DialEndpoint(ctx, d.URL, d.InsecureTLS, d.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	sess := session.New(ws, session.Options{Auth: d.Auth, HandshakeTimeout: d.HandshakeTimeout})
	hello := proto.Hello{Role: proto.RoleSlave, SlaveID: d.SlaveID, Name: d.Name}
	if err := sess.Initiate(ctx, hello); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return &legConn{ws: ws}, nil
}

// legConn is the slave end of a leg. It carries exactly one route, so frames
// travel without a slave id.
type legConn struct {
	ws *transport.WSConn
}

func (c *legConn) WriteFrame(f *proto.Frame) error {
	env, err := frameEnvelope("", f)
	if err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *legConn) ReadFrame() (*proto.Frame, error) {
	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return nil, err
		}
		switch env.Kind {
		case envFrame:
			return env.frame()
		case envMasterGone:
			_ = c.ws.Close()
			return nil, ErrPeerGone
		}
	}
}

func (c *legConn) Close() error       { return c.ws.Close() }
func (c *legConn) RemoteAddr() string { return c.ws.RemoteAddr() }

// ListenConfig describes the master leg to open.
type ListenConfig struct {
	URL              string
	Auth             *auth.Authenticator
	Name             string
	HandshakeTimeout time.Duration
	InsecureTLS      bool
}

// Listener is the master end of a leg. It demultiplexes relay traffic into
// one virtual Conn per slave id so the code above can accept them exactly
// like direct connections.
type Listener struct {
	ws   *transport.WSConn
	pend chan transport.Conn

	mu     sync.Mutex
	routes map[string]*routeConn

	done chan struct{}
	once sync.Once
}

// Listen dials the relay and authenticates the master leg.
func Listen(ctx context.Context, cfg ListenConfig) (*Listener, error) {
	ws, err := transport.DialEndpoint(ctx, cfg.URL, cfg.InsecureTLS, cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	sess := session.New(ws, session.Options{Auth: cfg.Auth, HandshakeTimeout: cfg.HandshakeTimeout})
	if err := sess.Initiate(ctx, proto.Hello{Role: proto.RoleMaster, Name: cfg.Name}); err != nil {
		_ = ws.Close()
		return nil, err
	}
	l := &Listener{
		ws:     ws,
		pend:   make(chan transport.Conn, 16),
		routes: map[string]*routeConn{},
		done:   make(chan struct{}),
	}
	go l.readLoop()
	go l.pingLoop()
	return l, nil
}

func (l *Listener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.pend:
		return c, nil
	case <-l.done:
		return nil, transport.ErrClosed
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
	return nil
}

func (l *Listener) Addr() string { return l.ws.RemoteAddr() }

func (l *Listener) readLoop() {
	defer l.teardown()
	for {
		var env envelope
		if err := l.ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Kind {
		case envFrame:
			l.deliver(&env)
		case envSlaveGone:
			l.mu.Lock()
			rc := l.routes[env.SlaveID]
			delete(l.routes, env.SlaveID)
			l.mu.Unlock()
			if rc != nil {
				rc.closeWith(ErrPeerGone)
			}
		}
	}
}

// deliver hands a frame to its route. A frame for an unknown or dead route
// only opens a new one when it is a hello; anything else is a stray tail
// from a finished session.
func (l *Listener) deliver(env *envelope) {
	f, err := env.frame()
	if err != nil {
		log.Printf("[RELAY] undecodable frame for %s dropped: %v", env.SlaveID, err)
		return
	}
	sid := env.SlaveID
	if sid == "" {
		return
	}
	l.mu.Lock()
	rc := l.routes[sid]
	if rc == nil || rc.isClosed() {
		if f.Type != proto.TypeHello {
			l.mu.Unlock()
			return
		}
		rc = newRouteConn(l, sid)
		l.routes[sid] = rc
		l.mu.Unlock()
		select {
		case l.pend <- rc:
		case <-l.done:
			rc.closeWith(transport.ErrClosed)
			return
		}
	} else {
		l.mu.Unlock()
	}
	select {
	case rc.in <- f:
	default:
		log.Printf("[RELAY] route %s backlog full, dropping %s", sid, f.Type)
	}
}

func (l *Listener) removeRoute(sid string, rc *routeConn) {
	l.mu.Lock()
	if l.routes[sid] == rc {
		delete(l.routes, sid)
	}
	l.mu.Unlock()
}

func (l *Listener) teardown() {
	_ = l.Close()
	l.mu.Lock()
	routes := make([]*routeConn, 0, len(l.routes))
	for _, rc := range l.routes {
		routes = append(routes, rc)
	}
	l.routes = map[string]*routeConn{}
	l.mu.Unlock()
	for _, rc := range routes {
		rc.closeWith(ErrPeerGone)
	}
}

// pingLoop notices a silently dead relay; inner watchdogs only cover the
// routes, not the leg itself.
func (l *Listener) pingLoop() {
	const interval = 30 * time.Second
	_ = l.ws.SetReadDeadline(time.Now().Add(2 * interval))
	l.ws.OnPong(func() {
		_ = l.ws.SetReadDeadline(time.Now().Add(2 * interval))
	})
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			if err := l.ws.Ping(5 * time.Second); err != nil {
				_ = l.Close()
				return
			}
		}
	}
}

// routeConn is the master-side virtual connection for one slave id.
type routeConn struct {
	l   *Listener
	sid string
	in  chan *proto.Frame

	reason error
	closed chan struct{}
	once   sync.Once
}

func newRouteConn(l *Listener, sid string) *routeConn {
	return &routeConn{
		l:      l,
		sid:    sid,
		in:     make(chan *proto.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *routeConn) closeWith(err error) {
	c.once.Do(func() {
		c.reason = err
		close(c.closed)
	})
}

func (c *routeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *routeConn) WriteFrame(f *proto.Frame) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	env, err := frameEnvelope(c.sid, f)
	if err != nil {
		return err
	}
	return c.l.ws.WriteJSON(env)
}

func (c *routeConn) ReadFrame() (*proto.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, c.reason
	}
}

func (c *routeConn) Close() error {
	c.closeWith(transport.ErrClosed)
	c.l.removeRoute(c.sid, c)
	return nil
}

func (c *routeConn) RemoteAddr() string { return "relay:" + c.sid }
