package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/session"
	"darkmatter/fleet/pkg/transport"
)

// Config tunes one relay instance.
type Config struct {
	Secret string
	// BufferDepth caps the frames held per slave id and direction while the
	// other leg is away. Overflow drops the newest frame.
	BufferDepth      int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) bufferDepth() int {
	if c.BufferDepth > 0 {
		return c.BufferDepth
	}
	return 128
}

func (c Config) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return 30 * time.Second
}

// Server pairs one master leg with any number of slave legs and forwards
// frames between them without reading past the envelope. It holds no
// knowledge of the inner session keys.
type Server struct {
	cfg  Config
	auth *auth.Authenticator

	mu     sync.Mutex
	master *serverLeg
	slaves map[string]*serverLeg
	// Frames waiting for an absent leg. toSlave entries die with the master
	// leg that produced them, toMaster entries die with their slave leg.
	toSlave  map[string][]*envelope
	toMaster map[string][]*envelope
}

type serverLeg struct {
	conn *transport.WSConn
	role string
	sid  string
	name string
	done chan struct{}
	once sync.Once
}

func (l *serverLeg) stop() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func New(cfg Config) (*Server, error) {
	a, err := auth.New(cfg.Secret)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		auth:     a,
		slaves:   map[string]*serverLeg{},
		toSlave:  map[string][]*envelope{},
		toMaster: map[string][]*envelope{},
	}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{proto.WSSubprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler exposes the relay's endpoints. /ws accepts legs, /healthz reports
// route occupancy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		n := len(s.slaves)
		m := s.master != nil
		queued := 0
		for _, q := range s.toSlave {
			queued += len(q)
		}
		for _, q := range s.toMaster {
			queued += len(q)
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "master": m, "slaves": n, "queued": queued})
	})
	return mux
}

// Run serves until ctx is cancelled. TLS is enabled when both cert and key
// paths are set.
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if certFile != "" && keyFile != "" {
			errCh <- srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()
	log.Printf("[RELAY] listening on %s (tls=%v)", addr, certFile != "")
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		s.closeLegs()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) closeLegs() {
	s.mu.Lock()
	legs := make([]*serverLeg, 0, len(s.slaves)+1)
	if s.master != nil {
		legs = append(legs, s.master)
	}
	for _, l := range s.slaves {
		legs = append(legs, l)
	}
	s.mu.Unlock()
	for _, l := range legs {
		l.stop()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[RELAY] upgrade failed: %v", err)
		return
	}
	conn := transport.NewWSConn(ws)
	sess := session.New(conn, session.Options{
		Auth:             s.auth,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		RequireSlaveID:   true,
	})
	if err := sess.Respond(r.Context()); err != nil {
		log.Printf("[RELAY] leg auth failed from %s: %v", conn.RemoteAddr(), err)
		return
	}

	leg := &serverLeg{
		conn: conn,
		role: sess.PeerRole(),
		sid:  sess.SlaveID(),
		name: sess.Name(),
		done: make(chan struct{}),
	}
	switch leg.role {
	case proto.RoleMaster:
		s.addMaster(leg)
	case proto.RoleSlave:
		s.addSlave(leg)
	}
	go s.pingLeg(leg)
	s.serveLeg(leg)
}

func (s *Server) addMaster(leg *serverLeg) {
	s.mu.Lock()
	if old := s.master; old != nil {
		log.Printf("[RELAY] master leg superseded by %s", leg.conn.RemoteAddr())
		old.stop()
	}
	s.master = leg
	// Flush happens under mu so that live slave frames cannot overtake the
	// frames queued while the master was away.
	for sid, queue := range s.toMaster {
		for _, env := range queue {
			_ = leg.conn.WriteJSON(env)
		}
		delete(s.toMaster, sid)
	}
	s.mu.Unlock()
	log.Printf("[RELAY] master leg online: addr=%s name=%s", leg.conn.RemoteAddr(), leg.name)
}

func (s *Server) addSlave(leg *serverLeg) {
	s.mu.Lock()
	master := s.master
	if old := s.slaves[leg.sid]; old != nil {
		log.Printf("[RELAY] slave leg %s superseded by %s", leg.sid, leg.conn.RemoteAddr())
		old.stop()
		if master != nil {
			_ = master.conn.WriteJSON(&envelope{Kind: envSlaveGone, SlaveID: leg.sid})
		}
	}
	s.slaves[leg.sid] = leg
	for _, env := range s.toSlave[leg.sid] {
		_ = leg.conn.WriteJSON(env)
	}
	delete(s.toSlave, leg.sid)
	s.mu.Unlock()
	log.Printf("[RELAY] slave leg online: sid=%s name=%s addr=%s", leg.sid, leg.name, leg.conn.RemoteAddr())
}

func (s *Server) serveLeg(leg *serverLeg) {
	defer s.dropLeg(leg)
	for {
		var env envelope
		if err := leg.conn.ReadJSON(&env); err != nil {
			select {
			case <-leg.done:
			default:
				log.Printf("[RELAY] %s leg read: %v", leg.role, err)
			}
			return
		}
		if env.Kind != envFrame || len(env.Frame) == 0 {
			continue
		}
		if leg.role == proto.RoleMaster {
			s.routeToSlave(&env)
		} else {
			s.routeToMaster(leg.sid, &env)
		}
	}
}

func (s *Server) routeToSlave(env *envelope) {
	sid := env.SlaveID
	if sid == "" {
		log.Printf("[RELAY] master frame without slave_id dropped")
		return
	}
	env.SlaveID = ""
	s.mu.Lock()
	sl := s.slaves[sid]
	if sl == nil {
		s.bufferLocked(s.toSlave, sid, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = sl.conn.WriteJSON(env)
}

func (s *Server) routeToMaster(sid string, env *envelope) {
	env.SlaveID = sid
	s.mu.Lock()
	m := s.master
	if m == nil {
		s.bufferLocked(s.toMaster, sid, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = m.conn.WriteJSON(env)
}

func (s *Server) bufferLocked(dst map[string][]*envelope, sid string, env *envelope) {
	q := dst[sid]
	if len(q) >= s.cfg.bufferDepth() {
		log.Printf("[RELAY] queue for %s full (%d), dropping frame", sid, len(q))
		return
	}
	dst[sid] = append(q, env)
}

func (s *Server) dropLeg(leg *serverLeg) {
	leg.stop()
	if leg.role == proto.RoleMaster {
		s.mu.Lock()
		if s.master != leg {
			s.mu.Unlock()
			return
		}
		s.master = nil
		s.toSlave = map[string][]*envelope{}
		notify := make([]*serverLeg, 0, len(s.slaves))
		for _, sl := range s.slaves {
			notify = append(notify, sl)
		}
		s.mu.Unlock()
		log.Printf("[RELAY] master leg offline")
		for _, sl := range notify {
			_ = sl.conn.WriteJSON(&envelope{Kind: envMasterGone})
		}
		return
	}

	s.mu.Lock()
	if s.slaves[leg.sid] != leg {
		s.mu.Unlock()
		return
	}
	delete(s.slaves, leg.sid)
	delete(s.toMaster, leg.sid)
	m := s.master
	s.mu.Unlock()
	log.Printf("[RELAY] slave leg offline: sid=%s", leg.sid)
	if m != nil {
		_ = m.conn.WriteJSON(&envelope{Kind: envSlaveGone, SlaveID: leg.sid})
	}
}

// pingLeg keeps the leg's read deadline fresh as long as pongs come back.
func (s *Server) pingLeg(leg *serverLeg) {
	interval := s.cfg.pingInterval()
	wait := 2 * interval
	_ = leg.conn.SetReadDeadline(time.Now().Add(wait))
	leg.conn.OnPong(func() {
		_ = leg.conn.SetReadDeadline(time.Now().Add(wait))
	})
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-leg.done:
			return
		case <-t.C:
			if err := leg.conn.Ping(5 * time.Second); err != nil {
				leg.stop()
				return
			}
		}
	}
}
