// Package session implements the authenticated logical channel between two
// peers: the handshake state machine, per-direction monotonic sequence
// numbers with proof verification on every frame, keepalive, and liveness
// watchdog. A session is transport-agnostic; relay and direct topologies run
// the identical protocol.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/transport"
)

type State int32

const (
	StateNew State = iota
	StateHelloSent
	StateChallenged
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHelloSent:
		return "hello_sent"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrNotActive        = errors.New("session: not active")
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	ErrVersionMismatch  = errors.New("session: protocol version mismatch")
	ErrBadFrames        = errors.New("session: too many invalid frames")
	ErrExpired          = errors.New("session: heartbeat liveness expired")
)

// RejectedError is returned when the peer answers the handshake with
// auth_fail.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("session: rejected by peer: %s", e.Reason)
}

// Options tune one session. Zero values take the defaults below.
type Options struct {
	Auth             *auth.Authenticator
	HandshakeTimeout time.Duration // default 10s
	Heartbeat        time.Duration // default 30s
	MaxProofFailures int           // default 3
	AcceptRole       string        // responder only: require this hello role
	// RequireSlaveID refuses slave hellos without a slave_id instead of
	// assigning one; the relay sets this, the master does not.
	RequireSlaveID bool
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeat        = 30 * time.Second
	defaultMaxProofFailures = 3
)

func (o *Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (o *Options) heartbeat() time.Duration {
	if o.Heartbeat > 0 {
		return o.Heartbeat
	}
	return defaultHeartbeat
}

func (o *Options) maxFailures() int {
	if o.MaxProofFailures > 0 {
		return o.MaxProofFailures
	}
	return defaultMaxProofFailures
}

// Session is owned by the side that created it. Receive must run on a single
// goroutine; Send may be called from any.
type Session struct {
	conn  transport.Conn
	opts  Options
	state atomic.Int32

	id      string
	slaveID string
	name    string
	role    string
	key     []byte

	sendMu  sync.Mutex
	sendSeq uint64

	// reader-goroutine-private
	recvSeq  uint64
	failures int

	lastSeen  atomic.Int64
	closeOnce sync.Once
}

func New(conn transport.Conn, opts Options) *Session {
	s := &Session{conn: conn, opts: opts}
	s.state.Store(int32(StateNew))
	return s
}

func (s *Session) State() State       { return State(s.state.Load()) }
func (s *Session) ID() string         { return s.id }
func (s *Session) SlaveID() string    { return s.slaveID }
func (s *Session) Name() string       { return s.name }
func (s *Session) PeerRole() string   { return s.role }
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }
func (s *Session) Heartbeat() time.Duration { return s.opts.heartbeat() }

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Send stamps, sequences, proofs and writes one frame.
func (s *Session) Send(t proto.FrameType, correlationID string, payload any) error {
	if st := s.State(); st != StateActive && st != StateClosing {
		return ErrNotActive
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.sendSeq++
	f := &proto.Frame{
		Type:          t,
		CorrelationID: correlationID,
		Seq:           s.sendSeq,
		Timestamp:     time.Now().UnixMilli(),
	}
	if payload != nil {
		f.Payload = proto.Wrap(payload)
	}
	f.Proof = auth.FrameProof(s.key, f)
	return s.conn.WriteFrame(f)
}

func (s *Session) SendResult(correlationID string, r *proto.Result) error {
	return s.Send(proto.TypeResult, correlationID, r)
}

func (s *Session) SendError(correlationID, code, message string) error {
	return s.Send(proto.TypeError, correlationID, &proto.ErrorPayload{Code: code, Message: message})
}

// Receive blocks for the next verified frame. Frames with a bad proof or a
// non-increasing sequence are rejected and counted; after MaxProofFailures
// consecutive rejections the session is dropped. Any verified frame resets
// the counter and refreshes the liveness clock.
func (s *Session) Receive() (*proto.Frame, error) {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			s.close(false)
			return nil, err
		}
		if !s.verify(f) {
			s.failures++
			if s.failures >= s.opts.maxFailures() {
				s.close(false)
				return nil, ErrBadFrames
			}
			continue
		}
		s.failures = 0
		s.recvSeq = f.Seq
		s.touch()
		return f, nil
	}
}

func (s *Session) verify(f *proto.Frame) bool {
	switch f.Type {
	case proto.TypeHello, proto.TypeChallenge, proto.TypeChallengeResponse,
		proto.TypeAuthOK, proto.TypeAuthFail:
		// handshake frames are invalid on an established session
		return false
	}
	if f.Seq <= s.recvSeq {
		return false
	}
	return auth.VerifyFrame(s.key, f)
}

// Keepalive sends heartbeat frames until the context ends or the connection
// dies. Run it on its own goroutine next to the receive loop.
func (s *Session) Keepalive(done <-chan struct{}) {
	t := time.NewTicker(s.opts.heartbeat())
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Send(proto.TypeHeartbeat, "", nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Watchdog tears the session down when no verified frame has arrived for
// twice the heartbeat interval, independent of the peer.
func (s *Session) Watchdog(done <-chan struct{}) {
	interval := s.opts.heartbeat()
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if time.Since(s.LastSeen()) > 2*interval {
				s.state.Store(int32(StateClosing))
				s.close(false)
				return
			}
		case <-done:
			return
		}
	}
}

// Close ends the session, sending a best-effort bye first on a graceful
// shutdown.
func (s *Session) Close(sendBye bool) error {
	s.close(sendBye)
	return nil
}

func (s *Session) close(sendBye bool) {
	s.closeOnce.Do(func() {
		if sendBye && s.State() == StateActive {
			s.state.Store(int32(StateClosing))
			_ = s.Send(proto.TypeBye, "", nil)
		}
		s.state.Store(int32(StateClosed))
		_ = s.conn.Close()
	})
}

// fail closes the transport from a pre-ACTIVE state.
func (s *Session) fail() {
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()
}
