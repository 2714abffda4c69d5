// Package master owns the fleet-facing side of the control plane. The
// Orchestrator accepts authenticated slave sessions from any transport
// listener, tracks them by slave_id, fans commands out and merges the result
// streams back for external collaborators such as the admin HTTP API.
package master

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/session"
	"darkmatter/fleet/pkg/transport"
)

var (
	ErrUnknownSlave = errors.New("master: no such slave")
	ErrNoSlaves     = errors.New("master: no connected slaves")
	ErrClosed       = errors.New("master: orchestrator closed")
)

// Session event kinds delivered to Subscribe channels.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventAuthFailed   = "auth_failed"
)

type Event struct {
	Kind    string    `json:"kind"`
	SlaveID string    `json:"slave_id,omitempty"`
	Name    string    `json:"name,omitempty"`
	Addr    string    `json:"addr,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// Update is one frame of a result stream, tagged with the slave that
// produced it. Broadcast streams interleave updates from all targets.
type Update struct {
	SlaveID string       `json:"slave_id"`
	Frame   *proto.Frame `json:"frame"`
}

// SlaveInfo is one session-list entry. A lost session lingers with state
// "lost" for the reconnect grace window before dropping out of the list.
type SlaveInfo struct {
	SlaveID     string    `json:"slave_id"`
	Name        string    `json:"name,omitempty"`
	State       string    `json:"state"`
	Remote      string    `json:"remote,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type Options struct {
	Auth        *auth.Authenticator
	Heartbeat   time.Duration // keepalive toward slaves, default 30s
	Grace       time.Duration // lost-session listing retention, default 30s
	EventDepth  int           // per-subscriber event buffer, default 64
	StreamDepth int           // per-correlation result buffer, default 1024
}

func (o *Options) grace() time.Duration {
	if o.Grace > 0 {
		return o.Grace
	}
	return 30 * time.Second
}

func (o *Options) eventDepth() int {
	if o.EventDepth > 0 {
		return o.EventDepth
	}
	return 64
}

func (o *Options) streamDepth() int {
	if o.StreamDepth > 0 {
		return o.StreamDepth
	}
	return 1024
}

// slaveHandle pairs one live session with its identity. The handle's receive
// loop is the only writer of session state; the orchestrator map holds the
// current handle per slave_id.
type slaveHandle struct {
	sess        *session.Session
	id          string
	name        string
	connectedAt time.Time
}

type lostEntry struct {
	info  SlaveInfo
	timer *time.Timer
}

// stream fans one correlation id out to a subscriber channel. pending holds
// the slave ids still owing a terminal frame; the channel closes when it
// empties.
type stream struct {
	corr    string
	ch      chan Update
	pending map[string]bool
	dropped int
}

// push delivers without ever blocking a session loop. When the buffer is
// full, progress updates are dropped and counted; a terminal update evicts
// the oldest buffered one so stream closure is always observable.
func (st *stream) push(u Update, terminal bool) {
	select {
	case st.ch <- u:
		return
	default:
	}
	if !terminal {
		st.dropped++
		if st.dropped == 1 || st.dropped%100 == 0 {
			log.Printf("[MASTER] result stream %s full, %d updates dropped", st.corr, st.dropped)
		}
		return
	}
	select {
	case <-st.ch:
	default:
	}
	select {
	case st.ch <- u:
	default:
	}
}

type Orchestrator struct {
	opts Options

	mu       sync.Mutex
	closed   bool
	sessions map[string]*slaveHandle
	lost     map[string]*lostEntry
	streams  map[string]*stream
	subs     map[int]chan Event
	nextSub  int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Auth == nil {
		return nil, errors.New("master: authenticator required")
	}
	return &Orchestrator{
		opts:     opts,
		sessions: make(map[string]*slaveHandle),
		lost:     make(map[string]*lostEntry),
		streams:  make(map[string]*stream),
		subs:     make(map[int]chan Event),
	}, nil
}

// Serve accepts slave connections from ln until the listener closes or ctx
// ends. Direct and relay listeners can serve the same orchestrator
// concurrently.
func (o *Orchestrator) Serve(ctx context.Context, ln transport.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go o.handle(ctx, conn)
	}
}

func (o *Orchestrator) handle(ctx context.Context, conn transport.Conn) {
	sess := session.New(conn, session.Options{
		Auth:       o.opts.Auth,
		Heartbeat:  o.opts.Heartbeat,
		AcceptRole: proto.RoleSlave,
	})
	if err := sess.Respond(ctx); err != nil {
		log.Printf("[MASTER] handshake from %s failed: %v", conn.RemoteAddr(), err)
		o.publish(Event{Kind: EventAuthFailed, Addr: conn.RemoteAddr(), Reason: err.Error(), Time: time.Now()})
		return
	}
	h := &slaveHandle{sess: sess, id: sess.SlaveID(), name: sess.Name(), connectedAt: time.Now()}
	if !o.register(h) {
		_ = sess.Close(true)
		return
	}
	log.Printf("[MASTER] slave %s (%s) connected from %s", h.id, h.name, sess.RemoteAddr())
	o.serveSession(h)
}

// register installs h as the current session for its slave_id. A previous
// session under the same id is superseded: its pending commands are finished
// with connection_lost and its transport force-closed.
func (o *Orchestrator) register(h *slaveHandle) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	old := o.sessions[h.id]
	if old != nil {
		o.finishAllLocked(h.id)
	}
	if e := o.lost[h.id]; e != nil {
		e.timer.Stop()
		delete(o.lost, h.id)
	}
	o.sessions[h.id] = h
	o.publishLocked(Event{Kind: EventConnected, SlaveID: h.id, Name: h.name, Addr: h.sess.RemoteAddr(), Time: time.Now()})
	o.mu.Unlock()
	if old != nil {
		log.Printf("[MASTER] slave %s re-registered, closing previous session", h.id)
		_ = old.sess.Close(false)
	}
	return true
}

func (o *Orchestrator) serveSession(h *slaveHandle) {
	done := make(chan struct{})
	defer o.drop(h)
	defer close(done)
	go h.sess.Keepalive(done)
	go h.sess.Watchdog(done)
	for {
		f, err := h.sess.Receive()
		if err != nil {
			return
		}
		switch f.Type {
		case proto.TypeHeartbeat:
		case proto.TypeBye:
			_ = h.sess.Close(false)
			return
		case proto.TypeResult, proto.TypeError:
			o.route(h, f)
		default:
			log.Printf("[MASTER] unexpected %s frame from slave %s", f.Type, h.id)
		}
	}
}

// drop removes a dead handle, finishes its pending streams and parks the
// identity in the lost list for the grace window. A superseded handle is
// ignored; its replacement already owns the id.
func (o *Orchestrator) drop(h *slaveHandle) {
	o.mu.Lock()
	if o.sessions[h.id] != h {
		o.mu.Unlock()
		return
	}
	delete(o.sessions, h.id)
	o.finishAllLocked(h.id)
	e := &lostEntry{info: SlaveInfo{
		SlaveID:     h.id,
		Name:        h.name,
		State:       "lost",
		Remote:      h.sess.RemoteAddr(),
		ConnectedAt: h.connectedAt,
		LastSeen:    h.sess.LastSeen(),
	}}
	e.timer = time.AfterFunc(o.opts.grace(), func() {
		o.mu.Lock()
		if o.lost[h.id] == e {
			delete(o.lost, h.id)
		}
		o.mu.Unlock()
	})
	o.lost[h.id] = e
	o.publishLocked(Event{Kind: EventDisconnected, SlaveID: h.id, Name: h.name, Addr: h.sess.RemoteAddr(), Time: time.Now()})
	o.mu.Unlock()
	log.Printf("[MASTER] slave %s disconnected", h.id)
}

func (o *Orchestrator) route(h *slaveHandle, f *proto.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.streams[f.CorrelationID]
	if st == nil || !st.pending[h.id] {
		// stream already finished; late frames have nowhere to go
		return
	}
	terminal := proto.Terminal(f)
	st.push(Update{SlaveID: h.id, Frame: f}, terminal)
	if terminal {
		o.finishSlaveLocked(st, h.id)
	}
}

// finishAllLocked synthesizes connection_lost terminals for every stream
// still waiting on slaveID, so subscribers always observe an end.
func (o *Orchestrator) finishAllLocked(slaveID string) {
	var owed []*stream
	for _, st := range o.streams {
		if st.pending[slaveID] {
			owed = append(owed, st)
		}
	}
	for _, st := range owed {
		st.push(Update{SlaveID: slaveID, Frame: lostFrame(st.corr)}, true)
		o.finishSlaveLocked(st, slaveID)
	}
}

func (o *Orchestrator) finishSlaveLocked(st *stream, slaveID string) {
	delete(st.pending, slaveID)
	if len(st.pending) == 0 {
		close(st.ch)
		delete(o.streams, st.corr)
	}
}

func lostFrame(corr string) *proto.Frame {
	return &proto.Frame{
		Type:          proto.TypeError,
		CorrelationID: corr,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       proto.Wrap(&proto.ErrorPayload{Code: proto.CodeConnectionLost, Message: "session lost before completion"}),
	}
}

// Submit sends one command to one slave and returns the correlation id plus
// its result stream: a finite sequence of updates ending with a terminal
// frame, after which the channel closes.
func (o *Orchestrator) Submit(slaveID, verb string, args any) (string, <-chan Update, error) {
	corr := uuid.NewString()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", nil, ErrClosed
	}
	h := o.sessions[slaveID]
	if h == nil {
		o.mu.Unlock()
		return "", nil, ErrUnknownSlave
	}
	st := o.openStreamLocked(corr, slaveID)
	o.mu.Unlock()

	if err := send(h, corr, verb, args); err != nil {
		o.abandon(st, slaveID)
		return "", nil, err
	}
	return corr, st.ch, nil
}

// Broadcast fans one command out to the named slaves (all connected slaves
// when ids is empty) under a single correlation id. The merged stream is
// unordered across slaves and closes once every target has produced a
// terminal; targets whose send fails get a synthesized connection_lost.
func (o *Orchestrator) Broadcast(slaveIDs []string, verb string, args any) (string, <-chan Update, error) {
	corr := uuid.NewString()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", nil, ErrClosed
	}
	var targets []*slaveHandle
	if len(slaveIDs) == 0 {
		for _, h := range o.sessions {
			targets = append(targets, h)
		}
	} else {
		seen := make(map[string]bool, len(slaveIDs))
		for _, id := range slaveIDs {
			if h := o.sessions[id]; h != nil && !seen[id] {
				seen[id] = true
				targets = append(targets, h)
			}
		}
	}
	if len(targets) == 0 {
		o.mu.Unlock()
		return "", nil, ErrNoSlaves
	}
	ids := make([]string, len(targets))
	for i, h := range targets {
		ids[i] = h.id
	}
	st := o.openStreamLocked(corr, ids...)
	o.mu.Unlock()

	for _, h := range targets {
		if err := send(h, corr, verb, args); err != nil {
			o.mu.Lock()
			if o.streams[corr] == st && st.pending[h.id] {
				st.push(Update{SlaveID: h.id, Frame: lostFrame(corr)}, true)
				o.finishSlaveLocked(st, h.id)
			}
			o.mu.Unlock()
		}
	}
	return corr, st.ch, nil
}

func (o *Orchestrator) openStreamLocked(corr string, slaveIDs ...string) *stream {
	st := &stream{
		corr:    corr,
		ch:      make(chan Update, o.opts.streamDepth()),
		pending: make(map[string]bool, len(slaveIDs)),
	}
	for _, id := range slaveIDs {
		st.pending[id] = true
	}
	o.streams[corr] = st
	return st
}

// abandon retracts a stream slot after a failed send; the caller already has
// the error, so nothing is emitted.
func (o *Orchestrator) abandon(st *stream, slaveID string) {
	o.mu.Lock()
	if o.streams[st.corr] == st {
		o.finishSlaveLocked(st, slaveID)
	}
	o.mu.Unlock()
}

func send(h *slaveHandle, corr, verb string, args any) error {
	cmd := proto.Command{Verb: verb}
	if args != nil {
		cmd.Args = proto.Wrap(args)
	}
	return h.sess.Send(proto.TypeCommand, corr, &cmd)
}

// Subscribe returns a channel of session events. The subscription ends when
// ctx does; a subscriber that falls behind loses events rather than slowing
// anyone down.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, o.opts.eventDepth())
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()
	go func() {
		<-ctx.Done()
		o.mu.Lock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
		o.mu.Unlock()
	}()
	return ch
}

func (o *Orchestrator) publish(e Event) {
	o.mu.Lock()
	o.publishLocked(e)
	o.mu.Unlock()
}

func (o *Orchestrator) publishLocked(e Event) {
	for _, ch := range o.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Sessions snapshots the session list: active sessions plus lost ones still
// inside the grace window, sorted by slave_id.
func (o *Orchestrator) Sessions() []SlaveInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SlaveInfo, 0, len(o.sessions)+len(o.lost))
	for _, h := range o.sessions {
		out = append(out, SlaveInfo{
			SlaveID:     h.id,
			Name:        h.name,
			State:       "active",
			Remote:      h.sess.RemoteAddr(),
			ConnectedAt: h.connectedAt,
			LastSeen:    h.sess.LastSeen(),
		})
	}
	for _, e := range o.lost {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlaveID < out[j].SlaveID })
	return out
}

// Close force-closes every session, finishes every open stream with
// connection_lost and ends all event subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	handles := make([]*slaveHandle, 0, len(o.sessions))
	for id, h := range o.sessions {
		handles = append(handles, h)
		delete(o.sessions, id)
	}
	for corr, st := range o.streams {
		for id := range st.pending {
			st.push(Update{SlaveID: id, Frame: lostFrame(corr)}, true)
		}
		close(st.ch)
		delete(o.streams, corr)
	}
	for id, e := range o.lost {
		e.timer.Stop()
		delete(o.lost, id)
	}
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.mu.Unlock()
	for _, h := range handles {
		_ = h.sess.Close(true)
	}
}
