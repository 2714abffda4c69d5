package slave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/scan"
	"darkmatter/fleet/pkg/session"
	"darkmatter/fleet/pkg/transport"
)

// Options describe one slave process. The dialer decides the topology: a
// direct dialer reaches the master itself, a relay dialer goes through the
// rendezvous point.
type Options struct {
	Auth         *auth.Authenticator
	Dialer       transport.Dialer
	SlaveID      string
	Name         string
	Heartbeat    time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	ScanDefaults proto.ScanArgs
	Resolver     scan.Resolver
	// DataDir holds the persisted identity and settings; empty disables
	// persistence.
	DataDir string
}

func (o Options) backoffMin() time.Duration {
	if o.BackoffMin > 0 {
		return o.BackoffMin
	}
	return time.Second
}

func (o Options) backoffMax() time.Duration {
	if o.BackoffMax > 0 {
		return o.BackoffMax
	}
	return time.Minute
}

var errPeerBye = errors.New("slave: master closed the session")

// Controller keeps one session to the master alive and runs its commands.
// Command handlers run concurrently, keyed by correlation id; cancel is
// handled inline so a busy handler cannot delay it.
type Controller struct {
	opts Options
	bo   *backoff.Backoff

	mu           sync.Mutex
	inflight     map[string]context.CancelFunc
	aborted      []string
	heartbeatMS  int
	scanDefaults proto.ScanArgs
}

func New(opts Options) (*Controller, error) {
	if opts.Auth == nil {
		return nil, errors.New("slave: authenticator required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("slave: dialer required")
	}
	c := &Controller{
		opts:         opts,
		inflight:     map[string]context.CancelFunc{},
		scanDefaults: opts.ScanDefaults,
		bo:           &backoff.Backoff{Min: opts.backoffMin(), Max: opts.backoffMax(), Jitter: true},
	}
	c.loadSettings()
	return c, nil
}

// Run dials, serves and redials until ctx ends. The backoff resets after
// every successful handshake so a stable link always retries fast.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := c.bo.Duration()
		log.Printf("[SLAVE] session ended: %v (redial in %s)", err, d.Round(time.Millisecond))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) runOnce(ctx context.Context) error {
	conn, err := c.opts.Dialer.Dial(ctx)
	if err != nil {
		return err
	}
	sess := session.New(conn, session.Options{Auth: c.opts.Auth, Heartbeat: c.heartbeat()})
	hello := proto.Hello{Role: proto.RoleSlave, SlaveID: c.opts.SlaveID, Name: c.opts.Name}
	if err := sess.Initiate(ctx, hello); err != nil {
		_ = conn.Close()
		return err
	}
	c.bo.Reset()
	log.Printf("[SLAVE] session %s established as %s", sess.ID(), c.opts.SlaveID)
	return c.serve(ctx, sess)
}

func (c *Controller) serve(ctx context.Context, sess *session.Session) error {
	done := make(chan struct{})
	defer close(done)
	go sess.Keepalive(done)
	go sess.Watchdog(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close(true)
		case <-done:
		}
	}()

	// Commands interrupted by the previous disconnect get their terminal
	// error now that the master can hear it.
	for _, corr := range c.takeAborted() {
		if err := sess.SendError(corr, proto.CodeConnectionLost, "command aborted by reconnect"); err != nil {
			c.requeueAborted(corr)
		}
	}

	for {
		f, err := sess.Receive()
		if err != nil {
			c.abortInflight()
			return err
		}
		switch f.Type {
		case proto.TypeCommand:
			c.dispatch(ctx, sess, f)
		case proto.TypeBye:
			_ = sess.Close(false)
			c.abortInflight()
			return errPeerBye
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, sess *session.Session, f *proto.Frame) {
	corr := f.CorrelationID
	if corr == "" {
		_ = sess.SendError("", proto.CodeBadArgs, "command without correlation_id")
		return
	}
	var cmd proto.Command
	if err := json.Unmarshal(f.Payload, &cmd); err != nil {
		_ = sess.SendError(corr, proto.CodeBadArgs, "malformed command payload")
		return
	}
	if cmd.Verb == proto.VerbCancel {
		c.handleCancel(sess, corr, cmd.Args)
		return
	}
	handler := c.handlerFor(cmd.Verb)
	if handler == nil {
		_ = sess.SendError(corr, proto.CodeUnsupportedCommand, fmt.Sprintf("verb %q", cmd.Verb))
		return
	}

	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, dup := c.inflight[corr]; dup {
		c.mu.Unlock()
		cancel()
		_ = sess.SendError(corr, proto.CodeBadArgs, "correlation id already in flight")
		return
	}
	c.inflight[corr] = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		handler(cctx, sess, corr, cmd.Args)
	}()
}

// handleCancel runs on the receive loop, never as a handler: cancelling must
// work while every handler slot is busy.
func (c *Controller) handleCancel(sess *session.Session, corr string, raw json.RawMessage) {
	var args proto.CancelArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.CommandID == "" {
		_ = sess.SendError(corr, proto.CodeBadArgs, "cancel needs command_id")
		return
	}
	c.mu.Lock()
	cancel, ok := c.inflight[args.CommandID]
	c.mu.Unlock()
	if !ok {
		_ = sess.SendError(corr, proto.CodeUnknownCommandID, args.CommandID)
		return
	}
	cancel()
	_ = sess.SendResult(corr, &proto.Result{Final: true, Note: "cancel delivered to " + args.CommandID})
}

type handlerFunc func(ctx context.Context, sess *session.Session, corr string, raw json.RawMessage)

func (c *Controller) handlerFor(verb string) handlerFunc {
	switch verb {
	case proto.VerbScan:
		return c.handleScan
	case proto.VerbStatus:
		return c.handleStatus
	case proto.VerbConfigure:
		return c.handleConfigure
	}
	return nil
}

// finish delivers a handler's terminal frame exactly once per correlation
// id. If the session died first, the reconnect path owns the terminal; if
// the send itself fails, the correlation joins the aborted list so the next
// session reports it.
func (c *Controller) finish(corr string, send func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[corr]; !ok {
		return
	}
	delete(c.inflight, corr)
	if err := send(); err != nil {
		c.aborted = append(c.aborted, corr)
	}
}

func (c *Controller) abortInflight() {
	c.mu.Lock()
	for corr, cancel := range c.inflight {
		cancel()
		c.aborted = append(c.aborted, corr)
		delete(c.inflight, corr)
	}
	c.mu.Unlock()
}

func (c *Controller) takeAborted() []string {
	c.mu.Lock()
	out := c.aborted
	c.aborted = nil
	c.mu.Unlock()
	return out
}

func (c *Controller) requeueAborted(corr string) {
	c.mu.Lock()
	c.aborted = append(c.aborted, corr)
	c.mu.Unlock()
}

func (c *Controller) inflightIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.inflight))
	for corr := range c.inflight {
		ids = append(ids, corr)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Controller) heartbeat() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatMS > 0 {
		return time.Duration(c.heartbeatMS) * time.Millisecond
	}
	return c.opts.Heartbeat
}
