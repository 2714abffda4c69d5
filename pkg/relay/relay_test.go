package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
	"darkmatter/fleet/pkg/session"
	"darkmatter/fleet/pkg/transport"
)

const testSecret = "relay-test-secret-32-bytes-long!"

var errTimeout = errors.New("read timed out")

func newAuth(t *testing.T, secret string) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(secret)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return a
}

func startRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialSlaveLeg(t *testing.T, url, sid string) transport.Conn {
	t.Helper()
	d := &Dialer{URL: url, Auth: newAuth(t, testSecret), SlaveID: sid, Name: "leg-" + sid}
	c, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("slave leg dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func listenMaster(t *testing.T, url string) *Listener {
	t.Helper()
	l, err := Listen(context.Background(), ListenConfig{URL: url, Auth: newAuth(t, testSecret), Name: "control"})
	if err != nil {
		t.Fatalf("master leg listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func acceptConn(t *testing.T, l *Listener, d time.Duration) transport.Conn {
	t.Helper()
	type res struct {
		c   transport.Conn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := l.Accept()
		ch <- res{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("accept: %v", r.err)
		}
		return r.c
	case <-time.After(d):
		t.Fatalf("accept timed out after %v", d)
		return nil
	}
}

func readFrameTimeout(c transport.Conn, d time.Duration) (*proto.Frame, error) {
	type res struct {
		f   *proto.Frame
		err error
	}
	ch := make(chan res, 1)
	go func() {
		f, err := c.ReadFrame()
		ch <- res{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(d):
		return nil, errTimeout
	}
}

func relayHealth(t *testing.T, baseURL string) (master bool, slaves, queued int) {
	t.Helper()
	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var h struct {
		Master bool `json:"master"`
		Slaves int  `json:"slaves"`
		Queued int  `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("healthz decode: %v", err)
	}
	return h.Master, h.Slaves, h.Queued
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: not reached within %v", what, d)
}

func helloFrame(sid string, seq uint64) *proto.Frame {
	return &proto.Frame{
		Type:      proto.TypeHello,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Payload:   proto.Wrap(proto.Hello{Proto: proto.ProtocolVersion, Role: proto.RoleSlave, SlaveID: sid}),
		Proof:     "opaque-to-the-relay",
	}
}

func TestLegForwardsFramesVerbatim(t *testing.T) {
	_, ts := startRelay(t, Config{})
	master := listenMaster(t, ts.URL)
	leg := dialSlaveLeg(t, ts.URL, "s-1")

	sent := helloFrame("s-1", 42)
	if err := leg.WriteFrame(sent); err != nil {
		t.Fatalf("write: %v", err)
	}
	mc := acceptConn(t, master, 2*time.Second)
	got, err := readFrameTimeout(mc, 2*time.Second)
	if err != nil {
		t.Fatalf("master read: %v", err)
	}
	if got.Type != sent.Type || got.Seq != sent.Seq || got.Proof != sent.Proof {
		t.Fatalf("frame changed in transit: got %+v", got)
	}
	if string(got.Payload) != string(sent.Payload) {
		t.Fatalf("payload changed in transit: %s != %s", got.Payload, sent.Payload)
	}

	reply := &proto.Frame{Type: proto.TypeChallenge, Seq: 7, Payload: proto.Wrap(proto.Challenge{Nonce: "abc"}), Proof: "x"}
	if err := mc.WriteFrame(reply); err != nil {
		t.Fatalf("master write: %v", err)
	}
	back, err := readFrameTimeout(leg, 2*time.Second)
	if err != nil {
		t.Fatalf("leg read: %v", err)
	}
	if back.Type != reply.Type || back.Seq != reply.Seq || string(back.Payload) != string(reply.Payload) {
		t.Fatalf("reply changed in transit: %+v", back)
	}

	m, n, _ := relayHealth(t, ts.URL)
	if !m || n != 1 {
		t.Fatalf("healthz = master %v slaves %d, want true/1", m, n)
	}
}

// The relay never holds the session key, so a full handshake and a
// command/result exchange must pass through untouched.
func TestInnerSessionThroughRelay(t *testing.T) {
	_, ts := startRelay(t, Config{})
	master := listenMaster(t, ts.URL)
	leg := dialSlaveLeg(t, ts.URL, "s-inner")

	a := newAuth(t, testSecret)
	slaveSess := session.New(leg, session.Options{Auth: a})
	errc := make(chan error, 1)
	go func() {
		errc <- slaveSess.Initiate(context.Background(), proto.Hello{Role: proto.RoleSlave, SlaveID: "s-inner", Name: "probe"})
	}()

	mc := acceptConn(t, master, 2*time.Second)
	masterSess := session.New(mc, session.Options{Auth: a, AcceptRole: proto.RoleSlave})
	if err := masterSess.Respond(context.Background()); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if masterSess.SlaveID() != "s-inner" {
		t.Fatalf("slave id = %q", masterSess.SlaveID())
	}

	if err := masterSess.Send(proto.TypeCommand, "c-1", &proto.Command{Verb: proto.VerbStatus}); err != nil {
		t.Fatalf("send command: %v", err)
	}
	f, err := slaveSess.Receive()
	if err != nil {
		t.Fatalf("slave receive: %v", err)
	}
	if f.Type != proto.TypeCommand || f.CorrelationID != "c-1" {
		t.Fatalf("slave got %s/%s", f.Type, f.CorrelationID)
	}
	if err := slaveSess.SendResult("c-1", &proto.Result{Final: true, Note: "done"}); err != nil {
		t.Fatalf("send result: %v", err)
	}
	f, err = masterSess.Receive()
	if err != nil {
		t.Fatalf("master receive: %v", err)
	}
	if f.Type != proto.TypeResult || f.CorrelationID != "c-1" {
		t.Fatalf("master got %s/%s", f.Type, f.CorrelationID)
	}
}

func TestBuffersFramesWhileMasterAway(t *testing.T) {
	_, ts := startRelay(t, Config{BufferDepth: 4})
	leg := dialSlaveLeg(t, ts.URL, "s-buf")

	for seq := uint64(1); seq <= 7; seq++ {
		if err := leg.WriteFrame(helloFrame("s-buf", seq)); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
	}
	waitFor(t, 2*time.Second, "relay queue filled to depth", func() bool {
		_, _, queued := relayHealth(t, ts.URL)
		return queued == 4
	})

	master := listenMaster(t, ts.URL)
	mc := acceptConn(t, master, 2*time.Second)
	for want := uint64(1); want <= 4; want++ {
		f, err := readFrameTimeout(mc, 2*time.Second)
		if err != nil {
			t.Fatalf("read %d: %v", want, err)
		}
		if f.Seq != want {
			t.Fatalf("flush out of order: got seq %d, want %d", f.Seq, want)
		}
	}
	if _, err := readFrameTimeout(mc, 300*time.Millisecond); err != errTimeout {
		t.Fatalf("frames beyond the buffer depth survived: %v", err)
	}
}

func TestDuplicateSlaveLegSecondWins(t *testing.T) {
	_, ts := startRelay(t, Config{})
	master := listenMaster(t, ts.URL)

	legA := dialSlaveLeg(t, ts.URL, "s-dup")
	if err := legA.WriteFrame(helloFrame("s-dup", 1)); err != nil {
		t.Fatalf("write A: %v", err)
	}
	mcA := acceptConn(t, master, 2*time.Second)
	if _, err := readFrameTimeout(mcA, 2*time.Second); err != nil {
		t.Fatalf("read via A: %v", err)
	}

	legB := dialSlaveLeg(t, ts.URL, "s-dup")

	// The relay force-closes the superseded leg and tells the master.
	if _, err := readFrameTimeout(legA, 2*time.Second); err == nil || err == errTimeout {
		t.Fatalf("superseded leg still readable: %v", err)
	}
	if _, err := readFrameTimeout(mcA, 2*time.Second); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("old route err = %v, want ErrPeerGone", err)
	}

	if err := legB.WriteFrame(helloFrame("s-dup", 2)); err != nil {
		t.Fatalf("write B: %v", err)
	}
	mcB := acceptConn(t, master, 2*time.Second)
	f, err := readFrameTimeout(mcB, 2*time.Second)
	if err != nil || f.Seq != 2 {
		t.Fatalf("new leg not routed: %v %+v", err, f)
	}
}

func TestDuplicateMasterLegSecondWins(t *testing.T) {
	_, ts := startRelay(t, Config{})
	m1 := listenMaster(t, ts.URL)
	m2 := listenMaster(t, ts.URL)

	done := make(chan error, 1)
	go func() {
		_, err := m1.Accept()
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("old master accept err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("old master leg not shut down")
	}

	leg := dialSlaveLeg(t, ts.URL, "s-lww")
	if err := leg.WriteFrame(helloFrame("s-lww", 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	mc := acceptConn(t, m2, 2*time.Second)
	if _, err := readFrameTimeout(mc, 2*time.Second); err != nil {
		t.Fatalf("new master leg not routed: %v", err)
	}
}

func TestSlaveGoneClosesRoute(t *testing.T) {
	_, ts := startRelay(t, Config{})
	master := listenMaster(t, ts.URL)
	leg := dialSlaveLeg(t, ts.URL, "s-gone")

	if err := leg.WriteFrame(helloFrame("s-gone", 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	mc := acceptConn(t, master, 2*time.Second)
	if _, err := readFrameTimeout(mc, 2*time.Second); err != nil {
		t.Fatalf("read: %v", err)
	}

	_ = leg.Close()
	if _, err := readFrameTimeout(mc, 2*time.Second); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("route err = %v, want ErrPeerGone", err)
	}
}

func TestMasterGoneReachesSlaveLeg(t *testing.T) {
	_, ts := startRelay(t, Config{})
	leg := dialSlaveLeg(t, ts.URL, "s-watch")
	master := listenMaster(t, ts.URL)

	_ = master.Close()
	if _, err := readFrameTimeout(leg, 2*time.Second); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("leg err = %v, want ErrPeerGone", err)
	}
}

func TestLegAuthRejectsWrongSecret(t *testing.T) {
	_, ts := startRelay(t, Config{})
	d := &Dialer{URL: ts.URL, Auth: newAuth(t, "another-32-byte-secret-entirely!"), SlaveID: "s-bad"}
	_, err := d.Dial(context.Background())
	var rej *session.RejectedError
	if !errors.As(err, &rej) || rej.Reason != proto.ReasonBadProof {
		t.Fatalf("dial err = %v, want bad_proof rejection", err)
	}
	_, slaves, _ := relayHealth(t, ts.URL)
	if slaves != 0 {
		t.Fatalf("unauthenticated leg registered")
	}
}

func TestSlaveLegRequiresID(t *testing.T) {
	_, ts := startRelay(t, Config{})
	d := &Dialer{URL: ts.URL, Auth: newAuth(t, testSecret), SlaveID: ""}
	_, err := d.Dial(context.Background())
	var rej *session.RejectedError
	if !errors.As(err, &rej) || rej.Reason != proto.ReasonBadHello {
		t.Fatalf("dial err = %v, want bad_hello rejection", err)
	}
}
