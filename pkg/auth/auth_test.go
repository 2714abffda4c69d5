package auth

import (
	"strings"
	"testing"

	"darkmatter/fleet/pkg/proto"
)

const testSecret = "0123456789abcdef0123456789abcdef" // 32 bytes

func newAuth(t *testing.T, secret string) *Authenticator {
	t.Helper()
	a, err := New(secret)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New("too-short"); err != ErrSecretTooShort {
		t.Fatalf("New(short) err = %v, want ErrSecretTooShort", err)
	}
	if _, err := New(strings.Repeat("x", 32)); err != nil {
		t.Fatalf("New(32 bytes): %v", err)
	}
}

func TestChallengeIsFreshHex(t *testing.T) {
	a := newAuth(t, testSecret)
	n1, err := a.Challenge()
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	n2, err := a.Challenge()
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	if len(n1) != 64 {
		t.Fatalf("nonce length = %d, want 64 hex chars", len(n1))
	}
	if n1 == n2 {
		t.Fatal("two challenges produced the same nonce")
	}
}

func TestHandshakeProofRoundTrip(t *testing.T) {
	a := newAuth(t, testSecret)
	nonce, _ := a.Challenge()
	proof := a.HandshakeProof(nonce, 42)
	if !a.VerifyHandshake(nonce, 42, proof) {
		t.Fatal("valid handshake proof rejected")
	}
	if a.VerifyHandshake(nonce, 43, proof) {
		t.Fatal("proof accepted with altered seq_start")
	}
	if a.VerifyHandshake(nonce, 42, proof[:len(proof)-2]+"00") {
		t.Fatal("tampered proof accepted")
	}
	if a.VerifyHandshake(nonce, 42, "not-hex") {
		t.Fatal("non-hex proof accepted")
	}
}

func TestHandshakeProofRejectsWrongSecret(t *testing.T) {
	a := newAuth(t, testSecret)
	b := newAuth(t, strings.Repeat("y", 32))
	nonce, _ := a.Challenge()
	proof := b.HandshakeProof(nonce, 1)
	if a.VerifyHandshake(nonce, 1, proof) {
		t.Fatal("proof from a different secret accepted")
	}
}

func TestSessionKeyDistinctPerNonce(t *testing.T) {
	a := newAuth(t, testSecret)
	n1, _ := a.Challenge()
	n2, _ := a.Challenge()
	k1 := a.SessionKey(n1)
	k2 := a.SessionKey(n2)
	if len(k1) != 32 || len(k2) != 32 {
		t.Fatalf("key lengths = %d, %d, want 32", len(k1), len(k2))
	}
	if string(k1) == string(k2) {
		t.Fatal("different nonces derived the same session key")
	}
	// same inputs must be deterministic
	if string(k1) != string(a.SessionKey(n1)) {
		t.Fatal("session key not deterministic for one nonce")
	}
}

func TestFrameProofBindsAllFields(t *testing.T) {
	a := newAuth(t, testSecret)
	nonce, _ := a.Challenge()
	key := a.SessionKey(nonce)

	f := &proto.Frame{
		Type:          proto.TypeCommand,
		CorrelationID: "corr-1",
		Seq:           7,
		Timestamp:     1700000000000,
		Payload:       proto.Wrap(proto.Command{Verb: proto.VerbStatus}),
	}
	f.Proof = FrameProof(key, f)
	if !VerifyFrame(key, f) {
		t.Fatal("valid frame proof rejected")
	}

	cases := map[string]func(proto.Frame) proto.Frame{
		"type": func(g proto.Frame) proto.Frame { g.Type = proto.TypeResult; return g },
		"corr": func(g proto.Frame) proto.Frame { g.CorrelationID = "corr-2"; return g },
		"seq":  func(g proto.Frame) proto.Frame { g.Seq = 8; return g },
		"payload": func(g proto.Frame) proto.Frame {
			g.Payload = proto.Wrap(proto.Command{Verb: proto.VerbScan})
			return g
		},
	}
	for name, mutate := range cases {
		g := mutate(*f)
		if VerifyFrame(key, &g) {
			t.Fatalf("frame with altered %s still verified", name)
		}
	}

	other := a.SessionKey(nonceOther(t, a))
	if VerifyFrame(other, f) {
		t.Fatal("frame verified under a different session key")
	}
}

func nonceOther(t *testing.T, a *Authenticator) string {
	t.Helper()
	n, err := a.Challenge()
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	return n
}
