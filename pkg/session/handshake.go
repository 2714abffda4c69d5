package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"darkmatter/fleet/pkg/auth"
	"darkmatter/fleet/pkg/proto"
)

// Initiate runs the connecting side of the handshake:
// hello -> challenge -> challenge_response -> auth_ok. On success the session
// is ACTIVE; on any failure the transport is closed and the state is CLOSED.
func (s *Session) Initiate(ctx context.Context, hello proto.Hello) error {
	if s.State() != StateNew {
		return fmt.Errorf("session: initiate from state %s", s.State())
	}
	hello.Proto = proto.ProtocolVersion
	s.slaveID = hello.SlaveID
	s.name = hello.Name

	if err := s.writeRaw(proto.TypeHello, proto.Wrap(hello)); err != nil {
		s.fail()
		return err
	}
	s.state.Store(int32(StateHelloSent))

	f, err := s.readHandshakeFrame(ctx)
	if err != nil {
		s.fail()
		return err
	}
	if f.Type == proto.TypeAuthFail {
		s.fail()
		return rejectedFromFrame(f)
	}
	if f.Type != proto.TypeChallenge {
		s.fail()
		return fmt.Errorf("session: expected challenge, got %s", f.Type)
	}
	var ch proto.Challenge
	if err := json.Unmarshal(f.Payload, &ch); err != nil || ch.Nonce == "" {
		s.fail()
		return fmt.Errorf("session: malformed challenge")
	}
	s.state.Store(int32(StateChallenged))

	base := randomSeqBase()
	resp := proto.ChallengeResponse{
		Proof:    s.opts.Auth.HandshakeProof(ch.Nonce, base),
		SeqStart: base,
	}
	if err := s.writeRaw(proto.TypeChallengeResponse, proto.Wrap(resp)); err != nil {
		s.fail()
		return err
	}
	s.key = s.opts.Auth.SessionKey(ch.Nonce)
	s.sendSeq = base

	f, err = s.readHandshakeFrame(ctx)
	if err != nil {
		s.fail()
		return err
	}
	switch f.Type {
	case proto.TypeAuthFail:
		s.fail()
		return rejectedFromFrame(f)
	case proto.TypeAuthOK:
	default:
		s.fail()
		return fmt.Errorf("session: expected auth_ok, got %s", f.Type)
	}
	// auth_ok is the responder's first proofed frame
	if !auth.VerifyFrame(s.key, f) {
		s.fail()
		return auth.ErrBadProof
	}
	s.state.Store(int32(StateAuthenticated))
	var ok proto.AuthOK
	if err := json.Unmarshal(f.Payload, &ok); err != nil || ok.SessionID == "" {
		s.fail()
		return fmt.Errorf("session: malformed auth_ok")
	}
	if f.Seq <= ok.SeqStart {
		s.fail()
		return auth.ErrBadProof
	}
	s.recvSeq = f.Seq
	s.id = ok.SessionID
	if s.slaveID == "" {
		s.slaveID = ok.SlaveID
	}
	s.touch()
	s.state.Store(int32(StateActive))
	return nil
}

// Respond runs the accepting side of the handshake. The peer's hello decides
// its role; when Options.AcceptRole is set, any other role is refused.
func (s *Session) Respond(ctx context.Context) error {
	if s.State() != StateNew {
		return fmt.Errorf("session: respond from state %s", s.State())
	}
	f, err := s.readHandshakeFrame(ctx)
	if err != nil {
		if err == ErrHandshakeTimeout {
			s.refuse(proto.ReasonHandshakeTimeout)
		} else {
			s.fail()
		}
		return err
	}
	if f.Type != proto.TypeHello {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: expected hello, got %s", f.Type)
	}
	var hello proto.Hello
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: malformed hello")
	}
	if hello.Proto != proto.ProtocolVersion {
		s.refuse(proto.ReasonVersionMismatch)
		return ErrVersionMismatch
	}
	if hello.Role != proto.RoleMaster && hello.Role != proto.RoleSlave {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: unknown role %q", hello.Role)
	}
	if s.opts.AcceptRole != "" && hello.Role != s.opts.AcceptRole {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: role %q not accepted here", hello.Role)
	}
	if s.opts.RequireSlaveID && hello.Role == proto.RoleSlave && hello.SlaveID == "" {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: slave hello without slave_id")
	}
	s.role = hello.Role
	s.name = hello.Name
	s.slaveID = hello.SlaveID

	nonce, err := s.opts.Auth.Challenge()
	if err != nil {
		s.fail()
		return err
	}
	if err := s.writeRaw(proto.TypeChallenge, proto.Wrap(proto.Challenge{Nonce: nonce})); err != nil {
		s.fail()
		return err
	}
	s.state.Store(int32(StateChallenged))

	f, err = s.readHandshakeFrame(ctx)
	if err != nil {
		if err == ErrHandshakeTimeout {
			s.refuse(proto.ReasonHandshakeTimeout)
		} else {
			s.fail()
		}
		return err
	}
	if f.Type != proto.TypeChallengeResponse {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: expected challenge_response, got %s", f.Type)
	}
	var cr proto.ChallengeResponse
	if err := json.Unmarshal(f.Payload, &cr); err != nil {
		s.refuse(proto.ReasonBadHello)
		return fmt.Errorf("session: malformed challenge_response")
	}
	if !s.opts.Auth.VerifyHandshake(nonce, cr.SeqStart, cr.Proof) {
		s.refuse(proto.ReasonBadProof)
		return auth.ErrBadProof
	}
	s.state.Store(int32(StateAuthenticated))

	s.key = s.opts.Auth.SessionKey(nonce)
	s.recvSeq = cr.SeqStart
	s.id = uuid.NewString()
	if hello.Role == proto.RoleSlave && s.slaveID == "" {
		s.slaveID = uuid.NewString()
	}
	base := randomSeqBase()
	s.sendSeq = base
	ok := proto.AuthOK{
		SessionID:  s.id,
		SeqStart:   base,
		ServerTime: time.Now().UnixMilli(),
	}
	if hello.SlaveID == "" && hello.Role == proto.RoleSlave {
		ok.SlaveID = s.slaveID
	}
	s.state.Store(int32(StateActive))
	if err := s.Send(proto.TypeAuthOK, "", &ok); err != nil {
		s.fail()
		return err
	}
	s.touch()
	return nil
}

// refuse sends a best-effort auth_fail and closes from a pre-ACTIVE state.
func (s *Session) refuse(reason string) {
	_ = s.writeRaw(proto.TypeAuthFail, proto.Wrap(proto.AuthFail{Reason: reason}))
	s.fail()
}

// writeRaw emits an unproofed handshake frame.
func (s *Session) writeRaw(t proto.FrameType, payload json.RawMessage) error {
	return s.conn.WriteFrame(&proto.Frame{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
}

// readHandshakeFrame reads one frame bounded by the handshake timeout. On
// timeout or cancellation the transport is closed to unblock the reader.
func (s *Session) readHandshakeFrame(ctx context.Context) (*proto.Frame, error) {
	type result struct {
		f   *proto.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.conn.ReadFrame()
		ch <- result{f, err}
	}()
	t := time.NewTimer(s.opts.handshakeTimeout())
	defer t.Stop()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-t.C:
		_ = s.conn.Close()
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		_ = s.conn.Close()
		return nil, ctx.Err()
	}
}

func rejectedFromFrame(f *proto.Frame) error {
	var af proto.AuthFail
	_ = json.Unmarshal(f.Payload, &af)
	if af.Reason == proto.ReasonVersionMismatch {
		return ErrVersionMismatch
	}
	return &RejectedError{Reason: af.Reason}
}

// randomSeqBase picks a random 32-bit sequence base, leaving the upper half
// of the counter space for increments.
func randomSeqBase() uint64 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano() & 0x7fffffff)
	}
	return uint64(binary.BigEndian.Uint32(b[:])) + 1
}
