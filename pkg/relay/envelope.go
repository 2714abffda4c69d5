package relay

import (
	"encoding/json"

	"darkmatter/fleet/pkg/proto"
)

// Leg traffic after the leg handshake is a stream of envelopes. Master legs
// address frames by slave id; slave legs carry exactly one route so the id
// is implied and filled in by the relay.
const (
	envFrame      = "frame"
	envSlaveGone  = "slave_gone"
	envMasterGone = "master_gone"
)

type envelope struct {
	Kind    string          `json:"kind"`
	SlaveID string          `json:"slave_id,omitempty"`
	Frame   json.RawMessage `json:"frame,omitempty"`
}

func frameEnvelope(sid string, f *proto.Frame) (*envelope, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return &envelope{Kind: envFrame, SlaveID: sid, Frame: raw}, nil
}

func (e *envelope) frame() (*proto.Frame, error) {
	var f proto.Frame
	if err := json.Unmarshal(e.Frame, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
