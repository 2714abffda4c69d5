package proto

import "encoding/json"

// ProtocolVersion is negotiated in hello; peers with a different major
// version are refused with auth_fail{version_mismatch}.
const ProtocolVersion = 1

// WSSubprotocol is offered during the WebSocket upgrade.
const WSSubprotocol = "fleet.v1"

type FrameType string

const (
	TypeHello             FrameType = "hello"
	TypeChallenge         FrameType = "challenge"
	TypeChallengeResponse FrameType = "challenge_response"
	TypeAuthOK            FrameType = "auth_ok"
	TypeAuthFail          FrameType = "auth_fail"
	TypeHeartbeat         FrameType = "heartbeat"
	TypeCommand           FrameType = "command"
	TypeResult            FrameType = "result"
	TypeError             FrameType = "error"
	TypeBye               FrameType = "bye"
)

// Peer roles carried in hello.
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// Command verbs understood by the slave capability table.
const (
	VerbScan      = "scan"
	VerbCancel    = "cancel"
	VerbStatus    = "status"
	VerbConfigure = "configure"
)

// auth_fail reasons.
const (
	ReasonBadProof         = "bad_proof"
	ReasonVersionMismatch  = "version_mismatch"
	ReasonBadHello         = "bad_hello"
	ReasonHandshakeTimeout = "handshake_timeout"
)

// error frame codes. Error frames are terminal for their correlation id.
const (
	CodeUnsupportedCommand = "unsupported_command"
	CodeUnknownCommandID   = "unknown_command_id"
	CodeConnectionLost     = "connection_lost"
	CodeBadArgs            = "bad_args"
	CodeInternal           = "internal"
)

// Frame is the atomic wire unit. Field names are frozen; peers are deployed
// independently and decode by name. Timestamp is unix milliseconds. Seq and
// Proof are present on every frame after authentication (auth_ok included);
// hello, challenge, challenge_response and auth_fail travel unproofed.
type Frame struct {
	Type          FrameType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Seq           uint64          `json:"seq,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Proof         string          `json:"proof,omitempty"`
}

// Hello opens a handshake. Role distinguishes master and slave legs at the
// relay; SlaveID may be empty on a slave's very first connect, in which case
// the responder assigns one in auth_ok.
type Hello struct {
	Proto   int    `json:"proto"`
	Role    string `json:"role"`
	SlaveID string `json:"slave_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type Challenge struct {
	Nonce string `json:"nonce"`
}

// ChallengeResponse proves possession of the shared secret and announces the
// initiator's sequence base: every proofed frame it sends afterwards carries
// a strictly greater seq.
type ChallengeResponse struct {
	Proof    string `json:"proof"`
	SeqStart uint64 `json:"seq_start"`
}

// AuthOK is the first proofed frame of the responder direction and announces
// the responder's own sequence base.
type AuthOK struct {
	SessionID  string `json:"session_id"`
	SeqStart   uint64 `json:"seq_start"`
	ServerTime int64  `json:"server_time"`
	SlaveID    string `json:"slave_id,omitempty"`
}

type AuthFail struct {
	Reason string `json:"reason"`
}

type Command struct {
	Verb string          `json:"verb"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Result streams handler output. Non-final results carry one of the optional
// bodies; the final result for a scan carries the summary. Cancelled is only
// meaningful on a final result.
type Result struct {
	Final     bool         `json:"final"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Scan      *ScanResult  `json:"scan,omitempty"`
	Summary   *ScanSummary `json:"summary,omitempty"`
	Status    *SlaveStatus `json:"status,omitempty"`
	Settings  *Settings    `json:"settings,omitempty"`
	Note      string       `json:"note,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ScanArgs are the arguments of the scan verb. Zero values fall back to the
// slave's configured defaults (ports 22+3389, concurrency 100, timeout 3s).
type ScanArgs struct {
	Targets     []string `json:"targets"`
	Ports       []int    `json:"ports,omitempty"`
	Services    []string `json:"services,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
}

type CancelArgs struct {
	CommandID string `json:"command_id"`
}

// ConfigureArgs adjusts slave runtime settings. Zero fields are left alone.
type ConfigureArgs struct {
	HeartbeatMS int       `json:"heartbeat_ms,omitempty"`
	ScanArgs    *ScanArgs `json:"scan_defaults,omitempty"`
	Persist     bool      `json:"persist,omitempty"`
}

// Settings echoes the slave settings in effect after a configure.
type Settings struct {
	HeartbeatMS int      `json:"heartbeat_ms"`
	ScanPorts   []int    `json:"scan_ports,omitempty"`
	ScanTimeout int      `json:"scan_timeout_ms,omitempty"`
	ScanWorkers int      `json:"scan_workers,omitempty"`
	Services    []string `json:"services,omitempty"`
}

// ScanResult is one reachable, positively classified endpoint.
type ScanResult struct {
	Target      string `json:"target"`
	Port        int    `json:"port"`
	Service     string `json:"service"`
	Banner      string `json:"banner,omitempty"`
	Version     string `json:"version,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	LatencyMS   int64  `json:"latency_ms"`
	ObservedAt  int64  `json:"observed_at"`
}

// ScanSummary closes a scan stream. Attempted = Succeeded + Failed;
// Succeeded counts emitted ScanResults.
type ScanSummary struct {
	Attempted  int   `json:"attempted"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}

// SlaveStatus is the body of a status result.
type SlaveStatus struct {
	SlaveID     string   `json:"slave_id"`
	Name        string   `json:"name"`
	Platform    string   `json:"platform"`
	UptimeSec   int64    `json:"uptime_sec"`
	CPUPercent  float64  `json:"cpu_percent"`
	MemPercent  float64  `json:"mem_percent"`
	DiskPercent float64  `json:"disk_percent"`
	InFlight    []string `json:"in_flight,omitempty"`
}

// Wrap marshals a payload struct for embedding in a Frame. The payload types
// above cannot fail to marshal.
func Wrap(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Terminal reports whether f ends its correlation id's stream: any error
// frame, or a result with final set.
func Terminal(f *Frame) bool {
	switch f.Type {
	case TypeError:
		return true
	case TypeResult:
		var r struct {
			Final bool `json:"final"`
		}
		_ = json.Unmarshal(f.Payload, &r)
		return r.Final
	}
	return false
}
