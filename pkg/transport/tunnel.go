package transport

import (
	"context"
	"crypto/tls"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"darkmatter/fleet/pkg/proto"
)

// TunnelDialer reaches a master through an externally terminated HTTPS
// endpoint (a named tunnel, a reverse proxy). The endpoint owns TLS and
// routing; from here it is opaque bytes in and out.
type TunnelDialer struct {
	// Endpoint is a bare hostname or a full URL; bare hostnames become
	// wss://host/ws.
	Endpoint string
	// InsecureTLS skips certificate verification for self-signed endpoints.
	InsecureTLS bool
}

func (d *TunnelDialer) Dial(ctx context.Context) (Conn, error) {
	return DialEndpoint(ctx, d.Endpoint, d.InsecureTLS, 45*time.Second)
}

// DialEndpoint dials a normalized endpoint and returns the concrete conn for
// callers that need the websocket extras (pings, envelope IO).
func DialEndpoint(ctx context.Context, endpoint string, insecure bool, timeout time.Duration) (*WSConn, error) {
	u, err := NormalizeTunnelURL(endpoint)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{proto.WSSubprotocol},
	}
	if insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// NormalizeTunnelURL turns an operator-supplied tunnel endpoint into a
// websocket URL: bare hostnames gain wss:// and /ws, http(s) schemes map to
// ws(s), and an empty path defaults to /ws.
func NormalizeTunnelURL(endpoint string) (string, error) {
	s := strings.TrimSpace(endpoint)
	if !strings.Contains(s, "://") {
		s = "wss://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
