package scan

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"time"
)

const (
	ServiceSSH = "ssh"
	ServiceRDP = "rdp"
)

// rdpConnectionRequest is a TPKT-wrapped X.224 Connection Request carrying an
// RDP negotiation request for the plain security protocol.
var rdpConnectionRequest = []byte{
	0x03, 0x00, 0x00, 0x13, // TPKT v3, length 19
	0x0e, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00, // X.224 CR, class 0
	0x01, 0x00, 0x08, 0x00, 0x01, 0x00, 0x00, 0x00, // RDP_NEG_REQ, PROTOCOL_SSL
}

// probeSSH waits for the server's identification line; RFC 4253 has the
// server speak first, so nothing is sent. Not consuming any bytes on a
// silent port leaves the connection clean for the next probe.
func probeSSH(conn net.Conn, wait time.Duration) (banner, version, fingerprint string, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	line, _ := bufio.NewReaderSize(conn, 256).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "SSH-") {
		return "", "", "", false
	}
	version, fingerprint = parseSSHBanner(line)
	return line, version, fingerprint, true
}

// parseSSHBanner splits "SSH-2.0-OpenSSH_9.6 comment" into the protocol
// version and the software string.
func parseSSHBanner(line string) (version, fingerprint string) {
	rest := strings.TrimPrefix(line, "SSH-")
	if i := strings.Index(rest, "-"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

// probeRDP sends the connection request and accepts any X.224 Connection
// Confirm back. A negotiation response upgrades the fingerprint with the
// security protocol the server picked.
func probeRDP(conn net.Conn, wait time.Duration) (banner, version, fingerprint string, ok bool) {
	_ = conn.SetWriteDeadline(time.Now().Add(wait))
	if _, err := conn.Write(rdpConnectionRequest); err != nil {
		return "", "", "", false
	}
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 19)
	n, err := io.ReadAtLeast(conn, buf, 6)
	if err != nil || buf[0] != 0x03 || buf[5]&0xf0 != 0xd0 {
		return "", "", "", false
	}
	banner = "x224-connection-confirm"
	if n >= 19 && buf[11] == 0x02 {
		switch binary.LittleEndian.Uint32(buf[15:19]) {
		case 0:
			fingerprint = "rdp-classic"
		case 1:
			fingerprint = "tls"
		case 2:
			fingerprint = "credssp"
		case 8:
			fingerprint = "credssp-ex"
		}
	}
	return banner, version, fingerprint, true
}
