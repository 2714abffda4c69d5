package scan

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"darkmatter/fleet/pkg/proto"
)

func startBannerListener(t *testing.T, banner string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = c.Write([]byte(banner))
				time.Sleep(100 * time.Millisecond)
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func startRDPListener(t *testing.T) int {
	t.Helper()
	confirm := []byte{
		0x03, 0x00, 0x00, 0x13,
		0x0e, 0xd0, 0x12, 0x34, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				req := make([]byte, len(rdpConnectionRequest))
				if _, err := io.ReadFull(c, req); err != nil {
					return
				}
				_, _ = c.Write(confirm)
				time.Sleep(100 * time.Millisecond)
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort grabs an ephemeral port and releases it so the dial hits a
// closed socket.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestScanClassifiesSSHAndCountsClosed(t *testing.T) {
	sshPort := startBannerListener(t, "SSH-2.0-OpenSSH_9.6\r\n")
	deadPort := closedPort(t)

	var results []proto.ScanResult
	sum, err := Run(context.Background(), Config{
		Targets:     []string{"127.0.0.1"},
		Ports:       []int{sshPort, deadPort},
		Services:    []string{"ssh"},
		Concurrency: 4,
		Timeout:     2 * time.Second,
		ProbeWait:   time.Second,
	}, func(r proto.ScanResult) { results = append(results, r) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Attempted != 2 || sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want attempted 2 / succeeded 1 / failed 1", sum)
	}
	if len(results) != 1 {
		t.Fatalf("emitted %d results, want 1", len(results))
	}
	r := results[0]
	if r.Service != ServiceSSH || r.Port != sshPort || r.Target != "127.0.0.1" {
		t.Fatalf("result = %+v", r)
	}
	if r.Banner != "SSH-2.0-OpenSSH_9.6" || r.Version != "2.0" || r.Fingerprint != "OpenSSH_9.6" {
		t.Fatalf("banner parsed as %q / %q / %q", r.Banner, r.Version, r.Fingerprint)
	}
	if r.ObservedAt == 0 || r.LatencyMS < 0 {
		t.Fatalf("timing fields missing: %+v", r)
	}
}

func TestScanClassifiesRDP(t *testing.T) {
	rdpPort := startRDPListener(t)

	var results []proto.ScanResult
	sum, err := Run(context.Background(), Config{
		Targets:   []string{"127.0.0.1"},
		Ports:     []int{rdpPort},
		Services:  []string{"rdp"},
		Timeout:   2 * time.Second,
		ProbeWait: time.Second,
	}, func(r proto.ScanResult) { results = append(results, r) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Succeeded != 1 || len(results) != 1 {
		t.Fatalf("summary %+v, results %d", sum, len(results))
	}
	r := results[0]
	if r.Service != ServiceRDP || r.Banner != "x224-connection-confirm" || r.Fingerprint != "credssp" {
		t.Fatalf("result = %+v", r)
	}
}

// A port that answers the dial but speaks neither protocol counts as failed
// and emits nothing.
func TestScanForeignBannerNotClassified(t *testing.T) {
	port := startBannerListener(t, "220 smtp impostor\r\n")

	var results []proto.ScanResult
	sum, err := Run(context.Background(), Config{
		Targets:   []string{"127.0.0.1"},
		Ports:     []int{port},
		Services:  []string{"ssh"},
		Timeout:   time.Second,
		ProbeWait: 200 * time.Millisecond,
	}, func(r proto.ScanResult) { results = append(results, r) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.Succeeded != 0 || len(results) != 0 {
		t.Fatalf("foreign banner classified: %+v %v", sum, results)
	}
}

func TestScanHonorsCancelBetweenAttempts(t *testing.T) {
	accepted := make(chan struct{}, 8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			go func(c net.Conn) {
				time.Sleep(3 * time.Second)
				_ = c.Close()
			}(c)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-accepted
		cancel()
	}()

	sum, err := Run(ctx, Config{
		Targets:     []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"},
		Ports:       []int{port},
		Services:    []string{"ssh"},
		Concurrency: 1,
		Timeout:     time.Second,
		ProbeWait:   500 * time.Millisecond,
	}, func(proto.ScanResult) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if sum.Attempted >= 3 {
		t.Fatalf("cancel ignored, attempted = %d", sum.Attempted)
	}
	if sum.Attempted != sum.Succeeded+sum.Failed {
		t.Fatalf("counts do not add up: %+v", sum)
	}
}

func TestRunRejectsUnknownService(t *testing.T) {
	_, err := Run(context.Background(), Config{
		Targets:  []string{"127.0.0.1"},
		Ports:    []int{1},
		Services: []string{"telnet"},
	}, func(proto.ScanResult) {})
	if err == nil {
		t.Fatalf("unknown service accepted")
	}
}

func TestProbeOrderPrefersPortService(t *testing.T) {
	both := map[string]bool{ServiceSSH: true, ServiceRDP: true}
	cases := []struct {
		port     int
		services map[string]bool
		want     []string
	}{
		{3389, both, []string{ServiceRDP, ServiceSSH}},
		{22, both, []string{ServiceSSH, ServiceRDP}},
		{8022, map[string]bool{ServiceSSH: true}, []string{ServiceSSH}},
		{3389, map[string]bool{ServiceRDP: true}, []string{ServiceRDP}},
	}
	for _, c := range cases {
		if got := probeOrder(c.port, c.services); !reflect.DeepEqual(got, c.want) {
			t.Errorf("probeOrder(%d) = %v, want %v", c.port, got, c.want)
		}
	}
}

func TestDefaultPortsFollowServices(t *testing.T) {
	got := defaultPorts(map[string]bool{ServiceSSH: true, ServiceRDP: true})
	if !reflect.DeepEqual(got, []int{22, 3389}) {
		t.Fatalf("defaultPorts = %v", got)
	}
	got = defaultPorts(map[string]bool{ServiceRDP: true})
	if !reflect.DeepEqual(got, []int{3389}) {
		t.Fatalf("defaultPorts(rdp) = %v", got)
	}
}

func TestParseSSHBanner(t *testing.T) {
	cases := []struct {
		line, version, fp string
	}{
		{"SSH-2.0-OpenSSH_9.6 Ubuntu-3ubuntu13", "2.0", "OpenSSH_9.6 Ubuntu-3ubuntu13"},
		{"SSH-1.99-Cisco-1.25", "1.99", "Cisco-1.25"},
		{"SSH-2.0", "2.0", ""},
	}
	for _, c := range cases {
		v, fp := parseSSHBanner(c.line)
		if v != c.version || fp != c.fp {
			t.Errorf("parseSSHBanner(%q) = %q/%q, want %q/%q", c.line, v, fp, c.version, c.fp)
		}
	}
}
