package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"darkmatter/fleet/pkg/proto"
)

// Config is a scan verb's arguments after defaulting.
type Config struct {
	Targets     []string
	Ports       []int
	Services    []string // subset of {ssh, rdp}; empty means both
	Concurrency int
	Timeout     time.Duration // per connection attempt
	// ProbeWait bounds each service probe's banner exchange.
	ProbeWait time.Duration
	Resolver  Resolver
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.ProbeWait <= 0 {
		c.ProbeWait = 2 * time.Second
	}
	if c.Resolver == nil {
		c.Resolver = NewMultiResolver(nil, 0, 0)
	}
}

type attempt struct {
	target string
	port   int
}

// Run expands the targets, sweeps every target/port pair through a worker
// pool and calls emit for each positive classification. The summary counts
// every attempted pair whether or not anything was listening. Cancellation
// is honored between attempts; the partial summary is still returned.
func Run(ctx context.Context, cfg Config, emit func(proto.ScanResult)) (proto.ScanSummary, error) {
	start := time.Now()
	cfg.setDefaults()
	services, err := normalizeServices(cfg.Services)
	if err != nil {
		return proto.ScanSummary{}, err
	}
	ports := cfg.Ports
	if len(ports) == 0 {
		ports = defaultPorts(services)
	}
	addrs, err := ExpandTargets(ctx, cfg.Targets, cfg.Resolver)
	if err != nil {
		return proto.ScanSummary{}, err
	}
	if len(addrs) == 0 {
		return proto.ScanSummary{}, fmt.Errorf("no targets to scan")
	}

	jobs := make(chan attempt)
	var wg sync.WaitGroup
	var attempted, succeeded, failed atomic.Int64
	var emitMu sync.Mutex

	worker := func() {
		defer wg.Done()
		for a := range jobs {
			if ctx.Err() != nil {
				continue
			}
			attempted.Add(1)
			r, ok := scanOne(ctx, a, services, cfg)
			if !ok {
				failed.Add(1)
				continue
			}
			succeeded.Add(1)
			emitMu.Lock()
			emit(r)
			emitMu.Unlock()
		}
	}

	n := cfg.Concurrency
	if total := len(addrs) * len(ports); n > total {
		n = total
	}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go worker()
	}

feed:
	for _, addr := range addrs {
		for _, p := range ports {
			select {
			case jobs <- attempt{target: addr, port: p}:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(jobs)
	wg.Wait()

	sum := proto.ScanSummary{
		Attempted:  int(attempted.Load()),
		Succeeded:  int(succeeded.Load()),
		Failed:     int(failed.Load()),
		DurationMS: time.Since(start).Milliseconds(),
	}
	return sum, ctx.Err()
}

// scanOne connects once and tries the enabled probes in order. The passive
// SSH probe goes first so a silent port is still fresh for the RDP exchange.
func scanOne(ctx context.Context, a attempt, services map[string]bool, cfg Config) (proto.ScanResult, bool) {
	d := net.Dialer{Timeout: cfg.Timeout}
	t0 := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.target, strconv.Itoa(a.port)))
	if err != nil {
		return proto.ScanResult{}, false
	}
	defer conn.Close()
	latency := time.Since(t0).Milliseconds()

	for _, svc := range probeOrder(a.port, services) {
		var banner, version, fp string
		var ok bool
		switch svc {
		case ServiceSSH:
			banner, version, fp, ok = probeSSH(conn, cfg.ProbeWait)
		case ServiceRDP:
			banner, version, fp, ok = probeRDP(conn, cfg.ProbeWait)
		}
		if ok {
			return proto.ScanResult{
				Target:      a.target,
				Port:        a.port,
				Service:     svc,
				Banner:      banner,
				Version:     version,
				Fingerprint: fp,
				LatencyMS:   latency,
				ObservedAt:  time.Now().UnixMilli(),
			}, true
		}
	}
	return proto.ScanResult{}, false
}

// probeOrder puts the service suggested by the port number first, then the
// rest of the enabled set.
func probeOrder(port int, services map[string]bool) []string {
	var order []string
	if port == 3389 && services[ServiceRDP] {
		order = append(order, ServiceRDP)
	}
	if services[ServiceSSH] {
		order = append(order, ServiceSSH)
	}
	if port != 3389 && services[ServiceRDP] {
		order = append(order, ServiceRDP)
	}
	return order
}

func normalizeServices(names []string) (map[string]bool, error) {
	if len(names) == 0 {
		return map[string]bool{ServiceSSH: true, ServiceRDP: true}, nil
	}
	out := map[string]bool{}
	for _, n := range names {
		switch s := strings.ToLower(strings.TrimSpace(n)); s {
		case ServiceSSH, ServiceRDP:
			out[s] = true
		case "":
		default:
			return nil, fmt.Errorf("unknown service %q", n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no recognized services")
	}
	return out, nil
}

func defaultPorts(services map[string]bool) []int {
	var ports []int
	if services[ServiceSSH] {
		ports = append(ports, 22)
	}
	if services[ServiceRDP] {
		ports = append(ports, 3389)
	}
	return ports
}
