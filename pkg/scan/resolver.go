package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a hostname into addresses. Target expansion takes one so
// tests can stub resolution.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// MultiResolver queries several DNS servers directly and falls back to the
// system resolver when none are configured. Results are deduplicated, sorted
// for stable order and cached.
type MultiResolver struct {
	servers  []string // host:port
	timeout  time.Duration
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

func NewMultiResolver(servers []string, perQueryTimeout, cacheTTL time.Duration) *MultiResolver {
	var norm []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		norm = append(norm, s)
	}
	if perQueryTimeout <= 0 {
		perQueryTimeout = 2 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &MultiResolver{servers: norm, timeout: perQueryTimeout, cacheTTL: cacheTTL, cache: map[string]cacheEntry{}}
}

func (r *MultiResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("empty host")
	}
	r.mu.RLock()
	if ce, ok := r.cache[host]; ok && time.Now().Before(ce.expires) {
		ips := append([]net.IP{}, ce.ips...)
		r.mu.RUnlock()
		return ips, nil
	}
	r.mu.RUnlock()

	var collected []net.IP
	if len(r.servers) == 0 {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		collected = ips
	} else {
		collected = r.queryServers(ctx, host)
	}
	if len(collected) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].String() < collected[j].String() })
	r.mu.Lock()
	r.cache[host] = cacheEntry{ips: collected, expires: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return collected, nil
}

// queryServers walks the upstreams one by one and stops at the first that
// answers; when the whole pass comes back empty, every upstream gets a
// second, concurrent chance.
func (r *MultiResolver) queryServers(ctx context.Context, host string) []net.IP {
	var collected []net.IP
	seen := map[string]struct{}{}
	add := func(ips []net.IP) {
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			if _, ok := seen[ip.String()]; !ok {
				seen[ip.String()] = struct{}{}
				collected = append(collected, ip)
			}
		}
	}
	for _, s := range r.servers {
		add(r.queryOne(ctx, host, s))
		if len(collected) > 0 {
			break
		}
	}
	if len(collected) == 0 {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, s := range r.servers {
			wg.Add(1)
			go func(server string) {
				defer wg.Done()
				ips := r.queryOne(ctx, host, server)
				if len(ips) == 0 {
					return
				}
				mu.Lock()
				add(ips)
				mu.Unlock()
			}(s)
		}
		wg.Wait()
	}
	return collected
}

// queryOne asks one server for A and AAAA records, chasing bare CNAME
// answers up to five deep.
func (r *MultiResolver) queryOne(ctx context.Context, host, server string) []net.IP {
	c := &dns.Client{Timeout: r.timeout}
	var out []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		name := dns.Fqdn(host)
		for depth := 0; depth < 5; depth++ {
			m := new(dns.Msg)
			m.SetQuestion(name, qtype)
			m.RecursionDesired = true
			resp, _, err := c.ExchangeContext(ctx, m, server)
			if err != nil || resp == nil {
				break
			}
			added := false
			var cname string
			for _, rr := range resp.Answer {
				switch a := rr.(type) {
				case *dns.A:
					out = append(out, a.A)
					added = true
				case *dns.AAAA:
					out = append(out, a.AAAA)
					added = true
				case *dns.CNAME:
					cname = a.Target
				}
			}
			if added || cname == "" {
				break
			}
			name = cname
		}
	}
	return out
}
