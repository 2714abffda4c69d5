package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// maxCIDRHosts caps how far a single CIDR block may expand. Anything wider
// than a /16 is refused rather than truncated.
const maxCIDRHosts = 65536

// ExpandTargets flattens the operator-facing target list into individual
// addresses. Entries may be literal IPs, CIDR blocks, last-octet dash ranges
// (192.168.1.10-254) or hostnames. Order follows the input; duplicates
// collapse onto their first occurrence. Any malformed entry fails the whole
// expansion so a scan never silently skips part of its input.
func ExpandTargets(ctx context.Context, targets []string, res Resolver) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	add := func(s string) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, raw := range targets {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		switch {
		case strings.Contains(t, "/"):
			ips, err := expandCIDR(t)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t, err)
			}
			for _, ip := range ips {
				add(ip)
			}
		case net.ParseIP(t) != nil:
			add(net.ParseIP(t).String())
		case looksLikeRange(t):
			ips, err := expandRange(t)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t, err)
			}
			for _, ip := range ips {
				add(ip)
			}
		default:
			if res == nil {
				return nil, fmt.Errorf("target %q: no resolver for hostnames", t)
			}
			ips, err := res.Resolve(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t, err)
			}
			for _, ip := range ips {
				add(ip.String())
			}
		}
	}
	return out, nil
}

func expandCIDR(t string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(t)
	if err != nil {
		return nil, err
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("block wider than %d addresses", maxCIDRHosts)
	}
	var out []string
	ip := append(net.IP{}, ipnet.IP...)
	for ipnet.Contains(ip) {
		out = append(out, ip.String())
		incIP(ip)
	}
	return out, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// looksLikeRange matches the dotted-quad dash form. Hostnames with dashes
// fall through to resolution because they lack the three dots.
func looksLikeRange(t string) bool {
	return strings.Count(t, ".") == 3 && strings.Contains(t, "-") && !strings.ContainsAny(t, ":")
}

func expandRange(t string) ([]string, error) {
	idx := strings.LastIndex(t, "-")
	start := net.ParseIP(t[:idx])
	if start == nil || start.To4() == nil {
		return nil, fmt.Errorf("bad range start")
	}
	end, err := strconv.Atoi(t[idx+1:])
	if err != nil || end < 0 || end > 255 {
		return nil, fmt.Errorf("bad range end")
	}
	v4 := start.To4()
	lo := int(v4[3])
	if end < lo {
		return nil, fmt.Errorf("range end %d below start %d", end, lo)
	}
	var out []string
	for o := lo; o <= end; o++ {
		out = append(out, net.IPv4(v4[0], v4[1], v4[2], byte(o)).String())
	}
	return out, nil
}
