// Package target expands scan target literals — single addresses, CIDR
// networks, and hostnames — into a finite set of resolved addresses, and
// parses port specifications into deduplicated, ordered port sequences.
// Every target in a scan plan is expanded exactly once at plan time;
// hostnames are resolved here, not re-resolved per probe.
package target

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"

	scanerrors "github.com/anstrom/scanorama/internal/errors"
)

// maxExpansion bounds how many addresses a single CIDR literal may expand
// to, so a wide IPv6 prefix (or a confirmed /0) can't exhaust memory before
// a single probe is sent.
const maxExpansion = 1_000_000

// Target is a single resolved scan target: the address to probe, plus the
// literal it expanded from. Hostname is set only when Original named a
// host rather than an address or CIDR network.
type Target struct {
	Address  net.IP
	Hostname string
	Original string
}

// Resolver resolves a hostname to its addresses. net.DefaultResolver
// satisfies this; tests substitute a fake to avoid real DNS lookups.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Expand turns literal target strings (addresses, CIDR networks, or
// hostnames) into a deduplicated set of Targets, in the order the literals
// were given and, within a CIDR, in address order. A nil resolver uses
// net.DefaultResolver. allowZeroPrefix must be true for a /0 or /0-mapped
// network literal to expand; otherwise it is a configuration error.
func Expand(ctx context.Context, resolver Resolver, literals []string, allowZeroPrefix bool) ([]Target, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	var out []Target
	seen := make(map[string]struct{})
	for _, lit := range literals {
		lit = strings.TrimSpace(lit)
		if lit == "" {
			continue
		}
		expanded, err := expandOne(ctx, resolver, lit, allowZeroPrefix)
		if err != nil {
			return nil, err
		}
		for _, t := range expanded {
			key := t.Address.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, t)
		}
	}
	return out, nil
}

func expandOne(ctx context.Context, resolver Resolver, literal string, allowZeroPrefix bool) ([]Target, error) {
	if strings.Contains(literal, "/") {
		return expandCIDR(literal, allowZeroPrefix)
	}
	if ip := net.ParseIP(literal); ip != nil {
		return []Target{{Address: ip, Original: literal}}, nil
	}
	return resolveHostname(ctx, resolver, literal)
}

func expandCIDR(literal string, allowZeroPrefix bool) ([]Target, error) {
	ip, ipnet, err := net.ParseCIDR(literal)
	if err != nil {
		return nil, scanerrors.NewScanError(scanerrors.CodeConfiguration, "expand_target",
			fmt.Sprintf("invalid CIDR %q", literal)).
			WithHint("use address/prefix notation, e.g. 192.0.2.0/24")
	}

	ones, bits := ipnet.Mask.Size()
	if ones == 0 && !allowZeroPrefix {
		return nil, scanerrors.NewScanError(scanerrors.CodeConfiguration, "expand_target",
			fmt.Sprintf("%q is a /0 network", literal)).
			WithHint("pass --allow-zero-prefix to confirm scanning the entire address space")
	}

	// /32 (IPv4) and /128 (IPv6) name a single host; no enumeration needed.
	if ones == bits {
		return []Target{{Address: ip, Original: literal}}, nil
	}

	hostBits := bits - ones
	if !fitsExpansionLimit(hostBits) {
		return nil, scanerrors.NewScanError(scanerrors.CodeConfiguration, "expand_target",
			fmt.Sprintf("%q expands to more than %d addresses", literal, maxExpansion)).
			WithHint("narrow the prefix or split the scan into smaller networks")
	}

	out := make([]Target, 0, uint64(1)<<uint(hostBits))
	for cur := cloneIP(ipnet.IP); ipnet.Contains(cur); incIP(cur) {
		out = append(out, Target{Address: cloneIP(cur), Original: literal})
		if len(out) > maxExpansion {
			return nil, scanerrors.NewScanError(scanerrors.CodeConfiguration, "expand_target",
				fmt.Sprintf("%q exceeds the %d-address expansion limit", literal, maxExpansion))
		}
	}
	return out, nil
}

// fitsExpansionLimit reports whether 2^hostBits <= maxExpansion, computed
// with big.Int since hostBits can reach 128 for an unmasked IPv6 literal.
func fitsExpansionLimit(hostBits int) bool {
	limit := big.NewInt(maxExpansion)
	count := new(big.Int).Lsh(big.NewInt(1), uint(hostBits))
	return count.Cmp(limit) <= 0
}

func resolveHostname(ctx context.Context, resolver Resolver, hostname string) ([]Target, error) {
	addrs, err := resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, scanerrors.WrapScanError(scanerrors.CodeResolution, "expand_target",
			fmt.Sprintf("failed to resolve hostname %q", hostname), err).
			WithTarget(hostname, 0)
	}
	if len(addrs) == 0 {
		return nil, scanerrors.NewScanError(scanerrors.CodeResolution, "expand_target",
			fmt.Sprintf("hostname %q resolved to no addresses", hostname)).
			WithTarget(hostname, 0)
	}

	out := make([]Target, len(addrs))
	for i, a := range addrs {
		out[i] = Target{Address: a.IP, Hostname: hostname, Original: hostname}
	}
	return out, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

// incIP increments ip in place, treating it as a big-endian counter.
// Overflow (all 0xff) wraps to the zero address; the caller's
// ipnet.Contains check terminates the enumeration before that matters.
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// ParsePortList parses a comma-separated port specification of single
// ports and inclusive ranges (e.g. "22,80-82,443") into a deduplicated,
// ascending sequence of port numbers. Port 0 and any value above 65535 are
// rejected as configuration errors.
func ParsePortList(spec string) ([]uint16, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, scanerrors.NewScanError(scanerrors.CodeConfiguration, "parse_port_list",
			"empty port specification")
	}

	seen := make(map[uint16]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, err := parsePortPart(part)
		if err != nil {
			return nil, err
		}
		for p := start; ; p++ {
			seen[p] = struct{}{}
			if p == end || p == 65535 {
				break
			}
		}
	}

	out := make([]uint16, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func parsePortPart(part string) (start, end uint16, err error) {
	if idx := strings.IndexByte(part, '-'); idx >= 0 {
		start, err = parsePort(part[:idx])
		if err != nil {
			return 0, 0, err
		}
		end, err = parsePort(part[idx+1:])
		if err != nil {
			return 0, 0, err
		}
		if start > end {
			return 0, 0, scanerrors.NewScanError(scanerrors.CodeConfiguration, "parse_port_list",
				fmt.Sprintf("invalid port range %q: start exceeds end", part))
		}
		return start, end, nil
	}

	p, err := parsePort(part)
	if err != nil {
		return 0, 0, err
	}
	return p, p, nil
}

func parsePort(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, scanerrors.WrapScanError(scanerrors.CodeConfiguration, "parse_port_list",
			fmt.Sprintf("invalid port %q", s), err)
	}
	if n <= 0 || n > 65535 {
		return 0, scanerrors.NewScanError(scanerrors.CodeConfiguration, "parse_port_list",
			fmt.Sprintf("port %d out of range (1-65535)", n))
	}
	return uint16(n), nil
}
