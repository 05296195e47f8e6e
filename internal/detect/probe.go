// Package detect implements the service-detection engine: a parser for
// the versioned probe-database text format, rarity-ordered probe
// selection against a port index, response pattern matching, and TLS
// handshake/certificate inspection for probes that require it.
package detect

import "regexp"

// PortRange is an inclusive range of ports a probe applies to. End may be
// MaxPort to represent an open-ended range ("8000-").
const MaxPort = 65535

type PortRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// Pattern is one response-matching rule for a probe: the first pattern
// whose regular expression matches the response wins.
type Pattern struct {
	Regex       *regexp.Regexp
	Service     string
	VersionInfo string // template with $1, $2 ... group references, e.g. "$1"
	Soft        bool   // true for `softmatch`: identifies family, not version
}

// Probe is an immutable description of what to send on a (target, port,
// transport) tuple and how to interpret the reply.
type Probe struct {
	Name        string
	TransportTCP bool // true = TCP, false = UDP
	Payload     []byte
	Rarity      int // 1-9, lower = more common
	Ports       []PortRange
	SSLPorts    []PortRange
	TotalWaitMS int
	Patterns    []Pattern
	RequiresTLS bool
}

// AppliesToPort reports whether the probe's applicable-port list contains
// port (plain, non-TLS application).
func (p Probe) AppliesToPort(port uint16) bool {
	for _, r := range p.Ports {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// AppliesToSSLPort reports whether port is in the probe's TLS-applicable
// list.
func (p Probe) AppliesToSSLPort(port uint16) bool {
	for _, r := range p.SSLPorts {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// HasAnyPortConstraint reports whether the probe names any applicable
// ports at all; probes with none are candidates on every port.
func (p Probe) HasAnyPortConstraint() bool {
	return len(p.Ports) > 0 || len(p.SSLPorts) > 0
}
