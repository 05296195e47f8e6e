// Package engine implements the four probe engines — TCP connect, TCP SYN
// (stateless), UDP, and TCP idle/zombie — each producing PortState
// observations for a (target, port) tuple. The scheduler is polymorphic
// over this capability set; selection between variants is by tagged
// value, never by inheritance.
package engine

import (
	"context"
	"time"
)

// PortState is the fixed, exhaustive classification of a probed port.
type PortState int

const (
	// Unknown is never a terminal state; it exists only as a zero value.
	Unknown PortState = iota
	Open
	Closed
	Filtered
	OpenFiltered
	Unfiltered
)

func (s PortState) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Filtered:
		return "filtered"
	case OpenFiltered:
		return "open|filtered"
	case Unfiltered:
		return "unfiltered"
	default:
		return "unknown"
	}
}

// Transport identifies the layer-4 protocol a probe used.
type Transport int

const (
	TCP Transport = iota
	UDP
)

func (t Transport) String() string {
	if t == UDP {
		return "udp"
	}
	return "tcp"
}

// Service is the best-guess service identity the scheduler's post-port
// detection phase attaches to an open port's result. Probe engines never
// set this themselves.
type Service struct {
	Name    string
	Version string
	Soft    bool // true when only the family matched, not a specific version
}

// TLSCertificate is the leaf-certificate material service detection
// exposes when identifying a service required a TLS handshake.
type TLSCertificate struct {
	Subject   string
	Issuer    string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

// Result is what an engine produces for a single probed port.
type Result struct {
	Address   string
	Port      uint16
	Transport Transport
	State     PortState
	Latency   time.Duration
	Banner    []byte
	ICMPCode  int // set (>=0) when the classification came from an ICMP signal
	Service   *Service
	TLS       *TLSCertificate
	Err       error
}

// Engine is the capability set the scheduler drives: probe one port and
// report whether raw-socket privilege is required to do so.
type Engine interface {
	Probe(ctx context.Context, address string, port uint16) (Result, error)
	RequiresRawSocket() bool
	Transport() Transport
}
