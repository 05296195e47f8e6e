package engine

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"

	"github.com/anstrom/scanorama/internal/codec"
)

const (
	portDNS  = 53
	portNTP  = 123
	portSNMP = 161
)

// UDPEngine sends a protocol-specific payload for well-known ports and an
// empty datagram otherwise, classifying the reply per §4.5. Because hosts
// commonly rate-limit ICMP unreachables, this engine is the primary
// driver of the ICMP-backoff observer.
type UDPEngine struct {
	Timeout time.Duration
	dial    udpDialer
}

type udpDialer func(ctx context.Context, address string, port uint16, timeout time.Duration) (udpConn, error)

// udpConn is the minimal surface Probe needs, so tests can substitute an
// in-memory pipe instead of a real socket.
type udpConn interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	SetDeadline(time.Time) error
	Close() error
}

// NewUDPEngine builds a UDP engine with the given per-attempt timeout,
// typically 2-3x the TCP engines' timeout. A nil dial uses a real
// net.Dialer-backed UDP socket; tests substitute a fake.
func NewUDPEngine(timeout time.Duration, dial udpDialer) *UDPEngine {
	if dial == nil {
		dial = dialUDP
	}
	return &UDPEngine{Timeout: timeout, dial: dial}
}

func dialUDP(ctx context.Context, address string, port uint16, timeout time.Duration) (udpConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (e *UDPEngine) RequiresRawSocket() bool { return false }
func (e *UDPEngine) Transport() Transport    { return UDP }

// Probe sends the well-known payload for port (or an empty datagram) and
// classifies the outcome: reply -> Open, ICMP port-unreachable -> Closed,
// other ICMP unreachable -> Filtered, no reply -> OpenFiltered. Port 161
// is handled by the real SNMP client, since GoSNMP owns its own socket
// lifecycle rather than fitting the generic dial/write/read shape.
func (e *UDPEngine) Probe(ctx context.Context, address string, port uint16) (Result, error) {
	if port == portSNMP {
		return e.probeSNMP(address, port)
	}

	start := time.Now()
	res := Result{Address: address, Port: port, Transport: UDP}

	conn, err := e.dial(ctx, address, port, e.Timeout)
	if err != nil {
		res.State = OpenFiltered
		res.Latency = time.Since(start)
		return res, nil
	}
	defer conn.Close()

	payload := ProbePayload(port)
	if _, err := conn.Write(payload); err != nil {
		res.State = OpenFiltered
		res.Latency = time.Since(start)
		return res, nil
	}

	_ = conn.SetDeadline(time.Now().Add(e.Timeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	res.Latency = time.Since(start)
	if err != nil {
		// The kernel reports an ICMP error for a connected UDP socket on
		// the next read: port unreachable as ECONNREFUSED, host and
		// network unreachables as EHOSTUNREACH/ENETUNREACH. Anything else,
		// including the read timeout, is OpenFiltered (§4.5).
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			res.State = Closed
		case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
			res.State = Filtered
		default:
			res.State = OpenFiltered
		}
		return res, nil
	}

	res.State = Open
	res.Banner = append([]byte(nil), buf[:n]...)
	return res, nil
}

// probeSNMP issues a GetRequest for sysDescr.0 under the "public"
// community, the conventional SNMP service-detection probe.
func (e *UDPEngine) probeSNMP(address string, port uint16) (Result, error) {
	start := time.Now()
	res := Result{Address: address, Port: port, Transport: UDP}

	client := &gosnmp.GoSNMP{
		Target:    address,
		Port:      port,
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   e.Timeout,
		Retries:   0,
	}
	if err := client.Connect(); err != nil {
		res.State = OpenFiltered
		res.Latency = time.Since(start)
		return res, nil
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{"1.3.6.1.2.1.1.1.0"})
	res.Latency = time.Since(start)
	if err != nil || result == nil || len(result.Variables) == 0 {
		res.State = OpenFiltered
		return res, nil
	}

	res.State = Open
	if v, ok := result.Variables[0].Value.([]byte); ok {
		res.Banner = v
	}
	return res, nil
}

// ClassifyICMPUDP maps an ICMP Destination Unreachable code to the UDP
// engine's Closed/Filtered distinction.
func ClassifyICMPUDP(msg codec.ICMPMessage) PortState {
	if msg.Type != codec.ICMPv4TypeDestUnreachable {
		return Unknown
	}
	if msg.Code == codec.ICMPv4CodePortUnreachable {
		return Closed
	}
	if codec.UnreachableCodesIPv4[msg.Code] {
		return Filtered
	}
	return Unknown
}

// ProbePayload returns the protocol-specific payload for well-known UDP
// ports (DNS, NTP), or an empty datagram for everything else. SNMP is
// handled separately by probeSNMP.
func ProbePayload(port uint16) []byte {
	switch port {
	case portDNS:
		return dnsProbe()
	case portNTP:
		return ntpProbe()
	default:
		return nil
	}
}

// dnsProbe builds a minimal standard query for the root NS record, a
// payload any resolver will answer.
func dnsProbe() []byte {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.RecursionDesired = true
	buf, err := m.Pack()
	if err != nil {
		return nil
	}
	return buf
}

// ntpProbe builds a minimal NTP client request (mode 3, version 4).
func ntpProbe() []byte {
	buf := make([]byte, 48)
	buf[0] = 0x23 // LI=0, VN=4, Mode=3 (client)
	return buf
}
