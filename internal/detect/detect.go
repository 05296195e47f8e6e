package detect

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/anstrom/scanorama/internal/engine"
	"github.com/anstrom/scanorama/internal/errors"
)

const (
	defaultProbeTimeout = 5 * time.Second
	maxResponseBytes    = 8192
)

// Result is the outcome of running service detection against one open
// port: the probe that matched, the identity it yielded, the raw banner
// bytes read, and the leaf certificate when the matching probe required a
// TLS handshake.
type Result struct {
	ProbeName string
	Match     ServiceMatch
	Banner    []byte
	TLS       *LeafCertificate
}

// Admitter gates a single probe attempt against the shared rate pacer
// before it is sent, mirroring the probe engines' AcquireProbe contract.
// A nil Admitter admits every attempt immediately.
type Admitter func(ctx context.Context) error

// Detect runs the probes Select orders for port, in turn, against
// address:port, stopping on the first positive identification (§4.7),
// once every admitted probe has been tried, or on a hard network error.
// Each probe attempt is gated through admit so the scheduler can apply the
// global pacer the same way the probe engines do. transport selects
// whether TCP or UDP probes are eligible; the detector never mixes the
// two for a single port.
func (d *Database) Detect(
	ctx context.Context,
	address string,
	port uint16,
	transport engine.Transport,
	intensity int,
	admit Admitter,
) (*Result, error) {
	wantTCP := transport == engine.TCP
	for _, p := range d.Select(port, intensity) {
		if p.TransportTCP != wantTCP {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if admit != nil {
			if err := admit(ctx); err != nil {
				return nil, err
			}
		}

		res, hardErr := d.tryProbe(ctx, address, port, p)
		if hardErr != nil {
			return nil, hardErr
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// tryProbe sends one probe's payload and evaluates the reply. A non-nil
// error is a hard network failure (the caller stops trying further
// probes on this port); a nil Result with a nil error is a soft failure
// (no reply, or a reply that matched no pattern) and the caller proceeds
// to the next probe.
func (d *Database) tryProbe(ctx context.Context, address string, port uint16, p *Probe) (*Result, error) {
	timeout := probeTimeout(p)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	useTLS := p.RequiresTLS || p.AppliesToSSLPort(port)
	if useTLS {
		return tryTLSProbe(attemptCtx, address, port, p, timeout)
	}
	return tryPlainProbe(attemptCtx, address, port, p)
}

func tryPlainProbe(ctx context.Context, address string, port uint16, p *Probe) (*Result, error) {
	network := "tcp"
	if !p.TransportTCP {
		network = "udp"
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(address, portStr(port)))
	if err != nil {
		return nil, errors.WrapScanError(errors.CodePermanentNetwork, "service_detect",
			"dial failed", err).WithTarget(address, port)
	}
	defer conn.Close()

	banner, readErr := sendAndRead(ctx, conn, p.Payload)
	if readErr != nil {
		return nil, nil // no reply within the probe's wait budget: soft failure
	}

	match, ok := Match(p, banner)
	if !ok {
		return nil, nil
	}
	return &Result{ProbeName: p.Name, Match: match, Banner: banner}, nil
}

func tryTLSProbe(ctx context.Context, address string, port uint16, p *Probe, timeout time.Duration) (*Result, error) {
	conn, cert, err := HandshakeTLS(ctx, address, port, timeout)
	if err != nil {
		// The port is already known open; a failed handshake means this
		// probe's TLS assumption didn't hold, not that the target vanished.
		return nil, nil
	}
	defer conn.Close()

	banner, readErr := sendAndRead(ctx, conn, p.Payload)
	if readErr != nil {
		return nil, nil
	}

	match, ok := Match(p, banner)
	if !ok {
		return nil, nil
	}
	return &Result{ProbeName: p.Name, Match: match, Banner: banner, TLS: cert}, nil
}

// sendAndRead writes payload (if any) and reads up to maxResponseBytes,
// honoring ctx's deadline. A NULL-style probe (empty payload) only reads,
// per the spec's read-only banner grab.
func sendAndRead(ctx context.Context, conn net.Conn, payload []byte) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, maxResponseBytes)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf[:n], "\x00"), nil
}

func probeTimeout(p *Probe) time.Duration {
	if p.TotalWaitMS <= 0 {
		return defaultProbeTimeout
	}
	return time.Duration(p.TotalWaitMS) * time.Millisecond
}
