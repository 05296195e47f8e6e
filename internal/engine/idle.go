package engine

import (
	"context"
	"net"
	"time"

	"github.com/anstrom/scanorama/internal/codec"
	"github.com/anstrom/scanorama/internal/errors"
	"github.com/anstrom/scanorama/internal/transport"
)

const (
	idleMaxRetries      = 3
	idleOpenDelta       = 2
	idleClosedDelta     = 1
	idleSampleSourcePort = 54321
)

// IdleEngine probes a victim indirectly through a zombie host whose IP-ID
// sequence is globally incrementing, so the scan source never directly
// communicates with the victim (§4.6).
type IdleEngine struct {
	Zombie     net.IP
	SourceIP   net.IP
	SourcePort uint16
	Timeout    time.Duration

	raw      *transport.RawSocket
	receiver *transport.RawReceiver
}

// NewIdleEngine constructs an idle-scan engine against the given zombie.
// It does not itself verify suitability; callers must call
// VerifyZombieSuitable at plan time before probing any port.
func NewIdleEngine(zombie, sourceIP net.IP, sourcePort uint16, timeout time.Duration) (*IdleEngine, error) {
	if !transport.HasRawCapability() {
		return nil, errors.ErrPermission("compose idle scan")
	}
	raw, err := transport.OpenRawIPv4()
	if err != nil {
		return nil, err
	}
	recv, err := transport.OpenRawTCPReceiver()
	if err != nil {
		return nil, err
	}
	return &IdleEngine{Zombie: zombie, SourceIP: sourceIP, SourcePort: sourcePort, Timeout: timeout, raw: raw, receiver: recv}, nil
}

func (e *IdleEngine) RequiresRawSocket() bool { return true }
func (e *IdleEngine) Transport() Transport    { return TCP }

// VerifyZombieSuitable samples the zombie's IP-ID twice, a short interval
// apart, and confirms it increments monotonically and predictably
// (consistent with a globally-incrementing, idle host). Suitability
// failure is a hard, plan-time error per §4.6.
func (e *IdleEngine) VerifyZombieSuitable(ctx context.Context) error {
	id1, err := e.sampleIPID()
	if err != nil {
		return errors.ErrZombieUnsuitable(e.Zombie.String(), "no response sampling IP-ID")
	}

	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	id2, err := e.sampleIPID()
	if err != nil {
		return errors.ErrZombieUnsuitable(e.Zombie.String(), "no response on second IP-ID sample")
	}

	delta := int(id2) - int(id1)
	if delta <= 0 {
		return errors.ErrZombieUnsuitable(e.Zombie.String(), "IP-ID sequence is not monotonically increasing")
	}
	if delta > 5 {
		return errors.ErrZombieUnsuitable(e.Zombie.String(), "IP-ID moved too far between samples; zombie is not idle")
	}
	return nil
}

// sampleIPID provokes a RST from the zombie (by sending an unsolicited
// SYN/ACK it did not expect) and reads the IP-ID of the resulting RST.
func (e *IdleEngine) sampleIPID() (uint16, error) {
	seg, err := codec.MarshalTCP(codec.TCPHeader{
		SrcPort: e.SourcePort,
		DstPort: idleSampleSourcePort,
		Seq:     1,
		Ack:     1,
		Flags:   codec.FlagSYN | codec.FlagACK,
	}, e.SourceIP, e.Zombie, nil)
	if err != nil {
		return 0, err
	}
	pkt, err := codec.MarshalIPv4(codec.IPv4Header{Protocol: 6, Src: e.SourceIP, Dst: e.Zombie}, seg)
	if err != nil {
		return 0, err
	}
	if err := e.raw.Send(e.Zombie, pkt); err != nil {
		return 0, err
	}

	_ = e.receiver.SetReadTimeout(e.Timeout)
	buf := make([]byte, 1500)
	deadline := time.Now().Add(e.Timeout)
	for time.Now().Before(deadline) {
		n, err := e.receiver.ReadPacket(buf)
		if err != nil {
			continue
		}
		ipHdr, payload, err := codec.ParseIPv4(buf[:n])
		if err != nil || !ipHdr.Src.Equal(e.Zombie) {
			continue
		}
		tcpHdr, _, err := codec.ParseTCP(payload)
		if err != nil || !tcpHdr.HasFlag(codec.FlagRST) {
			continue
		}
		return ipHdr.ID, nil
	}
	return 0, errors.NewScanError(errors.CodeTransientNetwork, "sample zombie IP-ID", "no RST observed")
}

// Probe runs the three-step idle-scan protocol for one victim port,
// retrying a bounded number of times on inconclusive (delta other than
// +1 or +2) results
// before abandoning with an explicit error.
func (e *IdleEngine) Probe(ctx context.Context, victim string, port uint16) (Result, error) {
	start := time.Now()
	res := Result{Address: victim, Port: port, Transport: TCP}

	dst := net.ParseIP(victim)
	if dst == nil {
		return res, errors.NewScanError(errors.CodeConfiguration, "idle probe", "victim is not a valid IP literal").
			WithTarget(victim, port)
	}

	for attempt := 0; attempt < idleMaxRetries; attempt++ {
		id1, err := e.sampleIPID()
		if err != nil {
			continue
		}
		if err := e.spoofSYN(dst, port); err != nil {
			return res, err
		}
		id2, err := e.sampleIPID()
		if err != nil {
			continue
		}

		delta := int(id2) - int(id1)
		res.Latency = time.Since(start)
		switch {
		case delta == idleOpenDelta:
			res.State = Open
			return res, nil
		case delta == idleClosedDelta:
			res.State = Closed
			return res, nil
		default:
			continue // unrelated zombie traffic; retry
		}
	}

	return res, errors.NewScanError(errors.CodeProtocol, "idle probe",
		"zombie IP-ID delta inconclusive after retries").WithTarget(victim, port)
}

// spoofSYN sends a SYN to the victim with the zombie's source address, so
// any resulting SYN/ACK or RST is delivered to the zombie, not the
// scanner.
func (e *IdleEngine) spoofSYN(victim net.IP, port uint16) error {
	seg, err := codec.MarshalTCP(codec.TCPHeader{
		SrcPort: e.SourcePort,
		DstPort: port,
		Seq:     1,
		Flags:   codec.FlagSYN,
	}, e.Zombie, victim, nil)
	if err != nil {
		return err
	}
	pkt, err := codec.MarshalIPv4(codec.IPv4Header{Protocol: 6, Src: e.Zombie, Dst: victim}, seg)
	if err != nil {
		return err
	}
	return e.raw.Send(victim, pkt)
}
