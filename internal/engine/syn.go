package engine

import (
	"context"
	"hash/fnv"
	"net"
	"time"

	"github.com/anstrom/scanorama/internal/codec"
	"github.com/anstrom/scanorama/internal/errors"
	"github.com/anstrom/scanorama/internal/transport"
)

// SYNEngine crafts stateless raw SYN packets and correlates replies by
// encoding a hash of (destination, port) into the low bits of the
// transmitted sequence number, avoiding per-probe in-process state.
type SYNEngine struct {
	SourceIP   net.IP
	SourcePort uint16
	Timeout    time.Duration

	raw      *transport.RawSocket
	receiver *transport.RawReceiver
}

// NewSYNEngine constructs a SYN engine bound to the given local address
// and source port base. It refuses to compose (returns a Permission
// error) when the process lacks raw-socket capability — the scheduler
// must never silently fall back to connect scanning.
func NewSYNEngine(sourceIP net.IP, sourcePort uint16, timeout time.Duration) (*SYNEngine, error) {
	if !transport.HasRawCapability() {
		return nil, errors.ErrPermission("compose SYN scan")
	}

	raw, err := transport.OpenRawIPv4()
	if err != nil {
		return nil, err
	}
	recv, err := transport.OpenRawTCPReceiver()
	if err != nil {
		return nil, err
	}
	return &SYNEngine{SourceIP: sourceIP, SourcePort: sourcePort, Timeout: timeout, raw: raw, receiver: recv}, nil
}

func (e *SYNEngine) RequiresRawSocket() bool { return true }
func (e *SYNEngine) Transport() Transport    { return TCP }

// correlationSeq derives a 32-bit sequence number that is an FNV-1a hash
// of (dst, port), so out-of-band replies can be discarded
// without keeping per-probe state.
func correlationSeq(dst net.IP, port uint16) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(dst.To4())
	_, _ = h.Write([]byte{byte(port >> 8), byte(port)})
	return h.Sum32()
}

// Probe sends one SYN and classifies the reply per §4.4: SYN/ACK -> Open
// (with an RST sent to abort the half-open connection), RST/ACK ->
// Closed, timeout -> Filtered, ICMP unreachable -> Filtered.
func (e *SYNEngine) Probe(ctx context.Context, address string, port uint16) (Result, error) {
	start := time.Now()
	res := Result{Address: address, Port: port, Transport: TCP}

	dst := net.ParseIP(address)
	if dst == nil || dst.To4() == nil {
		return res, errors.NewScanError(errors.CodeConfiguration, "syn probe", "address is not a valid IPv4 literal").
			WithTarget(address, port)
	}

	seq := correlationSeq(dst, port)
	seg, err := codec.MarshalTCP(codec.TCPHeader{
		SrcPort: e.SourcePort,
		DstPort: port,
		Seq:     seq,
		Flags:   codec.FlagSYN,
	}, e.SourceIP, dst, nil)
	if err != nil {
		return res, err
	}

	ipHdr := codec.IPv4Header{ID: uint16(seq), Protocol: 6, Src: e.SourceIP, Dst: dst}
	pkt, err := codec.MarshalIPv4(ipHdr, seg)
	if err != nil {
		return res, err
	}

	if err := e.raw.Send(dst, pkt); err != nil {
		return res, errors.WrapScanError(errors.CodeTransientNetwork, "send SYN", "raw send failed", err).
			WithTarget(address, port)
	}

	state, icmpCode, banner := e.awaitReply(dst, port, seq)
	res.Latency = time.Since(start)
	res.State = state
	res.ICMPCode = icmpCode
	res.Banner = banner

	if state == Open {
		e.sendRST(dst, port, seq)
	}
	return res, nil
}

func (e *SYNEngine) awaitReply(dst net.IP, port uint16, seq uint32) (PortState, int, []byte) {
	_ = e.receiver.SetReadTimeout(e.Timeout)
	deadline := time.Now().Add(e.Timeout)
	buf := make([]byte, 1500)

	for time.Now().Before(deadline) {
		n, err := e.receiver.ReadPacket(buf)
		if err != nil {
			break
		}

		ipHdr, payload, err := codec.ParseIPv4(buf[:n])
		if err != nil || !ipHdr.Src.Equal(dst) {
			continue
		}

		tcpHdr, _, err := codec.ParseTCP(payload)
		if err != nil || tcpHdr.SrcPort != port || tcpHdr.DstPort != e.SourcePort {
			continue
		}
		if tcpHdr.Ack != seq+1 {
			continue // out-of-band reply, discard cheaply via correlation
		}

		if tcpHdr.HasFlag(codec.FlagSYN | codec.FlagACK) {
			return Open, -1, nil
		}
		if tcpHdr.HasFlag(codec.FlagRST) {
			return Closed, -1, nil
		}
	}

	return Filtered, -1, nil
}

func (e *SYNEngine) sendRST(dst net.IP, port uint16, seq uint32) {
	seg, err := codec.MarshalTCP(codec.TCPHeader{
		SrcPort: e.SourcePort,
		DstPort: port,
		Seq:     seq + 1,
		Flags:   codec.FlagRST,
	}, e.SourceIP, dst, nil)
	if err != nil {
		return
	}
	ipHdr := codec.IPv4Header{Protocol: 6, Src: e.SourceIP, Dst: dst}
	pkt, err := codec.MarshalIPv4(ipHdr, seg)
	if err != nil {
		return
	}
	_ = e.raw.Send(dst, pkt)
}

// ClassifyICMP maps an ICMPv4 Destination Unreachable code observed for
// this target onto Filtered, per §4.4's fixed code list.
func ClassifyICMP(msg codec.ICMPMessage) (PortState, bool) {
	if msg.Type != codec.ICMPv4TypeDestUnreachable {
		return Unknown, false
	}
	if codec.UnreachableCodesIPv4[msg.Code] {
		return Filtered, true
	}
	return Unknown, false
}
