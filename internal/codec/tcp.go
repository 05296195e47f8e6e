package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	tcpHeaderLen   = 20
	tcpDataOffset  = tcpHeaderLen / 4
	tcpDefaultWindow = 64240

	// TCP control flags (low byte of the flags field).
	FlagFIN = 1 << 0
	FlagSYN = 1 << 1
	FlagRST = 1 << 2
	FlagPSH = 1 << 3
	FlagACK = 1 << 4
	FlagURG = 1 << 5
)

// TCPHeader is a fully-decoded TCP segment header (no options).
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

// MarshalTCP serializes a TCP segment and computes its checksum against
// the IPv4 or IPv6 pseudo-header built from the supplied addresses.
func MarshalTCP(h TCPHeader, src, dst net.IP, payload []byte) ([]byte, error) {
	window := h.Window
	if window == 0 {
		window = tcpDefaultWindow
	}
	segLen := tcpHeaderLen + len(payload)
	buf := make([]byte, segLen)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = byte(tcpDataOffset << 4)
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], window)
	copy(buf[tcpHeaderLen:], payload)

	var pseudo []byte
	if dst.To4() != nil {
		pseudo = pseudoHeaderV4(src, dst, protocolTCP, segLen)
	} else {
		pseudo = pseudoHeaderV6(src, dst, protocolTCP, segLen)
	}
	sum := checksum(append(append([]byte{}, pseudo...), buf...))
	binary.BigEndian.PutUint16(buf[16:18], sum)
	return buf, nil
}

// ParseTCP decodes a TCP header (options, if present, are skipped using the
// data-offset field) and returns the payload slice.
func ParseTCP(seg []byte) (TCPHeader, []byte, error) {
	if len(seg) < tcpHeaderLen {
		return TCPHeader{}, nil, fmt.Errorf("codec: short TCP segment (%d bytes)", len(seg))
	}
	dataOffset := int(seg[12]>>4) * 4
	if dataOffset < tcpHeaderLen || dataOffset > len(seg) {
		return TCPHeader{}, nil, fmt.Errorf("codec: invalid TCP data offset")
	}
	h := TCPHeader{
		SrcPort: binary.BigEndian.Uint16(seg[0:2]),
		DstPort: binary.BigEndian.Uint16(seg[2:4]),
		Seq:     binary.BigEndian.Uint32(seg[4:8]),
		Ack:     binary.BigEndian.Uint32(seg[8:12]),
		Flags:   seg[13],
		Window:  binary.BigEndian.Uint16(seg[14:16]),
	}
	return h, seg[dataOffset:], nil
}

// HasFlag reports whether all bits of mask are set in the header's flags.
func (h TCPHeader) HasFlag(mask uint8) bool {
	return h.Flags&mask == mask
}
