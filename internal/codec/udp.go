package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

const udpHeaderLen = 8

// UDPHeader is a decoded UDP datagram header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
}

// MarshalUDP serializes a UDP datagram and computes its checksum against
// the pseudo-header for the given address family.
func MarshalUDP(h UDPHeader, src, dst net.IP, payload []byte) ([]byte, error) {
	length := udpHeaderLen + len(payload)
	buf := make([]byte, length)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(length))
	copy(buf[udpHeaderLen:], payload)

	var pseudo []byte
	if dst.To4() != nil {
		pseudo = pseudoHeaderV4(src, dst, protocolUDP, length)
	} else {
		pseudo = pseudoHeaderV6(src, dst, protocolUDP, length)
	}
	sum := checksum(append(append([]byte{}, pseudo...), buf...))
	if sum == 0 {
		sum = 0xffff // a computed zero checksum means "no checksum"; avoid it
	}
	binary.BigEndian.PutUint16(buf[6:8], sum)
	return buf, nil
}

// ParseUDP decodes a UDP header and returns the payload slice.
func ParseUDP(dgram []byte) (UDPHeader, []byte, error) {
	if len(dgram) < udpHeaderLen {
		return UDPHeader{}, nil, fmt.Errorf("codec: short UDP datagram (%d bytes)", len(dgram))
	}
	h := UDPHeader{
		SrcPort: binary.BigEndian.Uint16(dgram[0:2]),
		DstPort: binary.BigEndian.Uint16(dgram[2:4]),
	}
	return h, dgram[udpHeaderLen:], nil
}
