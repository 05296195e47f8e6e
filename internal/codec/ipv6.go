package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	ipv6HeaderLen    = 40
	ipv6Version      = 6
	ipv6DefaultHops  = 64
)

// IPv6Header is the subset of RFC 8200 fields the engines need.
type IPv6Header struct {
	TrafficClass byte
	FlowLabel    uint32
	NextHeader   byte
	HopLimit     byte
	Src          net.IP
	Dst          net.IP
}

// MarshalIPv6 serializes header and payload into a complete IPv6 packet.
// IPv6 has no header checksum; upper-layer checksums cover a pseudo-header
// computed separately (MarshalTCP/MarshalUDP build it for IPv6 peers).
func MarshalIPv6(h IPv6Header, payload []byte) ([]byte, error) {
	src16 := h.Src.To16()
	dst16 := h.Dst.To16()
	if src16 == nil || dst16 == nil || h.Src.To4() != nil || h.Dst.To4() != nil {
		return nil, fmt.Errorf("codec: IPv6 header requires 16-byte addresses")
	}

	buf := make([]byte, ipv6HeaderLen+len(payload))
	word := uint32(ipv6Version)<<28 | uint32(h.TrafficClass)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(buf[0:4], word)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	buf[6] = h.NextHeader
	hopLimit := h.HopLimit
	if hopLimit == 0 {
		hopLimit = ipv6DefaultHops
	}
	buf[7] = hopLimit
	copy(buf[8:24], src16)
	copy(buf[24:40], dst16)
	copy(buf[ipv6HeaderLen:], payload)
	return buf, nil
}

// ParseIPv6 extracts the header and returns the payload slice.
func ParseIPv6(pkt []byte) (IPv6Header, []byte, error) {
	if len(pkt) < ipv6HeaderLen {
		return IPv6Header{}, nil, fmt.Errorf("codec: short IPv6 packet (%d bytes)", len(pkt))
	}
	word := binary.BigEndian.Uint32(pkt[0:4])
	h := IPv6Header{
		TrafficClass: byte(word >> 20),
		FlowLabel:    word & 0xfffff,
		NextHeader:   pkt[6],
		HopLimit:     pkt[7],
		Src:          net.IP(append([]byte(nil), pkt[8:24]...)),
		Dst:          net.IP(append([]byte(nil), pkt[24:40]...)),
	}
	payloadLen := int(binary.BigEndian.Uint16(pkt[4:6]))
	end := ipv6HeaderLen + payloadLen
	if end > len(pkt) {
		end = len(pkt)
	}
	return h, pkt[ipv6HeaderLen:end], nil
}
