// Package codec implements pure serialization and deserialization of the
// packet headers the probe engines need: IPv4, IPv6, TCP, UDP, and
// ICMP/ICMPv6, including checksum computation. Ethernet (link-layer)
// framing is not handled here. Nothing in this package touches a socket;
// it only turns headers into bytes and back.
package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	ipv4HeaderLen   = 20
	ipv4Version     = 4
	ipv4DefaultTTL  = 64
	ipv4IHLWords    = ipv4HeaderLen / 4
	protocolICMP    = 1
	protocolTCP     = 6
	protocolUDP     = 17
	protocolICMPv6  = 58
)

// IPv4Header is the subset of RFC 791 fields the engines need to set or
// inspect. Options are never emitted.
type IPv4Header struct {
	TOS      byte
	ID       uint16
	Flags    uint8 // top 3 bits of the flags+fragment field
	TTL      byte
	Protocol byte
	Src      net.IP
	Dst      net.IP
}

// MarshalIPv4 serializes header followed by payload into a complete IPv4
// packet, computing the header checksum.
func MarshalIPv4(h IPv4Header, payload []byte) ([]byte, error) {
	src4 := h.Src.To4()
	dst4 := h.Dst.To4()
	if src4 == nil || dst4 == nil {
		return nil, fmt.Errorf("codec: IPv4 header requires 4-byte addresses")
	}

	total := ipv4HeaderLen + len(payload)
	buf := make([]byte, total)

	buf[0] = (ipv4Version << 4) | ipv4IHLWords
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Flags)<<13)
	ttl := h.TTL
	if ttl == 0 {
		ttl = ipv4DefaultTTL
	}
	buf[8] = ttl
	buf[9] = h.Protocol
	copy(buf[12:16], src4)
	copy(buf[16:20], dst4)

	binary.BigEndian.PutUint16(buf[10:12], checksum(buf[:ipv4HeaderLen]))
	copy(buf[ipv4HeaderLen:], payload)
	return buf, nil
}

// ParseIPv4 extracts the header and returns the payload slice (which
// aliases the input).
func ParseIPv4(pkt []byte) (IPv4Header, []byte, error) {
	if len(pkt) < ipv4HeaderLen {
		return IPv4Header{}, nil, fmt.Errorf("codec: short IPv4 packet (%d bytes)", len(pkt))
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(pkt) < ihl {
		return IPv4Header{}, nil, fmt.Errorf("codec: invalid IPv4 IHL")
	}

	h := IPv4Header{
		TOS:      pkt[1],
		ID:       binary.BigEndian.Uint16(pkt[4:6]),
		Flags:    uint8(binary.BigEndian.Uint16(pkt[6:8]) >> 13),
		TTL:      pkt[8],
		Protocol: pkt[9],
		Src:      net.IPv4(pkt[12], pkt[13], pkt[14], pkt[15]),
		Dst:      net.IPv4(pkt[16], pkt[17], pkt[18], pkt[19]),
	}
	return h, pkt[ihl:], nil
}

// checksum computes the one's-complement-of-one's-complement-sum checksum
// (RFC 1071) used by IPv4 headers, ICMP, and, with a pseudo-header prefix,
// TCP/UDP.
func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderV4 builds the IPv4 pseudo-header used by TCP/UDP checksums.
func pseudoHeaderV4(src, dst net.IP, protocol byte, length int) []byte {
	buf := make([]byte, 12)
	copy(buf[0:4], src.To4())
	copy(buf[4:8], dst.To4())
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], uint16(length))
	return buf
}

// pseudoHeaderV6 builds the IPv6 pseudo-header (RFC 8200 §8.1).
func pseudoHeaderV6(src, dst net.IP, nextHeader byte, length int) []byte {
	buf := make([]byte, 40)
	copy(buf[0:16], src.To16())
	copy(buf[16:32], dst.To16())
	binary.BigEndian.PutUint32(buf[32:36], uint32(length))
	buf[39] = nextHeader
	return buf
}
