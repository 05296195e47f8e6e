package codec

import (
	"encoding/binary"
	"fmt"
)

// ICMPv4 type/code values the engines classify against (RFC 792).
const (
	ICMPv4TypeEchoReply       = 0
	ICMPv4TypeDestUnreachable = 3
	ICMPv4TypeEchoRequest     = 8

	ICMPv4CodeNetUnreachable      = 0
	ICMPv4CodeHostUnreachable     = 1
	ICMPv4CodeProtocolUnreachable = 2
	ICMPv4CodePortUnreachable     = 3
	ICMPv4CodeSourceRouteFailed   = 5
	ICMPv4CodeNetProhibited       = 9
	ICMPv4CodeHostProhibited      = 10
	ICMPv4CodeCommAdminProhibited = 13
)

// ICMPv6 type/code values (RFC 4443).
const (
	ICMPv6TypeDestUnreachable = 1
	ICMPv6TypeEchoRequest     = 128
	ICMPv6TypeEchoReply       = 129

	ICMPv6CodeNoRoute          = 0
	ICMPv6CodeAdminProhibited  = 1
	ICMPv6CodeAddrUnreachable  = 3
	ICMPv6CodePortUnreachable  = 4
)

// UnreachableCodesIPv4 are the codes the SYN/UDP engines classify as
// Filtered rather than Closed (destination administratively unreachable,
// as opposed to the "port unreachable" that UDP treats as Closed).
var UnreachableCodesIPv4 = map[byte]bool{
	ICMPv4CodeNetUnreachable:      true,
	ICMPv4CodeHostUnreachable:     true,
	ICMPv4CodeProtocolUnreachable: true,
	ICMPv4CodeSourceRouteFailed:   true,
	ICMPv4CodeNetProhibited:       true,
	ICMPv4CodeHostProhibited:      true,
	ICMPv4CodeCommAdminProhibited: true,
}

const icmpHeaderLen = 8

// ICMPMessage is a decoded ICMP/ICMPv6 header plus its body, which for
// Destination Unreachable messages is the leading bytes of the original
// offending packet (used for correlation back to the probing port).
type ICMPMessage struct {
	Type     byte
	Code     byte
	Body     []byte
}

// MarshalICMPv4 serializes an ICMPv4 message, computing its checksum.
func MarshalICMPv4(typ, code byte, id, seq uint16, body []byte) []byte {
	buf := make([]byte, icmpHeaderLen+len(body))
	buf[0] = typ
	buf[1] = code
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	copy(buf[icmpHeaderLen:], body)
	binary.BigEndian.PutUint16(buf[2:4], checksum(buf))
	return buf
}

// ParseICMPv4 decodes an ICMPv4 message.
func ParseICMPv4(pkt []byte) (ICMPMessage, error) {
	if len(pkt) < icmpHeaderLen {
		return ICMPMessage{}, fmt.Errorf("codec: short ICMPv4 message (%d bytes)", len(pkt))
	}
	return ICMPMessage{Type: pkt[0], Code: pkt[1], Body: pkt[icmpHeaderLen:]}, nil
}

// ParseICMPv6 decodes an ICMPv6 message. The checksum is not verified here
// because it depends on the enclosing IPv6 pseudo-header, which the caller
// already has from ParseIPv6.
func ParseICMPv6(pkt []byte) (ICMPMessage, error) {
	if len(pkt) < icmpHeaderLen {
		return ICMPMessage{}, fmt.Errorf("codec: short ICMPv6 message (%d bytes)", len(pkt))
	}
	return ICMPMessage{Type: pkt[0], Code: pkt[1], Body: pkt[icmpHeaderLen:]}, nil
}

// EmbeddedTCPPort extracts the original destination port from the
// offending-packet body carried in an ICMP Destination Unreachable message
// for a TCP probe (IP header + first 8 bytes of the quoted TCP header).
func EmbeddedTCPPort(body []byte) (uint16, bool) {
	if len(body) < ipv4HeaderLen+4 {
		return 0, false
	}
	ihl := int(body[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(body) < ihl+4 {
		return 0, false
	}
	return binary.BigEndian.Uint16(body[ihl+2 : ihl+4]), true
}
