package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DialTCP opens a plain OS-level TCP connection, used by the connect
// engine, which requires no raw-packet privilege. Callers own the
// returned connection and must close it on every termination path.
func DialTCP(ctx context.Context, address string, port uint16, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(int(port))))
}

// DialUDP opens a connected UDP socket, used by the UDP engine to send a
// probe and read a reply without needing raw capability.
func DialUDP(ctx context.Context, address string, port uint16, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "udp", net.JoinHostPort(address, strconv.Itoa(int(port))))
}
