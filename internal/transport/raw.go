// Package transport provides the privilege-aware raw-packet transport: a
// single raw send socket per address family, an ICMP listener feeding the
// backoff observer, and the fallback to OS connect-level sockets when raw capability is
// unavailable. Per the resource model, there is exactly one raw send
// socket per address family per process, guarded by a mutex.
package transport

import (
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/anstrom/scanorama/internal/errors"
)

// RawSocket is a process-wide raw IP socket for one address family. Sends
// are serialized by mu because some platforms require it for IP_HDRINCL
// sockets; reads happen through a separate listener (see icmp_listener.go
// and the engine-specific raw receive paths).
type RawSocket struct {
	mu     sync.Mutex
	fd     int
	family int
}

var (
	v4Once   sync.Once
	v4Socket *RawSocket
	v4Err    error

	v6Once   sync.Once
	v6Socket *RawSocket
	v6Err    error
)

// OpenRawIPv4 returns the process-wide raw IPv4 send socket, creating it on
// first use. IP_HDRINCL is set so callers supply a complete IP header.
func OpenRawIPv4() (*RawSocket, error) {
	v4Once.Do(func() {
		fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_RAW, syscall.IPPROTO_RAW)
		if err != nil {
			v4Err = errors.ErrPermission("open raw IPv4 socket").WithHint(err.Error())
			return
		}
		if setErr := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); setErr != nil {
			_ = syscall.Close(fd)
			v4Err = errors.ErrPermission("set IP_HDRINCL").WithHint(setErr.Error())
			return
		}
		v4Socket = &RawSocket{fd: fd, family: syscall.AF_INET}
	})
	return v4Socket, v4Err
}

// OpenRawIPv6 returns the process-wide raw IPv6 send socket.
func OpenRawIPv6() (*RawSocket, error) {
	v6Once.Do(func() {
		fd, err := syscall.Socket(syscall.AF_INET6, syscall.SOCK_RAW, syscall.IPPROTO_RAW)
		if err != nil {
			v6Err = errors.ErrPermission("open raw IPv6 socket").WithHint(err.Error())
			return
		}
		v6Socket = &RawSocket{fd: fd, family: syscall.AF_INET6}
	})
	return v6Socket, v6Err
}

// Send transmits a fully-formed IP packet (header already encoded by
// internal/codec) to dst.
func (r *RawSocket) Send(dst net.IP, packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.family == syscall.AF_INET {
		var addr syscall.SockaddrInet4
		copy(addr.Addr[:], dst.To4())
		return syscall.Sendto(r.fd, packet, 0, &addr)
	}

	var addr syscall.SockaddrInet6
	copy(addr.Addr[:], dst.To16())
	return syscall.Sendto(r.fd, packet, 0, &addr)
}

// Close releases the underlying file descriptor. Only ever called at
// process shutdown in practice; tests may exercise it directly.
func (r *RawSocket) Close() error {
	return syscall.Close(r.fd)
}

// RawReceiver reads raw IP packets of a single upper-layer protocol (TCP
// or ICMP) arriving for this host. One receive loop per address family
// owns decoding, per the resource model.
type RawReceiver struct {
	fd int
}

// OpenRawTCPReceiver opens a raw socket that receives every inbound IPv4
// TCP segment (with the IP header prepended), used by the SYN engine to
// observe SYN/ACK and RST replies without a connected socket.
func OpenRawTCPReceiver() (*RawReceiver, error) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_RAW, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, errors.ErrPermission("open raw TCP receiver").WithHint(err.Error())
	}
	return &RawReceiver{fd: fd}, nil
}

// SetReadTimeout bounds how long ReadPacket blocks.
func (r *RawReceiver) SetReadTimeout(d time.Duration) error {
	tv := syscall.NsecToTimeval(d.Nanoseconds())
	return syscall.SetsockoptTimeval(r.fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)
}

// ReadPacket reads one IP packet (header included) into buf, returning the
// number of bytes read.
func (r *RawReceiver) ReadPacket(buf []byte) (int, error) {
	n, _, err := syscall.Recvfrom(r.fd, buf, 0)
	return n, err
}

// Close releases the receiver's file descriptor.
func (r *RawReceiver) Close() error {
	return syscall.Close(r.fd)
}

// HasRawCapability probes whether the process can open a raw IPv4 socket,
// without leaving it open. NewSYNEngine and NewIdleEngine call it when
// the engine is built, and fail rather than silently fall back to connect
// scanning.
func HasRawCapability() bool {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_RAW, syscall.IPPROTO_RAW)
	if err != nil {
		return false
	}
	_ = syscall.Close(fd)
	return true
}
