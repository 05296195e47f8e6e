package transport

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/anstrom/scanorama/internal/codec"
)

// ICMPObservation is a single inbound ICMP/ICMPv6 message delivered to
// subscribers; the scheduler's backoff watcher (§4.2.3) is the only one.
type ICMPObservation struct {
	From    net.IP
	Message codec.ICMPMessage
	Family  int // IANA protocol number: 1 (ICMPv4) or 58 (ICMPv6)
}

// ICMPListener owns the single receive loop per address family that the
// resource model requires. Observations are fanned out to subscribers via
// a broadcast channel; slow subscribers do not block fast ones because
// each gets its own buffered channel.
type ICMPListener struct {
	conn4 *icmp.PacketConn
	conn6 *icmp.PacketConn

	mu   chan struct{} // binary semaphore guarding subs
	subs []chan ICMPObservation
}

// NewICMPListener opens ICMP and ICMPv6 listening sockets. A non-root
// process may still receive ICMP via the "udp" network variants on some
// platforms; callers needing guaranteed delivery should pair this with raw
// capability.
func NewICMPListener() (*ICMPListener, error) {
	l := &ICMPListener{mu: make(chan struct{}, 1)}
	l.mu <- struct{}{}

	conn4, err4 := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err4 == nil {
		l.conn4 = conn4
	}
	conn6, err6 := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err6 == nil {
		l.conn6 = conn6
	}
	if l.conn4 == nil && l.conn6 == nil {
		return nil, err4
	}
	return l, nil
}

// Subscribe returns a channel that receives ICMP observations until ctx is
// canceled. An observation that arrives while the channel's 64-entry
// buffer is full is dropped for that subscriber.
func (l *ICMPListener) Subscribe(ctx context.Context) <-chan ICMPObservation {
	ch := make(chan ICMPObservation, 64)
	<-l.mu
	l.subs = append(l.subs, ch)
	l.mu <- struct{}{}

	go func() {
		<-ctx.Done()
		<-l.mu
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		l.mu <- struct{}{}
		close(ch)
	}()
	return ch
}

// Run drives both receive loops until ctx is canceled. The scheduler
// starts exactly one of these per process.
func (l *ICMPListener) Run(ctx context.Context) {
	if l.conn4 != nil {
		go l.loop(ctx, l.conn4, ipv4.ICMPTypeDestinationUnreachable.Protocol())
	}
	if l.conn6 != nil {
		go l.loop(ctx, l.conn6, ipv6.ICMPTypeDestinationUnreachable.Protocol())
	}
}

func (l *ICMPListener) loop(ctx context.Context, conn *icmp.PacketConn, proto int) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		msg, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}

		var addr net.IP
		if udpAddr, ok := peer.(*net.UDPAddr); ok {
			addr = udpAddr.IP
		} else if ipAddr, ok := peer.(*net.IPAddr); ok {
			addr = ipAddr.IP
		}

		var typ byte
		switch t := msg.Type.(type) {
		case ipv4.ICMPType:
			typ = byte(t)
		case ipv6.ICMPType:
			typ = byte(t)
		}

		obs := ICMPObservation{
			From:   addr,
			Family: proto,
			Message: codec.ICMPMessage{
				Type: typ,
				Code: byte(msg.Code),
			},
		}
		l.broadcast(obs)
	}
}

func (l *ICMPListener) broadcast(obs ICMPObservation) {
	<-l.mu
	subs := append([]chan ICMPObservation(nil), l.subs...)
	l.mu <- struct{}{}

	for _, s := range subs {
		select {
		case s <- obs:
		default:
		}
	}
}

// Close releases both underlying connections.
func (l *ICMPListener) Close() error {
	if l.conn4 != nil {
		_ = l.conn4.Close()
	}
	if l.conn6 != nil {
		_ = l.conn6.Close()
	}
	return nil
}
