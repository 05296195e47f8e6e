package scheduler

import (
	"context"
	"log"

	"github.com/anstrom/scanorama/internal/codec"
	"github.com/anstrom/scanorama/internal/pacer"
	"github.com/anstrom/scanorama/internal/transport"
)

// watchICMP starts the process-wide ICMP receive loop and feeds
// administratively-prohibited observations into the pacer's backoff layer
// and the concurrency limiter (§4.2.3). It is best-effort: a process
// without ICMP socket access (no CAP_NET_RAW, non-root) simply runs
// without this signal.
func watchICMP(ctx context.Context, p *pacer.Pacer, climiter *concurrencyLimiter) {
	if p == nil || p.Backoff == nil {
		return
	}

	listener, err := transport.NewICMPListener()
	if err != nil {
		log.Printf("scheduler: ICMP backoff signal disabled: %v", err)
		return
	}

	obs := listener.Subscribe(ctx)
	listener.Run(ctx)

	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case o, ok := <-obs:
				if !ok {
					return
				}
				if !isRateLimitSignal(o) || o.From == nil {
					continue
				}
				p.Backoff.Observe(o.From.String())
				climiter.Throttle()
			}
		}
	}()
}

// isRateLimitSignal reports whether obs carries one of the "administratively
// prohibited" unreachable codes the spec treats as evidence the target or an
// intermediate device is rate-limiting us, as opposed to a routing-level
// unreachable that carries no such implication.
func isRateLimitSignal(o transport.ICMPObservation) bool {
	switch o.Family {
	case 1: // ICMPv4
		if o.Message.Type != codec.ICMPv4TypeDestUnreachable {
			return false
		}
		switch o.Message.Code {
		case codec.ICMPv4CodeNetProhibited, codec.ICMPv4CodeHostProhibited, codec.ICMPv4CodeCommAdminProhibited:
			return true
		}
		return false
	case 58: // ICMPv6
		return o.Message.Type == codec.ICMPv6TypeDestUnreachable && o.Message.Code == codec.ICMPv6CodeAdminProhibited
	default:
		return false
	}
}
