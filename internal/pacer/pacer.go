package pacer

import (
	"context"
	"time"

	"github.com/anstrom/scanorama/internal/metrics"
)

// Pacer composes the three layers in the order the spec fixes:
// acquire(global) -> acquire(hostgroup) -> check(icmp_backoff).
type Pacer struct {
	Global    *GlobalLimiter
	Hostgroup *HostgroupLimiter
	Backoff   *BackoffObserver
}

// New constructs a Pacer from its three layers. Any of them may be nil to
// disable that layer entirely.
func New(global *GlobalLimiter, hostgroup *HostgroupLimiter, backoff *BackoffObserver) *Pacer {
	return &Pacer{Global: global, Hostgroup: hostgroup, Backoff: backoff}
}

// AcquireTarget reserves a hostgroup permit for an entire target's port
// scan. The caller must call ReleaseTarget exactly once when done.
func (p *Pacer) AcquireTarget(ctx context.Context) error {
	if p.Hostgroup == nil {
		return nil
	}
	if err := p.Hostgroup.Acquire(ctx); err != nil {
		return err
	}
	metrics.GetGlobalMetrics().SetHostgroupOccupancy(p.Hostgroup.Occupied())
	return nil
}

// ReleaseTarget returns the hostgroup permit acquired by AcquireTarget.
func (p *Pacer) ReleaseTarget() {
	if p.Hostgroup != nil {
		p.Hostgroup.Release()
		metrics.GetGlobalMetrics().SetHostgroupOccupancy(p.Hostgroup.Occupied())
	}
}

// AcquireProbe admits a single probe: the global token bucket, then an
// ICMP-backoff check for target. When the target's backoff deadline is
// too far out to sleep through inline, deferred reports true and
// deferUntil carries the deadline; the caller should re-enqueue the probe
// rather than block the whole fan-out on it.
func (p *Pacer) AcquireProbe(ctx context.Context, target string) (deferred bool, deferUntil time.Time, err error) {
	m := metrics.GetGlobalMetrics()
	if p.Global != nil {
		if err := p.Global.Acquire(ctx); err != nil {
			return false, time.Time{}, err
		}
		m.IncrementProbesAdmitted("global")
	}
	if p.Backoff != nil {
		_, until := p.Backoff.Wait(target)
		if !until.IsZero() {
			m.IncrementProbesDeferred("icmp_backoff")
			return true, until, nil
		}
	}
	m.IncrementProbesAdmitted("backoff")
	return false, time.Time{}, nil
}
