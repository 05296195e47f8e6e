package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanorama/internal/engine"
)

// State is the scheduler's lifecycle state. All transitions are forward
// only: Planning -> Running -> Draining -> Complete.
type State int

const (
	Planning State = iota
	Running
	Draining
	Complete
)

func (s State) String() string {
	switch s {
	case Planning:
		return "planning"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// RunStatus is the terminal outcome recorded against a run once Complete.
type RunStatus int

const (
	StatusSuccess RunStatus = iota
	StatusPartial           // some targets unreachable
	StatusCancelled
	StatusRuntimeError
)

func (s RunStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	case StatusCancelled:
		return "cancelled"
	case StatusRuntimeError:
		return "runtime_error"
	default:
		return "unknown"
	}
}

// ScanPlan is the scheduler's input: targets x ports x protocol, plus the
// knobs that shape pacing, concurrency, and timing.
type ScanPlan struct {
	Targets []string
	Ports   []uint16

	Engine engine.Engine
	Timing TimingProfile

	MaxConcurrency int // 0 = derive from adaptive cap table
	HostDelay      time.Duration
	RatePPS        float64 // 0 = use the timing profile's default rate (unlimited for T3-T5)

	DetectServices   bool
	DetectionIntensity int
}

// RunMetadata describes one scheduler invocation: identity, timestamps,
// and the parameters it ran with, recorded alongside results.
type RunMetadata struct {
	ID          uuid.UUID
	StartedAt   time.Time
	CompletedAt time.Time
	Status      RunStatus
	Plan        ScanPlan
}
