package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// IPAddr wraps net.IP to implement the PostgreSQL INET type.
type IPAddr struct {
	net.IP
}

// Scan implements sql.Scanner for PostgreSQL INET values.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case string:
		parsed := net.ParseIP(v)
		if parsed == nil {
			return fmt.Errorf("failed to parse IP address: %s", v)
		}
		ip.IP = parsed
		return nil
	case []byte:
		parsed := net.ParseIP(string(v))
		if parsed == nil {
			return fmt.Errorf("failed to parse IP address: %s", string(v))
		}
		ip.IP = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL INET values.
func (ip IPAddr) Value() (driver.Value, error) {
	if ip.IP == nil {
		return nil, nil
	}
	return ip.IP.String(), nil
}

func (ip IPAddr) String() string {
	if ip.IP == nil {
		return ""
	}
	return ip.IP.String()
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB columns, used here to
// store a ScanResult's optional service-identity and TLS material without
// a rigid column-per-field schema.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB values.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSONB(v)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB values.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = JSONB(data)
	return nil
}

// RunStatus is the lifecycle state of a ScanRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// ScanRun is the set of scan results sharing a single scheduler invocation.
// At most one is active per process; the CompletedAt timestamp is set only
// after the aggregator has fully drained.
type ScanRun struct {
	ID          uuid.UUID  `db:"id"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	Status      RunStatus  `db:"status"`
	Parameters  JSONB      `db:"parameters"`
}

// ScanResult is the terminal record for one probed (target, port) pair.
// SequenceNumber is assigned by the aggregator on receipt and is unique
// within the run; reading results in sequence order is a valid total order.
type ScanResult struct {
	ID             int64     `db:"id"`
	RunID          uuid.UUID `db:"run_id"`
	SequenceNumber int64     `db:"sequence_number"`
	Address        IPAddr    `db:"address"`
	Port           int       `db:"port"`
	Transport      string    `db:"transport"`
	State          string    `db:"state"`
	LatencyMicros  int64     `db:"latency_micros"`
	Banner         []byte    `db:"banner"`
	Service        JSONB     `db:"service"`
	TLSInfo        JSONB     `db:"tls_info"`
	ObservedAt     time.Time `db:"observed_at"`
}
