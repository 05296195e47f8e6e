package engine

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	scanerrors "github.com/anstrom/scanorama/internal/errors"
	"github.com/anstrom/scanorama/internal/transport"
)

// ConnectEngine probes via the OS connect primitive. It requires no raw
// packet privileges and is the scheduler's default.
type ConnectEngine struct {
	Timeout time.Duration
}

// NewConnectEngine builds a connect-scan engine with the given per-attempt
// timeout.
func NewConnectEngine(timeout time.Duration) *ConnectEngine {
	return &ConnectEngine{Timeout: timeout}
}

func (e *ConnectEngine) RequiresRawSocket() bool { return false }
func (e *ConnectEngine) Transport() Transport    { return TCP }

// Probe attempts a TCP handshake. The socket is released on every
// termination path via the deferred Close, satisfying the scoped-
// acquisition invariant regardless of which branch returns.
func (e *ConnectEngine) Probe(ctx context.Context, address string, port uint16) (Result, error) {
	start := time.Now()
	res := Result{Address: address, Port: port, Transport: TCP}

	conn, err := transport.DialTCP(ctx, address, port, e.Timeout)
	res.Latency = time.Since(start)
	if err == nil {
		defer conn.Close()
		res.State = Open
		return res, nil
	}

	res.State, res.ICMPCode = classifyConnectError(err)
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		res.Err = scanerrors.NewScanError(scanerrors.CodePermanentNetwork, "connect probe",
			"host or network unreachable").WithTarget(address, port)
	}
	return res, nil
}

// classifyConnectError maps a dial failure onto the fixed TCP-connect
// classification: RST/refused -> Closed, timeout -> Filtered,
// host/network unreachable -> Filtered. ICMPCode is -1 on every path (not
// an ICMP signal); Probe tells an unreachable host apart from a timeout by
// attaching a PermanentNetwork error to the result.
func classifyConnectError(err error) (PortState, int) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Filtered, -1
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return Closed, -1
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return Filtered, -1
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return Filtered, -1
	}

	// Default to Filtered: an unclassified connect failure on a port we
	// otherwise know nothing about is safer to report as filtered than
	// to silently misclassify as closed.
	return Filtered, -1
}
