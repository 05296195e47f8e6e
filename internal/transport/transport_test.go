package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFDLimit(t *testing.T) {
	soft, hard, err := FDLimit()
	require.NoError(t, err)
	assert.Greater(t, soft, uint64(0))
	assert.GreaterOrEqual(t, hard, soft)
}

func TestDialTCPConnectsToLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := DialTCP(context.Background(), "127.0.0.1", uint16(port), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialTCPTimesOutOnFilteredHost(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1, reserved and never routed; dialing it
	// with a short timeout exercises the Filtered classification path.
	_, err := DialTCP(context.Background(), "192.0.2.1", 81, 50*time.Millisecond)
	require.Error(t, err)
}
