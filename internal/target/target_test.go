package target

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "github.com/anstrom/scanorama/internal/errors"
)

func TestParsePortListParsesSinglesRangesAndLists(t *testing.T) {
	ports, err := ParsePortList("22,80-82,443")
	require.NoError(t, err)
	assert.Equal(t, []uint16{22, 80, 81, 82, 443}, ports)
}

func TestParsePortListDeduplicatesAndSorts(t *testing.T) {
	ports, err := ParsePortList("443, 80, 80-82, 22")
	require.NoError(t, err)
	assert.Equal(t, []uint16{22, 80, 81, 82, 443}, ports)
}

func TestParsePortListRejectsZeroAndOverflow(t *testing.T) {
	_, err := ParsePortList("0")
	require.Error(t, err)

	_, err = ParsePortList("65536")
	require.Error(t, err)
}

func TestParsePortListAcceptsMaxPort(t *testing.T) {
	ports, err := ParsePortList("65535")
	require.NoError(t, err)
	assert.Equal(t, []uint16{65535}, ports)
}

func TestParsePortListRejectsEmpty(t *testing.T) {
	_, err := ParsePortList("")
	require.Error(t, err)
}

func TestParsePortListRejectsInvertedRange(t *testing.T) {
	_, err := ParsePortList("100-50")
	require.Error(t, err)
}

func TestExpandSingleAddress(t *testing.T) {
	targets, err := Expand(context.Background(), nil, []string{"127.0.0.1"}, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "127.0.0.1", targets[0].Address.String())
	assert.Empty(t, targets[0].Hostname)
}

func TestExpandCIDRSlash32IsSingleAddress(t *testing.T) {
	targets, err := Expand(context.Background(), nil, []string{"192.0.2.5/32"}, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "192.0.2.5", targets[0].Address.String())
}

func TestExpandCIDRSlash128IsSingleAddress(t *testing.T) {
	targets, err := Expand(context.Background(), nil, []string{"2001:db8::1/128"}, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "2001:db8::1", targets[0].Address.String())
}

func TestExpandCIDREnumeratesAddresses(t *testing.T) {
	targets, err := Expand(context.Background(), nil, []string{"192.0.2.0/30"}, false)
	require.NoError(t, err)
	require.Len(t, targets, 4)
	addrs := make([]string, len(targets))
	for i, tg := range targets {
		addrs[i] = tg.Address.String()
	}
	assert.Equal(t, []string{"192.0.2.0", "192.0.2.1", "192.0.2.2", "192.0.2.3"}, addrs)
}

func TestExpandRejectsZeroPrefixUnlessConfirmed(t *testing.T) {
	_, err := Expand(context.Background(), nil, []string{"0.0.0.0/0"}, false)
	require.Error(t, err)

	var scanErr *scanerrors.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, scanerrors.CodeConfiguration, scanErr.Code)
	assert.True(t, scanErr.Fatal())
}

func TestExpandRejectsOversizedNetwork(t *testing.T) {
	_, err := Expand(context.Background(), nil, []string{"10.0.0.0/1"}, true)
	require.Error(t, err)
}

func TestExpandRejectsInvalidCIDR(t *testing.T) {
	_, err := Expand(context.Background(), nil, []string{"not-a-cidr/abc"}, false)
	require.Error(t, err)
}

func TestExpandDeduplicatesAcrossLiterals(t *testing.T) {
	targets, err := Expand(context.Background(), nil, []string{"192.0.2.1", "192.0.2.0/30"}, false)
	require.NoError(t, err)
	// 192.0.2.1 is named twice (once literally, once inside the /30); it
	// must appear only once in the expanded set.
	count := 0
	for _, tg := range targets {
		if tg.Address.String() == "192.0.2.1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, targets, 4)
}

type fakeResolver struct {
	addrs []net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return f.addrs, f.err
}

func TestExpandHostnameResolvesExactlyOnce(t *testing.T) {
	resolver := &fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("203.0.113.5")}}}
	targets, err := Expand(context.Background(), resolver, []string{"scanme.example"}, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "scanme.example", targets[0].Hostname)
	assert.Equal(t, "203.0.113.5", targets[0].Address.String())
}

func TestExpandHostnameResolutionFailureIsResolutionError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("no such host")}
	_, err := Expand(context.Background(), resolver, []string{"nope.invalid"}, false)
	require.Error(t, err)

	var scanErr *scanerrors.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, scanerrors.CodeResolution, scanErr.Code)
	assert.False(t, scanErr.Fatal())
}

func TestExpandSkipsBlankLiterals(t *testing.T) {
	targets, err := Expand(context.Background(), nil, []string{"", "  ", "127.0.0.1"}, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
}
