package detect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDatabase = `
Probe TCP GetRequest q|GET / HTTP/1.0\r\n\r\n|
match http m|^HTTP/1\.[01] \d\d\d.*Server: ([^\r\n]+)| p/HTTP/ $1
softmatch http m|^HTTP/| p/HTTP (unidentified)/
ports 80,8000-8010
rarity 1
totalwaitms 6000

Probe TCP NULL q||
match ssh m|^SSH-([\d.]+)-([\w._-]+)| p/SSH/ $2
ports 22
rarity 1
totalwaitms 5000

Probe TCP Rare q|PROBE|
match rare m|^RARE| p/RareService/
ports 9000-
rarity 8
totalwaitms 1000
`

func TestParsePortRangesOpenEnded(t *testing.T) {
	ranges, err := parsePortRanges("8000-")
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, PortRange{Start: 8000, End: MaxPort}, ranges[0])
}

func TestParsePortRangesMixed(t *testing.T) {
	ranges, err := parsePortRanges("22,80-82,9000-")
	require.NoError(t, err)
	require.Len(t, ranges, 3)
	assert.Equal(t, PortRange{22, 22}, ranges[0])
	assert.Equal(t, PortRange{80, 82}, ranges[1])
	assert.Equal(t, PortRange{9000, MaxPort}, ranges[2])
}

func TestParseDatabaseAndSelectOrdering(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)
	require.Len(t, db.Probes, 3)

	selected := db.Select(80, 9)
	require.NotEmpty(t, selected)
	assert.Equal(t, "GetRequest", selected[0].Name)
}

func TestSelectFallsBackToCommonOnlyWhenPortUnindexed(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	// Port 9000 is only covered by the high-rarity "Rare" probe and is
	// absent from the exact-port index otherwise, so with a low intensity
	// it should yield nothing rather than silently falling back.
	selected := db.Select(9000, 1)
	assert.Empty(t, selected)

	selected = db.Select(9000, 8)
	require.Len(t, selected, 1)
	assert.Equal(t, "Rare", selected[0].Name)
}

func TestSelectHonoursIntensityCap(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	selected := db.Select(9000, 5)
	assert.Empty(t, selected, "rarity 8 probe must not be admitted below intensity 8")
}

func TestMatchFirstPatternWins(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	probe := db.byPort[80][0]
	m, ok := Match(probe, []byte("HTTP/1.1 200 OK\r\nServer: nginx/1.18\r\n\r\n"))
	require.True(t, ok)
	assert.Equal(t, "http", m.Service)
	assert.Equal(t, "nginx/1.18", m.Version)
	assert.False(t, m.Soft)
}

func TestMatchSoftFailureFallsThrough(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	probe := db.byPort[80][0]
	m, ok := Match(probe, []byte("HTTP/1.0 204 No Content\r\n\r\n"))
	require.True(t, ok)
	assert.Equal(t, "http", m.Service)
	assert.True(t, m.Soft)
}

func TestMatchNoPatternMatches(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	probe := db.byPort[22][0]
	_, ok := Match(probe, []byte("not an ssh banner"))
	assert.False(t, ok)
}

func TestSerializeRoundTrip(t *testing.T) {
	db, err := ParseDatabase(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	reparsed, err := ParseDatabase(strings.NewReader(db.Serialize()))
	require.NoError(t, err)
	require.Len(t, reparsed.Probes, len(db.Probes))
	for i, p := range db.Probes {
		assert.Equal(t, p.Name, reparsed.Probes[i].Name)
		assert.Equal(t, p.Ports, reparsed.Probes[i].Ports)
		assert.Equal(t, p.Rarity, reparsed.Probes[i].Rarity)
	}
}

func TestBuiltinDatabaseParses(t *testing.T) {
	db, err := BuiltinDatabase()
	require.NoError(t, err)
	assert.NotEmpty(t, db.Probes)
	assert.NotEmpty(t, db.byPort[80])
	assert.NotEmpty(t, db.byPort[22])
}
