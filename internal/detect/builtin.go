package detect

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed builtin.sigs
var builtinSignatures string

// BuiltinDatabase parses the bundled probe set covering HTTP, HTTPS/TLS,
// SSH, FTP, SMTP, DNS, NTP and SNMP, so the detector works end to end
// without requiring an external probe-database file.
func BuiltinDatabase() (*Database, error) {
	db, err := ParseDatabase(strings.NewReader(builtinSignatures))
	if err != nil {
		return nil, fmt.Errorf("detect: parsing bundled probe database: %w", err)
	}
	return db, nil
}
