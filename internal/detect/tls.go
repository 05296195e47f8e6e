package detect

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	zx509 "github.com/zmap/zcrypto/x509"

	"github.com/anstrom/scanorama/internal/errors"
)

// LeafCertificate is the subset of the leaf certificate the spec requires
// the detector to expose: subject, issuer, SAN list, and validity window.
type LeafCertificate struct {
	Subject   string
	Issuer    string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

// HandshakeTLS dials address:port, performs a TLS handshake, and parses
// the leaf certificate with zcrypto's census-grade X.509 parser, which
// tolerates the malformed certificates real-world scanning regularly
// encounters where the standard library's strict parser would error.
func HandshakeTLS(ctx context.Context, address string, port uint16, timeout time.Duration) (*tls.Conn, *LeafCertificate, error) {
	dialer := &net.Dialer{Timeout: timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, portStr(port)))
	if err != nil {
		return nil, nil, errors.WrapScanError(errors.CodeTransientNetwork, "dial for TLS handshake", "connection failed", err).
			WithTarget(address, port)
	}

	conn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // scanning does not validate trust
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, nil, errors.WrapScanError(errors.CodeProtocol, "TLS handshake", "handshake failed", err).
			WithTarget(address, port)
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return conn, nil, nil
	}

	leaf, err := zx509.ParseCertificate(state.PeerCertificates[0].Raw)
	if err != nil {
		return conn, nil, nil // malformed cert is a soft failure, not fatal
	}

	return conn, &LeafCertificate{
		Subject:   leaf.Subject.String(),
		Issuer:    leaf.Issuer.String(),
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}, nil
}

func portStr(p uint16) string {
	return net.JoinHostPort("", itoa(p))[1:]
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	n := p
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
