package wayfarer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/wayfarer/wayfarer/certificate"
	"github.com/wayfarer/wayfarer/tofu"
)

// bufReader carries the buffered reader established while reading a
// response header into the subsequent body-read step, so the same
// bufio.Reader (and whatever it has already buffered past the header
// line) is reused rather than dropped.
type bufReader struct {
	r *bufio.Reader
}

// AddressFamily constrains which address families dialAddresses will try.
type AddressFamily int

const (
	// AddressFamilyAny tries IPv6 addresses before IPv4 addresses so
	// dual-stack hosts are reached over the faster path when both are
	// viable.
	AddressFamilyAny AddressFamily = iota
	AddressFamilyIPv4Only
	AddressFamilyIPv6Only
)

// dialTimeout bounds a single TCP connect attempt to a single resolved
// address. No read or write deadline is set on the established connection.
const dialTimeout = 10 * time.Second

// connection is the outcome of a successful TLS handshake: the underlying
// net.Conn, the certificate presented by the peer, and its fingerprint.
type connection struct {
	conn        *tls.Conn
	peerCert    *x509.Certificate
	fingerprint string
	address     string // the resolved IP the client actually connected to
}

// resolveAddresses resolves host to a list of IP literals ordered per
// family, preferring IPv6 addresses first when family allows both.
func resolveAddresses(ctx context.Context, resolver *net.Resolver, host string, family AddressFamily) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}

	ipAddrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, newError(KindResolution, err)
	}

	var v6, v4 []string
	for _, addr := range ipAddrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			v4 = append(v4, ip4.String())
		} else {
			v6 = append(v6, addr.IP.String())
		}
	}

	switch family {
	case AddressFamilyIPv4Only:
		if len(v4) == 0 {
			return nil, newErrorf(KindResolution, "no IPv4 address for %s", host)
		}
		return v4, nil
	case AddressFamilyIPv6Only:
		if len(v6) == 0 {
			return nil, newErrorf(KindResolution, "no IPv6 address for %s", host)
		}
		return v6, nil
	default:
		all := append(append([]string{}, v6...), v4...)
		if len(all) == 0 {
			return nil, newErrorf(KindResolution, "no address for %s", host)
		}
		return all, nil
	}
}

// TransportOptions configures how connect establishes a TLS connection.
type TransportOptions struct {
	// Resolver is used to look up addresses; defaults to net.DefaultResolver.
	Resolver *net.Resolver

	// Family constrains which address family is tried.
	Family AddressFamily

	// Identity, if non-nil, is presented as a client certificate.
	Identity *certificate.Identity

	// CAMode disables trust-on-first-use pinning in favor of ordinary
	// CA-signed certificate verification.
	CAMode bool
}

// connect resolves host, tries each address in order until one accepts a
// TLS handshake, and returns the established connection. In TOFU mode
// (the default) the server certificate is accepted unconditionally at the
// TLS layer; pinning validation against the tofu.Store happens afterward,
// since a first-contact certificate is by definition not yet known.
func connect(ctx context.Context, host string, port int, opts TransportOptions) (*connection, error) {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	addrs, err := resolveAddresses(ctx, resolver, host, opts.Family)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// ECDHE with AES-GCM or ChaCha20-Poly1305 only, strongest first.
		// This list governs TLS 1.2; crypto/tls fixes the TLS 1.3 suites.
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		InsecureSkipVerify: !opts.CAMode,
		ServerName:         host,
	}
	if opts.Identity != nil {
		cert, err := opts.Identity.TLSCertificate()
		if err != nil {
			return nil, newError(KindCert, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var lastErr error
	dialer := &net.Dialer{Timeout: dialTimeout}
	for _, addr := range addrs {
		target := net.JoinHostPort(addr, fmt.Sprintf("%d", port))
		rawConn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}

		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			lastErr = err
			continue
		}

		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			tlsConn.Close()
			lastErr = newErrorf(KindTLS, "server presented no certificate")
			continue
		}
		peerCert := state.PeerCertificates[0]
		sum := sha256.Sum256(peerCert.Raw)
		fingerprint := fmt.Sprintf("%x", sum)

		return &connection{
			conn:        tlsConn,
			peerCert:    peerCert,
			fingerprint: fingerprint,
			address:     addr,
		}, nil
	}

	if lastErr == nil {
		lastErr = newErrorf(KindConnect, "no addresses to try for %s", host)
	}
	return nil, classifyDialError(lastErr)
}

// classifyDialError wraps a raw net/tls error as a KindConnect *Error and
// passes an existing *Error through unchanged. DNS failures are classified
// earlier, by resolveAddresses; the session flight recorder tells timeouts,
// refusals, and resets apart by the error message.
func classifyDialError(err error) error {
	if werr, ok := err.(*Error); ok {
		return werr
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return newError(KindConnect, err)
	}
	if opErr, ok := err.(*net.OpError); ok {
		if opErr.Op == "dial" {
			return newError(KindConnect, err)
		}
	}
	return newError(KindConnect, err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// verifyTrust checks the connection's peer certificate against the TOFU
// store in store, after validating the certificate's not-before/not-after
// window.
//
// Returns the matching record set (possibly empty on first contact) so the
// caller can decide whether to prompt the user before pinning.
func verifyTrust(ctx context.Context, store *tofu.Store, host string, c *connection) ([]tofu.Record, error) {
	now := time.Now()
	if now.Before(c.peerCert.NotBefore) {
		return nil, newError(KindCert, fmt.Errorf("certificate for %s is not yet valid", host))
	}
	if now.After(c.peerCert.NotAfter) {
		return nil, newError(KindCert, fmt.Errorf("certificate for %s has expired", host))
	}
	if err := c.peerCert.VerifyHostname(host); err != nil {
		return nil, newError(KindCert, fmt.Errorf("certificate for %s does not match host: %w", host, err))
	}
	records, err := store.Lookup(ctx, host, c.address)
	if err != nil {
		return nil, newError(KindCert, err)
	}
	return records, nil
}

// pinCertificate records c's certificate as trusted for host.
func pinCertificate(ctx context.Context, store *tofu.Store, host string, c *connection) error {
	if err := store.Record(ctx, host, c.address, c.fingerprint, c.peerCert.Raw, time.Now()); err != nil {
		return newError(KindCert, err)
	}
	return nil
}
