package wayfarer

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Scheme constants recognized by the URL model. The request engine fetches
// gemini, and gopher through a configured proxy; file URLs, like any other
// scheme, parse successfully but are rejected by its pre-flight routing.
const (
	SchemeGemini = "gemini"
	SchemeGopher = "gopher"
	SchemeFile   = "file"
)

// defaultPorts maps a scheme to the port used when none is given explicitly.
var defaultPorts = map[string]int{
	SchemeGemini: 1965,
	SchemeGopher: 70,
}

// URL is a parsed, normalized reference to a Gemini (or gopher, or local
// file) resource.
type URL struct {
	Scheme string
	Host   string // hostname, brackets stripped; empty for local files
	Port   int    // resolved port; 0 for local files
	Path   string
	Query  string

	// Name is an optional display name carried alongside the URL, e.g.
	// from a "=> url name" link line. It plays no part in URL identity:
	// two URLs with different Name but otherwise equal fields are the
	// same resource.
	Name string
}

// ParseURL parses a raw URL string, defaulting a missing scheme to gemini
// and canonicalizing raw IPv6 literals.
func ParseURL(raw string) (*URL, error) {
	return parseURLWithBase(raw, nil)
}

// MustParseURL is ParseURL but panics on error; useful in tests and
// examples where the URL is a compile-time constant.
func MustParseURL(raw string) *URL {
	u, err := ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func parseURLWithBase(raw string, base *url.URL) (*URL, error) {
	if !strings.Contains(raw, "://") && base == nil {
		raw = SchemeGemini + "://" + raw
	}
	raw = canonicalizeIPv6(raw)

	var u *url.URL
	var err error
	if base != nil {
		ref, rerr := url.Parse(raw)
		if rerr != nil {
			return nil, newError(KindProtocol, rerr)
		}
		u = base.ResolveReference(ref)
	} else {
		u, err = url.Parse(raw)
		if err != nil {
			return nil, newError(KindProtocol, err)
		}
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = SchemeGemini
	}

	host := u.Hostname()
	if host != "" {
		if punycoded, perr := punycodeHostname(host); perr == nil {
			host = punycoded
		}
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, newErrorf(KindProtocol, "invalid port %q", p)
		}
	} else if def, ok := defaultPorts[scheme]; ok {
		port = def
	}

	path := u.Path
	if path == "" && host != "" {
		path = "/"
	}

	return &URL{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   path,
		Query:  u.RawQuery,
	}, nil
}

// canonicalizeIPv6 wraps a bare IPv6 authority in brackets: more than two
// colons anywhere in the raw string, and no brackets already present,
// means the authority is very likely a raw IPv6 literal.
func canonicalizeIPv6(raw string) string {
	if strings.Count(raw, ":") <= 2 {
		return raw
	}
	if strings.Contains(raw, "[") && strings.Contains(raw, "]") {
		return raw
	}

	scheme, rest, hasScheme := strings.Cut(raw, "://")
	if !hasScheme {
		scheme, rest = "", raw
	}

	authority, path, hasPath := strings.Cut(rest, "/")
	if strings.Contains(authority, "[") {
		return raw
	}
	authority = "[" + authority + "]"

	var b strings.Builder
	if hasScheme {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(authority)
	b.WriteByte('/')
	if hasPath {
		b.WriteString(path)
	}
	return b.String()
}

// punycodeHostname returns the ASCII (punycode) form of hostname, used so
// the wire request and the TOFU/trust-store key are always the same ASCII
// string regardless of how a human typed the host.
func punycodeHostname(hostname string) (string, error) {
	if net.ParseIP(hostname) != nil {
		return hostname, nil
	}
	if isASCII(hostname) {
		return hostname, nil
	}
	return idna.Lookup.ToASCII(hostname)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// IsRawIPv6 reports whether host looks like a raw (bracket-free) IPv6
// literal: it parses as an IP and contains a colon.
func IsRawIPv6(host string) bool {
	return strings.Contains(host, ":") && net.ParseIP(host) != nil
}

// hostport renders host, bracketing it if it is a raw IPv6 literal.
func (u *URL) hostport() string {
	host := u.Host
	if IsRawIPv6(host) {
		host = "[" + host + "]"
	}
	if def, ok := defaultPorts[u.Scheme]; !ok || u.Port != def {
		host += ":" + strconv.Itoa(u.Port)
	}
	return host
}

// String formats the URL, omitting the port when it equals the scheme
// default.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.hostport())
	if u.Path != "" {
		b.WriteString(u.Path)
	} else {
		b.WriteByte('/')
	}
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	return b.String()
}

// Equal reports whether u and other name the same resource, ignoring
// Name.
func (u *URL) Equal(other *URL) bool {
	if other == nil {
		return false
	}
	return u.Scheme == other.Scheme && u.Host == other.Host &&
		u.Port == other.Port && u.Path == other.Path && u.Query == other.Query
}

// Clone returns a deep copy of u.
func (u *URL) Clone() *URL {
	c := *u
	return &c
}

// Root derives the root ("/") of u.
func (u *URL) Root() *URL {
	c := u.Clone()
	c.Path = "/"
	c.Query = ""
	c.Name = ""
	return c
}

// Parent derives the parent of u: pop one path segment, never above "/".
// Splits the path on "/" after trimming a trailing slash; if only one
// segment remains, u is returned unchanged.
func (u *URL) Parent() *URL {
	trimmed := strings.TrimSuffix(u.Path, "/")
	segments := strings.Split(trimmed, "/")
	// A leading "/" always yields a leading empty segment, so a single
	// real segment (e.g. "/a") splits into ["", "a"]: len <= 2, not 1.
	if len(segments) <= 2 {
		return u.Clone()
	}
	segments = segments[:len(segments)-1]
	c := u.Clone()
	c.Path = strings.Join(segments, "/")
	if c.Path == "" {
		c.Path = "/"
	}
	c.Query = ""
	c.Name = ""
	return c
}

// WithQuery derives a copy of u with its query replaced by the
// percent-encoded form of q. The path is preserved.
func (u *URL) WithQuery(q string) *URL {
	c := u.Clone()
	c.Query = strings.ReplaceAll(url.QueryEscape(q), "+", "%20")
	c.Name = ""
	return c
}

// Absolutize resolves a relative reference against u, returning a new
// normalized URL.
func (u *URL) Absolutize(ref string) (*URL, error) {
	base, err := url.Parse(u.String())
	if err != nil {
		return nil, newError(KindProtocol, err)
	}
	resolved, err := parseURLWithBase(ref, base)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// LinkLine formats u as a text/gemini link line: "=> url name".
func (u *URL) LinkLine(name string) string {
	if name == "" {
		return "=> " + u.String()
	}
	return "=> " + u.String() + " " + name
}
