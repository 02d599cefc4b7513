package wayfarer

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wayfarer/wayfarer/cache"
	"github.com/wayfarer/wayfarer/tofu"
)

// fakeServer is a minimal scripted Gemini server for exercising the
// request engine's status dispatch over a real TLS+TCP loopback
// connection, since the engine dials net.Conn directly rather than
// accepting an injected transport.
type fakeServer struct {
	listener net.Listener
	port     int

	mu     sync.Mutex
	hits   map[string]int
	handle func(path string) string // returns the raw response to write
}

func newFakeServer(t *testing.T, handle func(path string) string) *fakeServer {
	t.Helper()
	cert := generateServerCert(t)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	require.NoError(t, err)

	s := &fakeServer{listener: listener, hits: make(map[string]int), handle: handle}
	s.port = listener.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")

	path := line
	if idx := strings.Index(line, "://"); idx != -1 {
		rest := line[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			path = rest[slash:]
		}
	}

	s.mu.Lock()
	s.hits[path]++
	s.mu.Unlock()

	response := s.handle(path)
	conn.Write([]byte(response))
}

func (s *fakeServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func generateServerCert(t *testing.T) tls.Certificate {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
}

// stubPrompter answers every interactive decision deterministically for
// tests; fields let each test override just the behavior it exercises.
type stubPrompter struct {
	input        string
	inputOK      bool
	confirmRedir bool
	confirmCert  bool
	confirmCross bool
	confirmReact bool
	certDecision CertDecision
}

func (p *stubPrompter) PromptInput(meta string, sensitive bool) (string, bool) {
	return p.input, p.inputOK
}
func (p *stubPrompter) ConfirmCrossDomainCert(host string, transient bool) bool { return p.confirmCross }
func (p *stubPrompter) ConfirmReactivateIdentity(host, name string) bool       { return p.confirmReact }
func (p *stubPrompter) ConfirmRedirect(from, to *URL, crossHost, crossScheme bool) bool {
	return p.confirmRedir
}
func (p *stubPrompter) ConfirmNewFingerprint(host, fp string, most tofu.Record, expired bool) bool {
	return p.confirmCert
}
func (p *stubPrompter) ChallengeCertificate(host string, status int, message string) (CertDecision, error) {
	return p.certDecision, nil
}

func newTestEngine(t *testing.T, prompter Prompter) *Engine {
	t.Helper()
	store, err := tofu.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewEngine(store, cache.New(), prompter, EngineOptions{
		ConfigDir:   t.TempDir(),
		AutoFollow:  true,
		RenderWidth: 80,
		Timeout:     5 * time.Second,
	})
}

func loopbackURL(port int, path string) *URL {
	return &URL{Scheme: SchemeGemini, Host: "127.0.0.1", Port: port, Path: path}
}

func TestFetchSuccessRendersLinksAndUpdatesHistory(t *testing.T) {
	server := newFakeServer(t, func(path string) string {
		return "20 text/gemini\r\nHello\n=> gemini://a.example/next Next\n"
	})
	engine := newTestEngine(t, &stubPrompter{})
	sess := NewSession()

	result, err := engine.Fetch(context.Background(), sess, loopbackURL(server.port, "/"), FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, "text/gemini", result.MediaType)
	require.Len(t, result.Links, 1)
	require.Equal(t, "gemini://a.example/next", result.Links[0].URL)
	require.Equal(t, "Next", result.Links[0].Name)

	current, ok := sess.History.Current()
	require.True(t, ok)
	require.True(t, current.Equal(loopbackURL(server.port, "/")))
}

func TestFetchInputRestartsWithQuery(t *testing.T) {
	var gotQuery string
	server := newFakeServer(t, func(path string) string {
		if !strings.Contains(path, "?") {
			return "10 Search?\r\n"
		}
		gotQuery = path
		return "20 text/plain\r\nok"
	})
	engine := newTestEngine(t, &stubPrompter{input: "cats", inputOK: true})
	sess := NewSession()

	_, err := engine.Fetch(context.Background(), sess, loopbackURL(server.port, "/search"), FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, "/search?cats", gotQuery)
}

func TestFetchPermanentRedirectIsRecordedAndShortCircuits(t *testing.T) {
	server := newFakeServer(t, func(path string) string {
		switch path {
		case "/x":
			return "31 /y\r\n"
		case "/y":
			return "20 text/plain\r\nok"
		default:
			return "51 not found\r\n"
		}
	})
	engine := newTestEngine(t, &stubPrompter{confirmRedir: true})
	sess := NewSession()

	_, err := engine.Fetch(context.Background(), sess, loopbackURL(server.port, "/x"), FetchOptions{NoCache: true, NoHistory: true})
	require.NoError(t, err)
	require.Equal(t, 1, server.hitCount("/x"))
	require.Equal(t, 1, server.hitCount("/y"))

	dest, ok := sess.PermanentRedirects[loopbackURL(server.port, "/x").String()]
	require.True(t, ok)
	require.Equal(t, loopbackURL(server.port, "/y").String(), dest)

	_, err = engine.Fetch(context.Background(), sess, loopbackURL(server.port, "/x"), FetchOptions{NoCache: true, NoHistory: true})
	require.NoError(t, err)
	require.Equal(t, 1, server.hitCount("/x"), "second fetch should short-circuit without re-contacting /x")
	require.Equal(t, 2, server.hitCount("/y"))
}

func TestFetchRedirectLoopIsRejected(t *testing.T) {
	server := newFakeServer(t, func(path string) string {
		switch path {
		case "/a":
			return "30 /b\r\n"
		case "/b":
			return "30 /a\r\n"
		default:
			return "51 not found\r\n"
		}
	})
	engine := newTestEngine(t, &stubPrompter{confirmRedir: true})
	sess := NewSession()

	_, err := engine.Fetch(context.Background(), sess, loopbackURL(server.port, "/a"), FetchOptions{})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, KindRedirect, werr.Kind)

	_, ok := sess.History.Current()
	require.False(t, ok, "a failed request must not update history")
}

func TestFetchPermanentFailureReturnsServerFailure(t *testing.T) {
	server := newFakeServer(t, func(path string) string {
		return "51 not found\r\n"
	})
	engine := newTestEngine(t, &stubPrompter{})
	sess := NewSession()

	_, err := engine.Fetch(context.Background(), sess, loopbackURL(server.port, "/missing"), FetchOptions{})
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, KindServerFailure, werr.Kind)
}

func TestFetchUnsupportedSchemeFails(t *testing.T) {
	engine := newTestEngine(t, &stubPrompter{})
	sess := NewSession()

	u := &URL{Scheme: "https", Host: "example.org", Path: "/"}
	_, err := engine.Fetch(context.Background(), sess, u, FetchOptions{})
	require.Error(t, err)
}
