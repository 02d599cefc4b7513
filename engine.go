package wayfarer

import (
	"bufio"
	"context"
	"crypto/x509"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wayfarer/wayfarer/cache"
	"github.com/wayfarer/wayfarer/certificate"
	"github.com/wayfarer/wayfarer/gemtext"
	"github.com/wayfarer/wayfarer/tofu"
)

// maxRedirects bounds the length of a single redirect chain.
const maxRedirects = 5

// CertChoice is the user's answer to a client-certificate challenge.
type CertChoice int

const (
	CertChoiceAbort CertChoice = iota
	CertChoiceNewTransient
	CertChoiceNewPersistent
	CertChoiceLoadStored
	CertChoiceLoadExternal
)

// CertDecision is the Prompter's response to ChallengeCertificate.
type CertDecision struct {
	Choice CertChoice
	// Name is the persistent identity name for NewPersistent or LoadStored.
	Name string
	// CertPath/KeyPath are used for LoadExternal.
	CertPath, KeyPath string
}

// Prompter abstracts every interactive decision the request engine needs
// to make, so the engine never talks to a terminal directly.
type Prompter interface {
	// PromptInput is called for a 1x response. For sensitive, input should
	// be collected without echo. ok is false if the user aborts the prompt.
	PromptInput(meta string, sensitive bool) (input string, ok bool)

	// ConfirmCrossDomainCert is called when an active identity has not yet
	// been shown to host. transient distinguishes the wording used for a
	// transient identity, which will be destroyed if the user proceeds.
	ConfirmCrossDomainCert(host string, transient bool) bool

	// ConfirmReactivateIdentity offers to reactivate the identity last
	// shown to host, when no identity is currently active.
	ConfirmReactivateIdentity(host, identityName string) bool

	// ConfirmRedirect is asked before following a redirect that is
	// cross-host, cross-scheme, or when auto-follow is disabled.
	ConfirmRedirect(from, to *URL, crossHost, crossScheme bool) bool

	// ConfirmNewFingerprint is asked when a host presents a certificate
	// fingerprint that does not match any pinned record.
	ConfirmNewFingerprint(host string, newFingerprint string, mostFrequent tofu.Record, priorExpired bool) bool

	// ChallengeCertificate is called for a 6x response. message is the
	// distinguished wording for status (expired/not-yet-valid, rejected,
	// or the generic request), as produced by certChallengeMessage.
	ChallengeCertificate(host string, status int, message string) (CertDecision, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	ConfigDir   string
	Family      AddressFamily
	CAMode      bool
	Timeout     time.Duration
	GopherProxy string // "" disables gopher routing
	Restricted  bool   // hard-fails 6x instead of prompting
	AutoFollow  bool   // follow same-host, same-scheme redirects silently
	RenderWidth int
	Logger      *slog.Logger
}

// Engine drives requests to completion. It is not safe for concurrent
// use by multiple goroutines; callers should serialize fetches on a
// given Session.
type Engine struct {
	Store    *tofu.Store
	Cache    *cache.Cache
	Prompter Prompter
	opts     EngineOptions
	log      *slog.Logger
}

// NewEngine constructs an Engine backed by store and cache.
func NewEngine(store *tofu.Store, c *cache.Cache, prompter Prompter, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Engine{Store: store, Cache: c, Prompter: prompter, opts: opts, log: logger}
}

// FetchOptions lets the caller opt out of caching, history updates, and
// render/handler dispatch.
type FetchOptions struct {
	NoCache    bool
	NoHistory  bool
	NoDispatch bool
}

// FetchResult is the terminal outcome of a successful Fetch.
type FetchResult struct {
	URL       *URL
	MediaType string
	Body      string // decoded text, populated for text/* media types
	Path      string // temp file holding the body (see persistBody) or the rendered page
	Links     []gemtext.LinkItem
}

// identityAbsolutizer adapts *URL to gemtext.Absolutizer.
type identityAbsolutizer struct{ base *URL }

func (a identityAbsolutizer) Absolutize(ref string) (string, string, error) {
	u, err := a.base.Absolutize(ref)
	if err != nil {
		return "", "", err
	}
	return u.String(), u.Scheme, nil
}

// Fetch drives target to a terminal outcome, following redirects, input
// prompts, and certificate challenges iteratively rather than recursively,
// since a chain of restarts has no fixed bound on length.
func (e *Engine) Fetch(ctx context.Context, sess *Session, target *URL, opts FetchOptions) (*FetchResult, error) {
	current := target
	chain := make(map[string]bool)
	prevWasRedirect := false

	for {
		if !prevWasRedirect {
			chain = make(map[string]bool)
		}

		if dest, ok := sess.PermanentRedirects[current.String()]; ok {
			if len(chain) >= maxRedirects {
				return nil, newErrorf(KindRedirect, "redirect chain exceeds %d hops", maxRedirects)
			}
			if chain[current.String()] {
				return nil, newErrorf(KindRedirect, "redirect loop detected")
			}
			resolved, err := current.Absolutize(dest)
			if err != nil {
				return nil, err
			}
			resolved.Name = current.Name
			chain[current.String()] = true
			current = resolved
			prevWasRedirect = true
			continue
		}

		if handled, result, err := e.routeByScheme(current); handled {
			return result, err
		}

		if err := e.enforceCertGuard(sess, current); err != nil {
			return nil, err
		}

		status, meta, bodyReader, conn, err := e.connectAndHeader(ctx, sess, current)
		if err != nil {
			return nil, err
		}

		switch class := statusClass(status); class {
		case 10:
			if conn != nil {
				conn.conn.Close()
			}
			sensitive := status == StatusSensitiveInput
			input, ok := e.Prompter.PromptInput(meta, sensitive)
			if !ok {
				return nil, newError(KindUserAbort, ErrUserAbort)
			}
			current = current.WithQuery(input)
			prevWasRedirect = false
			continue

		case 30:
			if conn != nil {
				conn.conn.Close()
			}
			next, err := e.prepareRedirect(current, meta, chain)
			if err != nil {
				return nil, err
			}
			if status == StatusPermanentRedirect {
				sess.PermanentRedirects[current.String()] = next.String()
			}
			current = next
			prevWasRedirect = true
			continue

		case 20:
			result, err := e.readBody(current, status, meta, bodyReader, conn, sess, opts)
			if err != nil {
				return nil, err
			}
			return result, nil

		case 40, 50:
			if conn != nil {
				conn.conn.Close()
			}
			return nil, newErrorf(KindServerFailure, "%s", meta)

		case 60:
			if conn != nil {
				conn.conn.Close()
			}
			if e.opts.Restricted {
				return nil, newErrorf(KindRestricted, "client certificate required but restricted mode is active")
			}
			next, err := e.handleCertChallenge(sess, current, status)
			if err != nil {
				return nil, err
			}
			current = next
			prevWasRedirect = false
			continue

		default:
			if conn != nil {
				conn.conn.Close()
			}
			return nil, newErrorf(KindProtocol, "undefined status %d", status)
		}
	}
}

// routeByScheme handles pre-flight cross-scheme routing. handled is true
// when the scheme short-circuits the fetch entirely (http/https/file/
// unsupported); result and err are only meaningful when handled is true.
func (e *Engine) routeByScheme(u *URL) (handled bool, result *FetchResult, err error) {
	switch u.Scheme {
	case SchemeGemini:
		return false, nil, nil
	case SchemeGopher:
		if e.opts.GopherProxy == "" {
			return true, nil, newErrorf(KindProtocol, "no gopher proxy configured")
		}
		return false, nil, nil
	case "http", "https":
		return true, nil, newErrorf(KindProtocol, "%s is delegated to the system browser", u.Scheme)
	default:
		return true, nil, newErrorf(KindProtocol, "no support for scheme %q", u.Scheme)
	}
}

// dialTarget returns the host and port connectAndHeader should actually
// dial. For gemini it is u's own host and port; for gopher it is the
// configured proxy, parsed as "host:port".
func (e *Engine) dialTarget(u *URL) (string, int, error) {
	if u.Scheme != SchemeGopher {
		return u.Host, u.Port, nil
	}
	host, portStr, err := net.SplitHostPort(e.opts.GopherProxy)
	if err != nil {
		return "", 0, newError(KindProtocol, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, newErrorf(KindProtocol, "invalid gopher proxy port %q", portStr)
	}
	return host, port, nil
}

// enforceCertGuard implements the client-cert domain guard and
// re-activation offer run before each connection attempt.
func (e *Engine) enforceCertGuard(sess *Session, u *URL) error {
	if sess.ActiveIdentity != nil {
		if sess.ActiveIdentity.ShownTo(u.Host) {
			return nil
		}
		if !e.Prompter.ConfirmCrossDomainCert(u.Host, sess.ActiveIdentity.Transient) {
			return newError(KindUserAbort, ErrUserAbort)
		}
		if err := sess.ActiveIdentity.Destroy(); err != nil {
			e.log.Warn("failed to destroy deactivated identity", "err", err)
		}
		sess.ActiveIdentity = nil
		return nil
	}

	if name, ok := sess.LastIdentityPerHost[u.Host]; ok {
		if e.Prompter.ConfirmReactivateIdentity(u.Host, name) {
			identity, err := certificate.LoadPersistent(e.opts.ConfigDir, name)
			if err != nil {
				return newError(KindCert, err)
			}
			identity.MarkShownTo(u.Host)
			sess.ActiveIdentity = identity
		} else {
			delete(sess.LastIdentityPerHost, u.Host)
		}
	}
	return nil
}

// connectAndHeader opens the TLS transport, validates trust, sends the
// request, and reads the response header.
func (e *Engine) connectAndHeader(ctx context.Context, sess *Session, u *URL) (status int, meta string, body *bufReader, c *connection, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	dialHost, dialPort, err := e.dialTarget(u)
	if err != nil {
		return 0, "", nil, nil, err
	}

	transportOpts := TransportOptions{
		Family:   e.opts.Family,
		Identity: sess.ActiveIdentity,
		CAMode:   e.opts.CAMode,
	}
	conn, err := connect(dialCtx, dialHost, dialPort, transportOpts)
	if err != nil {
		e.bumpRecorder(sess, err)
		return 0, "", nil, nil, err
	}

	if !e.opts.CAMode {
		records, err := verifyTrust(ctx, e.Store, dialHost, conn)
		if err != nil {
			conn.conn.Close()
			return 0, "", nil, nil, err
		}
		if len(records) == 0 {
			if err := pinCertificate(ctx, e.Store, dialHost, conn); err != nil {
				conn.conn.Close()
				return 0, "", nil, nil, err
			}
		} else if !tofu.Match(records, conn.fingerprint) {
			most, _ := tofu.MostFrequent(records)
			priorExpired := e.priorCertExpired(most.Fingerprint)
			if !e.Prompter.ConfirmNewFingerprint(dialHost, conn.fingerprint, most, priorExpired) {
				conn.conn.Close()
				return 0, "", nil, nil, newErrorf(KindCert, "new certificate fingerprint for %s rejected", dialHost)
			}
			if err := pinCertificate(ctx, e.Store, dialHost, conn); err != nil {
				conn.conn.Close()
				return 0, "", nil, nil, err
			}
		} else {
			if err := pinCertificate(ctx, e.Store, dialHost, conn); err != nil {
				conn.conn.Close()
				return 0, "", nil, nil, err
			}
		}
	}

	if sess.ActiveIdentity != nil {
		sess.ActiveIdentity.MarkShownTo(dialHost)
		if sess.ActiveIdentity.Name != "" {
			sess.LastIdentityPerHost[dialHost] = sess.ActiveIdentity.Name
		}
	}

	writer := bufio.NewWriter(conn.conn)
	if err := writeRequest(writer, u); err != nil {
		conn.conn.Close()
		return 0, "", nil, nil, err
	}

	reader := &bufReader{r: bufio.NewReader(conn.conn)}
	hdr, err := readHeader(reader.r)
	if err != nil {
		conn.conn.Close()
		return 0, "", nil, nil, err
	}
	return hdr.Status, hdr.Meta, reader, conn, nil
}

func (e *Engine) priorCertExpired(fingerprint string) bool {
	der, err := e.Store.LoadCertificate(fingerprint)
	if err != nil {
		return false
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return false
	}
	return time.Now().After(cert.NotAfter)
}

func (e *Engine) bumpRecorder(sess *Session, err error) {
	var werr *Error
	if as, ok := err.(*Error); ok {
		werr = as
	}
	if werr == nil {
		return
	}
	switch werr.Kind {
	case KindResolution:
		sess.Recorder.DNSFailures++
	case KindConnect:
		msg := werr.Error()
		if strings.Contains(msg, "refused") {
			sess.Recorder.ConnectionsRefused++
		} else if strings.Contains(msg, "reset") {
			sess.Recorder.ConnectionsReset++
		} else if strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout") {
			sess.Recorder.Timeouts++
		}
	}
}

// prepareRedirect implements the redirect rules shared by 30 and 31 and
// adds current to chain. Recording a 31 into PermanentRedirects is left to
// the caller, which does so after this returns successfully.
func (e *Engine) prepareRedirect(current *URL, meta string, chain map[string]bool) (*URL, error) {
	if len(chain) >= maxRedirects {
		return nil, newErrorf(KindRedirect, "redirect chain exceeds %d hops", maxRedirects)
	}

	dest, err := current.Absolutize(meta)
	if err != nil {
		return nil, newError(KindRedirect, err)
	}
	if dest.Equal(current) {
		return nil, newErrorf(KindRedirect, "redirect to self")
	}
	if chain[dest.String()] {
		return nil, newErrorf(KindRedirect, "redirect loop detected")
	}

	crossHost := dest.Host != current.Host
	crossScheme := dest.Scheme != current.Scheme
	if crossHost || crossScheme || !e.opts.AutoFollow {
		if !e.Prompter.ConfirmRedirect(current, dest, crossHost, crossScheme) {
			return nil, newError(KindUserAbort, ErrUserAbort)
		}
	}

	chain[current.String()] = true
	return dest, nil
}

// handleCertChallenge implements the client-certificate challenge flow
// for status class 6x.
func (e *Engine) handleCertChallenge(sess *Session, current *URL, status int) (*URL, error) {
	message := certChallengeMessage(status, current.Host)
	decision, err := e.Prompter.ChallengeCertificate(current.Host, status, message)
	if err != nil {
		return nil, newError(KindUserAbort, err)
	}

	var identity *certificate.Identity
	switch decision.Choice {
	case CertChoiceAbort:
		return nil, newError(KindUserAbort, ErrUserAbort)
	case CertChoiceNewTransient:
		identity, err = certificate.GenerateTransient(e.opts.ConfigDir)
	case CertChoiceNewPersistent:
		identity, err = certificate.GeneratePersistent(e.opts.ConfigDir, decision.Name)
	case CertChoiceLoadStored:
		identity, err = certificate.LoadPersistent(e.opts.ConfigDir, decision.Name)
	case CertChoiceLoadExternal:
		identity, err = certificate.LoadExternal(decision.CertPath, decision.KeyPath)
	default:
		return nil, newErrorf(KindProtocol, "unrecognized certificate choice")
	}
	if err != nil {
		return nil, newError(KindCert, err)
	}

	identity.MarkShownTo(current.Host)
	sess.ActiveIdentity = identity
	if identity.Name != "" {
		sess.LastIdentityPerHost[current.Host] = identity.Name
	}
	return current, nil
}

// readBody implements the body phase, post-fetch, and render-and-dispatch
// steps for a 2x response.
func (e *Engine) readBody(u *URL, status int, meta string, reader *bufReader, conn *connection, sess *Session, opts FetchOptions) (*FetchResult, error) {
	defer conn.conn.Close()

	mediaType, params, err := parseContentType(meta)
	if err != nil {
		return nil, err
	}

	raw, err := readAll(reader.r)
	if err != nil {
		return nil, err
	}

	isText := strings.HasPrefix(mediaType, "text/")
	var decoded string
	if isText {
		decoded, err = decodeBody(raw, params["charset"])
		if err != nil {
			return nil, err
		}
	}

	path, err := e.persistBody(raw, decoded, isText)
	if err != nil {
		return nil, err
	}

	e.log.Info("fetched resource", "url", u.String(), "status", status, "media_type", mediaType)

	if !opts.NoCache {
		e.Cache.Put(u.String(), mediaType, path)
	}
	if !opts.NoHistory {
		sess.History.Visit(u)
	}

	result := &FetchResult{URL: u, MediaType: mediaType, Body: decoded, Path: path}

	if opts.NoDispatch {
		sess.MostRecent = result
		return result, nil
	}

	if mediaType == "text/gemini" {
		page := gemtext.Render(decoded, e.opts.RenderWidth, identityAbsolutizer{base: u})
		renderedPath, err := e.persistRendered(page.Text)
		if err != nil {
			return nil, err
		}
		result.Path = renderedPath
		result.Links = page.Links
	}

	sess.MostRecent = result
	return result, nil
}

// persistBody writes the body to a new temp file: the raw bytes for
// non-text media types, and for text/* the decoded text, written as UTF-8
// rather than in the declared charset.
func (e *Engine) persistBody(raw []byte, decoded string, isText bool) (string, error) {
	f, err := os.CreateTemp("", "wayfarer-body-*")
	if err != nil {
		return "", newError(KindConnect, err)
	}
	defer f.Close()

	if isText {
		if _, err := f.WriteString(decoded); err != nil {
			return "", newError(KindConnect, err)
		}
	} else {
		if _, err := f.Write(raw); err != nil {
			return "", newError(KindConnect, err)
		}
	}
	return f.Name(), nil
}

func (e *Engine) persistRendered(text string) (string, error) {
	f, err := os.CreateTemp("", "wayfarer-index-*")
	if err != nil {
		return "", newError(KindConnect, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return "", newError(KindConnect, err)
	}
	return f.Name(), nil
}
