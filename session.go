package wayfarer

import "github.com/wayfarer/wayfarer/certificate"

// FlightRecorder tallies connection-level failures across a session, for
// the REPL's "stats" command.
type FlightRecorder struct {
	DNSFailures        int
	Timeouts           int
	ConnectionsRefused int
	ConnectionsReset   int
}

// HistoryEntry is one visited resource.
type HistoryEntry struct {
	URL *URL
}

// History is a stack of visited resources with a movable cursor: visiting
// a new URL truncates any forward entries and appends; repeat-visits to
// the current entry are ignored.
type History struct {
	entries []HistoryEntry
	cursor  int
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{cursor: -1}
}

// Visit records a new visit to u.
func (h *History) Visit(u *URL) {
	if h.cursor >= 0 && h.cursor < len(h.entries) && h.entries[h.cursor].URL.Equal(u) {
		return
	}
	h.entries = append(h.entries[:h.cursor+1], HistoryEntry{URL: u})
	h.cursor = len(h.entries) - 1
}

// Current returns the entry the cursor is on, if any.
func (h *History) Current() (*URL, bool) {
	if h.cursor < 0 || h.cursor >= len(h.entries) {
		return nil, false
	}
	return h.entries[h.cursor].URL, true
}

// Back moves the cursor one entry back and returns the new current URL.
func (h *History) Back() (*URL, bool) {
	if h.cursor <= 0 {
		return nil, false
	}
	h.cursor--
	return h.Current()
}

// Forward moves the cursor one entry ahead and returns the new current URL.
func (h *History) Forward() (*URL, bool) {
	if h.cursor < 0 || h.cursor >= len(h.entries)-1 {
		return nil, false
	}
	h.cursor++
	return h.Current()
}

// Session holds the state that persists across fetches within one
// interactive run: the active client identity, redirect bookkeeping, and
// navigation history.
type Session struct {
	// ActiveIdentity is the client certificate currently presented on
	// connect, or nil.
	ActiveIdentity *certificate.Identity

	// LastIdentityPerHost remembers, for re-activation prompts, the last
	// persistent identity name shown to each host. Owned by the session,
	// not by any identity: a given identity is referenced by both the
	// active-identity slot and this map, never owned by both.
	LastIdentityPerHost map[string]string

	// PermanentRedirects maps a source URL string to the destination URL
	// string recorded from a 31 response.
	PermanentRedirects map[string]string

	// History is the session's navigation stack.
	History *History

	// Recorder tallies connection failures for the REPL's stats display.
	Recorder FlightRecorder

	// MostRecent is the last successfully fetched resource, kept alive
	// until superseded or session shutdown.
	MostRecent *FetchResult
}

// NewSession returns an empty session ready for use.
func NewSession() *Session {
	return &Session{
		LastIdentityPerHost: make(map[string]string),
		PermanentRedirects:  make(map[string]string),
		History:             NewHistory(),
	}
}
