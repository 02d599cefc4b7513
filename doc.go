/*
Package wayfarer implements the Gemini protocol request engine: TLS
transport with trust-on-first-use certificate pinning, a recursive-turned-
iterative status state machine covering input prompts, redirects, and
client certificate challenges, and an in-memory response cache.

A minimal fetch looks like:

	store, err := tofu.Open("/home/user/.config/wayfarer")
	if err != nil {
		// handle error
	}
	defer store.Close()

	eng := wayfarer.NewEngine(store, cache.New(), prompter, wayfarer.EngineOptions{
		ConfigDir:  "/home/user/.config/wayfarer",
		AutoFollow: true,
	})

	sess := wayfarer.NewSession()
	res, err := eng.Fetch(context.Background(), sess, wayfarer.MustParseURL("gemini://example.com/"), wayfarer.FetchOptions{})
	if err != nil {
		// handle error
	}
	fmt.Println(res.MediaType, len(res.Body))

The engine never talks to a terminal directly; interactive decisions
(redirect confirmation, certificate trust, input prompts) are delegated to
a Prompter supplied by the caller, keeping the core usable from a REPL, a
test harness, or any other front end.

Document rendering (package gemtext), client certificate identities
(package certificate), trust pinning (package tofu), and the response
cache (package cache) are split into their own packages so each can be
exercised independently of the engine.
*/
package wayfarer
