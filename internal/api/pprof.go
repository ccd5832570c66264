package api

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gorilla/mux"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof registers the runtime profiles behind guard. The named
// profiles (heap, goroutine, block...) are served by the index handler.
func mountPprof(r *mux.Router, guard func(http.Handler) http.Handler) {
	h := func(fn http.HandlerFunc) http.Handler { return guard(fn) }
	r.Handle("/cmdline", h(hpprof.Cmdline))
	r.Handle("/profile", h(hpprof.Profile))
	r.Handle("/symbol", h(hpprof.Symbol))
	r.Handle("/trace", h(hpprof.Trace))
	r.PathPrefix("/").Handler(h(pprofIndex))
}

// pprofIndex serves /debug/pprof/ and /debug/pprof/<name>. hpprof.Index
// expects the canonical prefix, which is what mountPprof uses.
func pprofIndex(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, pprofPrefix) {
		http.Redirect(w, r, pprofPrefix, http.StatusPermanentRedirect)
		return
	}
	hpprof.Index(w, r)
}
