package beaconmux

import (
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/httputil"
)

// AttachAdminRoutes attaches link debugging endpoints to the given HTTP mux
// served under /debug/. These routes are accessible only over localhost/via
// Tailscale and are not publicly accessible.
func (m *Mux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("beacon-links", "per-link ingest statistics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, m.Stats())
	})

	// Live tail of raw lines as Server-Sent Events, one event per accepted
	// line in wire format ("<beacon_id>|<payload>").
	debug.HandleSilentFunc("beacon-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}

		flusher, ok := httputil.SetupSSE(w)
		if !ok {
			return
		}

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		for {
			select {
			case ln, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s|%s\n\n", ln.BeaconID, ln.Payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
