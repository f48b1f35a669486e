package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/presence.report/internal/httputil"
)

// streamEvents handles GET /api/events/stream - gated position events as
// Server-Sent Events, one JSON object per event. A consumer too slow for
// its subscription channel misses events rather than stalling ingest.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	flusher, ok := httputil.SetupSSE(w)
	if !ok {
		return
	}

	id, events := s.engine.SubscribeEvents()
	defer s.engine.UnsubscribeEvents(id)

	for {
		select {
		case est, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(est)
			if err != nil {
				logf("failed to marshal position event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
