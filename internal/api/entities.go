package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/registry"
	"github.com/banshee-data/presence.report/internal/units"
)

func invalidUnits(w http.ResponseWriter, r *http.Request) {
	httputil.BadRequest(w, fmt.Sprintf("invalid units %q (valid: %s)",
		r.URL.Query().Get("units"), units.GetValidUnitsString()))
}

// listEntities handles GET /api/entities - status of every tracked entity
func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	targetUnits, ok := s.displayUnits(r)
	if !ok {
		invalidUnits(w, r)
		return
	}

	statuses := s.engine.StatusAll()
	for i := range statuses {
		statuses[i] = convertStatus(statuses[i], targetUnits)
	}
	httputil.WriteJSONOK(w, statuses)
}

// handleEntityByID dispatches /api/entities/{id}[/position|/trail|/debug]
func (s *Server) handleEntityByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/entities/"), "/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		httputil.BadRequest(w, "missing entity id")
		return
	}
	entityID := pathParts[0]
	sub := ""
	if len(pathParts) > 1 {
		sub = pathParts[1]
	}

	switch sub {
	case "":
		s.showEntityStatus(w, r, entityID)
	case "position":
		s.showEntityPosition(w, r, entityID)
	case "trail":
		s.showEntityTrail(w, r, entityID)
	case "debug":
		s.showEntityDebug(w, r, entityID)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown entity resource %q", sub))
	}
}

func (s *Server) showEntityStatus(w http.ResponseWriter, r *http.Request, entityID string) {
	targetUnits, ok := s.displayUnits(r)
	if !ok {
		invalidUnits(w, r)
		return
	}

	status, err := s.engine.Status(entityID)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("unknown entity %q", entityID))
		return
	}
	httputil.WriteJSONOK(w, convertStatus(status, targetUnits))
}

// positionResponse is the wire form of a position answer. Coordinates are
// in the declared units; accuracy is the solver's unitless 0-100 score, and
// per-beacon distances keep their meter suffix and stay unconverted.
type positionResponse struct {
	EntityID string                     `json:"entity_id"`
	X        float64                    `json:"x"`
	Y        float64                    `json:"y"`
	Accuracy float64                    `json:"accuracy"`
	Units    string                     `json:"units"`
	Forced   bool                       `json:"forced,omitempty"`
	Beacons  []engine.BeaconObservation `json:"beacons,omitempty"`
	At       time.Time                  `json:"at"`
}

// showEntityPosition handles GET /api/entities/{id}/position. The default
// answer is the last gated position; ?force=1 solves on demand from the
// current distances without touching gating state.
func (s *Server) showEntityPosition(w http.ResponseWriter, r *http.Request, entityID string) {
	targetUnits, ok := s.displayUnits(r)
	if !ok {
		invalidUnits(w, r)
		return
	}

	if r.URL.Query().Get("force") == "1" {
		est, err := s.engine.ForcePosition(entityID)
		if errors.Is(err, engine.ErrUnknownEntity) {
			httputil.NotFound(w, fmt.Sprintf("unknown entity %q", entityID))
			return
		}
		if err != nil {
			// The entity exists but no position is solvable right now
			// (too few beacons, or degenerate geometry).
			httputil.WriteJSONError(w, http.StatusConflict, fmt.Sprintf("cannot solve position: %v", err))
			return
		}
		httputil.WriteJSONOK(w, estimateResponse(*est, targetUnits))
		return
	}

	status, err := s.engine.Status(entityID)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("unknown entity %q", entityID))
		return
	}
	if status.LastPosition == nil {
		httputil.NotFound(w, fmt.Sprintf("no position for entity %q yet", entityID))
		return
	}
	httputil.WriteJSONOK(w, positionResponse{
		EntityID: entityID,
		X:        units.ConvertDistance(status.LastPosition.X, targetUnits),
		Y:        units.ConvertDistance(status.LastPosition.Y, targetUnits),
		Accuracy: status.LastAccuracy,
		Units:    targetUnits,
		At:       status.LastUpdated,
	})
}

// showEntityTrail handles GET /api/entities/{id}/trail. The default source
// is the engine's bounded in-memory history; ?source=db reads the
// persisted position_events instead (newest first, ?limit= capped).
func (s *Server) showEntityTrail(w http.ResponseWriter, r *http.Request, entityID string) {
	targetUnits, ok := s.displayUnits(r)
	if !ok {
		invalidUnits(w, r)
		return
	}

	if r.URL.Query().Get("source") == "db" {
		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			parsed, err := strconv.Atoi(l)
			if err != nil || parsed < 1 {
				httputil.BadRequest(w, "invalid 'limit' parameter")
				return
			}
			limit = parsed
		}

		events, err := s.db.EntityTrail(entityID, limit)
		if err != nil {
			logf("failed to query entity trail: %v", err)
			httputil.InternalServerError(w, "failed to retrieve trail")
			return
		}
		for i := range events {
			events[i].X = units.ConvertDistance(events[i].X, targetUnits)
			events[i].Y = units.ConvertDistance(events[i].Y, targetUnits)
		}
		httputil.WriteJSONOK(w, events)
		return
	}

	trail, err := s.engine.Trail(entityID)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("unknown entity %q", entityID))
		return
	}
	for i := range trail {
		trail[i].X = units.ConvertDistance(trail[i].X, targetUnits)
		trail[i].Y = units.ConvertDistance(trail[i].Y, targetUnits)
	}
	httputil.WriteJSONOK(w, trail)
}

// showEntityDebug handles GET /api/entities/{id}/debug - the filter-level
// diagnostic snapshot. RSSI values are dBm and never unit-converted;
// distances keep meters.
func (s *Server) showEntityDebug(w http.ResponseWriter, r *http.Request, entityID string) {
	dbg, err := s.engine.Debug(entityID)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("unknown entity %q", entityID))
		return
	}
	httputil.WriteJSONOK(w, dbg)
}

// convertStatus applies display units to the coordinate fields of a
// status snapshot. The accuracy score is unitless and passes through.
func convertStatus(status engine.EntityStatus, targetUnits string) engine.EntityStatus {
	if status.LastPosition != nil {
		p := registry.Point{
			X: units.ConvertDistance(status.LastPosition.X, targetUnits),
			Y: units.ConvertDistance(status.LastPosition.Y, targetUnits),
		}
		status.LastPosition = &p
	}
	return status
}

func estimateResponse(est engine.PositionEstimate, targetUnits string) positionResponse {
	return positionResponse{
		EntityID: est.EntityID,
		X:        units.ConvertDistance(est.X, targetUnits),
		Y:        units.ConvertDistance(est.Y, targetUnits),
		Accuracy: est.Accuracy,
		Units:    targetUnits,
		Forced:   est.Forced,
		Beacons:  est.Beacons,
		At:       est.At,
	}
}
