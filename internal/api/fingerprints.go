package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/fsutil"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/security"
)

// FingerprintRequest is the body for capturing a calibration point: the
// surveyed location plus the entity currently standing on it.
type FingerprintRequest struct {
	Label    string  `json:"label"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	EntityID string  `json:"entity_id"`
}

// handleFingerprintsOrCapture handles GET and POST to /api/fingerprints
func (s *Server) handleFingerprintsOrCapture(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFingerprints(w, r)
	case http.MethodPost:
		s.captureFingerprint(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) listFingerprints(w http.ResponseWriter, r *http.Request) {
	fps, err := s.db.Fingerprints()
	if err != nil {
		logf("failed to query fingerprints: %v", err)
		httputil.InternalServerError(w, "failed to retrieve fingerprints")
		return
	}
	if fps == nil {
		fps = []db.Fingerprint{}
	}
	httputil.WriteJSONOK(w, fps)
}

// captureFingerprint snapshots the named entity's current per-beacon
// filtered RSSI as a labelled calibration point. Readings older than the
// fingerprint max age are excluded so a walked-away device cannot leave
// stale beacons in the survey.
func (s *Server) captureFingerprint(w http.ResponseWriter, r *http.Request) {
	var req FingerprintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.Label == "" {
		httputil.BadRequest(w, "label is required")
		return
	}
	if req.EntityID == "" {
		httputil.BadRequest(w, "entity_id is required")
		return
	}

	readings := s.signals.EntityReadings(req.EntityID, s.tuning.GetFingerprintMaxAge())
	if len(readings) == 0 {
		httputil.WriteJSONError(w, http.StatusConflict,
			fmt.Sprintf("no fresh readings for entity %q", req.EntityID))
		return
	}

	fp := &db.Fingerprint{
		Label:    req.Label,
		X:        req.X,
		Y:        req.Y,
		Readings: readings,
		NotedAt:  s.clock.Now(),
	}
	id, err := s.db.SaveFingerprint(fp)
	if err != nil {
		logf("failed to save fingerprint: %v", err)
		httputil.InternalServerError(w, "failed to save fingerprint")
		return
	}
	fp.ID = id

	httputil.WriteJSON(w, http.StatusCreated, fp)
}

// handleFingerprintByLabel handles GET/DELETE /api/fingerprints/{label}
func (s *Server) handleFingerprintByLabel(w http.ResponseWriter, r *http.Request) {
	label := strings.TrimPrefix(r.URL.Path, "/api/fingerprints/")
	if label == "" {
		httputil.BadRequest(w, "missing fingerprint label")
		return
	}

	switch r.Method {
	case http.MethodGet:
		fp, err := s.db.FingerprintByLabel(label)
		if err != nil {
			logf("failed to query fingerprint %q: %v", label, err)
			httputil.InternalServerError(w, "failed to retrieve fingerprint")
			return
		}
		if fp == nil {
			httputil.NotFound(w, fmt.Sprintf("fingerprint %q not found", label))
			return
		}
		httputil.WriteJSONOK(w, fp)
	case http.MethodDelete:
		if err := s.db.DeleteFingerprint(label); err != nil {
			if strings.Contains(err.Error(), "not found") {
				httputil.NotFound(w, fmt.Sprintf("fingerprint %q not found", label))
				return
			}
			logf("failed to delete fingerprint %q: %v", label, err)
			httputil.InternalServerError(w, "failed to delete fingerprint")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// exportFingerprints handles POST /api/fingerprints/export. The target
// directory comes from the request, so it goes through path validation
// before anything is written.
func (s *Server) exportFingerprints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req struct {
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.Dir == "" {
		req.Dir = filepath.Join(os.TempDir(), "presence-exports")
	}

	if err := security.ValidateExportPath(req.Dir); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid export directory: %v", err))
		return
	}

	path, err := s.db.ExportFingerprints(fsutil.OSFileSystem{}, req.Dir)
	if err != nil {
		logf("failed to export fingerprints: %v", err)
		httputil.InternalServerError(w, "failed to export fingerprints")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"path": path})
}
