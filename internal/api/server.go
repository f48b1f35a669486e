// Package api serves the HTTP surface of the position engine: entity
// status and position queries, live signal snapshots, fingerprint
// calibration, event streaming, and operational endpoints. Handlers only
// read engine snapshots; the single mutating path is the forced solve,
// which never perturbs gating state.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/registry"
	"github.com/banshee-data/presence.report/internal/telemetry"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/units"
	"github.com/banshee-data/presence.report/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Prefixed("[api]")

// Options wires a Server. Engine, Registry, DB, and Signals are required;
// the rest default sensibly.
type Options struct {
	Engine   *engine.Engine
	Registry *registry.Registry
	DB       *db.DB
	Signals  *SignalCache

	// Tuning is reported by /api/config and supplies the fingerprint
	// capture max age; nil uses defaults.
	Tuning *config.TuningConfig

	// Units is the default display unit for coordinates and accuracies;
	// invalid or empty falls back to meters. Per-request ?units= overrides.
	Units string

	// Site names the deployment in /api/config.
	Site string

	// Metrics exposes its registry at /metrics when set.
	Metrics *telemetry.Metrics

	// WS is mounted at /ws when set (the websocket hub handler).
	WS http.Handler

	// Clock is the time source; nil uses the real clock.
	Clock timeutil.Clock
}

type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	db       *db.DB
	signals  *SignalCache
	tuning   *config.TuningConfig
	units    string
	site     string
	metrics  *telemetry.Metrics
	ws       http.Handler
	clock    timeutil.Clock
}

func NewServer(opts Options) *Server {
	s := &Server{
		engine:   opts.Engine,
		registry: opts.Registry,
		db:       opts.DB,
		signals:  opts.Signals,
		tuning:   opts.Tuning,
		units:    opts.Units,
		site:     opts.Site,
		metrics:  opts.Metrics,
		ws:       opts.WS,
		clock:    opts.Clock,
	}
	if !units.IsValid(s.units) {
		s.units = units.Meters
	}
	if s.tuning == nil {
		s.tuning = config.EmptyTuningConfig()
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table. Admin surfaces (tsweb debugger,
// tailsql, link stats, charts) are attached onto this mux by their owning
// packages at wiring time.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/entities", s.listEntities)
	mux.HandleFunc("/api/entities/", s.handleEntityByID)
	mux.HandleFunc("/api/rssi", s.showLiveSignals)
	mux.HandleFunc("/api/events/stream", s.streamEvents)
	mux.HandleFunc("/api/fingerprints", s.handleFingerprintsOrCapture)
	mux.HandleFunc("/api/fingerprints/", s.handleFingerprintByLabel)
	mux.HandleFunc("/api/fingerprints/export", s.exportFingerprints)
	mux.HandleFunc("/api/beacons", s.showBeacons)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/healthz", s.healthz)
	if s.metrics.Registry() != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	if s.ws != nil {
		mux.Handle("/ws", s.ws)
	}
	return mux
}

// displayUnits resolves the units query parameter against the server
// default.
func (s *Server) displayUnits(r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, true
	}
	if !units.IsValid(u) {
		return "", false
	}
	return u, true
}

func (s *Server) showBeacons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.registry.Beacons())
}

// effectiveTuning is the resolved view of the tuning knobs: every value
// filled in, defaults applied, durations rendered as strings. The pointer
// schema of config.TuningConfig would hide defaulted fields here.
type effectiveTuning struct {
	TxPowerDbm         float64 `json:"tx_power_dbm"`
	EnvFactor          float64 `json:"env_factor"`
	MinDistanceM       float64 `json:"min_distance_m"`
	MaxDistanceM       float64 `json:"max_distance_m"`
	InitialUncertainty float64 `json:"initial_uncertainty"`
	ProcessNoise       float64 `json:"process_noise"`
	MeasurementNoise   float64 `json:"measurement_noise"`
	RSSIWindow         int     `json:"rssi_window"`
	MinDeterminant     float64 `json:"min_determinant"`
	PositionThresholdM float64 `json:"position_threshold_m"`
	DistanceThresholdM float64 `json:"distance_threshold_m"`
	DistanceGate       bool    `json:"distance_gate"`
	PositionHistory    int     `json:"position_history"`
	EntityTTL          string  `json:"entity_ttl"`
	EvictionInterval   string  `json:"eviction_interval"`
	LiveSignalTTL      string  `json:"live_signal_ttl"`
	FingerprintMaxAge  string  `json:"fingerprint_max_age"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"site":  s.site,
		"units": s.units,
		"tuning": effectiveTuning{
			TxPowerDbm:         s.tuning.GetTxPowerDbm(),
			EnvFactor:          s.tuning.GetEnvFactor(),
			MinDistanceM:       s.tuning.GetMinDistanceM(),
			MaxDistanceM:       s.tuning.GetMaxDistanceM(),
			InitialUncertainty: s.tuning.GetInitialUncertainty(),
			ProcessNoise:       s.tuning.GetProcessNoise(),
			MeasurementNoise:   s.tuning.GetMeasurementNoise(),
			RSSIWindow:         s.tuning.GetRSSIWindow(),
			MinDeterminant:     s.tuning.GetMinDeterminant(),
			PositionThresholdM: s.tuning.GetPositionThresholdM(),
			DistanceThresholdM: s.tuning.GetDistanceThresholdM(),
			DistanceGate:       s.tuning.GetDistanceGate(),
			PositionHistory:    s.tuning.GetPositionHistory(),
			EntityTTL:          s.tuning.GetEntityTTL().String(),
			EvictionInterval:   s.tuning.GetEvictionInterval().String(),
			LiveSignalTTL:      s.tuning.GetLiveSignalTTL().String(),
			FingerprintMaxAge:  s.tuning.GetFingerprintMaxAge().String(),
		},
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":   "ok",
		"entities": s.engine.Len(),
	})
}
