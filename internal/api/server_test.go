package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/telemetry"
	"github.com/banshee-data/presence.report/internal/testutil"
)

// ---

func newTestServer(t *testing.T) (*Server, *engine.Engine, *db.DB) {
	t.Helper()
	eng := testutil.NewEngine(t, nil)
	store := testutil.OpenDB(t)
	srv := NewServer(Options{
		Engine:   eng,
		Registry: testutil.LoadRegistry(t),
		DB:       store,
		Signals:  NewSignalCache(time.Minute, nil),
		Site:     "test-site",
	})
	return srv, eng, store
}

func doRequest(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into), "body: %s", rec.Body.String())
}

// ---

func TestHealthz(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	decodeBody(t, rec, &got)
	assert.Equal(t, "ok", got["status"])
	assert.EqualValues(t, 0, got["entities"])

	testutil.DriveToPosition(t, eng, "user1", time.Now())

	rec = doRequest(t, srv, http.MethodGet, "/healthz", "")
	decodeBody(t, rec, &got)
	assert.EqualValues(t, 1, got["entities"])
}

func TestShowVersion(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	decodeBody(t, rec, &got)
	assert.Equal(t, "dev", got["version"])
	assert.Contains(t, got, "git_sha")
	assert.Contains(t, got, "build_time")
}

func TestShowConfig(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Site   string          `json:"site"`
		Units  string          `json:"units"`
		Tuning effectiveTuning `json:"tuning"`
	}
	decodeBody(t, rec, &got)
	assert.Equal(t, "test-site", got.Site)
	assert.Equal(t, "m", got.Units)
	assert.Equal(t, 5, got.Tuning.RSSIWindow)
	assert.Equal(t, -59.0, got.Tuning.TxPowerDbm)
	assert.Equal(t, "1m0s", got.Tuning.EntityTTL)
	assert.False(t, got.Tuning.DistanceGate)
}

func TestShowBeacons(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/beacons", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Position struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"position"`
	}
	decodeBody(t, rec, &got)
	require.Len(t, got, 3)

	ids := make([]string, 0, len(got))
	for _, b := range got {
		ids = append(ids, b.ID)
	}
	assert.ElementsMatch(t, []string{"b1", "b2", "b3"}, ids)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/api/entities", "/api/beacons", "/api/config", "/api/version", "/healthz", "/api/rssi"} {
		rec := doRequest(t, srv, http.MethodPost, path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "POST %s", path)

		var got map[string]string
		decodeBody(t, rec, &got)
		assert.NotEmpty(t, got["error"], "POST %s", path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	eng := testutil.NewEngine(t, nil)
	metrics, err := telemetry.New(prometheus.NewRegistry())
	require.NoError(t, err)
	metrics.SetActiveEntities(2)

	srv := NewServer(Options{
		Engine:   eng,
		Registry: testutil.LoadRegistry(t),
		DB:       testutil.OpenDB(t),
		Signals:  NewSignalCache(time.Minute, nil),
		Metrics:  metrics,
	})

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "presence_active_entities 2")
}

func TestMetricsEndpointAbsentWithoutRegistry(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServerDefaultsInvalidUnits(t *testing.T) {
	srv := NewServer(Options{
		Engine:   testutil.NewEngine(t, nil),
		Registry: testutil.LoadRegistry(t),
		DB:       testutil.OpenDB(t),
		Signals:  NewSignalCache(time.Minute, nil),
		Units:    "furlongs",
	})
	assert.Equal(t, "m", srv.units)
}

// ---

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	monitoring.SetLogger(func(format string, v ...interface{}) {
		fmt.Fprintf(&buf, format+"\n", v...)
	})
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entities?units=ft", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	logged := buf.String()
	assert.Contains(t, logged, "GET")
	assert.Contains(t, logged, "/api/entities?units=ft")
	assert.Contains(t, logged, "418")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Contains(t, statusCodeColor(500), colorBoldRed)
}
