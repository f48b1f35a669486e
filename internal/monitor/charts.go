// Package monitor serves server-rendered debug charts for the position
// pipeline. These are unauthenticated HTML pages built with go-echarts so an
// operator can eyeball a deployment without the full UI.
package monitor

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/registry"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Sequence-ordered points are colored oldest-to-newest with this ramp.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// Charts renders the debug pages. store may be nil when persistence is
// disabled; the trail chart then only serves the in-memory trail.
type Charts struct {
	eng   *engine.Engine
	reg   *registry.Registry
	store *db.DB
	site  string
}

func New(eng *engine.Engine, reg *registry.Registry, store *db.DB, site string) *Charts {
	return &Charts{eng: eng, reg: reg, store: store, site: site}
}

// AttachDebugRoutes registers the chart pages on mux.
func (c *Charts) AttachDebugRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/charts", c.handleDashboard)
	mux.HandleFunc("/debug/charts/floormap", c.handleFloorMap)
	mux.HandleFunc("/debug/charts/rssi", c.handleRSSIChart)
	mux.HandleFunc("/debug/charts/trail", c.handleTrailChart)
}

// bounds tracks the bounding box of plotted points. Beacon grids sit in the
// positive quadrant, so a symmetric axis around the origin would waste most
// of the plot.
type bounds struct {
	minX, maxX, minY, maxY float64
	any                    bool
}

func (b *bounds) add(x, y float64) {
	if !b.any {
		b.minX, b.maxX, b.minY, b.maxY = x, x, y, y
		b.any = true
		return
	}
	if x < b.minX {
		b.minX = x
	}
	if x > b.maxX {
		b.maxX = x
	}
	if y < b.minY {
		b.minY = y
	}
	if y > b.maxY {
		b.maxY = y
	}
}

// padded returns the axis ranges with a small margin so edge points stay
// visible.
func (b *bounds) padded() (x0, x1, y0, y1 float64) {
	span := b.maxX - b.minX
	if s := b.maxY - b.minY; s > span {
		span = s
	}
	pad := span * 0.05
	if pad == 0 {
		pad = 1.0
	}
	return b.minX - pad, b.maxX + pad, b.minY - pad, b.maxY + pad
}

func writeChart(w http.ResponseWriter, chart interface{ Render(io.Writer) error }) {
	var buf bytes.Buffer
	if err := chart.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDashboard renders a small page with iframes to the debug charts.
func (c *Charts) handleDashboard(w http.ResponseWriter, r *http.Request) {
	doc := fmt.Sprintf(dashboardHTML, html.EscapeString(c.site))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

// handleFloorMap renders the beacon layout with current entity positions.
// Query params:
//   - trail (optional): entity ID whose in-memory trail is overlaid
func (c *Charts) handleFloorMap(w http.ResponseWriter, r *http.Request) {
	var box bounds

	beacons := c.reg.Beacons()
	beaconPts := make([]opts.ScatterData, 0, len(beacons))
	for _, b := range beacons {
		box.add(b.Position.X, b.Position.Y)
		beaconPts = append(beaconPts, opts.ScatterData{Name: b.ID, Value: []interface{}{b.Position.X, b.Position.Y}})
	}

	statuses := c.eng.StatusAll()
	entityPts := make([]opts.ScatterData, 0, len(statuses))
	for _, st := range statuses {
		if st.LastPosition == nil {
			continue
		}
		box.add(st.LastPosition.X, st.LastPosition.Y)
		entityPts = append(entityPts, opts.ScatterData{Name: st.EntityID, Value: []interface{}{st.LastPosition.X, st.LastPosition.Y}})
	}

	trailEntity := r.URL.Query().Get("trail")
	var trailPts []opts.ScatterData
	if trailEntity != "" {
		trail, _ := c.eng.Trail(trailEntity)
		for _, p := range trail {
			box.add(p.X, p.Y)
			trailPts = append(trailPts, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
		}
	}

	x0, x1, y0, y1 := box.padded()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Floor Map", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Floor Map", Subtitle: fmt.Sprintf("site=%s beacons=%d entities=%d", c.site, len(beaconPts), len(entityPts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: x0, Max: x1, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: y0, Max: y1, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("beacons", beaconPts,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#29b6f6"}))
	scatter.AddSeries("entities", entityPts,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	if len(trailPts) > 0 {
		scatter.AddSeries("trail "+trailEntity, trailPts,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ffca28"}))
	}

	writeChart(w, scatter)
}

// handleRSSIChart renders per-beacon link quality for one entity: raw and
// filtered RSSI side by side, plus the estimated distances feeding the
// solver.
func (c *Charts) handleRSSIChart(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		httputil.BadRequest(w, "missing 'entity' parameter")
		return
	}

	dbg, err := c.eng.Debug(entity)
	if err != nil {
		httputil.NotFound(w, "unknown entity")
		return
	}

	labels := make([]string, 0, len(dbg.Beacons))
	raw := make([]opts.BarData, 0, len(dbg.Beacons))
	filtered := make([]opts.BarData, 0, len(dbg.Beacons))
	dist := make([]opts.BarData, 0, len(dbg.Beacons))
	for _, d := range dbg.Beacons {
		labels = append(labels, d.BeaconID)
		raw = append(raw, opts.BarData{Value: d.RawRSSI})
		filtered = append(filtered, opts.BarData{Value: d.FilteredRSSI})
		dist = append(dist, opts.BarData{Value: d.Distance})
	}

	rssiBar := charts.NewBar()
	rssiBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "RSSI by Beacon", Subtitle: fmt.Sprintf("entity=%s updated=%s", entity, dbg.LastUpdated.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	rssiBar.SetXAxis(labels).
		AddSeries("raw dBm", raw,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("filtered dBm", filtered)

	distBar := charts.NewBar()
	distBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Estimated Distance", Subtitle: fmt.Sprintf("entity=%s", entity)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	distBar.SetXAxis(labels).
		AddSeries("distance (m)", dist,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(rssiBar, distBar)
	writeChart(w, page)
}

// handleTrailChart renders an entity's position history, colored by
// sequence order. Query params:
//   - entity (required)
//   - source=db (optional): read persisted events instead of the in-memory
//     trail
//   - limit (optional, db source only; default 200, max 1000)
func (c *Charts) handleTrailChart(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		httputil.BadRequest(w, "missing 'entity' parameter")
		return
	}

	source := "live"
	var positions []engine.TimedPosition
	if r.URL.Query().Get("source") == "db" {
		if c.store == nil {
			httputil.NotFound(w, "persistence not configured")
			return
		}
		source = "db"
		limit := 200
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
				limit = parsed
			}
		}
		events, err := c.store.EntityTrail(entity, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load trail: %v", err))
			return
		}
		// Rows come newest first; flip so the color ramp runs with time.
		positions = make([]engine.TimedPosition, 0, len(events))
		for i := len(events) - 1; i >= 0; i-- {
			positions = append(positions, engine.TimedPosition{X: events[i].X, Y: events[i].Y, Accuracy: events[i].Accuracy, At: events[i].RecordedAt})
		}
	} else {
		positions, _ = c.eng.Trail(entity)
	}

	if len(positions) == 0 {
		httputil.NotFound(w, "no trail for entity")
		return
	}

	var box bounds
	pts := make([]opts.ScatterData, 0, len(positions))
	for i, p := range positions {
		box.add(p.X, p.Y)
		pts = append(pts, opts.ScatterData{Value: []interface{}{p.X, p.Y, i}})
	}
	x0, x1, y0, y1 := box.padded()

	maxSeq := len(positions) - 1
	if maxSeq == 0 {
		maxSeq = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Entity Trail", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Entity Trail", Subtitle: fmt.Sprintf("entity=%s points=%d source=%s", entity, len(pts), source)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: x0, Max: x1, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: y0, Max: y1, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxSeq),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("trail", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	writeChart(w, scatter)
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>presence debug charts</title>
<style>
 body { background: #111; color: #ddd; font-family: monospace; margin: 1em; }
 iframe { border: 1px solid #333; background: #1a1a1a; margin: 0.5em 0; }
 h1 { font-size: 1.2em; }
 p { color: #888; }
</style>
</head>
<body>
<h1>presence debug charts (site %s)</h1>
<p>reload to refresh. add ?trail=&lt;entity&gt; to the floor map to overlay a
trail; /debug/charts/rssi?entity=&lt;id&gt; shows link quality and
/debug/charts/trail?entity=&lt;id&gt; the position history.</p>
<iframe src="/debug/charts/floormap" width="940" height="960"></iframe>
</body>
</html>`
