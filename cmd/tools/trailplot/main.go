// Command trailplot renders an entity's persisted trail as a PNG floor
// view, with an optional beacon overlay, and summarizes the trail's
// accuracy statistics.
//
// Usage:
//
//	go run ./cmd/tools/trailplot [flags]
//
// Flags:
//
//	-db      SQLite database written by the daemon (required)
//	-entity  Entity whose trail to render (required)
//	-limit   Maximum number of rows to load (default: 500)
//	-out     Output PNG path (default: trail.png)
//	-config  Site configuration file; when set, beacons are drawn too
//	-stats   Print trail statistics to stdout
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/registry"
)

var (
	dbPath     = flag.String("db", "", "SQLite database written by the daemon (required)")
	entityID   = flag.String("entity", "", "Entity whose trail to render (required)")
	limit      = flag.Int("limit", 500, "Maximum number of rows to load")
	outPath    = flag.String("out", "trail.png", "Output PNG path")
	configPath = flag.String("config", "", "Site configuration file for the beacon overlay")
	showStats  = flag.Bool("stats", false, "Print trail statistics to stdout")
)

// reverseEvents flips a newest-first query result into walk order.
func reverseEvents(events []db.PositionEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

func trailToXYs(events []db.PositionEvent) plotter.XYs {
	xys := make(plotter.XYs, len(events))
	for i, ev := range events {
		xys[i] = plotter.XY{X: ev.X, Y: ev.Y}
	}
	return xys
}

// buildTrailPlot draws the trail as a connected line with point markers,
// the start and end highlighted, and the site's beacons when provided.
// The trail must be in walk order (oldest first).
func buildTrailPlot(entityID string, trail []db.PositionEvent, beacons []registry.Beacon) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Entity trail: %s", entityID)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	xys := trailToXYs(trail)

	line, err := plotter.NewLine(xys)
	if err != nil {
		return nil, err
	}
	line.Color = color.RGBA{R: 0x42, G: 0xa5, B: 0xf5, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("trail", line)

	points, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, err
	}
	points.GlyphStyle.Radius = vg.Points(2)
	points.GlyphStyle.Color = color.RGBA{R: 0x42, G: 0xa5, B: 0xf5, A: 255}
	p.Add(points)

	if len(xys) > 0 {
		start, err := plotter.NewScatter(plotter.XYs{xys[0]})
		if err != nil {
			return nil, err
		}
		start.GlyphStyle.Radius = vg.Points(4)
		start.GlyphStyle.Color = color.RGBA{G: 0xc8, B: 0x50, A: 255}
		p.Add(start)
		p.Legend.Add("start", start)

		end, err := plotter.NewScatter(plotter.XYs{xys[len(xys)-1]})
		if err != nil {
			return nil, err
		}
		end.GlyphStyle.Radius = vg.Points(4)
		end.GlyphStyle.Color = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 255}
		p.Add(end)
		p.Legend.Add("end", end)
	}

	if len(beacons) > 0 {
		beaconXYs := make(plotter.XYs, len(beacons))
		for i, b := range beacons {
			beaconXYs[i] = plotter.XY{X: b.Position.X, Y: b.Position.Y}
		}
		bs, err := plotter.NewScatter(beaconXYs)
		if err != nil {
			return nil, err
		}
		bs.GlyphStyle.Radius = vg.Points(5)
		bs.GlyphStyle.Color = color.RGBA{R: 0xff, G: 0xa7, B: 0x26, A: 255}
		p.Add(bs)
		p.Legend.Add("beacons", bs)
	}

	p.Legend.Top = true
	p.Legend.Left = true
	return p, nil
}

// trailStats summarizes a trail in walk order.
type trailStats struct {
	Points         int
	MeanAccuracy   float64
	StdDevAccuracy float64
	MeanBeacons    float64
	PathLength     float64
	Duration       time.Duration
}

func computeTrailStats(trail []db.PositionEvent) trailStats {
	s := trailStats{Points: len(trail)}
	if len(trail) == 0 {
		return s
	}

	accuracies := make([]float64, len(trail))
	beaconCounts := make([]float64, len(trail))
	for i, ev := range trail {
		accuracies[i] = ev.Accuracy
		beaconCounts[i] = float64(ev.BeaconCount)
	}
	s.MeanAccuracy = stat.Mean(accuracies, nil)
	if len(trail) > 1 {
		s.StdDevAccuracy = stat.StdDev(accuracies, nil)
	}
	s.MeanBeacons = stat.Mean(beaconCounts, nil)

	for i := 1; i < len(trail); i++ {
		dx := trail[i].X - trail[i-1].X
		dy := trail[i].Y - trail[i-1].Y
		s.PathLength += math.Hypot(dx, dy)
	}
	s.Duration = trail[len(trail)-1].RecordedAt.Sub(trail[0].RecordedAt)
	return s
}

func main() {
	flag.Parse()

	if *dbPath == "" || *entityID == "" {
		log.Fatal("Error: -db and -entity flags are required")
	}

	store, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	trail, err := store.EntityTrail(*entityID, *limit)
	if err != nil {
		log.Fatalf("Failed to load trail: %v", err)
	}
	if len(trail) == 0 {
		log.Fatalf("No position events for entity %q", *entityID)
	}
	reverseEvents(trail)

	var beacons []registry.Beacon
	if *configPath != "" {
		cfg, err := config.LoadSiteConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load site config: %v", err)
		}
		reg, err := registry.Load(cfg.RegistryEntries())
		if err != nil {
			log.Fatalf("Failed to load beacon registry: %v", err)
		}
		beacons = reg.Beacons()
	}

	p, err := buildTrailPlot(*entityID, trail, beacons)
	if err != nil {
		log.Fatalf("Failed to build plot: %v", err)
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, *outPath); err != nil {
		log.Fatalf("Failed to save plot: %v", err)
	}
	log.Printf("wrote %s (%d points)", *outPath, len(trail))

	if *showStats {
		s := computeTrailStats(trail)
		fmt.Printf("points:          %d\n", s.Points)
		fmt.Printf("duration:        %v\n", s.Duration.Round(time.Millisecond))
		fmt.Printf("path length:     %.2f m\n", s.PathLength)
		fmt.Printf("mean accuracy:   %.1f\n", s.MeanAccuracy)
		fmt.Printf("accuracy stddev: %.1f\n", s.StdDevAccuracy)
		fmt.Printf("mean beacons:    %.1f\n", s.MeanBeacons)
	}
}
