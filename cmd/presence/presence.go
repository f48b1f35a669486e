package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/presence.report/internal/api"
	"github.com/banshee-data/presence.report/internal/beaconmux"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/hub"
	"github.com/banshee-data/presence.report/internal/monitor"
	"github.com/banshee-data/presence.report/internal/mqttpub"
	"github.com/banshee-data/presence.report/internal/registry"
	"github.com/banshee-data/presence.report/internal/telemetry"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	configPath        = flag.String("config", "config/presence.yml", "Site configuration file")
	tuningPath        = flag.String("tuning", "", "Tuning file (JSON); empty tries "+config.DefaultTuningPath+" then built-in defaults")
	dbPath            = flag.String("db", "", "SQLite database path (overrides site config)")
	httpAddr          = flag.String("http-addr", "", "HTTP listen address (overrides site config)")
	mockMode          = flag.Bool("mock", false, "Feed synthetic notifications instead of the configured links")
	logStatusInterval = flag.Duration("log-status-interval", time.Minute, "How often to log a pipeline status line (0 disables)")
)

// loadTuning resolves the tuning configuration: an explicit path must load,
// the default path is used when present, and otherwise every knob falls back
// to its built-in default.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	if _, err := os.Stat(config.DefaultTuningPath); err == nil {
		return config.LoadTuningConfig(config.DefaultTuningPath)
	}
	return config.EmptyTuningConfig(), nil
}

// buildLinks turns the configured transports into mux links.
func buildLinks(cfg config.LinksConfig) []beaconmux.Link {
	var links []beaconmux.Link
	if cfg.UDPListen != "" {
		links = append(links, beaconmux.NewUDPLink(cfg.UDPListen))
	}
	for _, t := range cfg.TCP {
		links = append(links, beaconmux.NewTCPLink(t.Addr, t.BeaconID))
	}
	for _, s := range cfg.Serial {
		links = append(links, beaconmux.NewSerialLink(s.Port, s.Baud, s.BeaconID))
	}
	return links
}

func main() {
	flag.Parse()

	// The migrate subcommand manages schema versions and exits.
	if flag.Arg(0) == "migrate" {
		path := *dbPath
		if path == "" {
			if cfg, err := config.LoadSiteConfig(*configPath); err == nil {
				path = cfg.DBPath
			}
		}
		if path == "" {
			path = "presence.db"
		}
		db.RunMigrateCommand(flag.Args()[1:], path)
		return
	}

	log.Printf("presence %s starting", version.String())

	cfg, err := config.LoadSiteConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load site config: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	tuning, err := loadTuning(*tuningPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}

	reg, err := registry.Load(cfg.RegistryEntries())
	if err != nil {
		log.Fatalf("failed to load beacon registry: %v", err)
	}
	log.Printf("site %q: %d beacons registered", cfg.Site, reg.Len())

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()
	if err := store.MigrateUp(); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	metrics, err := telemetry.New(prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Registry:       reg,
		Tuning:         tuning,
		LegacyPolicy:   cfg.LegacyPayload.Policy,
		LegacyEntityID: cfg.LegacyPayload.DefaultEntityID,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	defer eng.Close()

	linkMux := beaconmux.New(beaconmux.Options{
		Sink: func(beaconID, payload string) {
			if _, err := eng.ProcessNotification(beaconID, payload); err != nil {
				log.Printf("ingest: %v", err)
			}
		},
		QueueSize: cfg.Links.QueueSize,
		Metrics:   metrics,
	})

	var mockLinks []*beaconmux.MockLink
	if *mockMode {
		for _, b := range reg.Beacons() {
			l := beaconmux.NewMockLink("mock-"+b.ID, b.ID)
			mockLinks = append(mockLinks, l)
			linkMux.AddLink(l)
		}
		log.Printf("mock mode: synthesizing notifications for %d beacons", len(mockLinks))
	} else {
		links := buildLinks(cfg.Links)
		if len(links) == 0 {
			log.Fatal("no links configured; set links.udp_listen, links.tcp, or links.serial, or run with --mock")
		}
		for _, l := range links {
			linkMux.AddLink(l)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Entity TTL janitor.
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	// Link supervision: restarts failed transports with backoff.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := linkMux.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("link mux stopped: %v", err)
		}
	}()

	if *mockMode {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMockFeed(ctx, reg, tuning, mockLinks)
		}()
	}

	// Live signal cache behind /api/rssi and fingerprint capture.
	signals := api.NewSignalCache(tuning.GetLiveSignalTTL(), nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		signals.Run(ctx, eng)
	}()

	// WebSocket broadcast of gated position events.
	wsHub := hub.New()
	defer wsHub.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		wsHub.Run(ctx, eng)
	}()

	// Optional MQTT publisher. Broker trouble is logged, never fatal;
	// paho keeps retrying in the background.
	if cfg.MQTT.Enabled {
		pub := mqttpub.New(cfg.MQTT)
		defer pub.Close()
		if err := pub.Connect(ctx); err != nil {
			log.Printf("mqtt connect: %v (will keep retrying)", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx, eng)
		}()
	}

	// Persist every gated event through the buffered writer so a slow disk
	// never backs up into the pipeline.
	writer := db.NewEventWriter(store, cfg.Links.QueueSize, metrics)
	writer.Start()
	defer writer.Stop()
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, events := eng.SubscribeEvents()
		defer eng.UnsubscribeEvents(id)
		for {
			select {
			case <-ctx.Done():
				return
			case est, ok := <-events:
				if !ok {
					return
				}
				writer.Enqueue(est)
			}
		}
	}()

	retention := db.NewRetentionWorker(store, 0)
	retention.Start()
	defer retention.Stop()

	if *logStatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logStatus(ctx, *logStatusInterval, eng, wsHub, linkMux)
		}()
	}

	// HTTP server: API surface plus the admin and debug routes of each
	// subsystem on the same mux.
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(api.Options{
			Engine:   eng,
			Registry: reg,
			DB:       store,
			Signals:  signals,
			Tuning:   tuning,
			Site:     cfg.Site,
			Metrics:  metrics,
			WS:       wsHub,
		})
		mux := srv.ServeMux()

		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach db admin routes: %v", err)
		}
		linkMux.AttachAdminRoutes(mux)
		wsHub.AttachAdminRoutes(mux)
		monitor.New(eng, reg, store, cfg.Site).AttachDebugRoutes(mux)

		server := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}

// logStatus periodically summarizes the pipeline: tracked entities,
// connected consumers, and per-link traffic.
func logStatus(ctx context.Context, interval time.Duration, eng *engine.Engine, wsHub *hub.Hub, linkMux *beaconmux.Mux) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var lines, dropped uint64
			connected := 0
			stats := linkMux.Stats()
			for _, s := range stats {
				lines += s.Lines
				dropped += s.Dropped
				if s.Connected {
					connected++
				}
			}
			log.Printf("status: entities=%d ws_clients=%d links=%d/%d lines=%d dropped=%d",
				eng.Len(), wsHub.Len(), connected, len(stats), lines, dropped)
		}
	}
}
