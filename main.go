package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vladgets/roadmate-tracker/internal/api"
	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/httputil"
	"github.com/vladgets/roadmate-tracker/internal/location"
	"github.com/vladgets/roadmate-tracker/internal/notify"
	"github.com/vladgets/roadmate-tracker/internal/power"
	"github.com/vladgets/roadmate-tracker/internal/queue"
	"github.com/vladgets/roadmate-tracker/internal/store"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/tracking"
)

var (
	listen      = flag.String("listen", "127.0.0.1:8080", "Listen address for the local control API")
	dbFile      = flag.String("db", "tracker_data.db", "Path to the sqlite database")
	configFile  = flag.String("config", "", "Path to a JSON tuning config (optional)")
	migrations  = flag.String("migrations", "", "Migrations directory; skipped when empty")
	eventsURL   = flag.String("sync-events-url", "", "Remote endpoint for event batches; sync disabled when empty")
	segmentsURL = flag.String("sync-segments-url", "", "Remote endpoint for segment batches")
	notifyURL   = flag.String("notify-url", "", "Webhook for arrival notifications; disabled when empty")
	replayFile  = flag.String("replay", "", "Play back location fixtures from a file instead of reading hardware")
	units       = flag.String("units", "mps", "Speed units for API responses: mps, kmph, or mph")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyTuningConfig()
	if *configFile != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	db, err := store.NewStore(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if *migrations != "" {
		if err := db.MigrateUp(*migrations); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	clock := timeutil.RealClock{}

	var source location.Source
	if *replayFile != "" {
		data, err := os.ReadFile(*replayFile)
		if err != nil {
			log.Fatalf("Failed to open fixtures file: %v", err)
		}
		fixes, err := location.ParseFixtures(data)
		if err != nil {
			log.Fatalf("Failed to parse fixtures: %v", err)
		}
		source = location.NewReplaySource(fixes, clock)
	} else {
		log.Fatal("No location source available: pass -replay to play back fixtures")
	}

	client := httputil.NewStandardClient(&http.Client{Timeout: 15 * time.Second})
	battery := power.NewManager(&power.SysfsReader{}, clock, cfg)

	svc := tracking.NewService(tracking.Deps{
		Config:   cfg,
		Clock:    clock,
		Store:    db,
		Queue:    queue.NewQueue(db, clock),
		Provider: location.NewProvider(source, cfg),
		Notifier: notify.NewNotifier(client, *notifyURL),
		Battery:  battery.Updates(),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start tracking: %v", err)
	}

	// battery polling routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		battery.Run(ctx)
		log.Print("battery routine terminated")
	}()

	// sync routine, enabled only when a remote endpoint is configured
	if *eventsURL != "" {
		syncer := queue.NewSyncer(db, client, clock, queue.SyncerConfig{
			EventsURL:   *eventsURL,
			SegmentsURL: *segmentsURL,
			Interval:    cfg.GetSyncInterval(),
			BatchSize:   cfg.GetSyncBatchSize(),
			SegmentsCap: cfg.GetSyncSegmentsCap(),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncer.Run(ctx)
			log.Print("sync routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(svc, db, *units).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
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
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	if svc.IsRunning() {
		if err := svc.Stop(); err != nil {
			log.Printf("error stopping tracking: %v", err)
		}
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
