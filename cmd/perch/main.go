package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/perchwatch/perch/internal/api"
	"github.com/perchwatch/perch/internal/buildinfo"
	"github.com/perchwatch/perch/internal/config"
	"github.com/perchwatch/perch/internal/events"
	"github.com/perchwatch/perch/internal/feed"
	"github.com/perchwatch/perch/internal/fetch"
	"github.com/perchwatch/perch/internal/gateway"
	"github.com/perchwatch/perch/internal/metrics"
	"github.com/perchwatch/perch/internal/scheduler"
	"github.com/perchwatch/perch/internal/store"
)

func main() {
	configPath := flag.String("config", "perch.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load and validate config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Log to stderr, plus the configured file if any
	closeLog, err := setupLogging(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	log.Printf("perch %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	// 3. Open the store and seed targets on first run
	st, err := store.Open(cfg.StoragePath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	defer st.Close()
	if err := seedTargets(st, cfg.Targets); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	// 4. Wire the engine
	m := metrics.New()
	var broker *events.Broker
	if cfg.EnableSSE {
		broker = events.NewBroker(cfg.SSEQueueSize)
		broker.DropHook = m.SubscribersDroppedTotal.Inc
	}
	pool, err := gateway.NewPool(cfg.NitterInstances, cfg.MaxRequestsPerInstancePerMinute, cfg.BackoffBaseSeconds)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	parser, err := feed.NewParser(cfg.StatusLinkPattern)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	pipeline := fetch.New(st, pool, parser, broker, m, fetch.Options{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.FetchTimeout.Std(),
		KeepLast:      cfg.KeepOnlyLastNPerTarget,
		SkipUnchanged: cfg.SkipUnchanged,
	})

	sched := scheduler.New(st, pipeline, broker, m)
	sched.Start()

	// 5. Optional scheduled prune on top of the post-fetch prune
	var cronRunner *cron.Cron
	if cfg.PruneSchedule != "" && cfg.KeepOnlyLastNPerTarget > 0 {
		cronRunner = cron.New()
		_, err := cronRunner.AddFunc(cfg.PruneSchedule, func() {
			if err := st.Prune(cfg.KeepOnlyLastNPerTarget); err != nil {
				log.Printf("[main] scheduled prune: %v", err)
			}
		})
		if err != nil {
			log.Fatalf("fatal: prune schedule: %v", err)
		}
		cronRunner.Start()
	}

	// 6. HTTP server
	srv := api.NewServer(cfg.ListenAddress, cfg, st, pool, pipeline, sched, broker, m)
	go func() {
		log.Printf("API server listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	if cronRunner != nil {
		cronRunner.Stop()
	}
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// setupLogging tees the standard logger to stderr and, when path is set, an
// append-only log file whose parent directory is created as needed.
func setupLogging(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { f.Close() }, nil
}

// seedTargets writes the configured seed list, but only into an empty table.
func seedTargets(st *store.Store, seeds []config.SeedTarget) error {
	if len(seeds) == 0 {
		return nil
	}
	n, err := st.CountTargets()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, s := range seeds {
		if _, err := st.AddTarget(s.Type, s.Value, s.PollIntervalSeconds); err != nil {
			return err
		}
		log.Printf("[main] seeded target %s:%s", s.Type, s.Value)
	}
	return nil
}
