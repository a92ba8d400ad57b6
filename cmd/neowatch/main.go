package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"neowatch/internal/api"
	"neowatch/internal/config"
	"neowatch/internal/feed"
	"neowatch/internal/ingest"
	"neowatch/internal/logging"
	"neowatch/internal/metrics"
	"neowatch/internal/model"
	"neowatch/internal/notify"
	"neowatch/internal/records"
	"neowatch/internal/storage"
	"neowatch/internal/stream"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML or JSON config (defaults plus env when empty)")
		once    = flag.Bool("once", false, "run a single ingest cycle then exit")
		day     = flag.String("day", "", "day to ingest with -once, YYYY-MM-DD (default today)")
	)
	flag.Parse()

	if err := run(config.ResolvePath(*cfgPath), *once, *day); err != nil {
		fmt.Fprintln(os.Stderr, "neowatch:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, once bool, dayFlag string) error {
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger, level := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("neowatch starting", "version", Version, "config", cfgPath, "storage", cfg.Storage.Driver)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()
	if err := backend.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := stream.NewHub(cfg.Stream, m, logger)
	if cfg.Stream.Kafka.Enabled {
		hub.SetMirror(stream.NewKafkaMirror(cfg.Stream.Kafka, m, logger))
	}
	defer hub.Close()

	notifier := notify.New(cfg.Notify, notify.NewHTTPPoster(), m, logger)
	orch := ingest.NewOrchestrator(
		feed.NewClient(cfg.Feed, logger),
		records.New(backend, logger),
		backend,
		notifier,
		hub,
		m,
		logger,
	)
	orch.Bind(ctx)

	if once {
		d := orch.Today()
		if dayFlag != "" {
			if d, err = model.ParseDate(dayFlag); err != nil {
				return fmt.Errorf("-day: %w", err)
			}
		}
		n, err := orch.RunCycle(ctx, d)
		if err != nil {
			return err
		}
		logger.Info("single cycle done", "day", model.FormatDate(d), "stored", n)
		return nil
	}

	mgr.OnChange(func(next *config.Config) {
		level.Set(logging.ParseLevel(next.LogLevel))
		notifier.UpdateConfig(next.Notify)
		logger.Info("config reloaded", "threshold_au", next.Notify.ThresholdAU, "attempts", next.Notify.Attempts)
	})
	go func() {
		err := mgr.Watch(func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
		if err != nil {
			logger.Warn("config watch disabled", "err", err)
		}
	}()

	var sched *ingest.Scheduler
	if cfg.Schedule.Enabled {
		sched, err = ingest.NewScheduler(cfg.Schedule, orch, logger)
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
	} else {
		logger.Info("ingest scheduler disabled")
	}

	api.New(mgr, backend, orch, hub, notifier.History(), reg, logger, Version).Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	if sched != nil {
		sched.Stop()
	}
	waitCycles(orch, 10*time.Second, logger)
	return nil
}

func waitCycles(orch *ingest.Orchestrator, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("ingest cycles still running at shutdown", "in_flight", orch.InFlight())
	}
}
