package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cronflow/internal/api"
	"cronflow/internal/batcher"
	"cronflow/internal/config"
	"cronflow/internal/handlers"
	"cronflow/internal/handlers/fanout"
	handlershttp "cronflow/internal/handlers/http"
	"cronflow/internal/handlers/shell"
	"cronflow/internal/logging"
	"cronflow/internal/registry"
	"cronflow/internal/scheduler"
	"cronflow/internal/store"
	"cronflow/internal/worker"
)

func main() {
	var (
		envFile   = flag.String("env", ".env", "optional env file")
		tasksFile = flag.String("tasks", "", "task definitions file (overrides CRONFLOW_TASKS_FILE)")
		addr      = flag.String("addr", "", "HTTP bind address (overrides CRONFLOW_HTTP_ADDR)")
		debug     = flag.Bool("debug", false, "expose pprof handlers")
	)
	flag.Parse()

	loaded, envErr := config.LoadEnvFile(*envFile)
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *tasksFile != "" {
		cfg.TasksFile = *tasksFile
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if envErr != nil {
		logger.Warn().Err(envErr).Str("path", *envFile).Msg("env file ignored")
	} else if loaded {
		logger.Info().Str("path", *envFile).Msg("loaded env file")
	}

	if err := run(cfg, logger, *debug); err != nil {
		logger.Fatal().Err(err).Msg("cronflow stopped with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, Path: cfg.Store.Path, DSN: cfg.Store.DSN})
	if err != nil {
		return err
	}
	defer st.Close()

	if n, err := st.RecoverStale(ctx, time.Now()); err != nil {
		logger.Error().Err(err).Msg("failed to recover stale runs")
	} else if n > 0 {
		logger.Warn().Int("recovered", n).Msg("marked interrupted runs as failed")
	}

	reg := registry.New(st, logger, registry.WithFallback(cfg.CronFallback), registry.WithLocation(cfg.Location))
	pool := worker.NewPool(cfg.Concurrency, logger)
	completion := &handlershttp.Completion{
		Endpoint:     cfg.LLM.Endpoint,
		APIKey:       cfg.LLM.APIKey,
		DefaultModel: cfg.LLM.Model,
		Client:       &http.Client{Timeout: 2 * cfg.Batch.RequestTimeout},
	}
	b := batcher.New(batcher.Config{
		BatchSize:      cfg.Batch.Size,
		FlushInterval:  cfg.Batch.FlushInterval,
		RequestTimeout: cfg.Batch.RequestTimeout,
		RatePerSec:     cfg.Batch.RatePerSec,
	}, completion, logger)

	set := handlers.Set{
		"shell":  shell.Shell{Log: logger},
		"http":   handlershttp.HTTP{Log: logger},
		"fanout": fanout.Fanout{Pool: pool, Completer: b, Log: logger},
	}

	svc := scheduler.New(reg, logger, scheduler.WithCheckInterval(cfg.CheckInterval))
	if cfg.TasksFile != "" {
		defs, err := config.LoadTasks(cfg.TasksFile)
		if err != nil {
			return err
		}
		registerAll(ctx, svc, set, defs, logger)
	} else {
		logger.Warn().Msg("no tasks file configured; nothing will be scheduled")
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Tasks:     reg,
			Scheduler: svc,
			Pool:      pool.Snapshot,
			Batcher:   b.Snapshot,
			Log:       logger,
			Debug:     debug,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.TasksFile != "" {
		g.Go(func() error {
			return config.WatchTasks(gctx, cfg.TasksFile, logger, func(defs []config.TaskDef) {
				registerAll(gctx, svc, set, defs, logger)
			})
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug().Err(err).Msg("sd_notify failed")
	} else if ok {
		logger.Debug().Msg("notified systemd")
	}

	err = g.Wait()
	logger.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	svc.Stop()
	b.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := pool.Drain(drainCtx); derr != nil {
		logger.Warn().Err(derr).Msg("work items still running at exit")
	}
	return err
}

func registerAll(ctx context.Context, svc *scheduler.Service, set handlers.Set, defs []config.TaskDef, logger zerolog.Logger) {
	for _, def := range defs {
		job, err := set.Job(def)
		if err != nil {
			logger.Error().Err(err).Str("task", def.Name).Msg("task skipped")
			continue
		}
		if _, err := svc.Register(ctx, job); err != nil {
			logger.Error().Err(err).Str("task", def.Name).Msg("failed to register task")
		}
	}
}
