package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/dispatch"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/export"
	"github.com/rmacedo/docproc/internal/history"
	"github.com/rmacedo/docproc/internal/ingest"
	"github.com/rmacedo/docproc/internal/processing"
	"github.com/rmacedo/docproc/internal/reconcile"
	"github.com/rmacedo/docproc/internal/repository"
	"github.com/rmacedo/docproc/internal/server"
	"github.com/rmacedo/docproc/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, dispatch queue and watch layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	logger := slog.Default()

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.Database.DataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.HealthCheck(); err != nil {
		return err
	}

	fileRepo := repository.NewFileRepository(db, logger)
	procRepo := repository.NewProcessingRepository(db, logger)
	logRepo := repository.NewLogRepository(db, logger)
	histRepo := repository.NewHistoryRepository(db, logger)

	manager := processing.NewManager(procRepo, logger)

	var bus watch.Bus
	if cfg.Redis.Addr != "" {
		redisBus, err := watch.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return err
		}
		defer redisBus.Close()
		bus = redisBus
		logger.Info("change bus ready", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		bus = watch.NewMemoryBus()
		logger.Info("change bus ready", "backend", "memory")
	}
	manager.SetNotifier(func(rec entity.ProcessingRecord) { bus.Publish(rec) })

	reconciler := reconcile.NewReconciler(manager, fileRepo, logRepo, cfg.Worker.DownloadTimeout, logger)

	engine := dispatch.NewEngine(dispatch.Config{
		Endpoint:       cfg.Worker.Endpoint,
		CallbackURL:    cfg.Worker.CallbackURL,
		RequestTimeout: cfg.Worker.RequestTimeout,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		BackoffBase:    cfg.Worker.BackoffBase,
	}, manager, logRepo, reconciler, logger)

	queue := dispatch.NewQueue(engine, logger,
		dispatch.WithWorkers(cfg.Worker.QueueWorkers),
		dispatch.WithQueueSize(cfg.Worker.QueueSize),
	)

	watcher := watch.NewWatcher(manager, bus, watch.Config{
		PollAllInterval:    cfg.Watch.PollAllInterval,
		PollSingleInterval: cfg.Watch.PollSingleInterval,
	}, logger)

	histService := history.NewService(histRepo, logger)
	exportService := export.NewService(histService, logger)
	admitter := ingest.NewAdmitter(fileRepo, logger)
	service := server.NewService(admitter, manager, queue, logRepo, logger)

	handler := server.NewHandler(server.Deps{
		Service:    service,
		History:    histService,
		Export:     exportService,
		Reconciler: reconciler,
		Watcher:    watcher,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown interrupted", "error", err)
	}
	queue.Shutdown(shutdownCtx)

	logger.Info("stopped")
	return nil
}
