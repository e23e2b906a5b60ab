package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pixelcraft/backend/internal/auth"
	"github.com/pixelcraft/backend/internal/config"
	"github.com/pixelcraft/backend/internal/jobs"
	"github.com/pixelcraft/backend/internal/keypool"
	"github.com/pixelcraft/backend/internal/logger"
	"github.com/pixelcraft/backend/internal/queue"
	"github.com/pixelcraft/backend/internal/router"
	"github.com/pixelcraft/backend/internal/services"
	"github.com/pixelcraft/backend/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableSource,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	validator, err := services.NewValidator(cfg.OperationSpecs())
	if err != nil {
		return fmt.Errorf("load operation catalog: %w", err)
	}
	keys, err := keypool.New(cfg.KeyConfigs(), keypool.WithCooldown(cfg.Provider.CooldownBase, cfg.Provider.CooldownMax))
	if err != nil {
		return fmt.Errorf("load provider keys: %w", err)
	}
	var queueOpts []queue.Option
	if cfg.Dispatcher.Aging > 0 {
		queueOpts = append(queueOpts, queue.WithAging(cfg.Dispatcher.Aging))
	}
	q := queue.New(queueOpts...)
	op := upstream.NewHTTPOperation(cfg.Provider.BaseURL, cfg.Provider.Timeout)

	dispatcher := services.NewDispatcher(q, keys, b.limiter, b.ledger, b.store, op, validator, b.events,
		cfg.ServicesDispatcher(), log)
	status := services.NewStatusService(b.store, q, keys, dispatcher)
	instance := cfg.Dispatcher.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	jobsSvc := jobs.NewService(b.ledger, b.store, q, validator, status, dispatcher, b.events, cfg.Retention.Jobs,
		instance, log)

	authSvc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.ServiceTokenHash)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if cfg.Auth.ServiceTokenHash == "" {
		log.Warn("no service token hash configured, credit grants are disabled")
	}

	if n, err := jobsSvc.Recover(ctx); err != nil {
		log.Error("recover unfinished jobs", "error", err)
	} else {
		log.Info("startup recovery finished", "recovered", n)
	}

	stopReconciler, err := b.startReconciler(ctx, cfg, log)
	if err != nil {
		return err
	}

	scanInterval := cfg.Dispatcher.ScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		q.RunScanner(ctx, scanInterval)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		purgeLoop(ctx, jobsSvc, cfg.Retention.PurgeInterval, log)
	}()

	handler := router.New(jobs.NewHandler(jobsSvc, b.ledger, status, validator, log), authSvc, router.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Checks:       b.checks,
	})
	srv := &http.Server{
		Addr:         "0.0.0.0:" + strconv.Itoa(cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	// in-flight attempts finish and settle before the stores close
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("dispatcher did not drain before the shutdown timeout")
	}
	stopReconciler(shutdownCtx)
	log.Info("server stopped")
	return nil
}

func purgeLoop(ctx context.Context, svc jobs.Service, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.PurgeExpired(ctx); err != nil {
				log.Error("purge expired jobs", "error", err)
			}
		}
	}
}
