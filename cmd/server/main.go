package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/api"
	"github.com/And03-11/animal-rescue-dashboard/internal/app"
	"github.com/And03-11/animal-rescue-dashboard/internal/auth"
	"github.com/And03-11/animal-rescue-dashboard/internal/config"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	// A local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	c, err := app.New(cfg)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, hub, err := build(ctx, c)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	hub.Start(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr(), "file_mode", cfg.Senders.FileMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func build(ctx context.Context, c *app.Container) (*api.Server, *api.EventHub, error) {
	cfg := c.Config()

	wh, err := c.Warehouse(ctx)
	if err != nil {
		return nil, nil, err
	}
	rc, err := c.Redis(ctx)
	if err != nil {
		return nil, nil, err
	}
	reader, err := c.Query(ctx)
	if err != nil {
		return nil, nil, err
	}
	worker, err := c.Worker(ctx)
	if err != nil {
		return nil, nil, err
	}
	locks, err := c.Locks(ctx)
	if err != nil {
		return nil, nil, err
	}

	// The hub listens for warehouse notifications only when there is a
	// warehouse to listen to.
	hub := api.NewEventHub(cfg.Warehouse.DatabaseURL)

	deps := api.Deps{
		Reader:     reader,
		Campaigns:  worker,
		Identities: c.Credentials(),
		Searcher:   c.Searcher(ctx),
		Events:     hub,
		Locks:      locks,
	}
	if shares, err := c.Shares(ctx); err != nil {
		logger.Warn("shared views disabled", "error", err)
	} else {
		deps.Shares = shares
	}
	if engine, err := c.SyncEngine(ctx, false); err != nil {
		logger.Warn("manual sync disabled", "error", err)
	} else {
		deps.Sync = engine
	}

	var db *sql.DB
	if wh != nil {
		db = wh.DB()
	}
	var bucket api.BucketPinger
	if b, err := c.TargetsBucket(ctx); err != nil {
		logger.Warn("targets bucket unavailable", "error", err)
	} else if b != nil {
		bucket = b
	}

	router := api.SetupRoutes(api.NewHandlers(deps), api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           auth.NewManager(cfg.Auth),
		Health:         api.NewHealthChecker(db, rc, bucket),
		Hub:            hub,
	})
	return api.NewServer(cfg.Server, router), hub, nil
}
