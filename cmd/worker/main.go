package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/app"
	"github.com/And03-11/animal-rescue-dashboard/internal/config"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/And03-11/animal-rescue-dashboard/internal/scheduler"
	"github.com/joho/godotenv"
)

const heartbeatPeriod = 5 * time.Minute

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()
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

	sched, err := build(ctx, c)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)
	logger.Info("worker running", "file_mode", cfg.Senders.FileMode)

	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, st := range sched.Stats() {
					logger.Info("job heartbeat", "job", st.Name, "runs", st.Runs, "failed", st.Failed,
						"dropped", st.Dropped, "skipped", st.Skipped, "running", st.Running)
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	cancel()
	sched.Stop()
	logger.Info("worker stopped")
}

func build(ctx context.Context, c *app.Container) (*scheduler.Scheduler, error) {
	cfg := c.Config()

	worker, err := c.Worker(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := c.Locks(ctx)
	if err != nil {
		return nil, err
	}

	// Campaigns a previous process left mid-send finish before new ones start.
	resumed, err := worker.Resume(ctx)
	if err != nil {
		logger.Error("resume in-flight campaigns", "error", err)
	}
	for _, r := range resumed {
		logger.Info("resumed campaign", "campaign_id", r.CampaignID, "state", r.State, "sent", r.Sent, "failed", r.Failed)
	}

	sched := scheduler.New(locks)
	if err := sched.Add(scheduler.Job{
		Name:   "email-check",
		Period: cfg.Senders.CheckInterval(),
		Run: func(ctx context.Context) error {
			results, err := worker.Tick(ctx)
			for _, r := range results {
				logger.Info("campaign drained", "campaign_id", r.CampaignID, "state", r.State,
					"targets", r.Targets, "sent", r.Sent, "failed", r.Failed, "skipped", r.Skipped)
			}
			return err
		},
		RunOnStart: true,
	}); err != nil {
		return nil, err
	}

	engine, err := c.SyncEngine(ctx, false)
	switch {
	case errors.Is(err, apperr.ErrFatal):
		logger.Warn("incremental sync disabled", "error", err)
	case err != nil:
		return nil, err
	default:
		if err := sched.Add(scheduler.Job{
			Name:   "sync",
			Period: cfg.Sync.Interval(),
			Run: func(ctx context.Context) error {
				report := engine.Run(ctx)
				logger.Info("sync finished", "writes", report.Writes(), "failed", report.Failed())
				if report.Failed() {
					return apperr.Transient(errors.New("one or more tables failed to sync"))
				}
				return nil
			},
			RunOnStart: true,
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
