package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/buildqueue/cmd/buildqueue/container"
	"github.com/lyzr/buildqueue/common/bootstrap"
	"github.com/lyzr/buildqueue/common/db"
	"github.com/lyzr/buildqueue/common/repository"
)

// The sweeper is the background half of the engine: on every tick it reclaims
// expired leases and force-cancels builds older than the configured maximum
// age. It shares the container with the API service but runs no HTTP surface.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "buildqueue-sweeper",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.InitSchema(ctx, database)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap sweeper: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	interval := components.Config.Sweeper.Interval
	components.Logger.Info("sweeper ready",
		"interval", interval,
		"max_build_age", components.Config.Sweeper.MaxBuildAge,
		"batch_limit", components.Config.Sweeper.BatchLimit,
	)

	run(ctx, serviceContainer, interval)
	components.Logger.Info("sweeper stopped")
}

// run executes both sweeps every interval until the context is canceled.
// A sweep error is logged and retried on the next tick.
func run(ctx context.Context, c *container.Container, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sweep(ctx, c)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, c *container.Container) {
	log := c.Components.Logger

	reclaimed, err := c.BuildService.ResetExpiredBuilds(ctx)
	if err != nil {
		log.Error("lease reclamation sweep failed", "error", err)
	}

	timedOut, err := c.BuildService.TimeoutExpiredBuilds(ctx)
	if err != nil {
		log.Error("timeout sweep failed", "error", err)
	}

	if reclaimed > 0 || timedOut > 0 {
		log.Info("sweep finished", "reclaimed", reclaimed, "timed_out", timedOut)
	}
}
