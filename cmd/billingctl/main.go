package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/forwardly/forwardly/cmd/billingctl/cli"
	"github.com/forwardly/forwardly/internal/app"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/billing/sequence"
	"github.com/forwardly/forwardly/internal/owners"
	"github.com/forwardly/forwardly/internal/platform/db"
	"github.com/forwardly/forwardly/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(load).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "billingctl:", err)
		os.Exit(1)
	}
}

func load(ctx context.Context) (cli.Deps, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return cli.Deps{}, nil, err
	}
	logger := app.NewLogger(cfg)
	loc, err := cfg.Location()
	if err != nil {
		return cli.Deps{}, nil, err
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return cli.Deps{}, nil, err
	}
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := jobs.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)

	allocator := sequence.NewAllocator(sequence.NewRepository(pool), ledger.NewRepository(pool),
		sequence.WithLocation(loc),
		sequence.WithLogger(logger),
	)
	release := func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
		pool.Close()
	}
	return cli.Deps{
		Counters:  allocator,
		Queue:     queue,
		Inspector: inspector,
		Migrator:  cli.PGMigrator{Pool: pool},
		Owners:    owners.NewRepository(pool),
	}, release, nil
}
