package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hydro-costing/internal/adapters/cli"
	"hydro-costing/internal/adapters/repl"
	"hydro-costing/internal/app"
	"hydro-costing/internal/config"
	"hydro-costing/internal/core"
	"hydro-costing/internal/db"
	"hydro-costing/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	// stdout carries command output; logs go to stderr.
	log := logger.NewWithWriter(os.Stderr, cfg.App.Env)

	if len(args) > 0 && args[0] == "migrate" {
		if err := db.Migrate(cfg.Postgres.DSN); err != nil {
			return err
		}
		version, err := db.MigrationVersion(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Printf("Schema at version %d.\n", version)
		return nil
	}

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()

	queue := core.NewQueue(cfg.Jobs.Buffer, log)
	svcs := app.NewServices(pool, settings, queue, log)
	worker := core.NewWorker(queue, log)
	worker.Handle(core.JobComponentMovements, svcs.Reporter.Handle)

	// Jobs enqueued by this process are drained before exit.
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = worker.Run(context.WithoutCancel(ctx))
	}()
	defer func() {
		queue.Close()
		<-workerDone
	}()

	svc := app.NewAppService(svcs, settings)
	if len(args) == 0 {
		repl.Run(ctx, svc, bufio.NewReader(os.Stdin), os.Stdout)
		return nil
	}
	return cli.Run(ctx, svc, args, os.Stdin, os.Stdout)
}

func configPath() string {
	if p := os.Getenv("HYDRO_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}
