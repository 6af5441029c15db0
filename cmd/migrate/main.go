package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"lendpath.io/internal/config"
	"lendpath.io/internal/migrate"
	"lendpath.io/internal/obs"
	"lendpath.io/internal/store/pg"
	"lendpath.io/migrations"
)

const usage = "usage: migrate [--dsn DSN] up|down|seed|status"

func main() {
	var (
		dsn     = pflag.String("dsn", "", "PostgreSQL DSN (defaults to DATABASE_URL or DB_* settings)")
		timeout = pflag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	pflag.Parse()

	if err := run(*dsn, *timeout, pflag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(dsn string, timeout time.Duration, args []string) error {
	if len(args) != 1 {
		return errors.New(usage)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if dsn == "" {
		dsn = cfg.DSN()
	}
	if dsn == "" {
		return errors.New("missing DSN: provide --dsn or DATABASE_URL")
	}
	log, err := obs.NewLogger(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := pg.Open(dsn, 2)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations.SQL(), migrations.Seeds(), migrate.WithLogger(log))

	cmd := args[0]
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			fmt.Println(e)
		}
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Error("migration failed", zap.String("command", cmd), zap.Error(err))
		return fmt.Errorf("migrate %s: %w", cmd, err)
	}
	return nil
}
