package main

import (
	"context"
	"flag"
	"os"
	"time"

	"lv-marginbook/internal/config"
	"lv-marginbook/internal/db"
	"lv-marginbook/internal/logger"
)

// backfill attaches legacy account state rows to per-user trading accounts.
func main() {
	migrate := flag.Bool("migrate", true, "apply pending migrations first")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	flag.Parse()

	log := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal().Msg("missing required env: DB_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *migrate {
		if err := db.Migrate(dsn, log); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}
	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	report, err := db.Backfill(ctx, pool, log)
	if err != nil {
		log.Error().Err(err).Interface("report", report).Msg("backfill failed")
		pool.Close()
		os.Exit(1)
	}
	log.Info().
		Int("users", report.Users).
		Int("created", report.Created).
		Int("attached", report.Attached).
		Int("skipped", report.Skipped).
		Msg("backfill complete")
}
