package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/config"
	"github.com/hackgods/telehealth-cancellation/internal/db"
	"github.com/hackgods/telehealth-cancellation/internal/fieldcrypt"
	"github.com/hackgods/telehealth-cancellation/internal/logging"
	redisclient "github.com/hackgods/telehealth-cancellation/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	logging.Init("refund-audit", cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.AuditInterval).
		Msg("refund-audit starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := fieldcrypt.New(cfg.FieldKey)
	if err != nil {
		log.Fatal().Err(err).Msg("field cipher error")
	}

	var repo appointment.Repository

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "refund-audit")
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()
		log.Info().Msg("connected to Postgres")
		repo = appointment.NewPgRepository(pgPool, cipher)

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(rootCtx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("sqlite open error")
		}
		defer conn.Close()
		repo = appointment.NewSQLiteRepository(conn, cipher)
	}

	// the auditor never cancels, so it does not need the shared lock
	svc := appointment.NewService(repo, redisclient.NewLocalLocker(), cfg)

	runOnce(rootCtx, svc)

	ticker := time.NewTicker(cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping refund audit")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	found, err := svc.AuditRefunds(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("audit run error")
		return
	}
	log.Info().
		Int("inconsistencies", len(found)).
		Dur("took", time.Since(start)).
		Msg("audit run complete")
}
