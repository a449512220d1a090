package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/telehealth-cancellation/internal/api"
	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/config"
	"github.com/hackgods/telehealth-cancellation/internal/db"
	"github.com/hackgods/telehealth-cancellation/internal/fieldcrypt"
	"github.com/hackgods/telehealth-cancellation/internal/logging"
	redisclient "github.com/hackgods/telehealth-cancellation/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	logging.Init("api-server", cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := fieldcrypt.New(cfg.FieldKey)
	if err != nil {
		log.Fatal().Err(err).Msg("field cipher error")
	}

	var (
		repo     appointment.Repository
		pgPool   *pgxpool.Pool
		sqliteDB *sql.DB
		rdb      *redis.Client
		locker   redisclient.Locker
	)

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "api-server")
		if err == nil && cfg.MigrateOnStart {
			err = db.MigratePostgres(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()
		log.Info().Msg("connected to Postgres")
		repo = appointment.NewPgRepository(pgPool, cipher)

		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Msg("connected to Redis")
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)

	case config.DriverSQLite:
		sqliteDB, err = db.OpenSQLite(rootCtx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("sqlite open error")
		}
		defer sqliteDB.Close()
		log.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
		repo = appointment.NewSQLiteRepository(sqliteDB, cipher)
		// a single process owns the file, so an in-process lock is enough
		locker = redisclient.NewLocalLocker()
	}

	svc := appointment.NewService(repo, locker, cfg)

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		PgPool:      pgPool,
		SQLite:      sqliteDB,
		Redis:       rdb,
		CORSOrigins: cfg.CORSOrigins,
		Env:         cfg.Env,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()

	log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
