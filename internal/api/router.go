package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

// AppointmentService is the part of appointment.Service the handlers use.
type AppointmentService interface {
	GetAppointment(ctx context.Context, id uuid.UUID, now time.Time) (*appointment.AppointmentView, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*appointment.CancelResult, error)
	Reschedule(ctx context.Context, id uuid.UUID, now time.Time) (*appointment.RescheduleResult, error)
	ConfirmAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CompleteAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	PaymentHistory(ctx context.Context, filter payment.Filter) ([]payment.Entry, error)
	MonthlyStatement(ctx context.Context, filter payment.Filter, year int, month time.Month) (*payment.MonthlySummary, error)
	MonthlyBreakdown(ctx context.Context, filter payment.Filter) ([]payment.MonthlySummary, error)
}

// Clock returns the current time. Handlers evaluate deadlines against it.
type Clock func() time.Time

type RouterConfig struct {
	Service AppointmentService
	// Store dependencies; nil ones are left out of the readiness check.
	PgPool      *pgxpool.Pool
	SQLite      *sql.DB
	Redis       *redis.Client
	CORSOrigins []string
	Clock       Clock
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	health := NewHealthHandler(cfg.Env, cfg.Version)
	if cfg.PgPool != nil {
		health.Check("postgres", true, cfg.PgPool.Ping)
	}
	if cfg.SQLite != nil {
		health.Check("sqlite", true, cfg.SQLite.PingContext)
	}
	if cfg.Redis != nil {
		health.Check("redis", false, func(ctx context.Context) error {
			return cfg.Redis.Ping(ctx).Err()
		})
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(cfg.Service, cfg.Clock))
		r.Post("/cancel", cancelAppointmentHandler(cfg.Service, cfg.Clock))
		r.Post("/reschedule", rescheduleAppointmentHandler(cfg.Service, cfg.Clock))
		r.Post("/confirm", confirmAppointmentHandler(cfg.Service))
		r.Post("/complete", completeAppointmentHandler(cfg.Service))
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/", listPaymentsHandler(cfg.Service))
		r.Get("/summary", monthlySummaryHandler(cfg.Service, cfg.Clock))
		r.Get("/breakdown", monthlyBreakdownHandler(cfg.Service))
	})

	return r
}
