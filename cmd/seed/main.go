package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/config"
	"github.com/hackgods/telehealth-cancellation/internal/db"
	"github.com/hackgods/telehealth-cancellation/internal/fieldcrypt"
	"github.com/hackgods/telehealth-cancellation/internal/logging"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
	redisclient "github.com/hackgods/telehealth-cancellation/internal/redis"
)

const (
	doctorCount      = 50
	patientCount     = 1000
	appointmentCount = 3000
)

// store is what the seeder needs beyond appointment.Repository.
type store interface {
	appointment.Repository
	CreateAppointment(ctx context.Context, a *appointment.Appointment) error
}

// execer runs a statement built by goqu against either backend.
type execer func(ctx context.Context, query string, args ...any) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logging.Init("seed", cfg.Env, cfg.LogLevel)
	log.Info().Str("store", cfg.StoreDriver).Msg("seed starting")

	ctx := context.Background()

	cipher, err := fieldcrypt.New(cfg.FieldKey)
	if err != nil {
		log.Fatal().Err(err).Msg("field cipher error")
	}

	var (
		repo    store
		dialect string
		exec    execer
	)

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN, "seed")
		if err == nil {
			err = db.MigratePostgres(connCtx, pool)
		}
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		repo, dialect, exec = appointment.NewPgRepository(pool, cipher), "postgres", pgExec(pool)

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("open sqlite")
		}
		defer conn.Close()
		repo, dialect, exec = appointment.NewSQLiteRepository(conn, cipher), "sqlite3", sqliteExec(conn)
	}

	gofakeit.Seed(time.Now().UnixNano())

	doctors, err := seedDoctors(ctx, dialect, exec, doctorCount)
	if err != nil {
		log.Fatal().Err(err).Msg("seed doctors")
	}
	patients, err := seedPatients(ctx, dialect, exec, patientCount)
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	svc := appointment.NewService(repo, redisclient.NewLocalLocker(), cfg)
	if err := seedAppointments(ctx, repo, svc, doctors, patients, appointmentCount); err != nil {
		log.Fatal().Err(err).Msg("seed appointments")
	}

	log.Info().Msg("seed complete")
}

func pgExec(pool *pgxpool.Pool) execer {
	return func(ctx context.Context, query string, args ...any) error {
		_, err := pool.Exec(ctx, query, args...)
		return err
	}
}

func sqliteExec(conn *sql.DB) execer {
	return func(ctx context.Context, query string, args ...any) error {
		_, err := conn.ExecContext(ctx, query, args...)
		return err
	}
}

// stamp is a timestamp column value in the representation each backend stores.
func stamp(dialect string, t time.Time) any {
	if dialect == "postgres" {
		return t
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func insert(ctx context.Context, dialect string, exec execer, table string, rows []goqu.Record) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	query, args, err := goqu.Dialect(dialect).Insert(table).Rows(values...).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert into %s: %w", table, err)
	}
	return exec(ctx, query, args...)
}

func seedDoctors(ctx context.Context, dialect string, exec execer, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding doctors")

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	now := time.Now()
	ids := make([]uuid.UUID, 0, count)
	rows := make([]goqu.Record, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		ids = append(ids, id)
		rows = append(rows, goqu.Record{
			"id":         id.String(),
			"name":       "Dr. " + gofakeit.Name(),
			"specialty":  specialties[gofakeit.Number(0, len(specialties)-1)],
			"created_at": stamp(dialect, now),
			"updated_at": stamp(dialect, now),
		})
	}

	if err := insert(ctx, dialect, exec, "doctors", rows); err != nil {
		return nil, err
	}
	log.Info().Msg("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, dialect string, exec execer, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	now := time.Now()
	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		rows := make([]goqu.Record, 0, end-offset)
		for i := offset; i < end; i++ {
			id := uuid.New()
			ids = append(ids, id)
			rows = append(rows, goqu.Record{
				"id":         id.String(),
				"name":       gofakeit.Name(),
				"email":      gofakeit.Email(),
				"created_at": stamp(dialect, now),
				"updated_at": stamp(dialect, now),
			})
		}

		if err := insert(ctx, dialect, exec, "patients", rows); err != nil {
			return nil, err
		}
		log.Info().Int("seeded", end).Int("total", count).Msg("patients batch seeded")
	}

	return ids, nil
}

// seedAppointments books appointments from a month back to a month ahead.
// About two thirds are paid, and some paid past ones are cancelled through the
// service so the store holds real refund pairs.
func seedAppointments(ctx context.Context, repo store, svc *appointment.Service, doctors, patients []uuid.UUID, count int) error {
	log.Info().Int("count", count).Msg("seeding appointments")

	prices := []string{"25.00", "40.00", "45.55", "60.00", "75.50", "99.99", "120.00"}
	methods := []string{"card", "upi", "wallet", "netbanking"}
	today := time.Now().UTC().Truncate(24 * time.Hour)

	var paid, cancelled int
	for i := 0; i < count; i++ {
		date := today.AddDate(0, 0, gofakeit.Number(-30, 30))
		start := date.Add(time.Duration(gofakeit.Number(8, 17)) * time.Hour)

		a := &appointment.Appointment{
			ID:               uuid.New(),
			DoctorID:         doctors[gofakeit.Number(0, len(doctors)-1)],
			PatientID:        patients[gofakeit.Number(0, len(patients)-1)],
			AvailabilityDate: date,
			SlotStart:        start,
			SlotEnd:          start.Add(30 * time.Minute),
			Status:           appointment.StatusConfirmed,
			PaymentStatus:    appointment.PaymentPending,
			Price:            decimal.RequireFromString(prices[gofakeit.Number(0, len(prices)-1)]),
		}
		isPaid := gofakeit.Number(0, 2) > 0
		cancel := isPaid && date.Before(today) && gofakeit.Number(0, 4) == 0
		if isPaid {
			a.PaymentStatus = appointment.PaymentCompleted
		}
		if date.Before(today) && !cancel {
			a.Status = appointment.StatusCompleted
		}

		if err := repo.CreateAppointment(ctx, a); err != nil {
			return err
		}
		if !isPaid {
			continue
		}

		bookedAt := date.AddDate(0, 0, -gofakeit.Number(3, 10))
		err := repo.CreatePayment(ctx, &payment.Payment{
			AppointmentID: a.ID,
			Amount:        a.Price,
			Method:        methods[gofakeit.Number(0, len(methods)-1)],
			Status:        payment.StatusCompleted,
			TransactionID: "txn_" + gofakeit.LetterN(12),
			PaymentDate:   bookedAt,
		})
		if err != nil {
			return err
		}
		paid++

		if !cancel {
			continue
		}
		// the day after booking is always inside the cancellation window
		if _, err := svc.Cancel(ctx, a.ID, bookedAt.AddDate(0, 0, 1)); err != nil {
			return fmt.Errorf("cancel seeded appointment %s: %w", a.ID, err)
		}
		cancelled++
	}

	log.Info().Int("paid", paid).Int("cancelled", cancelled).Msg("appointments seeded")
	return nil
}
