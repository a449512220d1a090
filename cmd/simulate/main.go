package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/config"
	"github.com/hackgods/telehealth-cancellation/internal/db"
	"github.com/hackgods/telehealth-cancellation/internal/logging"
	redisclient "github.com/hackgods/telehealth-cancellation/internal/redis"
)

type SimConfig struct {
	APIBaseURL       string
	Workers          int
	SubmitsPerTarget int
	TargetLimit      int
	ReadRatio        float64
}

// OperationMetrics tallies responses per HTTP status. Transport failures
// are recorded under status 0.
type OperationMetrics struct {
	mu        sync.Mutex
	byStatus  map[int]int64
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	if err != nil {
		status = 0
	}

	om.mu.Lock()
	defer om.mu.Unlock()
	if om.byStatus == nil {
		om.byStatus = make(map[int]int64)
	}
	om.byStatus[status]++
	om.latencies = append(om.latencies, latency)
}

func (om *OperationMetrics) count(statuses ...int) int64 {
	om.mu.Lock()
	defer om.mu.Unlock()
	var n int64
	for _, st := range statuses {
		n += om.byStatus[st]
	}
	return n
}

func (om *OperationMetrics) total() int64 {
	om.mu.Lock()
	defer om.mu.Unlock()
	return int64(len(om.latencies))
}

type latencySummary struct {
	Avg, Min, Max, P50, P95 time.Duration
}

func (om *OperationMetrics) summarize() latencySummary {
	om.mu.Lock()
	sorted := slices.Clone(om.latencies)
	om.mu.Unlock()

	if len(sorted) == 0 {
		return latencySummary{}
	}
	slices.Sort(sorted)

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	at := func(pct int) time.Duration {
		return sorted[min(len(sorted)*pct/100, len(sorted)-1)]
	}
	return latencySummary{
		Avg: sum / time.Duration(len(sorted)),
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		P50: at(50),
		P95: at(95),
	}
}

type Metrics struct {
	Cancel     OperationMetrics
	ReadByID   OperationMetrics
	History    OperationMetrics
	Reschedule OperationMetrics
}

type target struct {
	ID        uuid.UUID
	PatientID uuid.UUID
}

type Simulator struct {
	config  SimConfig
	targets []target
	client  *http.Client
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load base config")
	}
	logging.Init("simulate", baseCfg.Env, baseCfg.LogLevel)

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Int("workers", cfg.Workers).
		Int("submits_per_target", cfg.SubmitsPerTarget).
		Float64("read_ratio", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, query, closeStore := openStore(ctx, baseCfg)
	defer closeStore()

	targets, err := loadTargets(ctx, query, baseCfg.StoreDriver, cfg.TargetLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("load targets")
	}
	log.Info().Int("targets", len(targets)).Msg("loaded cancellable paid appointments")

	sim := &Simulator{
		config:  cfg,
		targets: targets,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()

	// every target was hit by concurrent cancels; none may hold two refunds
	svc := appointment.NewService(repo, redisclient.NewLocalLocker(), baseCfg)
	found, err := svc.AuditRefunds(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("refund audit failed")
	}
	fmt.Printf("Refund audit: %d inconsistencies\n", len(found))
	if len(found) > 0 {
		os.Exit(1)
	}
}

type rowQuery func(ctx context.Context, query string, args ...any) ([][2]string, error)

func openStore(ctx context.Context, cfg config.Config) (appointment.Repository, rowQuery, func()) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("open sqlite")
		}
		return appointment.NewSQLiteRepository(conn, nil), sqliteQuery(conn), func() { conn.Close() }
	default:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "simulate")
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		return appointment.NewPgRepository(pool, nil), pgQuery(pool), pool.Close
	}
}

func pgQuery(pool *pgxpool.Pool) rowQuery {
	return func(ctx context.Context, query string, args ...any) ([][2]string, error) {
		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out [][2]string
		for rows.Next() {
			var id, patient uuid.UUID
			if err := rows.Scan(&id, &patient); err != nil {
				return nil, err
			}
			out = append(out, [2]string{id.String(), patient.String()})
		}
		return out, rows.Err()
	}
}

func sqliteQuery(conn *sql.DB) rowQuery {
	return func(ctx context.Context, query string, args ...any) ([][2]string, error) {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out [][2]string
		for rows.Next() {
			var r [2]string
			if err := rows.Scan(&r[0], &r[1]); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	}
}

// loadTargets picks paid, open appointments that are still cancellable.
func loadTargets(ctx context.Context, query rowQuery, driver string, limit int) ([]target, error) {
	dialect := "postgres"
	cutoff := any(time.Now().UTC().AddDate(0, 0, 3))
	if driver == config.DriverSQLite {
		dialect = "sqlite3"
		cutoff = time.Now().UTC().AddDate(0, 0, 3).Format("2006-01-02")
	}

	sqlStr, args, err := goqu.Dialect(dialect).
		From("appointments").
		Select("id", "patient_id").
		Where(
			goqu.C("status").In("pending", "confirmed", "scheduled"),
			goqu.C("payment_status").Eq("completed"),
			goqu.C("availability_date").Gte(cutoff),
		).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build target query: %w", err)
	}

	rows, err := query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no cancellable paid appointments found, run seed first")
	}

	out := make([]target, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r[0])
		if err != nil {
			return nil, err
		}
		patient, err := uuid.Parse(r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, target{ID: id, PatientID: patient})
	}
	return out, nil
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:       getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Workers:          getInt("SIM_WORKERS", 10),
		SubmitsPerTarget: getInt("SIM_SUBMITS_PER_TARGET", 5),
		TargetLimit:      getInt("SIM_TARGET_LIMIT", 200),
		ReadRatio:        getFloat("SIM_READ_RATIO", 0.3),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.SubmitsPerTarget <= 0 {
		return fmt.Errorf("SIM_SUBMITS_PER_TARGET must be > 0")
	}
	if cfg.TargetLimit <= 0 {
		return fmt.Errorf("SIM_TARGET_LIMIT must be > 0")
	}
	return nil
}

// Run sends SubmitsPerTarget simultaneous cancels for every target, the way a
// patient double tapping the cancel button would, mixed with reads.
func (s *Simulator) Run() {
	ctx := context.Background()
	jobs := make(chan target)

	log.Info().Int("targets", len(s.targets)).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for t := range jobs {
				s.storm(ctx, t, rng)
			}
		}(i)
	}

	for _, t := range s.targets {
		jobs <- t
	}
	close(jobs)

	wg.Wait()
	log.Info().Msg("simulation complete")
}

func (s *Simulator) storm(ctx context.Context, t target, rng *rand.Rand) {
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < s.config.SubmitsPerTarget; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.do(ctx, &s.metrics.Cancel, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", t.ID))
		}()
	}
	close(start)
	wg.Wait()

	if rng.Float64() < s.config.ReadRatio {
		s.do(ctx, &s.metrics.ReadByID, http.MethodGet, fmt.Sprintf("/appointments/%s", t.ID))
		s.do(ctx, &s.metrics.Reschedule, http.MethodPost, fmt.Sprintf("/appointments/%s/reschedule", t.ID))
		s.do(ctx, &s.metrics.History, http.MethodGet, fmt.Sprintf("/payments?patient_id=%s", t.PatientID))
	}
}

func (s *Simulator) do(ctx context.Context, om *OperationMetrics, method, path string) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, nil)
	if err != nil {
		om.Record(time.Since(start), 0, err)
		return
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		om.Record(latency, 0, err)
		return
	}
	resp.Body.Close()

	om.Record(latency, resp.StatusCode, nil)
}

func (s *Simulator) PrintReport() {
	log.Info().
		Int("targets", len(s.targets)).
		Int("submits_per_target", s.config.SubmitsPerTarget).
		Int("workers", s.config.Workers).
		Msg("simulation finished")

	reportOperation("cancel", &s.metrics.Cancel)
	reportOperation("read_by_id", &s.metrics.ReadByID)
	reportOperation("reschedule_check", &s.metrics.Reschedule)
	reportOperation("payment_history", &s.metrics.History)

	log.Info().
		Int64("cancelled", s.metrics.Cancel.count(http.StatusOK)).
		Int("targets", len(s.targets)).
		Msg("successful cancels")
}

func reportOperation(name string, om *OperationMetrics) {
	total := om.total()
	if total == 0 {
		return
	}

	ok := om.count(http.StatusOK)
	failed := total - ok - om.count(http.StatusConflict, http.StatusUnprocessableEntity)
	lat := om.summarize()

	ev := log.Info()
	if failed > 0 {
		ev = log.Warn()
	}
	ev.Str("operation", name).
		Int64("total", total).
		Int64("ok", ok).
		Int64("conflict", om.count(http.StatusConflict)).
		Int64("policy_rejected", om.count(http.StatusUnprocessableEntity)).
		Int64("failed", failed).
		Str("success_rate", fmt.Sprintf("%.1f%%", float64(ok)/float64(total)*100)).
		Dur("avg", lat.Avg.Round(time.Millisecond)).
		Dur("min", lat.Min.Round(time.Millisecond)).
		Dur("max", lat.Max.Round(time.Millisecond)).
		Dur("p50", lat.P50.Round(time.Millisecond)).
		Dur("p95", lat.P95.Round(time.Millisecond)).
		Msg("operation report")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
