package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telehealth-cancellation/internal/fieldcrypt"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

const (
	uniqueViolation    = "23505"
	refundUniqueIndex  = "uq_payments_one_refund_per_appointment"
	chargeUniqueIndex  = "uq_payments_one_charge_per_appointment"
	appointmentColumns = "id, doctor_id, patient_id, availability_date, slot_start, slot_end, status, payment_status, price::text, created_at, updated_at"
	paymentColumns     = "id, appointment_id, amount::text, method, status, transaction_id, payment_date, is_refund, created_at"
)

// queryable is satisfied by both the pool and a transaction.
type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pool   *pgxpool.Pool
	q      queryable
	cipher fieldcrypt.Cipher
	inTx   bool
}

func NewPgRepository(pool *pgxpool.Pool, cipher fieldcrypt.Cipher) *PgRepository {
	if cipher == nil {
		cipher = fieldcrypt.Passthrough{}
	}
	return &PgRepository{pool: pool, q: pool, cipher: cipher}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.AvailabilityDate,
		&a.SlotStart,
		&a.SlotEnd,
		&a.Status,
		&a.PaymentStatus,
		&a.Price,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func (r *PgRepository) scanPayment(row pgx.Row, withContext bool) (*payment.Payment, error) {
	var (
		p               payment.Payment
		appointmentID   *uuid.UUID
		method, txnID   *string
		patientID       *uuid.UUID
		doctorID        *uuid.UUID
		appointmentDate *time.Time
	)

	dest := []any{
		&p.ID,
		&appointmentID,
		&p.Amount,
		&method,
		&p.Status,
		&txnID,
		&p.PaymentDate,
		&p.Refund,
		&p.CreatedAt,
	}
	if withContext {
		dest = append(dest, &patientID, &doctorID, &appointmentDate)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if appointmentID != nil {
		p.AppointmentID = *appointmentID
	}
	if method != nil {
		p.Method = *method
	}
	if txnID != nil {
		p.TransactionID = r.cipher.Decrypt(*txnID)
	}
	if patientID != nil {
		p.PatientID = *patientID
	}
	if doctorID != nil {
		p.DoctorID = *doctorID
	}
	if appointmentDate != nil {
		p.AppointmentDate = *appointmentDate
	}
	// pgx returns timestamptz in time.Local.
	p.PaymentDate = p.PaymentDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()

	return &p, nil
}

// Interface methods

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// CreateAppointment stores a booked appointment. Booking itself lives
// elsewhere; this is used by seeding.
func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, availability_date, slot_start, slot_end, status, payment_status, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric)
		RETURNING `+appointmentColumns+`
	`, a.ID, a.DoctorID, a.PatientID, a.AvailabilityDate, a.SlotStart, a.SlotEnd, a.Status, a.PaymentStatus, a.Price.StringFixed(2))

	created, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("%w: appointment %s is no longer %s", ErrStatusConflict, id, from)
	}
	return a, err
}

func (r *PgRepository) UpdateAppointmentPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET payment_status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND payment_status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("%w: appointment %s payment is no longer %s", ErrStatusConflict, id, from)
	}
	return a, err
}

func (r *PgRepository) GetPaymentForAppointment(ctx context.Context, appointmentID uuid.UUID) (*payment.Payment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE appointment_id = $1
		  AND NOT is_refund
	`, appointmentID)
	return r.scanPayment(row, false)
}

func (r *PgRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to payment.Status) (*payment.Payment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE payments
		SET status = $2
		WHERE id = $1
		RETURNING `+paymentColumns+`
	`, id, to)
	return r.scanPayment(row, false)
}

func (r *PgRepository) CreatePayment(ctx context.Context, p *payment.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var appointmentID *uuid.UUID
	if p.AppointmentID != uuid.Nil {
		appointmentID = &p.AppointmentID
	}

	err := r.q.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, amount, method, status, transaction_id, payment_date, is_refund, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, p.ID, appointmentID, p.Amount.StringFixed(2), p.Method, p.Status, r.cipher.Encrypt(p.TransactionID), p.PaymentDate, p.IsRefund()).
		Scan(&p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case refundUniqueIndex:
				return ErrDuplicateRefund
			case chargeUniqueIndex:
				return ErrDuplicatePayment
			}
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	return nil
}

func (r *PgRepository) ListPayments(ctx context.Context, filter payment.Filter) ([]payment.Payment, error) {
	query, args, err := listPaymentsQuery("postgres", filter).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list payments query: %w", err)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []payment.Payment
	for rows.Next() {
		p, err := r.scanPayment(rows, true)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindRefundInconsistencies(ctx context.Context) ([]Inconsistency, error) {
	rows, err := r.q.Query(ctx, inconsistencyQuery("p.is_refund"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Inconsistency
	for rows.Next() {
		var inc Inconsistency
		if err := rows.Scan(&inc.AppointmentID, &inc.Status, &inc.PaymentStatus, &inc.RefundCount); err != nil {
			return nil, err
		}
		if problem, bad := classify(inc.Status, inc.PaymentStatus, inc.RefundCount); bad {
			inc.Problem = problem
			result = append(result, inc)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(&PgRepository{pool: r.pool, q: tx, cipher: r.cipher, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// listPaymentsQuery joins each payment with its appointment so the screen
// filters (patient or doctor, date range) apply to the appointment owner.
func listPaymentsQuery(dialect string, filter payment.Filter) *goqu.SelectDataset {
	amount := goqu.L("p.amount::text")
	if dialect != "postgres" {
		amount = goqu.L("p.amount")
	}

	ds := goqu.Dialect(dialect).
		From(goqu.T("payments").As("p")).
		Join(goqu.T("appointments").As("a"), goqu.On(goqu.I("a.id").Eq(goqu.I("p.appointment_id")))).
		Select(
			goqu.I("p.id"),
			goqu.I("p.appointment_id"),
			amount,
			goqu.I("p.method"),
			goqu.I("p.status"),
			goqu.I("p.transaction_id"),
			goqu.I("p.payment_date"),
			goqu.I("p.is_refund"),
			goqu.I("p.created_at"),
			goqu.I("a.patient_id"),
			goqu.I("a.doctor_id"),
			goqu.I("a.availability_date"),
		).
		Prepared(true)

	if filter.PatientID != nil {
		ds = ds.Where(goqu.I("a.patient_id").Eq(filter.PatientID.String()))
	}
	if filter.DoctorID != nil {
		ds = ds.Where(goqu.I("a.doctor_id").Eq(filter.DoctorID.String()))
	}
	if filter.From != nil {
		ds = ds.Where(goqu.I("p.payment_date").Gte(timeArg(dialect, *filter.From)))
	}
	if filter.To != nil {
		ds = ds.Where(goqu.I("p.payment_date").Lte(timeArg(dialect, *filter.To)))
	}

	return ds.Order(goqu.I("p.payment_date").Desc(), goqu.I("p.created_at").Desc(), goqu.I("p.id").Asc())
}

func timeArg(dialect string, t time.Time) any {
	if dialect == "postgres" {
		return t
	}
	return formatTimestamp(t)
}

func inconsistencyQuery(refundPredicate string) string {
	return `
		SELECT a.id, a.status, a.payment_status, COUNT(p.id) AS refunds
		FROM appointments a
		LEFT JOIN payments p
		  ON p.appointment_id = a.id AND ` + refundPredicate + `
		GROUP BY a.id, a.status, a.payment_status
		HAVING COUNT(p.id) > 1
		    OR (a.payment_status = 'refunded' AND COUNT(p.id) = 0)
		    OR (a.payment_status <> 'refunded' AND COUNT(p.id) > 0)
		    OR (a.payment_status = 'refunded' AND a.status <> 'cancelled')
		ORDER BY a.id
	`
}
