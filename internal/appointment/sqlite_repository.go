package appointment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-cancellation/internal/fieldcrypt"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

const (
	sqliteTimestamp = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteDate      = "2006-01-02"
)

type sqlQueryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteRepository is the Repository used for single instance deployments
// and local development. It mirrors PgRepository, storing timestamps and
// amounts as text.
type SQLiteRepository struct {
	db     *sql.DB
	q      sqlQueryable
	cipher fieldcrypt.Cipher
	inTx   bool
}

func NewSQLiteRepository(db *sql.DB, cipher fieldcrypt.Cipher) *SQLiteRepository {
	if cipher == nil {
		cipher = fieldcrypt.Passthrough{}
	}
	return &SQLiteRepository{db: db, q: db, cipher: cipher}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(sqliteTimestamp)
}

func formatDate(t time.Time) string {
	return t.Format(sqliteDate)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(sqliteTimestamp, s)
}

func scanSQLiteAppointment(row rowScanner) (*Appointment, error) {
	var (
		a                                  Appointment
		date, start, end, created, updated string
		price                              string
	)

	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &date, &start, &end,
		&a.Status, &a.PaymentStatus, &price, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.AvailabilityDate, err = time.Parse(sqliteDate, date); err != nil {
		return nil, fmt.Errorf("parse availability_date %q: %w", date, err)
	}
	if a.SlotStart, err = parseTimestamp(start); err != nil {
		return nil, fmt.Errorf("parse slot_start: %w", err)
	}
	if a.SlotEnd, err = parseTimestamp(end); err != nil {
		return nil, fmt.Errorf("parse slot_end: %w", err)
	}
	if a.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if a.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}

	return &a, nil
}

func (r *SQLiteRepository) scanPayment(row rowScanner, withContext bool) (*payment.Payment, error) {
	var (
		p                    payment.Payment
		appointmentID        *uuid.UUID
		amount               string
		method, txnID        sql.NullString
		paymentDate, created string
		patientID, doctorID  *uuid.UUID
		appointmentDate      sql.NullString
	)

	dest := []any{&p.ID, &appointmentID, &amount, &method, &p.Status, &txnID, &paymentDate, &p.Refund, &created}
	if withContext {
		dest = append(dest, &patientID, &doctorID, &appointmentDate)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if p.PaymentDate, err = parseTimestamp(paymentDate); err != nil {
		return nil, fmt.Errorf("parse payment_date: %w", err)
	}
	if p.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	if appointmentID != nil {
		p.AppointmentID = *appointmentID
	}
	p.Method = method.String
	if txnID.Valid {
		p.TransactionID = r.cipher.Decrypt(txnID.String)
	}
	if patientID != nil {
		p.PatientID = *patientID
	}
	if doctorID != nil {
		p.DoctorID = *doctorID
	}
	if appointmentDate.Valid {
		if d, err := time.Parse(sqliteDate, appointmentDate.String); err == nil {
			p.AppointmentDate = d
		}
	}

	return &p, nil
}

const sqliteAppointmentColumns = "id, doctor_id, patient_id, availability_date, slot_start, slot_end, status, payment_status, price, created_at, updated_at"
const sqlitePaymentColumns = "id, appointment_id, amount, method, status, transaction_id, payment_date, is_refund, created_at"

func (r *SQLiteRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+sqliteAppointmentColumns+`
		FROM appointments
		WHERE id = ?
	`, id.String())
	return scanSQLiteAppointment(row)
}

// CreateAppointment stores a booked appointment. Booking itself lives
// elsewhere; this is used by seeding and tests.
func (r *SQLiteRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO appointments (`+sqliteAppointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.DoctorID.String(), a.PatientID.String(), formatDate(a.AvailabilityDate),
		formatTimestamp(a.SlotStart), formatTimestamp(a.SlotEnd), string(a.Status), string(a.PaymentStatus),
		a.Price.StringFixed(2), formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	return r.conditionalUpdate(ctx, id, "status", string(from), string(to))
}

func (r *SQLiteRepository) UpdateAppointmentPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error) {
	return r.conditionalUpdate(ctx, id, "payment_status", string(from), string(to))
}

func (r *SQLiteRepository) conditionalUpdate(ctx context.Context, id uuid.UUID, column, from, to string) (*Appointment, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE appointments
		SET `+column+` = ?,
		    updated_at = ?
		WHERE id = ?
		  AND `+column+` = ?
	`, to, formatTimestamp(time.Now()), id.String(), from)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: appointment %s %s is no longer %s", ErrStatusConflict, id, column, from)
	}

	return r.GetAppointmentByID(ctx, id)
}

func (r *SQLiteRepository) GetPaymentForAppointment(ctx context.Context, appointmentID uuid.UUID) (*payment.Payment, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+sqlitePaymentColumns+`
		FROM payments
		WHERE appointment_id = ?
		  AND is_refund = 0
	`, appointmentID.String())
	return r.scanPayment(row, false)
}

func (r *SQLiteRepository) getPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+sqlitePaymentColumns+`
		FROM payments
		WHERE id = ?
	`, id.String())
	return r.scanPayment(row, false)
}

func (r *SQLiteRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to payment.Status) (*payment.Payment, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE payments SET status = ? WHERE id = ?`, string(to), id.String())
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrPaymentNotFound
	}
	return r.getPayment(ctx, id)
}

func (r *SQLiteRepository) CreatePayment(ctx context.Context, p *payment.Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var appointmentID any
	if p.AppointmentID != uuid.Nil {
		appointmentID = p.AppointmentID.String()
	}
	p.CreatedAt = time.Now().UTC()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (`+sqlitePaymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID.String(), appointmentID, p.Amount.StringFixed(2), p.Method, string(p.Status),
		r.cipher.Encrypt(p.TransactionID), formatTimestamp(p.PaymentDate), p.IsRefund(), formatTimestamp(p.CreatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			if p.IsRefund() {
				return ErrDuplicateRefund
			}
			return ErrDuplicatePayment
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListPayments(ctx context.Context, filter payment.Filter) ([]payment.Payment, error) {
	query, args, err := listPaymentsQuery("sqlite3", filter).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list payments query: %w", err)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
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

func (r *SQLiteRepository) FindRefundInconsistencies(ctx context.Context) ([]Inconsistency, error) {
	rows, err := r.q.QueryContext(ctx, inconsistencyQuery("p.is_refund = 1"))
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

	return result, rows.Err()
}

func (r *SQLiteRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appointmentID any
	if ev.AppointmentID != nil {
		appointmentID = ev.AppointmentID.String()
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.EventType, appointmentID, string(ev.Payload), formatTimestamp(created))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) InTx(ctx context.Context, fn func(tx Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&SQLiteRepository{db: r.db, q: tx, cipher: r.cipher, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
