package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	// ErrStatusConflict means a conditional update found the row in a
	// different state than expected.
	ErrStatusConflict   = errors.New("status changed concurrently")
	ErrDuplicateRefund  = errors.New("appointment already has a refund payment")
	ErrDuplicatePayment = errors.New("appointment already has a payment")
)

// Repository contains all store interactions needed by the service.
type Repository interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Conditional updates: they only apply while the row is still in from.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	UpdateAppointmentPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error)

	// Payments
	GetPaymentForAppointment(ctx context.Context, appointmentID uuid.UUID) (*payment.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to payment.Status) (*payment.Payment, error)
	CreatePayment(ctx context.Context, p *payment.Payment) error
	ListPayments(ctx context.Context, filter payment.Filter) ([]payment.Payment, error)

	// Auditing
	FindRefundInconsistencies(ctx context.Context) ([]Inconsistency, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error

	// InTx runs fn against a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Repository) error) error
}
