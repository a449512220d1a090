package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
)

var ErrInvalidFilter = errors.New("filter needs exactly one of patient or doctor")

// Payment is a single captured payment or refund. Refunds carry a negative
// amount and/or the explicit Refund flag.
type Payment struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Amount        decimal.Decimal
	Method        string
	Status        Status
	TransactionID string
	PaymentDate   time.Time
	Refund        bool
	CreatedAt     time.Time

	// Appointment context joined at read time.
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	AppointmentDate time.Time
}

// IsRefund reports whether the payment moves money back to the patient.
func (p Payment) IsRefund() bool {
	return p.Refund || p.Amount.IsNegative()
}

// Filter selects the payments shown on one patient or doctor screen.
type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	From      *time.Time
	To        *time.Time
}

func (f Filter) Validate() error {
	if (f.PatientID == nil) == (f.DoctorID == nil) {
		return ErrInvalidFilter
	}
	return nil
}
