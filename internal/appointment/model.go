package appointment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-cancellation/internal/deadline"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// Open reports whether the appointment can still be cancelled or
// rescheduled, time permitting.
func (s AppointmentStatus) Open() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusScheduled:
		return true
	default:
		return false
	}
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Appointment struct {
	ID               uuid.UUID
	DoctorID         uuid.UUID
	PatientID        uuid.UUID
	AvailabilityDate time.Time
	SlotStart        time.Time
	SlotEnd          time.Time
	Status           AppointmentStatus
	PaymentStatus    PaymentStatus
	Price            decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AppointmentView is an appointment together with what the patient may
// still do with it at the time the view was built.
type AppointmentView struct {
	Appointment
	Window       deadline.Window
	CancelBy     time.Time
	RescheduleBy time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Inconsistency is an appointment whose refund bookkeeping breaks one of the
// cancellation invariants.
type Inconsistency struct {
	AppointmentID uuid.UUID
	Status        AppointmentStatus
	PaymentStatus PaymentStatus
	RefundCount   int
	Problem       string
}

const (
	ProblemMissingRefund     = "refunded_without_refund_payment"
	ProblemUnflaggedRefund   = "refund_payment_without_refunded_status"
	ProblemRefundedNotClosed = "refunded_but_not_cancelled"
	ProblemMultipleRefunds   = "multiple_refund_payments"
)

func classify(status AppointmentStatus, paymentStatus PaymentStatus, refunds int) (string, bool) {
	switch {
	case refunds > 1:
		return ProblemMultipleRefunds, true
	case paymentStatus == PaymentRefunded && refunds == 0:
		return ProblemMissingRefund, true
	case paymentStatus != PaymentRefunded && refunds > 0:
		return ProblemUnflaggedRefund, true
	case paymentStatus == PaymentRefunded && status != StatusCancelled:
		return ProblemRefundedNotClosed, true
	default:
		return "", false
	}
}

// CancelResult is handed back to the caller of Cancel. Refund is set when a
// paid appointment was refunded.
type CancelResult struct {
	Status         ResultStatus
	Appointment    *Appointment
	PreviousStatus AppointmentStatus
	Refund         *payment.RefundSplit
	RefundPayment  *payment.Payment
}

type RescheduleResult struct {
	Status       ResultStatus
	Appointment  *Appointment
	Window       deadline.Window
	CancelBy     time.Time
	RescheduleBy time.Time
}
