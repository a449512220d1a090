package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/telehealth-cancellation/internal/config"
	"github.com/hackgods/telehealth-cancellation/internal/deadline"
	"github.com/hackgods/telehealth-cancellation/internal/logging"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
	redisclient "github.com/hackgods/telehealth-cancellation/internal/redis"
)

const (
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventRefundIssued         = "REFUND_ISSUED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
)

const defaultStoreTimeout = 5 * time.Second

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	policy  deadline.Policy
	refunds payment.RefundCalculator
	cfg     config.Config
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config) *Service {
	rate := cfg.RefundRate
	if rate.IsZero() {
		rate = payment.DefaultRefundRate
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}

	policy := deadline.Default()
	if cfg.PolicyLocation != nil {
		policy.Location = cfg.PolicyLocation
	}

	return &Service{
		repo:    repo,
		locker:  locker,
		policy:  policy,
		refunds: payment.NewRefundCalculator(rate),
		cfg:     cfg,
	}
}

// Cancel cancels an appointment if the deadline policy still allows it and,
// when it was paid, books the partial refund.
//
// The status change, the refund payment and the payment status flip are one
// transaction. Concurrent cancels of the same appointment are serialized
// with a per-appointment lock, and the status update is conditional on the
// status read beforehand, so at most one refund is ever created.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*CancelResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var result *CancelResult

	err := s.locker.WithLock(ctx, redisclient.AppointmentLockKey(id), func(lockCtx context.Context) error {
		res, err := s.cancelLocked(lockCtx, id, now)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrCancellationInProgress
		}
		if isDomainError(err) {
			return nil, err
		}
		if errors.Is(err, ErrPersistence) {
			return nil, err
		}
		return nil, persistenceErr("cancel appointment", err)
	}

	payload := map[string]any{
		"previous_status": string(result.PreviousStatus),
	}
	s.logEvent(ctx, id, EventAppointmentCancelled, payload)
	if result.Refund != nil {
		s.logEvent(ctx, id, EventRefundIssued, map[string]any{
			"refund_payment_id": result.RefundPayment.ID.String(),
			"refund_amount":     result.Refund.RefundAmount.StringFixed(2),
			"penalty_amount":    result.Refund.PenaltyAmount.StringFixed(2),
		})
	}

	return result, nil
}

func (s *Service) cancelLocked(ctx context.Context, id uuid.UUID, now time.Time) (*CancelResult, error) {
	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !appt.Status.Open() {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidState, appt.Status)
	}

	window := s.policy.Evaluate(appt.AvailabilityDate, now)
	if !window.CanCancel() {
		return nil, &PolicyViolationError{Action: ActionCancel, Window: window}
	}

	var split *payment.RefundSplit
	if appt.PaymentStatus == PaymentCompleted {
		sp, err := s.refunds.Split(appt.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: refund for price %s: %v", ErrInvalidState, appt.Price, err)
		}
		split = &sp
	}

	var (
		updated *Appointment
		refund  *payment.Payment
	)

	err = s.repo.InTx(ctx, func(tx Repository) error {
		u, err := tx.UpdateAppointmentStatus(ctx, id, appt.Status, StatusCancelled)
		if err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}

		if split != nil {
			refund, err = s.bookRefund(ctx, tx, appt, *split, now)
			if err != nil {
				return err
			}
			u, err = tx.UpdateAppointmentPaymentStatus(ctx, id, PaymentCompleted, PaymentRefunded)
			if err != nil {
				return fmt.Errorf("mark refunded: %w", err)
			}
		}

		updated = u
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrDuplicateRefund):
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		default:
			return nil, persistenceErr("cancel appointment", err)
		}
	}

	logging.FromContext(ctx).Info().
		Str("appointment_id", id.String()).
		Str("previous_status", string(appt.Status)).
		Bool("refunded", split != nil).
		Msg("appointment cancelled")

	return &CancelResult{
		Status:         ResultOK,
		Appointment:    updated,
		PreviousStatus: appt.Status,
		Refund:         split,
		RefundPayment:  refund,
	}, nil
}

// bookRefund creates the refund payment and flags the original payment as
// refunded so the two are paired when the history is reconciled.
func (s *Service) bookRefund(ctx context.Context, tx Repository, appt *Appointment, split payment.RefundSplit, now time.Time) (*payment.Payment, error) {
	refund := &payment.Payment{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		Amount:        split.RefundAmount.Neg(),
		Status:        payment.StatusCompleted,
		PaymentDate:   now,
		Refund:        true,
	}

	original, err := tx.GetPaymentForAppointment(ctx, appt.ID)
	switch {
	case err == nil:
		if _, err := tx.UpdatePaymentStatus(ctx, original.ID, payment.StatusRefunded); err != nil {
			return nil, fmt.Errorf("mark original payment refunded: %w", err)
		}
		refund.Method = original.Method
		if original.TransactionID != "" {
			refund.TransactionID = "refund-" + original.TransactionID
		}
	case errors.Is(err, ErrPaymentNotFound):
		// paid status without a captured payment row; the refund still stands
		// on its own so the money owed is recorded
	default:
		return nil, fmt.Errorf("load original payment: %w", err)
	}

	if refund.TransactionID == "" {
		refund.TransactionID = "refund-" + refund.ID.String()
	}

	if err := tx.CreatePayment(ctx, refund); err != nil {
		return nil, fmt.Errorf("create refund payment: %w", err)
	}
	return refund, nil
}

// Reschedule checks whether the appointment may still be moved. It does not
// change the appointment: the caller books a new slot, and the old one is
// superseded by that booking.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, now time.Time) (*RescheduleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !appt.Status.Open() {
		return nil, fmt.Errorf("%w: appointment is %s", ErrInvalidState, appt.Status)
	}

	window := s.policy.Evaluate(appt.AvailabilityDate, now)
	if !window.CanReschedule() {
		return nil, &PolicyViolationError{Action: ActionReschedule, Window: window}
	}

	cancelBy, rescheduleBy := s.policy.Deadlines(appt.AvailabilityDate)
	return &RescheduleResult{
		Status:       ResultOK,
		Appointment:  appt,
		Window:       window,
		CancelBy:     cancelBy,
		RescheduleBy: rescheduleBy,
	}, nil
}

// ConfirmAppointment moves a pending appointment to confirmed.
func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, EventAppointmentConfirmed, StatusConfirmed, StatusPending)
}

// CompleteAppointment closes a confirmed or scheduled appointment.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, EventAppointmentCompleted, StatusCompleted, StatusConfirmed, StatusScheduled)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, event string, to AppointmentStatus, from ...AppointmentStatus) (*Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, f := range from {
		if appt.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move %s appointment to %s", ErrInvalidState, appt.Status, to)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, appt.Status, to)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, persistenceErr("update appointment status", err)
	}

	s.logEvent(ctx, id, event, map[string]any{
		"from": string(appt.Status),
		"to":   string(to),
	})

	return updated, nil
}

// GetAppointment returns the appointment with its deadline window evaluated
// at now.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, now time.Time) (*AppointmentView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	appt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &AppointmentView{Appointment: *appt, Window: deadline.WindowNone}
	view.CancelBy, view.RescheduleBy = s.policy.Deadlines(appt.AvailabilityDate)
	if appt.Status.Open() {
		view.Window = s.policy.Evaluate(appt.AvailabilityDate, now)
	}
	return view, nil
}

// PaymentHistory returns the reconciled payment list for one patient or doctor.
func (s *Service) PaymentHistory(ctx context.Context, filter payment.Filter) ([]payment.Entry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	payments, err := s.repo.ListPayments(ctx, filter)
	if err != nil {
		return nil, persistenceErr("list payments", err)
	}

	return payment.Reconcile(payments), nil
}

// MonthlyStatement totals one month of a patient's or doctor's payments.
func (s *Service) MonthlyStatement(ctx context.Context, filter payment.Filter, year int, month time.Month) (*payment.MonthlySummary, error) {
	entries, err := s.PaymentHistory(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := payment.Summarize(entries, year, month)
	return &summary, nil
}

// MonthlyBreakdown totals every month that has payments, newest first.
func (s *Service) MonthlyBreakdown(ctx context.Context, filter payment.Filter) ([]payment.MonthlySummary, error) {
	entries, err := s.PaymentHistory(ctx, filter)
	if err != nil {
		return nil, err
	}
	return payment.Breakdown(entries), nil
}

// AuditRefunds reports appointments whose refund bookkeeping is inconsistent.
// It is intended to be called by the audit worker periodically and never
// repairs anything itself.
func (s *Service) AuditRefunds(ctx context.Context) ([]Inconsistency, error) {
	found, err := s.repo.FindRefundInconsistencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("find refund inconsistencies: %w", err)
	}

	for _, inc := range found {
		log.Warn().
			Str("appointment_id", inc.AppointmentID.String()).
			Str("status", string(inc.Status)).
			Str("payment_status", string(inc.PaymentStatus)).
			Int("refund_count", inc.RefundCount).
			Str("problem", inc.Problem).
			Msg("refund invariant violated")
	}

	return found, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, persistenceErr("load appointment", err)
	}
	return appt, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	// the change is already committed; the event row is best effort
	evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.repo.InsertEvent(evCtx, ev); err != nil {
		log.Error().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrPolicyViolation)
}
