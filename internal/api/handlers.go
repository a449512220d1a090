package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

func getAppointmentHandler(svc AppointmentService, now Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		view, err := svc.GetAppointment(r.Context(), id, now())
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := toAppointmentResponse(&view.Appointment)
		resp.Window = view.Window.String()
		resp.CancelBy = view.CancelBy.Format(dateLayout)
		resp.RescheduleBy = view.RescheduleBy.Format(dateLayout)

		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelAppointmentHandler(svc AppointmentService, now Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		res, err := svc.Cancel(r.Context(), id, now())
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := CancelResponse{
			Status:      string(res.Status),
			Appointment: toAppointmentResponse(res.Appointment),
		}
		if res.Refund != nil {
			resp.Refund = &RefundResponse{
				RefundAmount:  res.Refund.RefundAmount.StringFixed(2),
				PenaltyAmount: res.Refund.PenaltyAmount.StringFixed(2),
			}
			if res.RefundPayment != nil {
				resp.Refund.PaymentID = res.RefundPayment.ID
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func rescheduleAppointmentHandler(svc AppointmentService, now Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		res, err := svc.Reschedule(r.Context(), id, now())
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, RescheduleResponse{
			Status:       string(res.Status),
			Appointment:  toAppointmentResponse(res.Appointment),
			Window:       res.Window.String(),
			CancelBy:     res.CancelBy.Format(dateLayout),
			RescheduleBy: res.RescheduleBy.Format(dateLayout),
		})
	}
}

func confirmAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.ConfirmAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.CompleteAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listPaymentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}

		entries, err := svc.PaymentHistory(r.Context(), filter)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]PaymentResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, toEntryResponse(e))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// monthlySummaryHandler defaults to the current UTC month.
func monthlySummaryHandler(svc AppointmentService, now Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}

		ref := now().UTC()
		year, month := ref.Year(), ref.Month()

		if v := r.URL.Query().Get("year"); v != "" {
			year, err = strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_year", "year must be a number")
				return
			}
		}
		if v := r.URL.Query().Get("month"); v != "" {
			m, err := strconv.Atoi(v)
			if err != nil || m < 1 || m > 12 {
				writeError(w, http.StatusBadRequest, "invalid_month", "month must be between 1 and 12")
				return
			}
			month = time.Month(m)
		}

		summary, err := svc.MonthlyStatement(r.Context(), filter, year, month)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSummaryResponse(*summary))
	}
}

func monthlyBreakdownHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}

		months, err := svc.MonthlyBreakdown(r.Context(), filter)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]MonthlySummaryResponse, 0, len(months))
		for _, m := range months {
			resp = append(resp, toSummaryResponse(m))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parseFilter reads patient_id or doctor_id and an optional from/to range.
// A date-only "to" includes the whole day.
func parseFilter(r *http.Request) (payment.Filter, error) {
	q := r.URL.Query()
	var f payment.Filter

	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("patient_id must be a valid UUID")
		}
		f.PatientID = &id
	}
	if v := q.Get("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("doctor_id must be a valid UUID")
		}
		f.DoctorID = &id
	}
	if v := q.Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		f.To = &t
	}

	return f, f.Validate()
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, errors.New("expected YYYY-MM-DD or RFC 3339 time")
	}
	return t, false, nil
}

// handleServiceError maps service errors onto HTTP statuses. The error code
// in the body is the result status clients switch on.
func handleServiceError(w http.ResponseWriter, err error) {
	code := string(appointment.StatusFromError(err))

	var pv *appointment.PolicyViolationError
	switch {
	case errors.Is(err, payment.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
	case errors.As(err, &pv):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   code,
			Details: pv.Error(),
			Reason:  pv.Reason(),
		})
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, code, err.Error())
	case errors.Is(err, appointment.ErrInvalidState),
		errors.Is(err, appointment.ErrCancellationInProgress):
		writeError(w, http.StatusConflict, code, err.Error())
	default:
		log.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusServiceUnavailable, code, "the operation could not be completed, nothing was changed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
