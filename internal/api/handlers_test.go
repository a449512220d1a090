package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/config"
	"github.com/hackgods/telehealth-cancellation/internal/db"
	"github.com/hackgods/telehealth-cancellation/internal/deadline"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
	redisclient "github.com/hackgods/telehealth-cancellation/internal/redis"
)

var fixedNow = time.Date(2025, time.June, 10, 9, 30, 0, 0, time.UTC)

// stubService returns canned results and records the filter it was given.
type stubService struct {
	err        error
	appt       *appointment.Appointment
	cancel     *appointment.CancelResult
	reschedule *appointment.RescheduleResult
	entries    []payment.Entry
	summary    *payment.MonthlySummary

	gotFilter payment.Filter
	gotYear   int
	gotMonth  time.Month
	gotNow    time.Time
}

func (s *stubService) GetAppointment(_ context.Context, _ uuid.UUID, now time.Time) (*appointment.AppointmentView, error) {
	s.gotNow = now
	if s.err != nil {
		return nil, s.err
	}
	return &appointment.AppointmentView{
		Appointment:  *s.appt,
		Window:       deadline.WindowRescheduleOnly,
		CancelBy:     s.appt.AvailabilityDate.AddDate(0, 0, -2),
		RescheduleBy: s.appt.AvailabilityDate.AddDate(0, 0, -1),
	}, nil
}

func (s *stubService) Cancel(_ context.Context, _ uuid.UUID, now time.Time) (*appointment.CancelResult, error) {
	s.gotNow = now
	return s.cancel, s.err
}

func (s *stubService) Reschedule(_ context.Context, _ uuid.UUID, now time.Time) (*appointment.RescheduleResult, error) {
	s.gotNow = now
	return s.reschedule, s.err
}

func (s *stubService) ConfirmAppointment(context.Context, uuid.UUID) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubService) CompleteAppointment(context.Context, uuid.UUID) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubService) PaymentHistory(_ context.Context, f payment.Filter) ([]payment.Entry, error) {
	s.gotFilter = f
	return s.entries, s.err
}

func (s *stubService) MonthlyStatement(_ context.Context, f payment.Filter, year int, month time.Month) (*payment.MonthlySummary, error) {
	s.gotFilter, s.gotYear, s.gotMonth = f, year, month
	return s.summary, s.err
}

func (s *stubService) MonthlyBreakdown(_ context.Context, f payment.Filter) ([]payment.MonthlySummary, error) {
	s.gotFilter = f
	if s.err != nil {
		return nil, s.err
	}
	return []payment.MonthlySummary{*s.summary}, nil
}

func sampleAppointment() *appointment.Appointment {
	date := time.Date(2025, time.June, 11, 0, 0, 0, 0, time.UTC)
	return &appointment.Appointment{
		ID:               uuid.New(),
		DoctorID:         uuid.New(),
		PatientID:        uuid.New(),
		AvailabilityDate: date,
		SlotStart:        date.Add(10 * time.Hour),
		SlotEnd:          date.Add(10*time.Hour + 30*time.Minute),
		Status:           appointment.StatusConfirmed,
		PaymentStatus:    appointment.PaymentCompleted,
		Price:            decimal.RequireFromString("100"),
	}
}

func newTestRouter(svc AppointmentService) http.Handler {
	return NewRouter(RouterConfig{
		Service: svc,
		Clock:   func() time.Time { return fixedNow },
		Env:     "test",
	})
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestGetAppointment_IncludesWindow(t *testing.T) {
	svc := &stubService{appt: sampleAppointment()}
	rec, body := do(t, newTestRouter(svc), http.MethodGet, "/appointments/"+svc.appt.ID.String())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reschedule_only", body["window"])
	assert.Equal(t, "2025-06-09", body["cancel_by"])
	assert.Equal(t, "2025-06-10", body["reschedule_by"])
	assert.Equal(t, "100.00", body["price"])
	assert.Equal(t, "2025-06-11", body["availability_date"])
	assert.Equal(t, fixedNow, svc.gotNow)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAppointmentRoutes_InvalidID(t *testing.T) {
	h := newTestRouter(&stubService{})
	for _, path := range []string{"/appointments/nope", "/appointments/nope/cancel"} {
		method := http.MethodGet
		if path != "/appointments/nope" {
			method = http.MethodPost
		}
		rec, body := do(t, h, method, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "invalid_appointment_id", body["error"])
	}
}

func TestCancel_ReturnsRefund(t *testing.T) {
	appt := sampleAppointment()
	appt.Status = appointment.StatusCancelled
	appt.PaymentStatus = appointment.PaymentRefunded
	refundID := uuid.New()

	svc := &stubService{cancel: &appointment.CancelResult{
		Status:      appointment.ResultOK,
		Appointment: appt,
		Refund: &payment.RefundSplit{
			RefundAmount:  decimal.RequireFromString("80"),
			PenaltyAmount: decimal.RequireFromString("20"),
		},
		RefundPayment: &payment.Payment{ID: refundID},
	}}

	rec, body := do(t, newTestRouter(svc), http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	refund, ok := body["refund"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "80.00", refund["refund_amount"])
	assert.Equal(t, "20.00", refund["penalty_amount"])
	assert.Equal(t, refundID.String(), refund["payment_id"])

	a := body["appointment"].(map[string]any)
	assert.Equal(t, "cancelled", a["status"])
	assert.Equal(t, "refunded", a["payment_status"])
}

func TestCancel_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		errStr string
		reason string
	}{
		{"not found", appointment.ErrAppointmentNotFound, http.StatusNotFound, "not_found", ""},
		{"invalid state", appointment.ErrInvalidState, http.StatusConflict, "invalid_state", ""},
		{"in progress", appointment.ErrCancellationInProgress, http.StatusConflict, "cancel_in_progress", ""},
		{
			"reschedule only",
			&appointment.PolicyViolationError{Action: appointment.ActionCancel, Window: deadline.WindowRescheduleOnly},
			http.StatusUnprocessableEntity, "policy_violation", "reschedule_only",
		},
		{
			"too late",
			&appointment.PolicyViolationError{Action: appointment.ActionCancel, Window: deadline.WindowNone},
			http.StatusUnprocessableEntity, "policy_violation", "none",
		},
		{"store down", errors.Join(appointment.ErrPersistence, errors.New("conn refused")), http.StatusServiceUnavailable, "persistence_failure", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{err: tt.err}
			rec, body := do(t, newTestRouter(svc), http.MethodPost, "/appointments/"+uuid.NewString()+"/cancel")

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.errStr, body["error"])
			if tt.reason != "" {
				assert.Equal(t, tt.reason, body["reason"])
			} else {
				assert.NotContains(t, body, "reason")
			}
		})
	}
}

func TestReschedule_ReturnsDeadlines(t *testing.T) {
	appt := sampleAppointment()
	svc := &stubService{reschedule: &appointment.RescheduleResult{
		Status:       appointment.ResultOK,
		Appointment:  appt,
		Window:       deadline.WindowRescheduleOnly,
		CancelBy:     appt.AvailabilityDate.AddDate(0, 0, -2),
		RescheduleBy: appt.AvailabilityDate.AddDate(0, 0, -1),
	}}

	rec, body := do(t, newTestRouter(svc), http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reschedule_only", body["window"])
	assert.Equal(t, "2025-06-10", body["reschedule_by"])
}

func TestListPayments_ParsesFilter(t *testing.T) {
	patient := uuid.New()
	original := payment.Payment{
		ID:          uuid.New(),
		Amount:      decimal.RequireFromString("100"),
		Status:      payment.StatusRefunded,
		PaymentDate: fixedNow,
		PatientID:   patient,
	}
	refund := payment.Payment{
		ID:          uuid.New(),
		Amount:      decimal.RequireFromString("-80"),
		Status:      payment.StatusCompleted,
		PaymentDate: fixedNow,
		Refund:      true,
	}
	svc := &stubService{entries: []payment.Entry{{Payment: original, RefundDetails: &refund, IsCombined: true}}}

	req := httptest.NewRequest(http.MethodGet, "/payments?patient_id="+patient.String()+"&from=2025-06-01&to=2025-06-30", nil)
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, svc.gotFilter.PatientID)
	assert.Equal(t, patient, *svc.gotFilter.PatientID)
	assert.Nil(t, svc.gotFilter.DoctorID)
	assert.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), *svc.gotFilter.From)
	assert.Equal(t, time.Date(2025, time.June, 30, 23, 59, 59, 999999999, time.UTC), *svc.gotFilter.To)

	var body []PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.True(t, body[0].IsCombined)
	assert.Equal(t, "100.00", body[0].Amount)
	require.NotNil(t, body[0].RefundDetails)
	assert.Equal(t, "-80.00", body[0].RefundDetails.Amount)
	assert.True(t, body[0].RefundDetails.IsRefund)
}

func TestListPayments_BadFilter(t *testing.T) {
	h := newTestRouter(&stubService{})
	for _, q := range []string{
		"",
		"?patient_id=" + uuid.NewString() + "&doctor_id=" + uuid.NewString(),
		"?patient_id=bogus",
		"?doctor_id=" + uuid.NewString() + "&from=yesterday",
	} {
		rec, body := do(t, h, http.MethodGet, "/payments"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "invalid_filter", body["error"], q)
	}
}

func TestMonthlySummary_DefaultsToCurrentMonth(t *testing.T) {
	doctor := uuid.New()
	svc := &stubService{summary: &payment.MonthlySummary{
		Year:          2025,
		Month:         time.June,
		MonthLabel:    "June 2025",
		TotalGross:    decimal.RequireFromString("160"),
		TotalRefunded: decimal.RequireFromString("80"),
		TotalPenalty:  decimal.RequireFromString("20"),
		NetAmount:     decimal.RequireFromString("80"),
		PaymentCount:  2,
		RefundCount:   1,
	}}
	h := newTestRouter(svc)

	rec, body := do(t, h, http.MethodGet, "/payments/summary?doctor_id="+doctor.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2025, svc.gotYear)
	assert.Equal(t, time.June, svc.gotMonth)
	assert.Equal(t, "160.00", body["total_gross"])
	assert.Equal(t, "80.00", body["net_amount"])
	assert.Equal(t, "June 2025", body["month_label"])

	_, _ = do(t, h, http.MethodGet, "/payments/summary?doctor_id="+doctor.String()+"&year=2024&month=12")
	assert.Equal(t, 2024, svc.gotYear)
	assert.Equal(t, time.December, svc.gotMonth)

	rec, _ = do(t, h, http.MethodGet, "/payments/summary?doctor_id="+doctor.String()+"&month=13")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonthlySummary_DefaultMonthIsUTC(t *testing.T) {
	svc := &stubService{summary: &payment.MonthlySummary{Year: 2025, Month: time.July}}
	h := NewRouter(RouterConfig{
		Service: svc,
		Clock: func() time.Time {
			return time.Date(2025, time.June, 30, 22, 0, 0, 0, time.FixedZone("EDT", -4*3600))
		},
	})

	rec, _ := do(t, h, http.MethodGet, "/payments/summary?patient_id="+uuid.NewString())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2025, svc.gotYear)
	assert.Equal(t, time.July, svc.gotMonth)
}

func TestMonthlyBreakdown(t *testing.T) {
	svc := &stubService{summary: &payment.MonthlySummary{Year: 2025, Month: time.May, MonthLabel: "May 2025"}}
	req := httptest.NewRequest(http.MethodGet, "/payments/breakdown?patient_id="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	newTestRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []MonthlySummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, 5, body[0].Month)
	assert.Equal(t, "0.00", body[0].TotalGross)
}

func TestHealth(t *testing.T) {
	h := newTestRouter(&stubService{})

	rec, body := do(t, h, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	hh := NewHealthHandler("test", "v1")
	hh.Check("postgres", true, func(context.Context) error { return nil })
	hh.Check("redis", false, func(context.Context) error { return errors.New("down") })

	rec = httptest.NewRecorder()
	hh.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "down", ready.Dependencies["redis"])

	hh.Check("sqlite", true, func(context.Context) error { return errors.New("locked") })
	rec = httptest.NewRecorder()
	hh.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCancelFlow_SQLite(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	repo := appointment.NewSQLiteRepository(conn, nil)
	svc := appointment.NewService(repo, redisclient.NewLocalLocker(), config.Config{})

	appt := sampleAppointment()
	appt.AvailabilityDate = time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateAppointment(ctx, appt))
	require.NoError(t, repo.CreatePayment(ctx, &payment.Payment{
		AppointmentID: appt.ID,
		Amount:        appt.Price,
		Method:        "card",
		Status:        payment.StatusCompleted,
		TransactionID: "txn_1",
		PaymentDate:   fixedNow.AddDate(0, 0, -3),
	}))

	h := NewRouter(RouterConfig{Service: svc, SQLite: conn, Clock: func() time.Time { return fixedNow }})

	rec, body := do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "80.00", body["refund"].(map[string]any)["refund_amount"])

	rec, body = do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/payments?patient_id="+appt.PatientID.String(), nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "refunded", entries[0].Status)
	require.NotNil(t, entries[0].RefundDetails)
	assert.Equal(t, "refund-txn_1", entries[0].RefundDetails.TransactionID)

	rec, body = do(t, h, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRequestIDMiddleware(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]struct {
		incoming string
		keep     bool
	}{
		"propagated": {incoming: "req-123", keep: true},
		"missing":    {incoming: "", keep: false},
		"too long":   {incoming: strings.Repeat("a", maxRequestIDLength+1), keep: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-ID", tc.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			if tc.keep {
				assert.Equal(t, tc.incoming, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err)
		})
	}
}
