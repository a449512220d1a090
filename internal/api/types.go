package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-cancellation/internal/appointment"
	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

const dateLayout = "2006-01-02"

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	DoctorID         uuid.UUID `json:"doctor_id"`
	PatientID        uuid.UUID `json:"patient_id"`
	AvailabilityDate string    `json:"availability_date"`
	SlotStart        time.Time `json:"slot_start"`
	SlotEnd          time.Time `json:"slot_end"`
	Status           string    `json:"status"`
	PaymentStatus    string    `json:"payment_status"`
	Price            string    `json:"price"`
	Window           string    `json:"window,omitempty"`
	CancelBy         string    `json:"cancel_by,omitempty"`
	RescheduleBy     string    `json:"reschedule_by,omitempty"`
}

type RefundResponse struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	RefundAmount  string    `json:"refund_amount"`
	PenaltyAmount string    `json:"penalty_amount"`
}

type CancelResponse struct {
	Status      string              `json:"status"`
	Appointment AppointmentResponse `json:"appointment"`
	Refund      *RefundResponse     `json:"refund,omitempty"`
}

type RescheduleResponse struct {
	Status       string              `json:"status"`
	Appointment  AppointmentResponse `json:"appointment"`
	Window       string              `json:"window"`
	CancelBy     string              `json:"cancel_by"`
	RescheduleBy string              `json:"reschedule_by"`
}

type PaymentResponse struct {
	ID              uuid.UUID        `json:"id"`
	AppointmentID   uuid.UUID        `json:"appointment_id"`
	Amount          string           `json:"amount"`
	Method          string           `json:"method,omitempty"`
	Status          string           `json:"status"`
	TransactionID   string           `json:"transaction_id,omitempty"`
	PaymentDate     time.Time        `json:"payment_date"`
	IsRefund        bool             `json:"is_refund"`
	IsCombined      bool             `json:"is_combined"`
	PatientID       uuid.UUID        `json:"patient_id"`
	DoctorID        uuid.UUID        `json:"doctor_id"`
	AppointmentDate string           `json:"appointment_date,omitempty"`
	RefundDetails   *PaymentResponse `json:"refund_details,omitempty"`
}

type MonthlySummaryResponse struct {
	Year          int    `json:"year"`
	Month         int    `json:"month"`
	MonthLabel    string `json:"month_label"`
	TotalGross    string `json:"total_gross"`
	TotalRefunded string `json:"total_refunded"`
	TotalPenalty  string `json:"total_penalty"`
	NetAmount     string `json:"net_amount"`
	PaymentCount  int    `json:"payment_count"`
	RefundCount   int    `json:"refund_count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		DoctorID:         a.DoctorID,
		PatientID:        a.PatientID,
		AvailabilityDate: a.AvailabilityDate.Format(dateLayout),
		SlotStart:        a.SlotStart,
		SlotEnd:          a.SlotEnd,
		Status:           string(a.Status),
		PaymentStatus:    string(a.PaymentStatus),
		Price:            a.Price.StringFixed(2),
	}
}

func toPaymentResponse(p payment.Payment) PaymentResponse {
	resp := PaymentResponse{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		Amount:        p.Amount.StringFixed(2),
		Method:        p.Method,
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		PaymentDate:   p.PaymentDate,
		IsRefund:      p.IsRefund(),
		PatientID:     p.PatientID,
		DoctorID:      p.DoctorID,
	}
	if !p.AppointmentDate.IsZero() {
		resp.AppointmentDate = p.AppointmentDate.Format(dateLayout)
	}
	return resp
}

func toEntryResponse(e payment.Entry) PaymentResponse {
	resp := toPaymentResponse(e.Payment)
	resp.IsCombined = e.IsCombined
	if e.RefundDetails != nil {
		r := toPaymentResponse(*e.RefundDetails)
		resp.RefundDetails = &r
	}
	return resp
}

func toSummaryResponse(s payment.MonthlySummary) MonthlySummaryResponse {
	return MonthlySummaryResponse{
		Year:          s.Year,
		Month:         int(s.Month),
		MonthLabel:    s.MonthLabel,
		TotalGross:    s.TotalGross.StringFixed(2),
		TotalRefunded: s.TotalRefunded.StringFixed(2),
		TotalPenalty:  s.TotalPenalty.StringFixed(2),
		NetAmount:     s.NetAmount.StringFixed(2),
		PaymentCount:  s.PaymentCount,
		RefundCount:   s.RefundCount,
	}
}
