package appointment

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-cancellation/internal/payment"
)

// fakeRepo is an in-memory Repository. InTx snapshots the state and restores
// it when fn fails, which is enough to observe rollbacks.
type fakeRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex

	appts    map[uuid.UUID]Appointment
	payments []payment.Payment
	events   []EventLog

	createPaymentErr error
	insertEventErr   error
	listErr          error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{appts: make(map[uuid.UUID]Appointment)}
}

func (f *fakeRepo) addAppointment(a Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appts[a.ID] = a
}

func (f *fakeRepo) addPayment(p payment.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, p)
}

func (f *fakeRepo) appointment(id uuid.UUID) Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appts[id]
}

func (f *fakeRepo) allPayments() []payment.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.Payment(nil), f.payments...)
}

func (f *fakeRepo) refundsFor(id uuid.UUID) []payment.Payment {
	var out []payment.Payment
	for _, p := range f.allPayments() {
		if p.AppointmentID == id && p.IsRefund() {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRepo) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (f *fakeRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (f *fakeRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok || a.Status != from {
		return nil, ErrStatusConflict
	}
	a.Status = to
	f.appts[id] = a
	return &a, nil
}

func (f *fakeRepo) UpdateAppointmentPaymentStatus(_ context.Context, id uuid.UUID, from, to PaymentStatus) (*Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok || a.PaymentStatus != from {
		return nil, ErrStatusConflict
	}
	a.PaymentStatus = to
	f.appts[id] = a
	return &a, nil
}

func (f *fakeRepo) GetPaymentForAppointment(_ context.Context, appointmentID uuid.UUID) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.AppointmentID == appointmentID && !p.IsRefund() {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakeRepo) UpdatePaymentStatus(_ context.Context, id uuid.UUID, to payment.Status) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.payments {
		if f.payments[i].ID == id {
			f.payments[i].Status = to
			p := f.payments[i]
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakeRepo) CreatePayment(_ context.Context, p *payment.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createPaymentErr != nil {
		return f.createPaymentErr
	}
	for _, existing := range f.payments {
		if existing.AppointmentID != p.AppointmentID {
			continue
		}
		if existing.IsRefund() && p.IsRefund() {
			return ErrDuplicateRefund
		}
		if !existing.IsRefund() && !p.IsRefund() {
			return ErrDuplicatePayment
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	f.payments = append(f.payments, *p)
	return nil
}

func (f *fakeRepo) ListPayments(_ context.Context, filter payment.Filter) ([]payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []payment.Payment
	for _, p := range f.payments {
		a, ok := f.appts[p.AppointmentID]
		if !ok {
			continue
		}
		if filter.PatientID != nil && a.PatientID != *filter.PatientID {
			continue
		}
		if filter.DoctorID != nil && a.DoctorID != *filter.DoctorID {
			continue
		}
		if filter.From != nil && p.PaymentDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && p.PaymentDate.After(*filter.To) {
			continue
		}
		p.PatientID, p.DoctorID, p.AppointmentDate = a.PatientID, a.DoctorID, a.AvailabilityDate
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PaymentDate.After(out[j].PaymentDate)
	})
	return out, nil
}

func (f *fakeRepo) FindRefundInconsistencies(_ context.Context) ([]Inconsistency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Inconsistency
	for id, a := range f.appts {
		refunds := 0
		for _, p := range f.payments {
			if p.AppointmentID == id && p.IsRefund() {
				refunds++
			}
		}
		if problem, bad := classify(a.Status, a.PaymentStatus, refunds); bad {
			out = append(out, Inconsistency{
				AppointmentID: id,
				Status:        a.Status,
				PaymentStatus: a.PaymentStatus,
				RefundCount:   refunds,
				Problem:       problem,
			})
		}
	}
	return out, nil
}

func (f *fakeRepo) InsertEvent(_ context.Context, ev EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertEventErr != nil {
		return f.insertEventErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) InTx(_ context.Context, fn func(tx Repository) error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	apptSnap := make(map[uuid.UUID]Appointment, len(f.appts))
	for k, v := range f.appts {
		apptSnap[k] = v
	}
	paySnap := append([]payment.Payment(nil), f.payments...)
	f.mu.Unlock()

	if err := fn(f); err != nil {
		f.mu.Lock()
		f.appts = apptSnap
		f.payments = paySnap
		f.mu.Unlock()
		return err
	}
	return nil
}
