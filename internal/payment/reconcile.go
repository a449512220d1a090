package payment

import "github.com/google/uuid"

// Entry is a payment row as shown on a payment history screen. A refunded
// payment carries its paired refund instead of the refund appearing as a
// row of its own.
type Entry struct {
	Payment
	RefundDetails *Payment
	IsCombined    bool
}

// Reconcile folds refunds into the payments they reverse.
//
// Refunds never appear as rows. A payment in refunded status picks up the
// refund recorded for the same appointment; if none exists it is passed
// through as is. Payments without an appointment can't be matched. Input
// order is preserved and the input slice is not modified.
func Reconcile(payments []Payment) []Entry {
	refunds := make(map[uuid.UUID]Payment)
	refundCount := 0
	for _, p := range payments {
		if !p.IsRefund() {
			continue
		}
		refundCount++
		if p.AppointmentID == uuid.Nil {
			continue
		}
		// Writes reject a second refund per appointment; should one slip in,
		// the first seen keeps the pairing stable.
		if _, seen := refunds[p.AppointmentID]; !seen {
			refunds[p.AppointmentID] = p
		}
	}

	entries := make([]Entry, 0, len(payments)-refundCount)
	for _, p := range payments {
		if p.IsRefund() {
			continue
		}

		e := Entry{Payment: p}
		if p.Status == StatusRefunded && p.AppointmentID != uuid.Nil {
			if r, ok := refunds[p.AppointmentID]; ok {
				e.RefundDetails = &r
				e.IsCombined = true
			}
		}
		entries = append(entries, e)
	}

	return entries
}
