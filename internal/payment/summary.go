package payment

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MonthlySummary totals one calendar month of reconciled entries. For a
// patient Gross is what was spent, for a doctor what was earned.
type MonthlySummary struct {
	Year          int
	Month         time.Month
	MonthLabel    string
	TotalGross    decimal.Decimal
	TotalRefunded decimal.Decimal
	TotalPenalty  decimal.Decimal
	NetAmount     decimal.Decimal
	PaymentCount  int
	RefundCount   int
}

// Summarize totals entries whose payment date falls in the given month.
// Months are bucketed in UTC so the result does not depend on the zone the
// store driver hands timestamps back in.
func Summarize(entries []Entry, year int, month time.Month) MonthlySummary {
	s := MonthlySummary{
		Year:          year,
		Month:         month,
		MonthLabel:    monthLabel(year, month),
		TotalGross:    decimal.Zero,
		TotalRefunded: decimal.Zero,
		TotalPenalty:  decimal.Zero,
	}

	for _, e := range entries {
		y, m := monthOf(e.PaymentDate)
		if y != year || m != month {
			continue
		}
		s.add(e)
	}

	s.NetAmount = s.TotalGross.Sub(s.TotalRefunded)
	return s
}

func monthOf(t time.Time) (int, time.Month) {
	y, m, _ := t.UTC().Date()
	return y, m
}

// SummarizeMonth totals the UTC month containing ref.
func SummarizeMonth(entries []Entry, ref time.Time) MonthlySummary {
	y, m := monthOf(ref)
	return Summarize(entries, y, m)
}

// Breakdown returns one summary per month that has entries, newest first.
func Breakdown(entries []Entry) []MonthlySummary {
	type ym struct {
		year  int
		month time.Month
	}

	seen := make(map[ym]bool)
	var months []ym
	for _, e := range entries {
		if e.PaymentDate.IsZero() {
			continue
		}
		y, m := monthOf(e.PaymentDate)
		k := ym{y, m}
		if !seen[k] {
			seen[k] = true
			months = append(months, k)
		}
	}

	sort.Slice(months, func(i, j int) bool {
		if months[i].year != months[j].year {
			return months[i].year > months[j].year
		}
		return months[i].month > months[j].month
	})

	out := make([]MonthlySummary, 0, len(months))
	for _, k := range months {
		out = append(out, Summarize(entries, k.year, k.month))
	}
	return out
}

func (s *MonthlySummary) add(e Entry) {
	switch {
	case e.RefundDetails != nil:
		refunded := e.RefundDetails.Amount.Abs()
		s.TotalGross = s.TotalGross.Add(e.Amount)
		s.TotalRefunded = s.TotalRefunded.Add(refunded)
		s.TotalPenalty = s.TotalPenalty.Add(e.Amount.Sub(refunded))
		s.RefundCount++
		s.PaymentCount++
	case e.IsRefund():
		// counted through the original it is paired with
	case e.Status == StatusCompleted:
		s.TotalGross = s.TotalGross.Add(e.Amount)
		s.PaymentCount++
	}
}

func monthLabel(year int, month time.Month) string {
	return fmt.Sprintf("%s %d", month, year)
}
