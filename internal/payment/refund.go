package payment

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNegativeAmount = errors.New("paid amount must not be negative")

// DefaultRefundRate is the share of the price returned on a permitted cancellation.
var DefaultRefundRate = decimal.RequireFromString("0.80")

// RefundSplit divides a paid amount into what goes back to the patient and
// what is retained as the cancellation penalty.
type RefundSplit struct {
	RefundAmount  decimal.Decimal
	PenaltyAmount decimal.Decimal
}

type RefundCalculator struct {
	Rate decimal.Decimal
}

func NewRefundCalculator(rate decimal.Decimal) RefundCalculator {
	return RefundCalculator{Rate: rate}
}

// Split rounds once, on the refund. The penalty is the exact complement so the
// two parts always add back up to the (2dp) paid amount.
func (c RefundCalculator) Split(paid decimal.Decimal) (RefundSplit, error) {
	if paid.IsNegative() {
		return RefundSplit{}, ErrNegativeAmount
	}

	paid = paid.Round(2)
	refund := paid.Mul(c.Rate).Round(2)

	return RefundSplit{
		RefundAmount:  refund,
		PenaltyAmount: paid.Sub(refund),
	}, nil
}

// CalculateRefund splits paid using DefaultRefundRate.
func CalculateRefund(paid decimal.Decimal) (RefundSplit, error) {
	return NewRefundCalculator(DefaultRefundRate).Split(paid)
}
