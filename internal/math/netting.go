package math

import (
	"github.com/shopspring/decimal"
)

// NetGross returns the signed sum and the sum of absolute values.
// Addition is exact in decimal, so the result does not depend on order.
func NetGross(amounts []decimal.Decimal) (net, gross decimal.Decimal) {
	for _, a := range amounts {
		net = net.Add(a)
		gross = gross.Add(a.Abs())
	}
	return net, gross
}

// OffsetRatio computes 1 - |net| / gross, clamped to [0,1].
// A zero gross yields 0: nothing to offset.
func OffsetRatio(net, gross decimal.Decimal) float64 {
	if gross.Sign() <= 0 {
		return 0
	}
	r := decimal.NewFromInt(1).Sub(net.Abs().Div(gross)).InexactFloat64()
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// ConvertToBase multiplies a local-currency amount by a base-currency rate.
func ConvertToBase(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate)
}
