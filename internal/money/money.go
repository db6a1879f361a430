package money

import (
	"fmt"
	"math"
)

// Amounts are integer minor units (cents). No floating point ever touches a
// stored balance; rates are applied once at conversion time and rounded half
// up to the nearest minor unit.

// RateProvider resolves an exchange rate between two currency codes.
type RateProvider interface {
	Rate(from, to string) (float64, error)
}

// StaticRates is a fixed-rate provider keyed by "FROM/TO" pairs. Useful for
// tests and single-region deployments; production injects a live provider.
type StaticRates map[string]float64

// Rate returns the configured rate or an error when the pair is unknown.
// Identical currencies always resolve to 1.
func (r StaticRates) Rate(from, to string) (float64, error) {
	if from == to {
		return 1, nil
	}
	if rate, ok := r[from+"/"+to]; ok {
		return rate, nil
	}
	if inverse, ok := r[to+"/"+from]; ok && inverse != 0 {
		return 1 / inverse, nil
	}
	return 0, fmt.Errorf("no exchange rate for %s/%s", from, to)
}

// Convert applies a rate to a minor-unit amount, rounding half up.
func Convert(amount int64, rate float64) int64 {
	return int64(math.Round(float64(amount) * rate))
}

// Fee computes a basis-point fee on a minor-unit amount, rounding half up.
// 250 bps on 4000 cents yields 100 cents.
func Fee(amount, bps int64) int64 {
	return int64(math.Round(float64(amount) * float64(bps) / 10_000))
}

// Format renders a minor-unit amount as a decimal string, e.g. 5900 -> "59.00".
func Format(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
