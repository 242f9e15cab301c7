package utils

import "math"

// MaxAffordableQty calculates the largest quantity purchasable with the
// given cash at the given price when the fee is charged on notional at
// feeRate (fee_bps / 10_000). The result satisfies
// qty*price*(1+feeRate) <= cash.
func MaxAffordableQty(cash, price, feeRate float64) float64 {
	if price <= 0 || cash <= 0 {
		return 0
	}

	denom := price * (1 + feeRate)
	if denom <= 0 || math.IsInf(denom, 0) || math.IsNaN(denom) {
		return 0
	}

	return cash / denom
}

// RoundToDecimalPrecision floors the quantity to the given number of
// decimal places, so a fill never costs more than the cap it was derived
// from. Negative precision is treated as zero.
func RoundToDecimalPrecision(quantity float64, decimalPrecision int) float64 {
	if decimalPrecision < 0 {
		decimalPrecision = 0
	}

	multiplier := math.Pow10(decimalPrecision)

	return math.Floor(quantity*multiplier) / multiplier
}
