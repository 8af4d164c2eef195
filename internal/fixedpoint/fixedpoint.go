// Package fixedpoint centralizes the decimal precision and rounding rules
// shared by the prediction AMM and the perpetuals engine.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Rounding happens at component boundaries (prices returned to callers,
// balances debited/credited), never inside invariant-preserving math.
package fixedpoint

import "github.com/shopspring/decimal"

var (
	// ShareScale is the number of decimal places for share quantities.
	ShareScale int32 = 8

	// PriceScale is the number of decimal places for prices and rates.
	PriceScale int32 = 8

	// CashScale is the number of decimal places for USD amounts settled
	// against user balances.
	CashScale int32 = 6

	// DustEpsilon is the share quantity below which a position is treated
	// as empty and removed from the ledger.
	DustEpsilon = decimal.New(1, -6) // 0.000001

	// SellCeilingEpsilon is subtracted from a pool side's share count when
	// computing the maximum sellable quantity, so a sell can never drain a
	// side to zero or below.
	SellCeilingEpsilon = decimal.New(1, -6)
)

// RoundShares rounds a share quantity to ShareScale.
func RoundShares(d decimal.Decimal) decimal.Decimal {
	return d.Round(ShareScale)
}

// RoundPrice rounds a price or rate to PriceScale.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// RoundCash rounds a USD amount to CashScale.
func RoundCash(d decimal.Decimal) decimal.Decimal {
	return d.Round(CashScale)
}

// IsDust reports whether a share quantity is small enough to treat as zero.
func IsDust(d decimal.Decimal) bool {
	return d.Abs().LessThan(DustEpsilon)
}

// PercentChange returns the percentage change from old to new, rounded to
// PriceScale. Returns zero when old is zero.
func PercentChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100)).Round(PriceScale)
}
