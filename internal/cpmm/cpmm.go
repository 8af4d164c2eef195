// Package cpmm implements the constant-product market maker (CPMM) used to
// price binary (YES/NO) prediction markets.
//
// The pool holds two share reserves. Within a single fee-free trade the
// product k = yesShares * noShares is preserved; k is not constant across
// trades, because fees and liquidity injections move it between trades.
//
// The price of a side is the *opposite* side's share count over the total:
//
//	yesPrice = noShares / (yesShares + noShares)
//
// This opposite-share convention is what downstream payout and display code
// assumes; do not replace it with the own-share convention.
//
// Fees are applied outside the invariant math: deducted from the USD amount
// before a buy moves the pool, and from gross proceeds after a sell. The
// pool never sees fee revenue, so fee-rate changes never touch the curve.
//
// All monetary values use shopspring/decimal — never float64 for money.
package cpmm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/fixedpoint"
)

var (
	// ErrNonPositiveAmount is returned when a buy amount or sell quantity
	// is zero or negative. The math is degenerate at zero.
	ErrNonPositiveAmount = errors.New("cpmm: amount must be positive")

	// ErrEmptyPool is returned when either pool side is not strictly positive.
	ErrEmptyPool = errors.New("cpmm: pool sides must be positive")

	// ErrInvalidSide is returned for a side other than YES or NO.
	ErrInvalidSide = errors.New("cpmm: side must be YES or NO")

	// ErrExceedsPool is returned when a sell would drain the traded side to
	// zero or below, which would push the opposite side negative.
	ErrExceedsPool = errors.New("cpmm: sell exceeds pool share count")

	// ErrInvalidFeeRate is returned when the fee rate is outside [0, 1).
	ErrInvalidFeeRate = errors.New("cpmm: fee rate must be in [0, 1)")
)

// Sides accepted by the pricing functions.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// ShareCalculation is the result of pricing one trade against the pool.
type ShareCalculation struct {
	// Shares bought (buy) or sold (sell).
	Shares decimal.Decimal

	// TotalCost is the gross USD paid by the trader on a buy (fee included);
	// zero on sells.
	TotalCost decimal.Decimal

	// Proceeds is the net USD returned to the trader on a sell (fee
	// deducted); zero on buys.
	Proceeds decimal.Decimal

	// AvgPrice is USD per share: TotalCost/Shares on buys, Proceeds/Shares
	// on sells.
	AvgPrice decimal.Decimal

	// Fee is the protocol fee, a pure transfer outside the pool math.
	Fee decimal.Decimal

	NewYesShares decimal.Decimal
	NewNoShares  decimal.Decimal
	NewYesPrice  decimal.Decimal
	NewNoPrice   decimal.Decimal

	// PriceImpact is the percentage change in the traded side's own price.
	PriceImpact decimal.Decimal
}

// Price returns the instantaneous price of a side: the opposite side's
// share count over the total, rounded to the price scale.
func Price(yesShares, noShares decimal.Decimal, side string) decimal.Decimal {
	total := yesShares.Add(noShares)
	if total.IsZero() {
		return decimal.Zero
	}
	if side == SideNo {
		return fixedpoint.RoundPrice(yesShares.Div(total))
	}
	return fixedpoint.RoundPrice(noShares.Div(total))
}

func validatePool(yesShares, noShares decimal.Decimal) error {
	if yesShares.LessThanOrEqual(decimal.Zero) || noShares.LessThanOrEqual(decimal.Zero) {
		return ErrEmptyPool
	}
	return nil
}

func validateSide(side string) error {
	if side != SideYes && side != SideNo {
		return ErrInvalidSide
	}
	return nil
}

// CalculateBuy prices a fee-free buy of usdAmount against the pool. The USD
// amount is added to the traded side and the opposite side is recomputed
// from the product captured at call time, so k is preserved within the
// trade. One share costs $1 of exposure at pool level: shares bought equal
// the USD amount moved into the pool.
func CalculateBuy(yesShares, noShares decimal.Decimal, side string, usdAmount decimal.Decimal) (ShareCalculation, error) {
	if err := validateSide(side); err != nil {
		return ShareCalculation{}, err
	}
	if err := validatePool(yesShares, noShares); err != nil {
		return ShareCalculation{}, err
	}
	if usdAmount.LessThanOrEqual(decimal.Zero) {
		return ShareCalculation{}, ErrNonPositiveAmount
	}

	k := yesShares.Mul(noShares)
	oldPrice := Price(yesShares, noShares, side)

	var newYes, newNo decimal.Decimal
	if side == SideYes {
		newYes = yesShares.Add(usdAmount)
		newNo = k.Div(newYes)
	} else {
		newNo = noShares.Add(usdAmount)
		newYes = k.Div(newNo)
	}

	// Reserves leave this package at the share scale.
	newYes = fixedpoint.RoundShares(newYes)
	newNo = fixedpoint.RoundShares(newNo)

	newPrice := Price(newYes, newNo, side)

	return ShareCalculation{
		Shares:       usdAmount,
		TotalCost:    usdAmount,
		AvgPrice:     fixedpoint.RoundPrice(decimal.NewFromInt(1)),
		NewYesShares: newYes,
		NewNoShares:  newNo,
		NewYesPrice:  Price(newYes, newNo, SideYes),
		NewNoPrice:   Price(newYes, newNo, SideNo),
		PriceImpact:  fixedpoint.PercentChange(oldPrice, newPrice),
	}, nil
}

// CalculateSell prices a fee-free sell of sharesToSell against the pool.
// The shares are removed from the traded side and the opposite side is
// recomputed from the product captured at call time; proceeds are the
// resulting change in the opposite side's share count.
func CalculateSell(yesShares, noShares decimal.Decimal, side string, sharesToSell decimal.Decimal) (ShareCalculation, error) {
	if err := validateSide(side); err != nil {
		return ShareCalculation{}, err
	}
	if err := validatePool(yesShares, noShares); err != nil {
		return ShareCalculation{}, err
	}
	if sharesToSell.LessThanOrEqual(decimal.Zero) {
		return ShareCalculation{}, ErrNonPositiveAmount
	}

	poolSide := yesShares
	if side == SideNo {
		poolSide = noShares
	}
	if sharesToSell.GreaterThanOrEqual(poolSide) {
		return ShareCalculation{}, ErrExceedsPool
	}

	k := yesShares.Mul(noShares)
	oldPrice := Price(yesShares, noShares, side)

	var newYes, newNo decimal.Decimal
	if side == SideYes {
		newYes = yesShares.Sub(sharesToSell)
		newNo = k.Div(newYes)
	} else {
		newNo = noShares.Sub(sharesToSell)
		newYes = k.Div(newNo)
	}

	// Reserves leave this package at the share scale; proceeds are the
	// opposite side's increase measured after rounding.
	newYes = fixedpoint.RoundShares(newYes)
	newNo = fixedpoint.RoundShares(newNo)

	proceeds := newNo.Sub(noShares)
	if side == SideNo {
		proceeds = newYes.Sub(yesShares)
	}

	newPrice := Price(newYes, newNo, side)

	return ShareCalculation{
		Shares:       sharesToSell,
		Proceeds:     proceeds,
		AvgPrice:     fixedpoint.RoundPrice(proceeds.Div(sharesToSell)),
		NewYesShares: newYes,
		NewNoShares:  newNo,
		NewYesPrice:  Price(newYes, newNo, SideYes),
		NewNoPrice:   Price(newYes, newNo, SideNo),
		PriceImpact:  fixedpoint.PercentChange(oldPrice, newPrice),
	}, nil
}

// MaxSellable returns the largest sell quantity the executor may accept for
// a side: the pool's share count on that side minus a safety epsilon.
func MaxSellable(yesShares, noShares decimal.Decimal, side string) decimal.Decimal {
	poolSide := yesShares
	if side == SideNo {
		poolSide = noShares
	}
	max := poolSide.Sub(fixedpoint.SellCeilingEpsilon)
	if max.IsNegative() {
		return decimal.Zero
	}
	return max
}

// AMM prices trades with a proportional protocol fee. The fee step is kept
// separate from the invariant math: buys deduct the fee before the pool
// moves, sells deduct it from gross proceeds after.
type AMM struct {
	feeRate decimal.Decimal
}

// NewAMM creates a fee-charging pricer. feeRate is a proportion, e.g.
// 0.0025 for 25 basis points.
func NewAMM(feeRate decimal.Decimal) (*AMM, error) {
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidFeeRate
	}
	return &AMM{feeRate: feeRate}, nil
}

// FeeRate returns the proportional fee rate.
func (a *AMM) FeeRate() decimal.Decimal {
	return a.feeRate
}

// CalculateBuyWithFees deducts the fee from usdAmount, then prices the net
// amount against the pool. TotalCost reports the gross amount the trader
// pays; AvgPrice is gross cost per share so it reflects the fee.
func (a *AMM) CalculateBuyWithFees(yesShares, noShares decimal.Decimal, side string, usdAmount decimal.Decimal) (ShareCalculation, error) {
	if usdAmount.LessThanOrEqual(decimal.Zero) {
		return ShareCalculation{}, ErrNonPositiveAmount
	}

	fee := usdAmount.Mul(a.feeRate)
	net := usdAmount.Sub(fee)
	if net.LessThanOrEqual(decimal.Zero) {
		return ShareCalculation{}, ErrNonPositiveAmount
	}

	calc, err := CalculateBuy(yesShares, noShares, side, net)
	if err != nil {
		return ShareCalculation{}, err
	}

	calc.Fee = fixedpoint.RoundCash(fee)
	calc.TotalCost = usdAmount
	calc.AvgPrice = fixedpoint.RoundPrice(usdAmount.Div(calc.Shares))
	return calc, nil
}

// CalculateSellWithFees prices the sell against the pool, then deducts the
// fee from gross proceeds. The pool state is identical to the fee-free sell;
// only the trader's payout shrinks.
func (a *AMM) CalculateSellWithFees(yesShares, noShares decimal.Decimal, side string, sharesToSell decimal.Decimal) (ShareCalculation, error) {
	calc, err := CalculateSell(yesShares, noShares, side, sharesToSell)
	if err != nil {
		return ShareCalculation{}, err
	}

	fee := calc.Proceeds.Mul(a.feeRate)
	calc.Fee = fixedpoint.RoundCash(fee)
	calc.Proceeds = calc.Proceeds.Sub(fee)
	calc.AvgPrice = fixedpoint.RoundPrice(calc.Proceeds.Div(calc.Shares))
	return calc, nil
}
