// Package perps implements margin, notional sizing, liquidation pricing,
// funding settlement, and P&L for leveraged perpetual positions.
//
// The liquidation price is fixed at open time from entry price, side, and
// leverage using a fixed maintenance factor:
//
//	long:  entry * (1 - maintenanceFactor/leverage)
//	short: entry * (1 + maintenanceFactor/leverage)
//
// It is never recomputed on marks; only unrealized P&L moves with price.
// Liquidations settle at the liquidation price, not at the crossing mark,
// so settlement is deterministic regardless of tick granularity.
//
// All monetary values use shopspring/decimal — never float64 for money.
package perps

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/fixedpoint"
	"github.com/marketcore/trade-engine/internal/model"
)

var (
	// ErrLeverageOutOfRange is returned when leverage is below 1 or above
	// the instrument's maximum.
	ErrLeverageOutOfRange = errors.New("perps: leverage out of range")

	// ErrBelowMinOrderSize is returned when notional size is below the
	// instrument's minimum order size.
	ErrBelowMinOrderSize = errors.New("perps: order below minimum size")

	// ErrNonPositivePrice is returned when a mark or entry price is not
	// strictly positive.
	ErrNonPositivePrice = errors.New("perps: price must be positive")

	// ErrInvalidSide is returned for a side other than long or short.
	ErrInvalidSide = errors.New("perps: side must be long or short")

	// ErrInvalidTicker is returned for a malformed instrument ticker.
	ErrInvalidTicker = errors.New("perps: invalid ticker format")

	// ErrInstrumentExists is returned when registering a duplicate ticker.
	ErrInstrumentExists = errors.New("perps: instrument already listed")

	// ErrInstrumentNotFound is returned for an unknown ticker.
	ErrInstrumentNotFound = errors.New("perps: instrument not found")

	// MaintenanceFactor is the fraction of entry-price movement a position
	// can absorb before forced closure, scaled by leverage.
	MaintenanceFactor = decimal.NewFromFloat(0.9)
)

// tickerRegex matches {BASE}-PERP, e.g. BTC-PERP, DOGE2-PERP.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,11}-PERP$`)

// ValidateTicker checks an instrument ticker against the {BASE}-PERP format.
func ValidateTicker(ticker string) error {
	if !tickerRegex.MatchString(ticker) {
		return fmt.Errorf("%w: %s (expected {BASE}-PERP)", ErrInvalidTicker, ticker)
	}
	return nil
}

// Market holds the listed perpetual instruments and their feed-supplied mark
// prices and funding rates. Position state lives in the ledger, not here.
type Market struct {
	mu          sync.RWMutex
	instruments map[string]*model.PerpInstrument
}

// NewMarket creates an empty instrument registry.
func NewMarket() *Market {
	return &Market{instruments: make(map[string]*model.PerpInstrument)}
}

// List registers a new instrument. The ticker must be {BASE}-PERP and the
// initial mark price must be positive.
func (m *Market) List(inst *model.PerpInstrument) error {
	if err := ValidateTicker(inst.Ticker); err != nil {
		return err
	}
	if inst.MarkPrice.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositivePrice
	}
	if inst.MaxLeverage < 1 {
		return ErrLeverageOutOfRange
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instruments[inst.Ticker]; ok {
		return fmt.Errorf("%w: %s", ErrInstrumentExists, inst.Ticker)
	}
	copy := *inst
	m.instruments[inst.Ticker] = &copy
	return nil
}

// Instrument returns a copy of the instrument for a ticker.
func (m *Market) Instrument(ticker string) (*model.PerpInstrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instruments[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, ticker)
	}
	copy := *inst
	return &copy, nil
}

// Instruments returns copies of all listed instruments.
func (m *Market) Instruments() []model.PerpInstrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PerpInstrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		out = append(out, *inst)
	}
	return out
}

// SetMarkPrice records a feed-supplied mark price.
func (m *Market) SetMarkPrice(ticker string, price decimal.Decimal) error {
	if price.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositivePrice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instruments[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstrumentNotFound, ticker)
	}
	inst.MarkPrice = price
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// SetFundingRate records a feed-supplied funding rate.
func (m *Market) SetFundingRate(ticker string, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instruments[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstrumentNotFound, ticker)
	}
	inst.FundingRate = rate
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// LiquidationPrice derives the fixed liquidation price at open time.
func LiquidationPrice(entryPrice decimal.Decimal, side string, leverage int) decimal.Decimal {
	lev := decimal.NewFromInt(int64(leverage))
	offset := MaintenanceFactor.Div(lev)
	one := decimal.NewFromInt(1)
	if side == model.SideShort {
		return fixedpoint.RoundPrice(entryPrice.Mul(one.Add(offset)))
	}
	return fixedpoint.RoundPrice(entryPrice.Mul(one.Sub(offset)))
}

// Open prices and constructs a new position against an instrument at the
// given mark price. It does not mutate any shared state; the ledger commit
// happens in the executor.
func Open(inst *model.PerpInstrument, ownerID, side string, size decimal.Decimal, leverage int, markPrice decimal.Decimal) (*model.PerpPosition, error) {
	if side != model.SideLong && side != model.SideShort {
		return nil, ErrInvalidSide
	}
	if markPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositivePrice
	}
	if leverage < 1 || leverage > inst.MaxLeverage {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrLeverageOutOfRange, leverage, inst.MaxLeverage)
	}
	if size.LessThan(inst.MinOrderSize) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinOrderSize, size, inst.MinOrderSize)
	}

	margin := size.Div(decimal.NewFromInt(int64(leverage)))

	return &model.PerpPosition{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		Ticker:           inst.Ticker,
		Side:             side,
		EntryPrice:       markPrice,
		Size:             size,
		Leverage:         leverage,
		Margin:           fixedpoint.RoundCash(margin),
		LiquidationPrice: LiquidationPrice(markPrice, side, leverage),
		UnrealizedPnL:    decimal.Zero,
		FundingPaid:      decimal.Zero,
		Status:           model.PerpOpenStatus,
		OpenedAt:         time.Now().UTC(),
	}, nil
}

// MarkResult is the outcome of a mark-to-market tick.
type MarkResult struct {
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
}

// Mark recomputes unrealized P&L from stored fields only:
//
//	uPnL = (mark - entry) * (size / entry) * directionSign
//
// Repeated marks at the same price are no-ops; there is no hidden
// accumulator.
func Mark(pos *model.PerpPosition, markPrice decimal.Decimal) (MarkResult, error) {
	if markPrice.LessThanOrEqual(decimal.Zero) {
		return MarkResult{}, ErrNonPositivePrice
	}

	qty := pos.Size.Div(pos.EntryPrice)
	pnl := markPrice.Sub(pos.EntryPrice).Mul(qty).Mul(pos.DirectionSign())

	pct := decimal.Zero
	if pos.Margin.IsPositive() {
		pct = pnl.Div(pos.Margin).Mul(decimal.NewFromInt(100)).Round(2)
	}

	pos.UnrealizedPnL = fixedpoint.RoundCash(pnl)
	return MarkResult{
		UnrealizedPnL:        pos.UnrealizedPnL,
		UnrealizedPnLPercent: pct,
	}, nil
}

// CheckLiquidation reports whether the mark price has crossed the position's
// fixed liquidation price (boundary inclusive).
func CheckLiquidation(pos *model.PerpPosition, markPrice decimal.Decimal) bool {
	if pos.Side == model.SideShort {
		return markPrice.GreaterThanOrEqual(pos.LiquidationPrice)
	}
	return markPrice.LessThanOrEqual(pos.LiquidationPrice)
}

// SettleFunding accrues funding for elapsedPeriods settlement periods:
//
//	payment = size * fundingRate * elapsedPeriods
//
// A positive funding rate means longs pay shorts: FundingPaid rises for
// longs and falls (a credit) for shorts. Entry price, liquidation price,
// and size are untouched; the accrual is netted out of equity at close.
func SettleFunding(pos *model.PerpPosition, fundingRate decimal.Decimal, elapsedPeriods int64) decimal.Decimal {
	if elapsedPeriods <= 0 {
		return decimal.Zero
	}

	payment := pos.Size.Mul(fundingRate).Mul(decimal.NewFromInt(elapsedPeriods))
	if pos.Side == model.SideShort {
		payment = payment.Neg()
	}

	pos.FundingPaid = fixedpoint.RoundCash(pos.FundingPaid.Add(payment))
	return payment
}

// Equity returns the position's current equity: margin plus unrealized P&L
// minus accrued funding. This is the amount at stake if closed right now.
func Equity(pos *model.PerpPosition) decimal.Decimal {
	return pos.Margin.Add(pos.UnrealizedPnL).Sub(pos.FundingPaid)
}

// CloseResult is the settlement of a close or liquidation.
type CloseResult struct {
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Payout      decimal.Decimal `json:"payout"`
}

// Close settles the position at exitPrice. Realized P&L uses the same
// formula as Mark but is final; the payout returned to the owner's balance
// is margin + realized P&L - funding paid, floored at zero.
func Close(pos *model.PerpPosition, exitPrice decimal.Decimal) (CloseResult, error) {
	if exitPrice.LessThanOrEqual(decimal.Zero) {
		return CloseResult{}, ErrNonPositivePrice
	}

	qty := pos.Size.Div(pos.EntryPrice)
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(qty).Mul(pos.DirectionSign())
	pnl = fixedpoint.RoundCash(pnl)

	payout := pos.Margin.Add(pnl).Sub(pos.FundingPaid)
	if payout.IsNegative() {
		payout = decimal.Zero
	}

	pos.UnrealizedPnL = decimal.Zero
	pos.Status = model.PerpClosedStatus
	return CloseResult{
		RealizedPnL: pnl,
		Payout:      fixedpoint.RoundCash(payout),
	}, nil
}

// Liquidate force-closes the position at its fixed liquidation price,
// zeroing remaining margin rather than returning it. The realized loss is
// reported for the receipt; the payout is always zero.
func Liquidate(pos *model.PerpPosition) CloseResult {
	qty := pos.Size.Div(pos.EntryPrice)
	pnl := pos.LiquidationPrice.Sub(pos.EntryPrice).Mul(qty).Mul(pos.DirectionSign())

	pos.UnrealizedPnL = decimal.Zero
	pos.Status = model.PerpLiquidated
	return CloseResult{
		RealizedPnL: fixedpoint.RoundCash(pnl),
		Payout:      decimal.Zero,
	}
}
