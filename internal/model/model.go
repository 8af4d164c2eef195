// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prediction market sides.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// Perpetual position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// IntentKind identifies what a TradeIntent asks the executor to do.
type IntentKind string

const (
	KindPredictionBuy  IntentKind = "predictionBuy"
	KindPredictionSell IntentKind = "predictionSell"
	KindPerpOpen       IntentKind = "perpOpen"
	KindPerpClose      IntentKind = "perpClose"
)

// Receipt statuses.
const (
	StatusFilled     = "filled"
	StatusRejected   = "rejected"
	StatusLiquidated = "liquidated"
)

// ReasonCode is a stable machine-readable rejection reason. Validation and
// liquidity failures are deterministic and must not be retried; conflict and
// persistence failures may be retried by the caller.
type ReasonCode string

const (
	ReasonZeroAmount          ReasonCode = "ZERO_AMOUNT"
	ReasonInvalidSide         ReasonCode = "INVALID_SIDE"
	ReasonLeverageOutOfRange  ReasonCode = "LEVERAGE_OUT_OF_RANGE"
	ReasonBelowMinOrderSize   ReasonCode = "BELOW_MIN_ORDER_SIZE"
	ReasonInsufficientBalance ReasonCode = "INSUFFICIENT_BALANCE"
	ReasonInsufficientShares  ReasonCode = "INSUFFICIENT_SHARES"
	ReasonPoolLiquidity       ReasonCode = "POOL_LIQUIDITY_EXCEEDED"
	ReasonMarketNotFound      ReasonCode = "MARKET_NOT_FOUND"
	ReasonMarketClosed        ReasonCode = "MARKET_CLOSED"
	ReasonInstrumentNotFound  ReasonCode = "INSTRUMENT_NOT_FOUND"
	ReasonPositionNotFound    ReasonCode = "POSITION_NOT_FOUND"
	ReasonConcurrencyConflict ReasonCode = "CONCURRENCY_CONFLICT"
	ReasonPersistenceFailure  ReasonCode = "PERSISTENCE_FAILURE"
)

// Retryable reports whether the caller may safely retry a trade rejected
// with this reason. The engine never retries on its own.
func (r ReasonCode) Retryable() bool {
	return r == ReasonConcurrencyConflict || r == ReasonPersistenceFailure
}

// Pool statuses.
const (
	PoolOpen     = "open"
	PoolResolved = "resolved"
)

// Pool is the constant-product reserve state of one binary prediction market.
// Invariant: YesShares > 0 and NoShares > 0 while the pool is open.
type Pool struct {
	MarketID  string          `json:"market_id" db:"market_id"`
	YesShares decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares" db:"no_shares"`
	Status    string          `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// YesPrice returns the YES price: the NO share count over total shares.
// The opposite-share convention is deliberate; downstream consumers
// (payouts, display) depend on it.
func (p *Pool) YesPrice() decimal.Decimal {
	total := p.YesShares.Add(p.NoShares)
	if total.IsZero() {
		return decimal.Zero
	}
	return p.NoShares.Div(total)
}

// NoPrice returns the NO price: the YES share count over total shares.
func (p *Pool) NoPrice() decimal.Decimal {
	total := p.YesShares.Add(p.NoShares)
	if total.IsZero() {
		return decimal.Zero
	}
	return p.YesShares.Div(total)
}

// PredictionPosition is one owner's holding on one side of one market.
// Opposite-side holdings for the same owner/market are separate rows and are
// never netted against each other.
type PredictionPosition struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      string          `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"` // gross USD paid, fee included
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PerpInstrument is a tradeable perpetual contract. MarkPrice and FundingRate
// are supplied by the external price feed; this engine only consumes them.
type PerpInstrument struct {
	Ticker       string          `json:"ticker" db:"ticker"`
	MarkPrice    decimal.Decimal `json:"mark_price" db:"mark_price"`
	FundingRate  decimal.Decimal `json:"funding_rate" db:"funding_rate"`
	MaxLeverage  int             `json:"max_leverage" db:"max_leverage"`
	MinOrderSize decimal.Decimal `json:"min_order_size" db:"min_order_size"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Perpetual position statuses.
const (
	PerpOpenStatus   = "open"
	PerpClosedStatus = "closed"
	PerpLiquidated   = "liquidated"
)

// PerpPosition is one leveraged position. LiquidationPrice is fixed at open
// time and never recomputed on marks; only UnrealizedPnL moves with price.
type PerpPosition struct {
	ID               string          `json:"id" db:"id"`
	OwnerID          string          `json:"owner_id" db:"owner_id"`
	Ticker           string          `json:"ticker" db:"ticker"`
	Side             string          `json:"side" db:"side"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	Size             decimal.Decimal `json:"size" db:"size"` // notional USD
	Leverage         int             `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal `json:"margin" db:"margin"` // size / leverage
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	FundingPaid      decimal.Decimal `json:"funding_paid" db:"funding_paid"`
	Status           string          `json:"status" db:"status"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
}

// DirectionSign returns +1 for long, -1 for short.
func (p *PerpPosition) DirectionSign() decimal.Decimal {
	if p.Side == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// TradeIntent is a trade request from a decision source — a human order or an
// autonomous agent. Both paths go through the same executor and the same
// invariants.
type TradeIntent struct {
	OwnerID string     `json:"owner_id"`
	Kind    IntentKind `json:"kind"`

	// Prediction fields.
	MarketID string          `json:"market_id,omitempty"`
	Side     string          `json:"side,omitempty"`   // YES/NO or long/short
	Amount   decimal.Decimal `json:"amount,omitempty"` // USD for buys
	Shares   decimal.Decimal `json:"shares,omitempty"` // shares for sells

	// Perpetual fields.
	Ticker     string          `json:"ticker,omitempty"`
	Size       decimal.Decimal `json:"size,omitempty"` // notional USD
	Leverage   int             `json:"leverage,omitempty"`
	PositionID string          `json:"position_id,omitempty"` // for perpClose
}

// MarketKey returns the serialization key the executor locks on: all trades
// and mark ticks against the same key are strictly ordered.
func (in *TradeIntent) MarketKey() string {
	if in.Kind == KindPerpOpen || in.Kind == KindPerpClose {
		return PerpKey(in.Ticker)
	}
	return PoolKey(in.MarketID)
}

// PoolKey returns the lock key for a prediction market.
func PoolKey(marketID string) string { return "pool:" + marketID }

// PerpKey returns the lock key for a perpetual instrument.
func PerpKey(ticker string) string { return "perp:" + ticker }

// TradeReceipt is the executor's reply. Rejections carry a reason code plus
// the numeric context needed to explain them; liquidations are receipts, not
// errors.
type TradeReceipt struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Kind         IntentKind      `json:"kind"`
	OwnerID      string          `json:"owner_id"`
	MarketKey    string          `json:"market_key"`
	SharesOrSize decimal.Decimal `json:"shares_or_size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Fee          decimal.Decimal `json:"fee"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl,omitempty"`
	Reason       ReasonCode      `json:"reason,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	NewPool      *Pool           `json:"new_pool,omitempty"`
	NewPosition  *PerpPosition   `json:"new_position,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
