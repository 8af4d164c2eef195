// Package executor runs every trade intent through the same pipeline:
// validate, price, commit. Validation and pricing are pure reads; the commit
// mutates the ledger under the market's lock and mirrors the delta to the
// store. A failed durable write rolls the ledger back and surfaces as a
// retryable rejection, so the ledger and store never diverge.
//
// Rejections are receipts, not errors: every intent produces a TradeReceipt
// whose reason code tells the caller whether a retry can help. Liquidation is
// likewise a receipt status, never an error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/account"
	"github.com/marketcore/trade-engine/internal/cpmm"
	"github.com/marketcore/trade-engine/internal/fixedpoint"
	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/metrics"
	"github.com/marketcore/trade-engine/internal/model"
	"github.com/marketcore/trade-engine/internal/perps"
	"github.com/marketcore/trade-engine/internal/store"
	"github.com/marketcore/trade-engine/internal/stream"
)

var (
	// ErrUnknownIntentKind is returned for an intent kind the executor does
	// not recognize.
	ErrUnknownIntentKind = errors.New("executor: unknown intent kind")

	// ErrMarketResolved is returned when resolving an already resolved market.
	ErrMarketResolved = errors.New("executor: market already resolved")

	// ErrInvalidWinningSide is returned when resolution names a side other
	// than YES or NO.
	ErrInvalidWinningSide = errors.New("executor: winning side must be YES or NO")
)

// Executor is the single mutation path for pools and positions. Trades,
// mark ticks, funding settlement, and resolution all commit through it, so
// per-market serialization is enforced in one place.
type Executor struct {
	ledger   *ledger.Ledger
	store    store.Store
	accounts account.Service
	amm      *cpmm.AMM
	market   *perps.Market
	hub      *stream.Hub // optional; nil disables broadcasting
}

// New creates an executor. Pass nil for hub if WebSocket broadcasting is not
// needed.
func New(l *ledger.Ledger, st store.Store, accounts account.Service, amm *cpmm.AMM, market *perps.Market, hub *stream.Hub) *Executor {
	return &Executor{
		ledger:   l,
		store:    st,
		accounts: accounts,
		amm:      amm,
		market:   market,
		hub:      hub,
	}
}

// Market returns the instrument registry the executor trades against.
func (e *Executor) Market() *perps.Market { return e.market }

// Ledger returns the authoritative position state.
func (e *Executor) Ledger() *ledger.Ledger { return e.ledger }

// Execute runs one trade intent through validate, price, and commit, and
// always returns a receipt. The error return is reserved for unusable
// intents; every tradeable failure mode is a rejection receipt instead.
func (e *Executor) Execute(ctx context.Context, intent *model.TradeIntent) (*model.TradeReceipt, error) {
	start := time.Now()

	var receipt *model.TradeReceipt
	var err error

	switch intent.Kind {
	case model.KindPredictionBuy:
		receipt, err = e.predictionBuy(ctx, intent)
	case model.KindPredictionSell:
		receipt, err = e.predictionSell(ctx, intent)
	case model.KindPerpOpen:
		receipt, err = e.perpOpen(ctx, intent)
	case model.KindPerpClose:
		receipt, err = e.perpClose(ctx, intent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntentKind, intent.Kind)
	}
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(intent.Kind), receipt.Status).Inc()
	metrics.TradeLatency.WithLabelValues(string(intent.Kind)).Observe(time.Since(start).Seconds())
	return receipt, nil
}

// --- Prediction buys ---

func (e *Executor) predictionBuy(ctx context.Context, intent *model.TradeIntent) (*model.TradeReceipt, error) {
	if intent.Side != model.SideYes && intent.Side != model.SideNo {
		return e.reject(ctx, intent, model.ReasonInvalidSide, "side must be YES or NO"), nil
	}
	if intent.Amount.LessThanOrEqual(decimal.Zero) {
		return e.reject(ctx, intent, model.ReasonZeroAmount, "buy amount must be positive"), nil
	}

	unlock := e.ledger.LockMarket(intent.MarketKey())
	defer unlock()

	pool, err := e.ledger.Pool(intent.MarketID)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonMarketNotFound, err.Error()), nil
	}
	if pool.Status != model.PoolOpen {
		return e.reject(ctx, intent, model.ReasonMarketClosed, "market is resolved"), nil
	}

	calc, err := e.amm.CalculateBuyWithFees(pool.YesShares, pool.NoShares, intent.Side, intent.Amount)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonPoolLiquidity, err.Error()), nil
	}

	// Take the funds before touching shared state; a failed commit refunds.
	if _, err := e.accounts.Debit(ctx, intent.OwnerID, calc.TotalCost, "prediction buy "+intent.MarketID); err != nil {
		if errors.Is(err, account.ErrInsufficientFunds) {
			return e.reject(ctx, intent, model.ReasonInsufficientBalance, err.Error()), nil
		}
		return nil, fmt.Errorf("debit: %w", err)
	}

	snap := e.ledger.SnapshotMarket(intent.MarketKey())
	if err := e.ledger.SetPoolState(intent.MarketID, calc.NewYesShares, calc.NewNoShares); err != nil {
		e.refund(ctx, intent.OwnerID, calc.TotalCost, "buy rollback "+intent.MarketID)
		return nil, fmt.Errorf("set pool state: %w", err)
	}
	pos, err := e.ledger.UpsertPredictionPosition(intent.OwnerID, intent.MarketID, intent.Side, calc.Shares, calc.TotalCost)
	if err != nil {
		// Unreachable for positive share deltas; refund and fail loudly.
		e.ledger.RestoreMarket(snap)
		e.refund(ctx, intent.OwnerID, calc.TotalCost, "buy rollback "+intent.MarketID)
		return nil, fmt.Errorf("upsert position: %w", err)
	}

	receipt := e.filled(intent, calc.Shares, calc.AvgPrice, calc.Fee, decimal.Zero)
	pool.YesShares = calc.NewYesShares
	pool.NoShares = calc.NewNoShares
	receipt.NewPool = pool

	if err := e.persistPoolTrade(ctx, pool, pos, intent, receipt); err != nil {
		e.ledger.RestoreMarket(snap)
		e.refund(ctx, intent.OwnerID, calc.TotalCost, "buy rollback "+intent.MarketID)
		return e.reject(ctx, intent, model.ReasonPersistenceFailure, err.Error()), nil
	}

	slog.Info("prediction buy filled",
		"owner", intent.OwnerID,
		"market", intent.MarketID,
		"side", intent.Side,
		"amount", intent.Amount.String(),
		"shares", calc.Shares.String(),
		"fee", calc.Fee.String(),
		"yes_price", calc.NewYesPrice.String(),
	)
	e.broadcast(stream.Event{Type: stream.EventTradeFilled, MarketKey: receipt.MarketKey, Payload: receipt})
	return receipt, nil
}

// --- Prediction sells ---

func (e *Executor) predictionSell(ctx context.Context, intent *model.TradeIntent) (*model.TradeReceipt, error) {
	if intent.Side != model.SideYes && intent.Side != model.SideNo {
		return e.reject(ctx, intent, model.ReasonInvalidSide, "side must be YES or NO"), nil
	}
	if intent.Shares.LessThanOrEqual(decimal.Zero) {
		return e.reject(ctx, intent, model.ReasonZeroAmount, "sell quantity must be positive"), nil
	}

	unlock := e.ledger.LockMarket(intent.MarketKey())
	defer unlock()

	pool, err := e.ledger.Pool(intent.MarketID)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonMarketNotFound, err.Error()), nil
	}
	if pool.Status != model.PoolOpen {
		return e.reject(ctx, intent, model.ReasonMarketClosed, "market is resolved"), nil
	}

	held, ok := e.ledger.PredictionPosition(intent.OwnerID, intent.MarketID, intent.Side)
	if !ok || held.Shares.LessThan(intent.Shares) {
		return e.reject(ctx, intent, model.ReasonInsufficientShares, "sell exceeds owned shares"), nil
	}
	if intent.Shares.GreaterThan(cpmm.MaxSellable(pool.YesShares, pool.NoShares, intent.Side)) {
		return e.reject(ctx, intent, model.ReasonPoolLiquidity, "sell would drain the pool side"), nil
	}

	calc, err := e.amm.CalculateSellWithFees(pool.YesShares, pool.NoShares, intent.Side, intent.Shares)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonPoolLiquidity, err.Error()), nil
	}

	// Realized P&L against the pro-rata slice of cost basis being sold.
	costOut := held.CostBasis.Mul(intent.Shares).Div(held.Shares)
	realized := calc.Proceeds.Sub(costOut)

	snap := e.ledger.SnapshotMarket(intent.MarketKey())
	if err := e.ledger.SetPoolState(intent.MarketID, calc.NewYesShares, calc.NewNoShares); err != nil {
		return nil, fmt.Errorf("set pool state: %w", err)
	}
	pos, err := e.ledger.UpsertPredictionPosition(intent.OwnerID, intent.MarketID, intent.Side, intent.Shares.Neg(), decimal.Zero)
	if err != nil {
		e.ledger.RestoreMarket(snap)
		return e.reject(ctx, intent, model.ReasonInsufficientShares, err.Error()), nil
	}

	receipt := e.filled(intent, calc.Shares, calc.AvgPrice, calc.Fee, realized)
	pool.YesShares = calc.NewYesShares
	pool.NoShares = calc.NewNoShares
	receipt.NewPool = pool

	if err := e.persistPoolTrade(ctx, pool, pos, intent, receipt); err != nil {
		e.ledger.RestoreMarket(snap)
		return e.reject(ctx, intent, model.ReasonPersistenceFailure, err.Error()), nil
	}

	// Pay out only after the commit is durable.
	if calc.Proceeds.IsPositive() {
		if _, err := e.accounts.Credit(ctx, intent.OwnerID, calc.Proceeds, "prediction sell "+intent.MarketID); err != nil {
			slog.Error("sell proceeds credit failed", "owner", intent.OwnerID, "amount", calc.Proceeds.String(), "err", err)
		}
	}

	slog.Info("prediction sell filled",
		"owner", intent.OwnerID,
		"market", intent.MarketID,
		"side", intent.Side,
		"shares", intent.Shares.String(),
		"proceeds", calc.Proceeds.String(),
		"fee", calc.Fee.String(),
		"realized_pnl", realized.String(),
	)
	e.broadcast(stream.Event{Type: stream.EventTradeFilled, MarketKey: receipt.MarketKey, Payload: receipt})
	return receipt, nil
}

// persistPoolTrade mirrors one committed pool trade to the store: new pool
// reserves, the upserted (or deleted) position row, and the receipt.
func (e *Executor) persistPoolTrade(ctx context.Context, pool *model.Pool, pos *model.PredictionPosition, intent *model.TradeIntent, receipt *model.TradeReceipt) error {
	if err := e.store.SavePoolState(ctx, pool); err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	if pos != nil {
		if err := e.store.SavePredictionPosition(ctx, pos); err != nil {
			return fmt.Errorf("save position: %w", err)
		}
	} else {
		if err := e.store.DeletePredictionPosition(ctx, intent.OwnerID, intent.MarketID, intent.Side); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	}
	if err := e.store.InsertReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// --- Perpetual opens ---

func (e *Executor) perpOpen(ctx context.Context, intent *model.TradeIntent) (*model.TradeReceipt, error) {
	if intent.Side != model.SideLong && intent.Side != model.SideShort {
		return e.reject(ctx, intent, model.ReasonInvalidSide, "side must be long or short"), nil
	}
	if intent.Size.LessThanOrEqual(decimal.Zero) {
		return e.reject(ctx, intent, model.ReasonZeroAmount, "size must be positive"), nil
	}

	unlock := e.ledger.LockMarket(intent.MarketKey())
	defer unlock()

	// Read under the lock so the entry price is the current mark.
	inst, err := e.market.Instrument(intent.Ticker)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonInstrumentNotFound, err.Error()), nil
	}

	pos, err := perps.Open(inst, intent.OwnerID, intent.Side, intent.Size, intent.Leverage, inst.MarkPrice)
	if err != nil {
		switch {
		case errors.Is(err, perps.ErrLeverageOutOfRange):
			return e.reject(ctx, intent, model.ReasonLeverageOutOfRange, err.Error()), nil
		case errors.Is(err, perps.ErrBelowMinOrderSize):
			return e.reject(ctx, intent, model.ReasonBelowMinOrderSize, err.Error()), nil
		default:
			return e.reject(ctx, intent, model.ReasonInvalidSide, err.Error()), nil
		}
	}

	// The fee is proportional to notional and charged once at open; the
	// balance must cover margin plus fee together.
	fee := fixedpoint.RoundCash(pos.Size.Mul(e.amm.FeeRate()))
	total := pos.Margin.Add(fee)

	if _, err := e.accounts.Debit(ctx, intent.OwnerID, total, "perp margin "+intent.Ticker); err != nil {
		if errors.Is(err, account.ErrInsufficientFunds) {
			return e.reject(ctx, intent, model.ReasonInsufficientBalance, err.Error()), nil
		}
		return nil, fmt.Errorf("debit margin: %w", err)
	}

	e.ledger.AddPerpPosition(pos)

	receipt := e.filled(intent, pos.Size, pos.EntryPrice, fee, decimal.Zero)
	receipt.NewPosition = pos

	if err := e.persistPerpTrade(ctx, pos, receipt); err != nil {
		e.ledger.RemovePerpPosition(pos.ID)
		e.refund(ctx, intent.OwnerID, total, "perp open rollback "+intent.Ticker)
		return e.reject(ctx, intent, model.ReasonPersistenceFailure, err.Error()), nil
	}

	metrics.OpenPerpPositions.WithLabelValues(pos.Ticker).Inc()
	slog.Info("perp opened",
		"owner", intent.OwnerID,
		"ticker", pos.Ticker,
		"side", pos.Side,
		"size", pos.Size.String(),
		"leverage", pos.Leverage,
		"margin", pos.Margin.String(),
		"fee", fee.String(),
		"entry", pos.EntryPrice.String(),
		"liq_price", pos.LiquidationPrice.String(),
	)
	e.broadcast(stream.Event{Type: stream.EventTradeFilled, MarketKey: receipt.MarketKey, Payload: receipt})
	return receipt, nil
}

// --- Perpetual closes ---

func (e *Executor) perpClose(ctx context.Context, intent *model.TradeIntent) (*model.TradeReceipt, error) {
	if intent.PositionID == "" {
		return e.reject(ctx, intent, model.ReasonPositionNotFound, "position_id is required"), nil
	}

	// Resolve the lock key from the position itself; the intent's ticker is
	// advisory.
	pos, err := e.ledger.PerpPosition(intent.PositionID)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonPositionNotFound, err.Error()), nil
	}
	intent.Ticker = pos.Ticker

	unlock := e.ledger.LockMarket(model.PerpKey(pos.Ticker))
	defer unlock()

	// Re-fetch under the lock; a sweep may have liquidated it meanwhile.
	pos, err = e.ledger.PerpPosition(intent.PositionID)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonPositionNotFound, err.Error()), nil
	}
	if pos.OwnerID != intent.OwnerID {
		return e.reject(ctx, intent, model.ReasonPositionNotFound, "position not found for owner"), nil
	}

	inst, err := e.market.Instrument(pos.Ticker)
	if err != nil {
		return e.reject(ctx, intent, model.ReasonInstrumentNotFound, err.Error()), nil
	}

	// A close request at or past the liquidation price settles as a forced
	// closure: margin is forfeited, not returned.
	if perps.CheckLiquidation(pos, inst.MarkPrice) {
		return e.liquidateLocked(ctx, pos, intent)
	}

	before := *pos
	result, err := perps.Close(pos, inst.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	e.ledger.RemovePerpPosition(pos.ID)

	receipt := e.filled(intent, pos.Size, inst.MarkPrice, decimal.Zero, result.RealizedPnL)
	receipt.NewPosition = pos

	if err := e.persistPerpTrade(ctx, pos, receipt); err != nil {
		e.ledger.AddPerpPosition(&before)
		return e.reject(ctx, intent, model.ReasonPersistenceFailure, err.Error()), nil
	}

	if result.Payout.IsPositive() {
		if _, err := e.accounts.Credit(ctx, intent.OwnerID, result.Payout, "perp close "+pos.Ticker); err != nil {
			slog.Error("close payout credit failed", "owner", intent.OwnerID, "amount", result.Payout.String(), "err", err)
		}
	}

	metrics.OpenPerpPositions.WithLabelValues(pos.Ticker).Dec()
	slog.Info("perp closed",
		"owner", intent.OwnerID,
		"ticker", pos.Ticker,
		"position", pos.ID,
		"exit", inst.MarkPrice.String(),
		"realized_pnl", result.RealizedPnL.String(),
		"payout", result.Payout.String(),
	)
	e.broadcast(stream.Event{Type: stream.EventTradeFilled, MarketKey: receipt.MarketKey, Payload: receipt})
	return receipt, nil
}

// liquidateLocked force-closes a position at its fixed liquidation price.
// The caller must hold the instrument's market lock.
func (e *Executor) liquidateLocked(ctx context.Context, pos *model.PerpPosition, intent *model.TradeIntent) (*model.TradeReceipt, error) {
	before := *pos
	result := perps.Liquidate(pos)

	e.ledger.RemovePerpPosition(pos.ID)

	receipt := &model.TradeReceipt{
		ID:           uuid.New().String(),
		Status:       model.StatusLiquidated,
		Kind:         intent.Kind,
		OwnerID:      pos.OwnerID,
		MarketKey:    model.PerpKey(pos.Ticker),
		SharesOrSize: pos.Size,
		AvgPrice:     pos.LiquidationPrice,
		Fee:          decimal.Zero,
		RealizedPnL:  result.RealizedPnL,
		NewPosition:  pos,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.persistPerpTrade(ctx, pos, receipt); err != nil {
		e.ledger.AddPerpPosition(&before)
		return e.reject(ctx, intent, model.ReasonPersistenceFailure, err.Error()), nil
	}

	metrics.OpenPerpPositions.WithLabelValues(pos.Ticker).Dec()
	metrics.LiquidationsTotal.WithLabelValues(pos.Ticker).Inc()
	slog.Warn("position liquidated",
		"owner", pos.OwnerID,
		"ticker", pos.Ticker,
		"position", pos.ID,
		"liq_price", pos.LiquidationPrice.String(),
		"realized_pnl", result.RealizedPnL.String(),
	)
	e.broadcast(stream.Event{Type: stream.EventLiquidation, MarketKey: receipt.MarketKey, Payload: receipt})
	return receipt, nil
}

// persistPerpTrade mirrors a perpetual open, close, or liquidation to the
// store: the position row plus the receipt.
func (e *Executor) persistPerpTrade(ctx context.Context, pos *model.PerpPosition, receipt *model.TradeReceipt) error {
	if err := e.store.SavePerpPosition(ctx, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	if err := e.store.InsertReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// --- Receipt construction ---

func (e *Executor) filled(intent *model.TradeIntent, sharesOrSize, avgPrice, fee, realized decimal.Decimal) *model.TradeReceipt {
	return &model.TradeReceipt{
		ID:           uuid.New().String(),
		Status:       model.StatusFilled,
		Kind:         intent.Kind,
		OwnerID:      intent.OwnerID,
		MarketKey:    intent.MarketKey(),
		SharesOrSize: sharesOrSize,
		AvgPrice:     avgPrice,
		Fee:          fee,
		RealizedPnL:  realized,
		CreatedAt:    time.Now().UTC(),
	}
}

// reject builds, records, and returns a rejection receipt. Recording is best
// effort: a store outage must not turn a clean rejection into an error.
func (e *Executor) reject(ctx context.Context, intent *model.TradeIntent, code model.ReasonCode, detail string) *model.TradeReceipt {
	receipt := &model.TradeReceipt{
		ID:        uuid.New().String(),
		Status:    model.StatusRejected,
		Kind:      intent.Kind,
		OwnerID:   intent.OwnerID,
		MarketKey: intent.MarketKey(),
		Reason:    code,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	if code != model.ReasonPersistenceFailure {
		if err := e.store.InsertReceipt(ctx, receipt); err != nil {
			slog.Error("rejection receipt insert failed", "reason", code, "err", err)
		}
	}

	metrics.RejectionsTotal.WithLabelValues(string(code)).Inc()
	slog.Info("trade rejected",
		"owner", intent.OwnerID,
		"kind", intent.Kind,
		"reason", code,
		"detail", detail,
	)
	return receipt
}

func (e *Executor) refund(ctx context.Context, ownerID string, amount decimal.Decimal, reason string) {
	if _, err := e.accounts.Credit(ctx, ownerID, amount, reason); err != nil {
		slog.Error("rollback refund failed", "owner", ownerID, "amount", amount.String(), "err", err)
	}
}

func (e *Executor) broadcast(event stream.Event) {
	if e.hub != nil {
		e.hub.Broadcast(event)
	}
}
