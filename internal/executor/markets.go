package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/metrics"
	"github.com/marketcore/trade-engine/internal/model"
	"github.com/marketcore/trade-engine/internal/perps"
	"github.com/marketcore/trade-engine/internal/stream"
)

// CreatePool opens a prediction market with seed liquidity split 50/50
// between the YES and NO reserves.
func (e *Executor) CreatePool(ctx context.Context, marketID string, seedLiquidity decimal.Decimal) (*model.Pool, error) {
	unlock := e.ledger.LockMarket(model.PoolKey(marketID))
	defer unlock()

	snap := e.ledger.SnapshotMarket(model.PoolKey(marketID))
	pool, err := e.ledger.CreatePool(marketID, seedLiquidity)
	if err != nil {
		return nil, err
	}

	if err := e.store.SavePoolState(ctx, pool); err != nil {
		e.ledger.RestoreMarket(snap)
		return nil, fmt.Errorf("save pool: %w", err)
	}

	metrics.ActivePools.Inc()
	slog.Info("pool created",
		"market", marketID,
		"seed", seedLiquidity.String(),
		"yes_shares", pool.YesShares.String(),
		"no_shares", pool.NoShares.String(),
	)
	return pool, nil
}

// ListInstrument registers a perpetual instrument and persists it.
func (e *Executor) ListInstrument(ctx context.Context, inst *model.PerpInstrument) error {
	inst.UpdatedAt = time.Now().UTC()
	if err := e.market.List(inst); err != nil {
		return err
	}
	if err := e.store.SaveInstrument(ctx, inst); err != nil {
		return fmt.Errorf("save instrument: %w", err)
	}

	slog.Info("instrument listed",
		"ticker", inst.Ticker,
		"mark", inst.MarkPrice.String(),
		"max_leverage", inst.MaxLeverage,
		"min_order", inst.MinOrderSize.String(),
	)
	return nil
}

// Payout is one owner's resolution settlement.
type Payout struct {
	OwnerID string          `json:"owner_id"`
	Shares  decimal.Decimal `json:"shares"`
	Amount  decimal.Decimal `json:"amount"`
}

// Resolution summarizes a market resolution: every winning share pays $1,
// losing shares expire worthless, and the pool is frozen.
type Resolution struct {
	MarketID    string          `json:"market_id"`
	WinningSide string          `json:"winning_side"`
	Payouts     []Payout        `json:"payouts"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	ResolvedAt  time.Time       `json:"resolved_at"`
}

// ResolveMarket freezes a pool and settles every position in it: winning
// shares are credited at $1 each and all rows are cleared. Further trades
// against the market reject with MARKET_CLOSED.
func (e *Executor) ResolveMarket(ctx context.Context, marketID, winningSide string) (*Resolution, error) {
	if winningSide != model.SideYes && winningSide != model.SideNo {
		return nil, ErrInvalidWinningSide
	}

	unlock := e.ledger.LockMarket(model.PoolKey(marketID))
	defer unlock()

	pool, err := e.ledger.Pool(marketID)
	if err != nil {
		return nil, err
	}
	if pool.Status != model.PoolOpen {
		return nil, fmt.Errorf("%w: %s", ErrMarketResolved, marketID)
	}

	snap := e.ledger.SnapshotMarket(model.PoolKey(marketID))
	positions := e.ledger.PredictionPositionsByMarket(marketID)

	e.ledger.ResolvePool(marketID)
	for _, pos := range positions {
		e.ledger.RemovePredictionPosition(pos.OwnerID, pos.MarketID, pos.Side)
	}

	// Persist the frozen pool and cleared rows before paying anyone.
	pool.Status = model.PoolResolved
	if err := e.store.SavePoolState(ctx, pool); err != nil {
		e.ledger.RestoreMarket(snap)
		return nil, fmt.Errorf("save pool: %w", err)
	}
	for _, pos := range positions {
		if err := e.store.DeletePredictionPosition(ctx, pos.OwnerID, pos.MarketID, pos.Side); err != nil {
			e.ledger.RestoreMarket(snap)
			return nil, fmt.Errorf("delete position: %w", err)
		}
	}

	resolution := &Resolution{
		MarketID:    marketID,
		WinningSide: winningSide,
		TotalPaid:   decimal.Zero,
		ResolvedAt:  time.Now().UTC(),
	}
	for _, pos := range positions {
		if pos.Side != winningSide {
			continue
		}
		if _, err := e.accounts.Credit(ctx, pos.OwnerID, pos.Shares, "resolution "+marketID); err != nil {
			slog.Error("resolution payout failed", "owner", pos.OwnerID, "amount", pos.Shares.String(), "err", err)
			continue
		}
		resolution.Payouts = append(resolution.Payouts, Payout{
			OwnerID: pos.OwnerID,
			Shares:  pos.Shares,
			Amount:  pos.Shares, // $1 per winning share
		})
		resolution.TotalPaid = resolution.TotalPaid.Add(pos.Shares)
	}

	metrics.ActivePools.Dec()
	slog.Info("market resolved",
		"market", marketID,
		"winning_side", winningSide,
		"payouts", len(resolution.Payouts),
		"total_paid", resolution.TotalPaid.String(),
	)
	e.broadcast(stream.Event{Type: stream.EventResolution, MarketKey: model.PoolKey(marketID), Payload: resolution})
	return resolution, nil
}

// ApplyMark records a feed tick: it updates the instrument's mark price,
// re-marks every open position on it, and force-closes any position whose
// liquidation price has been crossed. Liquidation receipts are returned so
// the feed can surface them.
func (e *Executor) ApplyMark(ctx context.Context, ticker string, markPrice decimal.Decimal) ([]*model.TradeReceipt, error) {
	unlock := e.ledger.LockMarket(model.PerpKey(ticker))
	defer unlock()

	if err := e.market.SetMarkPrice(ticker, markPrice); err != nil {
		return nil, err
	}

	inst, err := e.market.Instrument(ticker)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveInstrument(ctx, inst); err != nil {
		slog.Error("mark price save failed", "ticker", ticker, "err", err)
	}

	var liquidated []*model.TradeReceipt
	for _, pos := range e.ledger.PerpPositionsByTicker(ticker) {
		p := pos
		if _, err := perps.Mark(&p, markPrice); err != nil {
			return liquidated, fmt.Errorf("mark %s: %w", p.ID, err)
		}

		if perps.CheckLiquidation(&p, markPrice) {
			intent := &model.TradeIntent{OwnerID: p.OwnerID, Kind: model.KindPerpClose, Ticker: ticker, PositionID: p.ID}
			receipt, err := e.liquidateLocked(ctx, &p, intent)
			if err != nil {
				return liquidated, err
			}
			if receipt.Status == model.StatusLiquidated {
				liquidated = append(liquidated, receipt)
			}
			continue
		}

		if err := e.ledger.UpdatePerpPosition(&p); err != nil {
			return liquidated, fmt.Errorf("update %s: %w", p.ID, err)
		}
		// Mirror the re-marked row so a restart hydrates current uPnL.
		if err := e.store.SavePerpPosition(ctx, &p); err != nil {
			slog.Error("mark save failed", "position", p.ID, "err", err)
		}
	}

	e.broadcast(stream.Event{Type: stream.EventMarkUpdate, MarketKey: model.PerpKey(ticker), Payload: inst})
	return liquidated, nil
}

// ApplyFunding accrues funding on every open position for elapsedPeriods
// settlement periods at the instrument's current rate. A positive rate means
// longs pay shorts; the accrual nets out of equity at close.
func (e *Executor) ApplyFunding(ctx context.Context, ticker string, elapsedPeriods int64) error {
	if elapsedPeriods <= 0 {
		return nil
	}

	unlock := e.ledger.LockMarket(model.PerpKey(ticker))
	defer unlock()

	inst, err := e.market.Instrument(ticker)
	if err != nil {
		return err
	}
	if inst.FundingRate.IsZero() {
		return nil
	}

	for _, pos := range e.ledger.PerpPositionsByTicker(ticker) {
		p := pos
		payment := perps.SettleFunding(&p, inst.FundingRate, elapsedPeriods)
		if err := e.ledger.UpdatePerpPosition(&p); err != nil {
			return fmt.Errorf("update %s: %w", p.ID, err)
		}
		if err := e.store.SavePerpPosition(ctx, &p); err != nil {
			slog.Error("funding save failed", "position", p.ID, "err", err)
		}

		slog.Debug("funding settled",
			"position", p.ID,
			"ticker", ticker,
			"payment", payment.String(),
			"periods", elapsedPeriods,
		)
	}

	metrics.FundingSettlementsTotal.WithLabelValues(ticker).Inc()
	e.broadcast(stream.Event{Type: stream.EventFunding, MarketKey: model.PerpKey(ticker), Payload: inst})
	return nil
}

// SetFundingRate records a feed-supplied funding rate on an instrument.
func (e *Executor) SetFundingRate(ctx context.Context, ticker string, rate decimal.Decimal) error {
	unlock := e.ledger.LockMarket(model.PerpKey(ticker))
	defer unlock()

	if err := e.market.SetFundingRate(ticker, rate); err != nil {
		return err
	}
	inst, err := e.market.Instrument(ticker)
	if err != nil {
		return err
	}
	if err := e.store.SaveInstrument(ctx, inst); err != nil {
		slog.Error("funding rate save failed", "ticker", ticker, "err", err)
	}
	return nil
}
