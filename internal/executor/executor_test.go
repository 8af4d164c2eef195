package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/account"
	"github.com/marketcore/trade-engine/internal/cpmm"
	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/model"
	"github.com/marketcore/trade-engine/internal/perps"
	"github.com/marketcore/trade-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// approxEqual checks decimal equality within 1e-8.
func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(decimal.New(1, -8))
}

type testEngine struct {
	exec     *Executor
	ledger   *ledger.Ledger
	store    *store.MemoryStore
	accounts *account.Memory
}

func newTestEngine(t *testing.T, feeRate decimal.Decimal) *testEngine {
	t.Helper()
	amm, err := cpmm.NewAMM(feeRate)
	if err != nil {
		t.Fatalf("amm: %v", err)
	}
	l := ledger.New()
	st := store.NewMemoryStore()
	accounts := account.NewMemory()
	return &testEngine{
		exec:     New(l, st, accounts, amm, perps.NewMarket(), nil),
		ledger:   l,
		store:    st,
		accounts: accounts,
	}
}

func (te *testEngine) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	bal, err := te.accounts.AvailableBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (te *testEngine) listBTC(t *testing.T) {
	t.Helper()
	err := te.exec.ListInstrument(context.Background(), &model.PerpInstrument{
		Ticker:       "BTC-PERP",
		MarkPrice:    d(100),
		MaxLeverage:  20,
		MinOrderSize: d(10),
	})
	if err != nil {
		t.Fatalf("list instrument: %v", err)
	}
}

// --- Prediction buys ---

func TestPredictionBuy_FillsAndMovesPool(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != model.StatusFilled {
		t.Fatalf("expected filled, got %s (%s: %s)", receipt.Status, receipt.Reason, receipt.Detail)
	}
	if !receipt.SharesOrSize.Equal(d(100)) {
		t.Errorf("expected 100 shares, got %s", receipt.SharesOrSize)
	}

	pool, _ := te.ledger.Pool("m1")
	if !pool.YesShares.Equal(d(600)) {
		t.Errorf("expected 600 YES reserves, got %s", pool.YesShares)
	}
	if !approxEqual(pool.NoShares, d(416.66666667)) {
		t.Errorf("expected ~416.67 NO reserves, got %s", pool.NoShares)
	}

	if got := te.balance(t, "u1"); !got.Equal(d(900)) {
		t.Errorf("expected balance 900 after $100 buy, got %s", got)
	}
	pos, ok := te.ledger.PredictionPosition("u1", "m1", model.SideYes)
	if !ok || !pos.Shares.Equal(d(100)) || !pos.CostBasis.Equal(d(100)) {
		t.Errorf("expected 100-share position with cost 100, got %+v", pos)
	}
}

func TestPredictionBuy_FeeComesOffTheTop(t *testing.T) {
	te := newTestEngine(t, d(0.02))
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !receipt.Fee.Equal(d(2)) {
		t.Errorf("expected fee 2, got %s", receipt.Fee)
	}
	if !receipt.SharesOrSize.Equal(d(98)) {
		t.Errorf("expected 98 shares from net amount, got %s", receipt.SharesOrSize)
	}

	// Only the net amount moves the pool; the trader pays the gross.
	pool, _ := te.ledger.Pool("m1")
	if !pool.YesShares.Equal(d(598)) {
		t.Errorf("expected 598 YES reserves, got %s", pool.YesShares)
	}
	if got := te.balance(t, "u1"); !got.Equal(d(900)) {
		t.Errorf("expected gross debit of 100, balance %s", got)
	}
}

func TestPredictionBuy_Rejections(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(50))
	te.exec.CreatePool(ctx, "m1", d(1000))

	cases := []struct {
		name   string
		intent model.TradeIntent
		reason model.ReasonCode
	}{
		{"zero amount", model.TradeIntent{OwnerID: "u1", Kind: model.KindPredictionBuy, MarketID: "m1", Side: model.SideYes}, model.ReasonZeroAmount},
		{"bad side", model.TradeIntent{OwnerID: "u1", Kind: model.KindPredictionBuy, MarketID: "m1", Side: "MAYBE", Amount: d(10)}, model.ReasonInvalidSide},
		{"unknown market", model.TradeIntent{OwnerID: "u1", Kind: model.KindPredictionBuy, MarketID: "nope", Side: model.SideYes, Amount: d(10)}, model.ReasonMarketNotFound},
		{"insufficient balance", model.TradeIntent{OwnerID: "u1", Kind: model.KindPredictionBuy, MarketID: "m1", Side: model.SideYes, Amount: d(100)}, model.ReasonInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			receipt, err := te.exec.Execute(ctx, &tc.intent)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if receipt.Status != model.StatusRejected || receipt.Reason != tc.reason {
				t.Errorf("expected rejection %s, got %s/%s", tc.reason, receipt.Status, receipt.Reason)
			}
		})
	}

	// Rejections must not move the pool or the balance.
	pool, _ := te.ledger.Pool("m1")
	if !pool.YesShares.Equal(d(500)) || !pool.NoShares.Equal(d(500)) {
		t.Errorf("pool moved on rejection: %s/%s", pool.YesShares, pool.NoShares)
	}
	if got := te.balance(t, "u1"); !got.Equal(d(50)) {
		t.Errorf("balance moved on rejection: %s", got)
	}
}

func TestPredictionBuy_RejectedAfterResolution(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))
	if _, err := te.exec.ResolveMarket(ctx, "m1", model.SideYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(10),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Reason != model.ReasonMarketClosed {
		t.Errorf("expected MARKET_CLOSED, got %s", receipt.Reason)
	}
}

func TestPredictionBuy_PersistenceFailureRollsBack(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))

	te.store.FailWrites = errors.New("pg down")
	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Reason != model.ReasonPersistenceFailure {
		t.Fatalf("expected PERSISTENCE_FAILURE, got %s", receipt.Reason)
	}
	if !receipt.Reason.Retryable() {
		t.Error("persistence failures must be retryable")
	}

	// Ledger rolled back and funds refunded.
	pool, _ := te.ledger.Pool("m1")
	if !pool.YesShares.Equal(d(500)) || !pool.NoShares.Equal(d(500)) {
		t.Errorf("pool not restored: %s/%s", pool.YesShares, pool.NoShares)
	}
	if _, ok := te.ledger.PredictionPosition("u1", "m1", model.SideYes); ok {
		t.Error("position row must not survive a failed commit")
	}
	if got := te.balance(t, "u1"); !got.Equal(d(1000)) {
		t.Errorf("expected full refund, balance %s", got)
	}
}

// --- Prediction sells ---

func TestPredictionSell_RoundTripRestoresPool(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))

	te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})
	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionSell,
		MarketID: "m1", Side: model.SideYes, Shares: d(100),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != model.StatusFilled {
		t.Fatalf("expected filled, got %s (%s)", receipt.Status, receipt.Reason)
	}

	pool, _ := te.ledger.Pool("m1")
	if !approxEqual(pool.YesShares, d(500)) || !approxEqual(pool.NoShares, d(500)) {
		t.Errorf("expected pool restored to 500/500, got %s/%s", pool.YesShares, pool.NoShares)
	}

	// Selling 100 YES into a 600/416.67 pool yields ~83.33, so the round
	// trip loses money even without fees.
	bal := te.balance(t, "u1")
	if !approxEqual(bal, d(983.33333333)) {
		t.Errorf("expected ~983.33 after round trip, got %s", bal)
	}
	if !receipt.RealizedPnL.IsNegative() {
		t.Errorf("round trip must realize a loss, got %s", receipt.RealizedPnL)
	}

	if _, ok := te.ledger.PredictionPosition("u1", "m1", model.SideYes); ok {
		t.Error("full sell must remove the position row")
	}
}

func TestPredictionSell_Rejections(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))
	te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})

	cases := []struct {
		name   string
		intent model.TradeIntent
		reason model.ReasonCode
	}{
		{"zero shares", model.TradeIntent{OwnerID: "u1", Kind: model.KindPredictionSell, MarketID: "m1", Side: model.SideYes}, model.ReasonZeroAmount},
		{"oversell holding", model.TradeIntent{OwnerID: "u1", Kind: model.KindPredictionSell, MarketID: "m1", Side: model.SideYes, Shares: d(101)}, model.ReasonInsufficientShares},
		{"no position", model.TradeIntent{OwnerID: "u2", Kind: model.KindPredictionSell, MarketID: "m1", Side: model.SideNo, Shares: d(1)}, model.ReasonInsufficientShares},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			receipt, err := te.exec.Execute(ctx, &tc.intent)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if receipt.Reason != tc.reason {
				t.Errorf("expected %s, got %s (%s)", tc.reason, receipt.Reason, receipt.Detail)
			}
		})
	}
}

func TestPredictionSell_PoolLiquidityCeiling(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.exec.CreatePool(ctx, "m1", d(1000))

	// Hydrate a holding larger than the pool side to hit the ceiling.
	te.ledger.Hydrate(ledger.Snapshot{
		Predictions: []model.PredictionPosition{
			{ID: "pp1", OwnerID: "u1", MarketID: "m1", Side: model.SideYes, Shares: d(600), CostBasis: d(300)},
		},
	})

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionSell,
		MarketID: "m1", Side: model.SideYes, Shares: d(500),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Reason != model.ReasonPoolLiquidity {
		t.Errorf("expected POOL_LIQUIDITY_EXCEEDED, got %s", receipt.Reason)
	}
}

// --- Perpetual opens ---

func TestPerpOpen_FillsWithMarginAndLiquidationPrice(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != model.StatusFilled {
		t.Fatalf("expected filled, got %s (%s)", receipt.Status, receipt.Reason)
	}

	pos := receipt.NewPosition
	if pos == nil {
		t.Fatal("expected position on receipt")
	}
	if !pos.Margin.Equal(d(100)) {
		t.Errorf("expected margin 100, got %s", pos.Margin)
	}
	if !pos.LiquidationPrice.Equal(d(91)) {
		t.Errorf("expected liquidation at 91, got %s", pos.LiquidationPrice)
	}
	if got := te.balance(t, "u1"); !got.Equal(d(900)) {
		t.Errorf("expected margin debit of 100, balance %s", got)
	}
}

func TestPerpOpen_ChargesFeeOnNotional(t *testing.T) {
	te := newTestEngine(t, d(0.02))
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != model.StatusFilled {
		t.Fatalf("expected filled, got %s (%s)", receipt.Status, receipt.Reason)
	}
	if !receipt.Fee.Equal(d(20)) {
		t.Errorf("expected fee 20 on 1000 notional, got %s", receipt.Fee)
	}

	// Margin 100 plus fee 20 leave the account together.
	if got := te.balance(t, "u1"); !got.Equal(d(880)) {
		t.Errorf("expected balance 880 after margin+fee debit, got %s", got)
	}

	// Closing at entry returns the margin only; the fee stays paid.
	closed, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpClose, PositionID: receipt.NewPosition.ID,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != model.StatusFilled {
		t.Fatalf("expected filled close, got %s (%s)", closed.Status, closed.Reason)
	}
	if got := te.balance(t, "u1"); !got.Equal(d(980)) {
		t.Errorf("expected balance 980 after flat close, got %s", got)
	}
}

func TestPerpOpen_BalanceMustCoverMarginAndFee(t *testing.T) {
	te := newTestEngine(t, d(0.02))
	ctx := context.Background()
	// Enough for the 100 margin but not the 20 fee.
	te.accounts.Deposit("u1", d(100))
	te.listBTC(t)

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != model.StatusRejected || receipt.Reason != model.ReasonInsufficientBalance {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %s/%s", receipt.Status, receipt.Reason)
	}
	if got := te.balance(t, "u1"); !got.Equal(d(100)) {
		t.Errorf("rejection must not touch the balance, got %s", got)
	}
	if got := len(te.ledger.PerpPositionsByTicker("BTC-PERP")); got != 0 {
		t.Errorf("rejection must not open a position, found %d", got)
	}
}

func TestPerpOpen_Rejections(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(50))
	te.listBTC(t)

	cases := []struct {
		name   string
		intent model.TradeIntent
		reason model.ReasonCode
	}{
		{"bad side", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "BTC-PERP", Side: "sideways", Size: d(100), Leverage: 2}, model.ReasonInvalidSide},
		{"zero size", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "BTC-PERP", Side: model.SideLong, Leverage: 2}, model.ReasonZeroAmount},
		{"unknown ticker", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "ETH-PERP", Side: model.SideLong, Size: d(100), Leverage: 2}, model.ReasonInstrumentNotFound},
		{"leverage too high", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "BTC-PERP", Side: model.SideLong, Size: d(100), Leverage: 21}, model.ReasonLeverageOutOfRange},
		{"leverage zero", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "BTC-PERP", Side: model.SideLong, Size: d(100), Leverage: 0}, model.ReasonLeverageOutOfRange},
		{"below min size", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "BTC-PERP", Side: model.SideLong, Size: d(5), Leverage: 2}, model.ReasonBelowMinOrderSize},
		{"insufficient margin", model.TradeIntent{OwnerID: "u1", Kind: model.KindPerpOpen, Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10}, model.ReasonInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			receipt, err := te.exec.Execute(ctx, &tc.intent)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if receipt.Status != model.StatusRejected || receipt.Reason != tc.reason {
				t.Errorf("expected %s, got %s/%s", tc.reason, receipt.Status, receipt.Reason)
			}
		})
	}

	if got := len(te.ledger.PerpPositionsByTicker("BTC-PERP")); got != 0 {
		t.Errorf("rejections must not open positions, found %d", got)
	}
}

// --- Perpetual closes ---

func TestPerpClose_PaysMarginPlusProfit(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	open, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})
	if _, err := te.exec.ApplyMark(ctx, "BTC-PERP", d(110)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpClose, PositionID: open.NewPosition.ID,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Status != model.StatusFilled {
		t.Fatalf("expected filled, got %s (%s)", receipt.Status, receipt.Reason)
	}
	if !receipt.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized +100 at exit 110, got %s", receipt.RealizedPnL)
	}

	// 1000 - 100 margin + 200 payout.
	if got := te.balance(t, "u1"); !got.Equal(d(1100)) {
		t.Errorf("expected balance 1100, got %s", got)
	}
	if _, err := te.ledger.PerpPosition(open.NewPosition.ID); err == nil {
		t.Error("closed position must leave the ledger")
	}
}

func TestPerpClose_AtLiquidationPriceForfeitsMargin(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	open, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})

	// The sweep at the boundary liquidates; the owner's close arrives late.
	liquidated, err := te.exec.ApplyMark(ctx, "BTC-PERP", d(91))
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if len(liquidated) != 1 {
		t.Fatalf("expected 1 liquidation at the boundary, got %d", len(liquidated))
	}
	if liquidated[0].Status != model.StatusLiquidated {
		t.Errorf("expected liquidated status, got %s", liquidated[0].Status)
	}
	if !liquidated[0].RealizedPnL.Equal(d(-90)) {
		t.Errorf("expected realized -90 at liquidation, got %s", liquidated[0].RealizedPnL)
	}

	// Margin forfeited: nothing returned.
	if got := te.balance(t, "u1"); !got.Equal(d(900)) {
		t.Errorf("expected balance 900 after forfeiture, got %s", got)
	}

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpClose, PositionID: open.NewPosition.ID,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Reason != model.ReasonPositionNotFound {
		t.Errorf("closing a liquidated position must reject, got %s", receipt.Reason)
	}
}

func TestPerpClose_WrongOwnerRejected(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	open, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})

	receipt, err := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "intruder", Kind: model.KindPerpClose, PositionID: open.NewPosition.ID,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.Reason != model.ReasonPositionNotFound {
		t.Errorf("expected POSITION_NOT_FOUND for wrong owner, got %s", receipt.Reason)
	}
}

// --- Marks and funding ---

func TestApplyMark_UpdatesUnrealizedPnL(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	open, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})

	if _, err := te.exec.ApplyMark(ctx, "BTC-PERP", d(95)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pos, _ := te.ledger.PerpPosition(open.NewPosition.ID)
	if !pos.UnrealizedPnL.Equal(d(-50)) {
		t.Errorf("expected uPnL -50 at mark 95, got %s", pos.UnrealizedPnL)
	}

	// Marks are idempotent: re-marking at the same price changes nothing.
	te.exec.ApplyMark(ctx, "BTC-PERP", d(95))
	pos, _ = te.ledger.PerpPosition(open.NewPosition.ID)
	if !pos.UnrealizedPnL.Equal(d(-50)) {
		t.Errorf("repeated mark must be a no-op, got %s", pos.UnrealizedPnL)
	}
}

func TestApplyMark_PersistsRemarkedPositions(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	open, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})
	if _, err := te.exec.ApplyMark(ctx, "BTC-PERP", d(95)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// A hydration read must see the re-marked row, not the open-time one.
	snap, err := te.store.LoadOpenPositions(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Perps) != 1 {
		t.Fatalf("expected 1 persisted position, got %d", len(snap.Perps))
	}
	stored := snap.Perps[0]
	if stored.ID != open.NewPosition.ID {
		t.Fatalf("expected stored row for %s, got %s", open.NewPosition.ID, stored.ID)
	}
	if !stored.UnrealizedPnL.Equal(d(-50)) {
		t.Errorf("expected persisted uPnL -50 at mark 95, got %s", stored.UnrealizedPnL)
	}
}

func TestApplyFunding_AccruesAndNetsAtClose(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.listBTC(t)

	open, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpOpen,
		Ticker: "BTC-PERP", Side: model.SideLong, Size: d(1000), Leverage: 10,
	})

	if err := te.exec.SetFundingRate(ctx, "BTC-PERP", d(0.0001)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if err := te.exec.ApplyFunding(ctx, "BTC-PERP", 3); err != nil {
		t.Fatalf("funding: %v", err)
	}

	pos, _ := te.ledger.PerpPosition(open.NewPosition.ID)
	if !pos.FundingPaid.Equal(d(0.3)) {
		t.Errorf("expected funding paid 0.3, got %s", pos.FundingPaid)
	}

	// Close at entry: payout = margin - funding.
	receipt, _ := te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPerpClose, PositionID: open.NewPosition.ID,
	})
	if receipt.Status != model.StatusFilled {
		t.Fatalf("expected filled, got %s (%s)", receipt.Status, receipt.Reason)
	}
	if got := te.balance(t, "u1"); !got.Equal(d(999.7)) {
		t.Errorf("expected balance 999.7 after funding deduction, got %s", got)
	}
}

// --- Resolution ---

func TestResolveMarket_PaysWinnersAndClearsRows(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("winner", d(1000))
	te.accounts.Deposit("loser", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))

	te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "winner", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})
	te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "loser", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideNo, Amount: d(50),
	})

	resolution, err := te.exec.ResolveMarket(ctx, "m1", model.SideYes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolution.Payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(resolution.Payouts))
	}
	// 100 winning shares pay $1 each.
	if !resolution.TotalPaid.Equal(d(100)) {
		t.Errorf("expected total paid 100, got %s", resolution.TotalPaid)
	}
	if got := te.balance(t, "winner"); !got.Equal(d(1000)) {
		t.Errorf("expected winner back to 1000, got %s", got)
	}
	if got := te.balance(t, "loser"); !got.Equal(d(950)) {
		t.Errorf("loser shares expire worthless, expected 950, got %s", got)
	}

	if rows := te.ledger.PredictionPositionsByMarket("m1"); len(rows) != 0 {
		t.Errorf("expected all rows cleared, found %d", len(rows))
	}
	pool, _ := te.ledger.Pool("m1")
	if pool.Status != model.PoolResolved {
		t.Errorf("expected resolved pool, got %s", pool.Status)
	}

	if _, err := te.exec.ResolveMarket(ctx, "m1", model.SideYes); !errors.Is(err, ErrMarketResolved) {
		t.Errorf("expected ErrMarketResolved on double resolution, got %v", err)
	}
}

func TestResolveMarket_RejectsBadSide(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	te.exec.CreatePool(context.Background(), "m1", d(1000))
	if _, err := te.exec.ResolveMarket(context.Background(), "m1", "MAYBE"); !errors.Is(err, ErrInvalidWinningSide) {
		t.Errorf("expected ErrInvalidWinningSide, got %v", err)
	}
}

// --- Receipts ---

func TestReceipts_PersistedForFillsAndRejections(t *testing.T) {
	te := newTestEngine(t, decimal.Zero)
	ctx := context.Background()
	te.accounts.Deposit("u1", d(1000))
	te.exec.CreatePool(ctx, "m1", d(1000))

	te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: model.SideYes, Amount: d(100),
	})
	te.exec.Execute(ctx, &model.TradeIntent{
		OwnerID: "u1", Kind: model.KindPredictionBuy,
		MarketID: "m1", Side: "MAYBE", Amount: d(100),
	})

	receipts, err := te.store.ReceiptsByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].Status != model.StatusFilled || receipts[1].Status != model.StatusRejected {
		t.Errorf("expected filled then rejected, got %s/%s", receipts[0].Status, receipts[1].Status)
	}
}
