// Package feed polls an external price source and pushes mark prices and
// funding rates into the executor. The engine never computes prices or rates
// itself; it only consumes what the source supplies.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/marketcore/trade-engine/internal/executor"
)

// ErrNoQuote is returned by sources that have no quote for a ticker. The
// runner skips the tick and retries on the next interval.
var ErrNoQuote = errors.New("feed: no quote for ticker")

// Source supplies mark prices and funding rates for perpetual instruments.
type Source interface {
	MarkPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
	FundingRate(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// Runner polls the source on fixed intervals and applies each tick through
// the executor, which serializes against trades on the same instrument.
//
// With a nil source the runner degrades to push mode: marks and rates arrive
// through the HTTP feed endpoints, and the runner only accrues one funding
// period per funding interval at whatever rate each instrument carries.
type Runner struct {
	exec            *executor.Executor
	source          Source
	markInterval    time.Duration
	fundingInterval time.Duration
}

// NewRunner creates a feed runner. markInterval paces mark-to-market ticks;
// fundingInterval is the funding settlement period, one period per tick.
func NewRunner(exec *executor.Executor, source Source, markInterval, fundingInterval time.Duration) *Runner {
	return &Runner{
		exec:            exec,
		source:          source,
		markInterval:    markInterval,
		fundingInterval: fundingInterval,
	}
}

// Run drives the mark and funding loops until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r.source != nil {
		g.Go(func() error { return r.markLoop(ctx) })
	}
	g.Go(func() error { return r.fundingLoop(ctx) })
	return g.Wait()
}

func (r *Runner) markLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.markInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.MarkAll(ctx)
		}
	}
}

func (r *Runner) fundingLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.fundingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.SettleFundingAll(ctx)
		}
	}
}

// MarkAll fetches one quote per instrument and applies it. Source errors are
// logged and skipped; a dead feed must not kill the engine.
func (r *Runner) MarkAll(ctx context.Context) {
	for _, inst := range r.exec.Market().Instruments() {
		price, err := r.source.MarkPrice(ctx, inst.Ticker)
		if err != nil {
			if !errors.Is(err, ErrNoQuote) {
				slog.Error("mark quote failed", "ticker", inst.Ticker, "err", err)
			}
			continue
		}

		liquidated, err := r.exec.ApplyMark(ctx, inst.Ticker, price)
		if err != nil {
			slog.Error("mark apply failed", "ticker", inst.Ticker, "err", err)
			continue
		}
		for _, receipt := range liquidated {
			slog.Warn("sweep liquidation",
				"ticker", inst.Ticker,
				"owner", receipt.OwnerID,
				"realized_pnl", receipt.RealizedPnL.String(),
			)
		}
	}
}

// SettleFundingAll refreshes each instrument's funding rate from the source
// (when one is wired) and accrues one settlement period on every open
// position.
func (r *Runner) SettleFundingAll(ctx context.Context) {
	for _, inst := range r.exec.Market().Instruments() {
		if r.source != nil {
			rate, err := r.source.FundingRate(ctx, inst.Ticker)
			if err != nil {
				if !errors.Is(err, ErrNoQuote) {
					slog.Error("funding quote failed", "ticker", inst.Ticker, "err", err)
				}
				continue
			}
			if err := r.exec.SetFundingRate(ctx, inst.Ticker, rate); err != nil {
				slog.Error("funding rate apply failed", "ticker", inst.Ticker, "err", err)
				continue
			}
		}
		if err := r.exec.ApplyFunding(ctx, inst.Ticker, 1); err != nil {
			slog.Error("funding settle failed", "ticker", inst.Ticker, "err", err)
		}
	}
}

// StaticSource serves fixed quotes from memory. Used in development and
// tests; production deployments wire an exchange-backed source.
type StaticSource struct {
	Prices map[string]decimal.Decimal
	Rates  map[string]decimal.Decimal
}

func (s *StaticSource) MarkPrice(_ context.Context, ticker string) (decimal.Decimal, error) {
	price, ok := s.Prices[ticker]
	if !ok {
		return decimal.Zero, ErrNoQuote
	}
	return price, nil
}

func (s *StaticSource) FundingRate(_ context.Context, ticker string) (decimal.Decimal, error) {
	rate, ok := s.Rates[ticker]
	if !ok {
		return decimal.Zero, ErrNoQuote
	}
	return rate, nil
}
