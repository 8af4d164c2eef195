package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SavePoolState(ctx context.Context, pool *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (market_id, yes_shares, no_shares, status, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)
		 ON CONFLICT (market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares  = EXCLUDED.no_shares,
		     status     = EXCLUDED.status`,
		pool.MarketID,
		pool.YesShares.String(), pool.NoShares.String(),
		pool.Status, pool.CreatedAt,
	)
	return err
}

func (s *PostgresStore) SaveInstrument(ctx context.Context, inst *model.PerpInstrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (ticker, mark_price, funding_rate, max_leverage, min_order_size, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5::NUMERIC, $6)
		 ON CONFLICT (ticker) DO UPDATE
		 SET mark_price     = EXCLUDED.mark_price,
		     funding_rate   = EXCLUDED.funding_rate,
		     max_leverage   = EXCLUDED.max_leverage,
		     min_order_size = EXCLUDED.min_order_size,
		     updated_at     = EXCLUDED.updated_at`,
		inst.Ticker,
		inst.MarkPrice.String(), inst.FundingRate.String(),
		inst.MaxLeverage, inst.MinOrderSize.String(),
		inst.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) LoadInstruments(ctx context.Context) ([]model.PerpInstrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, mark_price::TEXT, funding_rate::TEXT, max_leverage, min_order_size::TEXT, updated_at
		 FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.PerpInstrument
	for rows.Next() {
		var inst model.PerpInstrument
		var mark, funding, minSize string
		if err := rows.Scan(&inst.Ticker, &mark, &funding,
			&inst.MaxLeverage, &minSize, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.MarkPrice, _ = decimal.NewFromString(mark)
		inst.FundingRate, _ = decimal.NewFromString(funding)
		inst.MinOrderSize, _ = decimal.NewFromString(minSize)
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) SavePredictionPosition(ctx context.Context, pos *model.PredictionPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prediction_positions (id, owner_id, market_id, side, shares, cost_basis, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (owner_id, market_id, side) DO UPDATE
		 SET shares     = EXCLUDED.shares,
		     cost_basis = EXCLUDED.cost_basis,
		     updated_at = EXCLUDED.updated_at`,
		pos.ID, pos.OwnerID, pos.MarketID, pos.Side,
		pos.Shares.String(), pos.CostBasis.String(),
		pos.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeletePredictionPosition(ctx context.Context, ownerID, marketID, side string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM prediction_positions WHERE owner_id = $1 AND market_id = $2 AND side = $3`,
		ownerID, marketID, side,
	)
	return err
}

func (s *PostgresStore) SavePerpPosition(ctx context.Context, pos *model.PerpPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO perp_positions
		     (id, owner_id, ticker, side, entry_price, size, leverage, margin,
		      liquidation_price, unrealized_pnl, funding_paid, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO UPDATE
		 SET unrealized_pnl = EXCLUDED.unrealized_pnl,
		     funding_paid   = EXCLUDED.funding_paid,
		     status         = EXCLUDED.status`,
		pos.ID, pos.OwnerID, pos.Ticker, pos.Side,
		pos.EntryPrice.String(), pos.Size.String(),
		pos.Leverage, pos.Margin.String(),
		pos.LiquidationPrice.String(), pos.UnrealizedPnL.String(),
		pos.FundingPaid.String(), pos.Status, pos.OpenedAt,
	)
	return err
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *model.TradeReceipt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_receipts
		     (id, status, kind, owner_id, market_key, shares_or_size,
		      avg_price, fee, realized_pnl, reason, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		r.ID, r.Status, string(r.Kind), r.OwnerID, r.MarketKey,
		r.SharesOrSize.String(),
		r.AvgPrice.String(), r.Fee.String(), r.RealizedPnL.String(),
		string(r.Reason), r.Detail, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ReceiptsByOwner(ctx context.Context, ownerID string) ([]model.TradeReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, kind, owner_id, market_key, shares_or_size::TEXT,
		        avg_price::TEXT, fee::TEXT, realized_pnl::TEXT, reason, detail, created_at
		 FROM trade_receipts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []model.TradeReceipt
	for rows.Next() {
		var r model.TradeReceipt
		var kind, reason string
		var sharesS, priceS, feeS, pnlS string

		if err := rows.Scan(&r.ID, &r.Status, &kind, &r.OwnerID, &r.MarketKey,
			&sharesS, &priceS, &feeS, &pnlS, &reason, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}

		r.Kind = model.IntentKind(kind)
		r.Reason = model.ReasonCode(reason)
		r.SharesOrSize, _ = decimal.NewFromString(sharesS)
		r.AvgPrice, _ = decimal.NewFromString(priceS)
		r.Fee, _ = decimal.NewFromString(feeS)
		r.RealizedPnL, _ = decimal.NewFromString(pnlS)

		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresStore) LoadOpenPositions(ctx context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot

	pools, err := s.loadPools(ctx)
	if err != nil {
		return snap, fmt.Errorf("load pools: %w", err)
	}
	snap.Pools = pools

	predictions, err := s.loadPredictionPositions(ctx)
	if err != nil {
		return snap, fmt.Errorf("load prediction positions: %w", err)
	}
	snap.Predictions = predictions

	perps, err := s.loadOpenPerpPositions(ctx)
	if err != nil {
		return snap, fmt.Errorf("load perp positions: %w", err)
	}
	snap.Perps = perps

	return snap, nil
}

func (s *PostgresStore) loadPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, yes_shares::TEXT, no_shares::TEXT, status, created_at
		 FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		var p model.Pool
		var yes, no string
		if err := rows.Scan(&p.MarketID, &yes, &no, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.YesShares, _ = decimal.NewFromString(yes)
		p.NoShares, _ = decimal.NewFromString(no)
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) loadPredictionPositions(ctx context.Context) ([]model.PredictionPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, market_id, side, shares::TEXT, cost_basis::TEXT, updated_at
		 FROM prediction_positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PredictionPosition
	for rows.Next() {
		var p model.PredictionPosition
		var shares, cost string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.MarketID, &p.Side,
			&shares, &cost, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Shares, _ = decimal.NewFromString(shares)
		p.CostBasis, _ = decimal.NewFromString(cost)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) loadOpenPerpPositions(ctx context.Context) ([]model.PerpPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, ticker, side, entry_price::TEXT, size::TEXT, leverage,
		        margin::TEXT, liquidation_price::TEXT, unrealized_pnl::TEXT,
		        funding_paid::TEXT, status, opened_at
		 FROM perp_positions WHERE status = $1`, model.PerpOpenStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PerpPosition
	for rows.Next() {
		var p model.PerpPosition
		var entry, size, margin, liq, pnl, funding string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Ticker, &p.Side,
			&entry, &size, &p.Leverage,
			&margin, &liq, &pnl,
			&funding, &p.Status, &p.OpenedAt); err != nil {
			return nil, err
		}
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.Size, _ = decimal.NewFromString(size)
		p.Margin, _ = decimal.NewFromString(margin)
		p.LiquidationPrice, _ = decimal.NewFromString(liq)
		p.UnrealizedPnL, _ = decimal.NewFromString(pnl)
		p.FundingPaid, _ = decimal.NewFromString(funding)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
