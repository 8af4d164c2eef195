package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for instrument lists and owner receipts. Writes go to the primary
// store and invalidate the affected keys; reads check Redis first then fall
// back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePoolState(ctx context.Context, pool *model.Pool) error {
	if err := s.primary.SavePoolState(ctx, pool); err != nil {
		return err
	}
	// Publish latest pool state for readers; the ledger, not Redis, is the
	// trading-path source of truth.
	if data, err := json.Marshal(pool); err == nil {
		s.rdb.Set(ctx, poolKey(pool.MarketID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) SaveInstrument(ctx context.Context, inst *model.PerpInstrument) error {
	if err := s.primary.SaveInstrument(ctx, inst); err != nil {
		return err
	}
	s.rdb.Del(ctx, instrumentsKey)
	return nil
}

func (s *CachedStore) SavePredictionPosition(ctx context.Context, pos *model.PredictionPosition) error {
	return s.primary.SavePredictionPosition(ctx, pos)
}

func (s *CachedStore) DeletePredictionPosition(ctx context.Context, ownerID, marketID, side string) error {
	return s.primary.DeletePredictionPosition(ctx, ownerID, marketID, side)
}

func (s *CachedStore) SavePerpPosition(ctx context.Context, pos *model.PerpPosition) error {
	return s.primary.SavePerpPosition(ctx, pos)
}

func (s *CachedStore) InsertReceipt(ctx context.Context, receipt *model.TradeReceipt) error {
	if err := s.primary.InsertReceipt(ctx, receipt); err != nil {
		return err
	}
	s.rdb.Del(ctx, receiptsKey(receipt.OwnerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadInstruments(ctx context.Context) ([]model.PerpInstrument, error) {
	data, err := s.rdb.Get(ctx, instrumentsKey).Bytes()
	if err == nil {
		var instruments []model.PerpInstrument
		if json.Unmarshal(data, &instruments) == nil {
			return instruments, nil
		}
	}

	// Cache miss: read from primary.
	instruments, err := s.primary.LoadInstruments(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(instruments); err == nil {
		s.rdb.Set(ctx, instrumentsKey, data, s.ttl)
	}
	return instruments, nil
}

func (s *CachedStore) ReceiptsByOwner(ctx context.Context, ownerID string) ([]model.TradeReceipt, error) {
	data, err := s.rdb.Get(ctx, receiptsKey(ownerID)).Bytes()
	if err == nil {
		var receipts []model.TradeReceipt
		if json.Unmarshal(data, &receipts) == nil {
			return receipts, nil
		}
	}

	// Cache miss.
	receipts, err := s.primary.ReceiptsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(receipts); err == nil {
		s.rdb.Set(ctx, receiptsKey(ownerID), data, s.ttl)
	}
	return receipts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadOpenPositions(ctx context.Context) (ledger.Snapshot, error) {
	// Hydration happens once at startup; always hit the source of truth.
	return s.primary.LoadOpenPositions(ctx)
}

// --- Cache keys ---

const instrumentsKey = "instruments"

func poolKey(marketID string) string    { return fmt.Sprintf("pool:%s", marketID) }
func receiptsKey(ownerID string) string { return fmt.Sprintf("receipts:%s", ownerID) }
