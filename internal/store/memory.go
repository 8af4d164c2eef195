package store

import (
	"context"
	"sync"

	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/model"
)

type predKey struct {
	ownerID  string
	marketID string
	side     string
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	pools       map[string]model.Pool
	instruments map[string]model.PerpInstrument
	predictions map[predKey]model.PredictionPosition
	perps       map[string]model.PerpPosition
	receipts    []model.TradeReceipt

	// FailWrites makes every write return an error; tests use it to drive
	// the executor's rollback path.
	FailWrites error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:       make(map[string]model.Pool),
		instruments: make(map[string]model.PerpInstrument),
		predictions: make(map[predKey]model.PredictionPosition),
		perps:       make(map[string]model.PerpPosition),
	}
}

func (s *MemoryStore) SavePoolState(_ context.Context, pool *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.pools[pool.MarketID] = *pool
	return nil
}

func (s *MemoryStore) SaveInstrument(_ context.Context, inst *model.PerpInstrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.instruments[inst.Ticker] = *inst
	return nil
}

func (s *MemoryStore) LoadInstruments(_ context.Context) ([]model.PerpInstrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PerpInstrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	return out, nil
}

func (s *MemoryStore) SavePredictionPosition(_ context.Context, pos *model.PredictionPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.predictions[predKey{pos.OwnerID, pos.MarketID, pos.Side}] = *pos
	return nil
}

func (s *MemoryStore) DeletePredictionPosition(_ context.Context, ownerID, marketID, side string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.predictions, predKey{ownerID, marketID, side})
	return nil
}

func (s *MemoryStore) SavePerpPosition(_ context.Context, pos *model.PerpPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.perps[pos.ID] = *pos
	return nil
}

func (s *MemoryStore) InsertReceipt(_ context.Context, receipt *model.TradeReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.receipts = append(s.receipts, *receipt)
	return nil
}

func (s *MemoryStore) ReceiptsByOwner(_ context.Context, ownerID string) ([]model.TradeReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.TradeReceipt
	for _, r := range s.receipts {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadOpenPositions(_ context.Context) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap ledger.Snapshot
	for _, p := range s.pools {
		snap.Pools = append(snap.Pools, p)
	}
	for _, pos := range s.predictions {
		snap.Predictions = append(snap.Predictions, pos)
	}
	for _, pos := range s.perps {
		if pos.Status == model.PerpOpenStatus {
			snap.Perps = append(snap.Perps, pos)
		}
	}
	return snap, nil
}
