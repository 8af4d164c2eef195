// Package ledger holds the authoritative in-memory state of every open pool
// and position. The external store is a downstream mirror: invariant checks
// run against this state, and the resulting delta is handed to the store
// after the fact.
//
// Mutations to one market must be serialized: the executor and the price
// feed both acquire the market's lock from the ledger's lock table before
// reading or writing, so constant-product math and liquidation checks never
// interleave on the same market. Different markets proceed in parallel.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/fixedpoint"
	"github.com/marketcore/trade-engine/internal/model"
)

var (
	// ErrPoolExists is returned when opening a market that already has a pool.
	ErrPoolExists = errors.New("ledger: pool already exists")

	// ErrPoolNotFound is returned for an unknown market.
	ErrPoolNotFound = errors.New("ledger: pool not found")

	// ErrInvalidSeed is returned when seed liquidity is not positive.
	ErrInvalidSeed = errors.New("ledger: seed liquidity must be positive")

	// ErrInsufficientShares is returned when a sell exceeds the owner's
	// holding on that side.
	ErrInsufficientShares = errors.New("ledger: sell exceeds owned shares")

	// ErrPositionNotFound is returned for an unknown perpetual position.
	ErrPositionNotFound = errors.New("ledger: position not found")
)

type predKey struct {
	ownerID  string
	marketID string
	side     string
}

// Ledger is the single authoritative in-memory map of open positions and
// pools. One instance is constructed at startup, hydrated from the store,
// and injected into the executor and feed.
type Ledger struct {
	mu          sync.RWMutex
	pools       map[string]*model.Pool
	predictions map[predKey]*model.PredictionPosition
	perps       map[string]*model.PerpPosition // by position ID

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		pools:       make(map[string]*model.Pool),
		predictions: make(map[predKey]*model.PredictionPosition),
		perps:       make(map[string]*model.PerpPosition),
		locks:       make(map[string]*sync.Mutex),
	}
}

// LockMarket acquires the serialization lock for a market key and returns
// the unlock function. Trades and mark ticks against the same key commit in
// lock-acquisition order; keys never contend with each other.
func (l *Ledger) LockMarket(key string) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[key] = mu
	}
	l.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// --- Pools ---

// CreatePool opens a prediction market with seed liquidity split 50/50.
func (l *Ledger) CreatePool(marketID string, seedLiquidity decimal.Decimal) (*model.Pool, error) {
	if seedLiquidity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidSeed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[marketID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, marketID)
	}

	half := seedLiquidity.Div(decimal.NewFromInt(2))
	pool := &model.Pool{
		MarketID:  marketID,
		YesShares: half,
		NoShares:  half,
		Status:    model.PoolOpen,
		CreatedAt: time.Now().UTC(),
	}
	l.pools[marketID] = pool

	copy := *pool
	return &copy, nil
}

// Pool returns a copy of the pool state for a market.
func (l *Ledger) Pool(marketID string) (*model.Pool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pool, ok := l.pools[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, marketID)
	}
	copy := *pool
	return &copy, nil
}

// Pools returns copies of all pools.
func (l *Ledger) Pools() []model.Pool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Pool, 0, len(l.pools))
	for _, p := range l.pools {
		out = append(out, *p)
	}
	return out
}

// SetPoolState replaces the pool reserves after a priced trade. The caller
// must hold the market lock.
func (l *Ledger) SetPoolState(marketID string, yesShares, noShares decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pool, ok := l.pools[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, marketID)
	}
	pool.YesShares = yesShares
	pool.NoShares = noShares
	return nil
}

// ResolvePool freezes a pool. Further trades against it are rejected by the
// executor's status check.
func (l *Ledger) ResolvePool(marketID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pool, ok := l.pools[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, marketID)
	}
	pool.Status = model.PoolResolved
	return nil
}

// --- Prediction positions ---

// UpsertPredictionPosition applies a share delta to one owner/market/side
// row. Buys accumulate shares and cost basis (weighted average); sells
// reduce cost basis pro rata and remove the row once only dust remains.
// Opposite-side rows are independent; the ledger never nets them.
func (l *Ledger) UpsertPredictionPosition(ownerID, marketID, side string, sharesDelta, costDelta decimal.Decimal) (*model.PredictionPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := predKey{ownerID: ownerID, marketID: marketID, side: side}
	pos, ok := l.predictions[key]

	if sharesDelta.IsPositive() {
		if !ok {
			pos = &model.PredictionPosition{
				ID:       uuid.New().String(),
				OwnerID:  ownerID,
				MarketID: marketID,
				Side:     side,
			}
			l.predictions[key] = pos
		}
		pos.Shares = pos.Shares.Add(sharesDelta)
		pos.CostBasis = pos.CostBasis.Add(costDelta)
		pos.UpdatedAt = time.Now().UTC()
		copy := *pos
		return &copy, nil
	}

	// Sell path.
	sold := sharesDelta.Neg()
	if !ok || sold.GreaterThan(pos.Shares) {
		return nil, ErrInsufficientShares
	}

	reduction := pos.CostBasis.Mul(sold).Div(pos.Shares)
	pos.CostBasis = pos.CostBasis.Sub(reduction)
	pos.Shares = pos.Shares.Sub(sold)
	pos.UpdatedAt = time.Now().UTC()

	if fixedpoint.IsDust(pos.Shares) {
		delete(l.predictions, key)
		return nil, nil
	}

	copy := *pos
	return &copy, nil
}

// PredictionPosition returns a copy of one owner/market/side row.
func (l *Ledger) PredictionPosition(ownerID, marketID, side string) (*model.PredictionPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.predictions[predKey{ownerID: ownerID, marketID: marketID, side: side}]
	if !ok {
		return nil, false
	}
	copy := *pos
	return &copy, true
}

// PredictionPositionsByOwner returns copies of all of an owner's rows.
func (l *Ledger) PredictionPositionsByOwner(ownerID string) []model.PredictionPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.PredictionPosition
	for key, pos := range l.predictions {
		if key.ownerID == ownerID {
			out = append(out, *pos)
		}
	}
	return out
}

// PredictionPositionsByMarket returns copies of all rows in one market,
// used by resolution settlement.
func (l *Ledger) PredictionPositionsByMarket(marketID string) []model.PredictionPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.PredictionPosition
	for key, pos := range l.predictions {
		if key.marketID == marketID {
			out = append(out, *pos)
		}
	}
	return out
}

// RemovePredictionPosition deletes one row, used when resolution pays it out.
func (l *Ledger) RemovePredictionPosition(ownerID, marketID, side string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.predictions, predKey{ownerID: ownerID, marketID: marketID, side: side})
}

// --- Perpetual positions ---

// AddPerpPosition inserts a freshly opened position. Every open creates a
// new row: concurrent leveraged positions on the same instrument never
// merge.
func (l *Ledger) AddPerpPosition(pos *model.PerpPosition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy := *pos
	l.perps[pos.ID] = &copy
}

// PerpPosition returns a copy of one position by ID.
func (l *Ledger) PerpPosition(id string) (*model.PerpPosition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.perps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	copy := *pos
	return &copy, nil
}

// UpdatePerpPosition writes back a mutated copy.
func (l *Ledger) UpdatePerpPosition(pos *model.PerpPosition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.perps[pos.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, pos.ID)
	}
	copy := *pos
	l.perps[pos.ID] = &copy
	return nil
}

// RemovePerpPosition drops a closed or liquidated position from the ledger.
// The store keeps the historical row.
func (l *Ledger) RemovePerpPosition(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perps, id)
}

// PerpPositionsByTicker returns copies of all open positions on an
// instrument, for mark ticks and liquidation sweeps.
func (l *Ledger) PerpPositionsByTicker(ticker string) []model.PerpPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.PerpPosition
	for _, pos := range l.perps {
		if pos.Ticker == ticker {
			out = append(out, *pos)
		}
	}
	return out
}

// PerpPositionsByOwner returns copies of all of an owner's open positions.
func (l *Ledger) PerpPositionsByOwner(ownerID string) []model.PerpPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.PerpPosition
	for _, pos := range l.perps {
		if pos.OwnerID == ownerID {
			out = append(out, *pos)
		}
	}
	return out
}

// --- Hydration and rollback ---

// Snapshot is the durable state loaded at process start.
type Snapshot struct {
	Pools       []model.Pool
	Predictions []model.PredictionPosition
	Perps       []model.PerpPosition
}

// Hydrate bulk-loads durable state into an empty ledger. The engine may be
// restarted at any time and must resume from the store rather than empty.
func (l *Ledger) Hydrate(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range snap.Pools {
		p := snap.Pools[i]
		l.pools[p.MarketID] = &p
	}
	for i := range snap.Predictions {
		pos := snap.Predictions[i]
		l.predictions[predKey{ownerID: pos.OwnerID, marketID: pos.MarketID, side: pos.Side}] = &pos
	}
	for i := range snap.Perps {
		pos := snap.Perps[i]
		l.perps[pos.ID] = &pos
	}
}

// MarketSnapshot captures one market's pre-commit state so a failed durable
// write can roll the in-memory ledger back instead of diverging from the
// store.
type MarketSnapshot struct {
	key         string
	pool        *model.Pool
	predictions []model.PredictionPosition
	perps       []model.PerpPosition
}

// SnapshotMarket copies the current state under a market key. The caller
// must hold the market lock.
func (l *Ledger) SnapshotMarket(key string) MarketSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := MarketSnapshot{key: key}
	if marketID, ok := strings.CutPrefix(key, "pool:"); ok {
		if pool, found := l.pools[marketID]; found {
			copy := *pool
			snap.pool = &copy
		}
		for k, pos := range l.predictions {
			if k.marketID == marketID {
				snap.predictions = append(snap.predictions, *pos)
			}
		}
	}
	if ticker, ok := strings.CutPrefix(key, "perp:"); ok {
		for _, pos := range l.perps {
			if pos.Ticker == ticker {
				snap.perps = append(snap.perps, *pos)
			}
		}
	}
	return snap
}

// RestoreMarket replaces a market's state with a snapshot taken before the
// failed commit. The caller must hold the market lock.
func (l *Ledger) RestoreMarket(snap MarketSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if marketID, ok := strings.CutPrefix(snap.key, "pool:"); ok {
		if snap.pool != nil {
			copy := *snap.pool
			l.pools[marketID] = &copy
		} else {
			delete(l.pools, marketID)
		}
		for k := range l.predictions {
			if k.marketID == marketID {
				delete(l.predictions, k)
			}
		}
		for i := range snap.predictions {
			pos := snap.predictions[i]
			l.predictions[predKey{ownerID: pos.OwnerID, marketID: pos.MarketID, side: pos.Side}] = &pos
		}
	}
	if ticker, ok := strings.CutPrefix(snap.key, "perp:"); ok {
		for id, pos := range l.perps {
			if pos.Ticker == ticker {
				delete(l.perps, id)
			}
		}
		for i := range snap.perps {
			pos := snap.perps[i]
			l.perps[pos.ID] = &pos
		}
	}
}
