// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The store is a downstream mirror of the in-memory ledger: the engine
// validates and commits against the ledger first, then hands the delta here.
// A failed durable write rolls the ledger back, so the two never diverge.
package store

import (
	"context"

	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pools ---

	// SavePoolState upserts a pool's reserves and status.
	SavePoolState(ctx context.Context, pool *model.Pool) error

	// --- Instruments ---

	// SaveInstrument upserts a perpetual instrument's parameters and
	// feed-supplied mark/funding values.
	SaveInstrument(ctx context.Context, inst *model.PerpInstrument) error

	// LoadInstruments returns all listed instruments.
	LoadInstruments(ctx context.Context) ([]model.PerpInstrument, error)

	// --- Positions ---

	// SavePredictionPosition upserts one owner/market/side row.
	SavePredictionPosition(ctx context.Context, pos *model.PredictionPosition) error

	// DeletePredictionPosition removes a row that sold down to zero or was
	// paid out at resolution.
	DeletePredictionPosition(ctx context.Context, ownerID, marketID, side string) error

	// SavePerpPosition upserts a perpetual position row. Closed and
	// liquidated rows are kept for history.
	SavePerpPosition(ctx context.Context, pos *model.PerpPosition) error

	// --- Receipts ---

	// InsertReceipt appends an immutable trade receipt.
	InsertReceipt(ctx context.Context, receipt *model.TradeReceipt) error

	// ReceiptsByOwner returns all receipts for an owner, oldest first.
	ReceiptsByOwner(ctx context.Context, ownerID string) ([]model.TradeReceipt, error)

	// --- Startup ---

	// LoadOpenPositions returns the durable state the ledger hydrates from
	// at process start: all pools plus every open position.
	LoadOpenPositions(ctx context.Context) (ledger.Snapshot, error)
}
