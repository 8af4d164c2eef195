// Package api provides the HTTP surface of the trade engine: market and
// instrument management, trade execution, and position/receipt queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/marketcore/trade-engine/internal/account"
	"github.com/marketcore/trade-engine/internal/executor"
	"github.com/marketcore/trade-engine/internal/ledger"
	"github.com/marketcore/trade-engine/internal/metrics"
	"github.com/marketcore/trade-engine/internal/model"
	"github.com/marketcore/trade-engine/internal/perps"
	"github.com/marketcore/trade-engine/internal/store"
	"github.com/marketcore/trade-engine/internal/stream"
)

// Service wires the executor and its collaborators to HTTP handlers.
type Service struct {
	exec     *executor.Executor
	accounts account.Service
	store    store.Store
}

// NewService creates the HTTP service.
func NewService(exec *executor.Executor, accounts account.Service, st store.Store) *Service {
	return &Service{exec: exec, accounts: accounts, store: st}
}

// NewRouter builds the chi router with the standard middleware stack. Pass
// nil for hub to skip the WebSocket endpoint. corsOrigins restricts
// cross-origin callers; an empty list allows any origin.
func NewRouter(svc *Service, hub *stream.Hub, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware(corsOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		// Prediction markets.
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets/{marketID}", svc.GetMarket)
		r.Post("/markets/{marketID}/resolve", svc.ResolveMarket)

		// Perpetual instruments. Marks and funding rates are pushed by the
		// external price feed.
		r.Get("/instruments", svc.ListInstruments)
		r.Post("/instruments", svc.CreateInstrument)
		r.Post("/instruments/{ticker}/mark", svc.PushMark)
		r.Post("/instruments/{ticker}/funding", svc.PushFundingRate)

		// Trade execution.
		r.Post("/trade", svc.ExecuteTrade)

		// Portfolio queries.
		r.Get("/positions/{ownerID}", svc.GetPositions)
		r.Get("/receipts/{ownerID}", svc.GetReceipts)
		r.Get("/balance/{ownerID}", svc.GetBalance)
	})

	return r
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	MarketID      string          `json:"market_id"`
	SeedLiquidity decimal.Decimal `json:"seed_liquidity"` // 0 → default 1000
}

// ResolveMarketRequest is the JSON body for market resolution.
type ResolveMarketRequest struct {
	WinningSide string `json:"winning_side"`
}

// PoolView is a pool plus its derived prices.
type PoolView struct {
	model.Pool
	YesPrice decimal.Decimal `json:"yes_price"`
	NoPrice  decimal.Decimal `json:"no_price"`
}

// PortfolioView aggregates an owner's holdings across both market kinds.
type PortfolioView struct {
	OwnerID     string                     `json:"owner_id"`
	Predictions []model.PredictionPosition `json:"predictions"`
	Perps       []model.PerpPosition       `json:"perps"`
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}

	seed := req.SeedLiquidity
	if seed.LessThanOrEqual(decimal.Zero) {
		seed = decimal.NewFromInt(1000) // default liquidity
	}

	pool, err := s.exec.CreatePool(r.Context(), req.MarketID, seed)
	if err != nil {
		if errors.Is(err, ledger.ErrPoolExists) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, poolView(pool))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	pool, err := s.exec.Ledger().Pool(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, poolView(pool))
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	pools := s.exec.Ledger().Pools()
	views := make([]PoolView, 0, len(pools))
	for i := range pools {
		views = append(views, poolView(&pools[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resolution, err := s.exec.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.WinningSide)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrInvalidWinningSide):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ledger.ErrPoolNotFound):
			writeError(w, "market not found", http.StatusNotFound)
		case errors.Is(err, executor.ErrMarketResolved):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, resolution)
}

// CreateInstrument handles POST /api/v1/instruments
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var inst model.PerpInstrument
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.exec.ListInstrument(r.Context(), &inst); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Market().Instruments())
}

// PushMarkRequest is the JSON body for a feed-pushed mark price.
type PushMarkRequest struct {
	Price decimal.Decimal `json:"price"`
}

// PushFundingRequest is the JSON body for a feed-pushed funding rate.
type PushFundingRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

// PushMark handles POST /api/v1/instruments/{ticker}/mark. The tick re-marks
// every open position and returns any liquidation receipts it produced.
func (s *Service) PushMark(w http.ResponseWriter, r *http.Request) {
	var req PushMarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	liquidated, err := s.exec.ApplyMark(r.Context(), chi.URLParam(r, "ticker"), req.Price)
	if err != nil {
		switch {
		case errors.Is(err, perps.ErrInstrumentNotFound):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, perps.ErrNonPositivePrice):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	if liquidated == nil {
		liquidated = []*model.TradeReceipt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidated": liquidated})
}

// PushFundingRate handles POST /api/v1/instruments/{ticker}/funding.
func (s *Service) PushFundingRate(w http.ResponseWriter, r *http.Request) {
	var req PushFundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.exec.SetFundingRate(r.Context(), chi.URLParam(r, "ticker"), req.Rate); err != nil {
		if errors.Is(err, perps.ErrInstrumentNotFound) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteTrade handles POST /api/v1/trade. Every intent yields a receipt:
// fills and liquidations return 200, rejections 409 with the reason code in
// the body.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var intent model.TradeIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if intent.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	receipt, err := s.exec.Execute(r.Context(), &intent)
	if err != nil {
		if errors.Is(err, executor.ErrUnknownIntentKind) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if receipt.Status == model.StatusRejected {
		status = http.StatusConflict
	}
	writeJSON(w, status, receipt)
}

// GetPositions handles GET /api/v1/positions/{ownerID}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	view := PortfolioView{
		OwnerID:     ownerID,
		Predictions: s.exec.Ledger().PredictionPositionsByOwner(ownerID),
		Perps:       s.exec.Ledger().PerpPositionsByOwner(ownerID),
	}
	if view.Predictions == nil {
		view.Predictions = []model.PredictionPosition{}
	}
	if view.Perps == nil {
		view.Perps = []model.PerpPosition{}
	}
	writeJSON(w, http.StatusOK, view)
}

// GetReceipts handles GET /api/v1/receipts/{ownerID}
func (s *Service) GetReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.store.ReceiptsByOwner(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, "failed to load receipts", http.StatusInternalServerError)
		return
	}
	if receipts == nil {
		receipts = []model.TradeReceipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// GetBalance handles GET /api/v1/balance/{ownerID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	balance, err := s.accounts.AvailableBalance(r.Context(), ownerID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "balance": balance})
}

// --- Helpers ---

// corsMiddleware answers cross-origin requests. With no configured origins
// every caller is allowed; otherwise only listed origins are echoed back.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch origin := r.Header.Get("Origin"); {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func poolView(pool *model.Pool) PoolView {
	return PoolView{
		Pool:     *pool,
		YesPrice: pool.YesPrice(),
		NoPrice:  pool.NoPrice(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
