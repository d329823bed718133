// Package trade provides the HTTP handlers for settling trades, listing and
// cancelling offers, and reading worlds, rates, prices, and wallets.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/settlement"
	"github.com/atmx/world-exchange/internal/store"
)

// Service exposes the settlement pipeline and the read side over HTTP.
type Service struct {
	settlement *settlement.Service
	store      store.Store
	cache      store.SnapshotCache // optional
}

// NewService creates the HTTP service. cache may be nil.
func NewService(svc *settlement.Service, st store.Store, cache store.SnapshotCache) *Service {
	return &Service{settlement: svc, store: st, cache: cache}
}

// Routes registers every handler on r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trades", s.ExecuteTrade)

	r.Post("/offers", s.CreateOffer)
	r.Get("/offers", s.ListOffers)
	r.Get("/offers/{offerID}", s.GetOffer)
	r.Post("/offers/{offerID}/cancel", s.CancelOffer)
	r.Get("/offers/{offerID}/trades", s.GetOfferTrades)

	r.Get("/worlds", s.ListWorlds)
	r.Get("/worlds/{worldID}", s.GetWorld)
	r.Get("/rates", s.GetRates)
	r.Get("/prices/{resourceID}", s.GetPrices)

	r.Get("/wallets/{agentID}", s.GetWallet)
	r.Get("/wallets/{agentID}/ledger", s.GetLedger)
}

// CancelRequest is the JSON body for POST /offers/{offerID}/cancel.
type CancelRequest struct {
	SellerID string `json:"seller_id"`
}

// --- Settlement ---

// ExecuteTrade handles POST /api/v1/trades.
// A replayed idempotency key returns the original result with 200.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req settlement.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OfferID == "" || req.BuyerID == "" {
		writeError(w, "offer_id and buyer_id are required", http.StatusBadRequest)
		return
	}

	res, err := s.settlement.ExecuteTrade(r.Context(), req)
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Offers ---

// CreateOffer handles POST /api/v1/offers.
func (s *Service) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req settlement.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" || req.ResourceID == "" {
		writeError(w, "seller_id and resource_id are required", http.StatusBadRequest)
		return
	}

	offer, err := s.settlement.CreateOffer(r.Context(), req)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// ListOffers handles GET /api/v1/offers?resource=<id>
func (s *Service) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.store.ListOpenOffers(r.Context(), r.URL.Query().Get("resource"))
	if err != nil {
		writeError(w, "failed to list offers", http.StatusInternalServerError)
		return
	}
	if offers == nil {
		offers = []model.TradeOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetOffer handles GET /api/v1/offers/{offerID}
func (s *Service) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.store.GetOffer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		writeStoreError(w, "offer", err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// CancelOffer handles POST /api/v1/offers/{offerID}/cancel
func (s *Service) CancelOffer(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}

	offer, err := s.settlement.CancelOffer(r.Context(), chi.URLParam(r, "offerID"), req.SellerID)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// GetOfferTrades handles GET /api/v1/offers/{offerID}/trades
func (s *Service) GetOfferTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByOffer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Worlds, rates, prices ---

// ListWorlds handles GET /api/v1/worlds
func (s *Service) ListWorlds(w http.ResponseWriter, r *http.Request) {
	worlds, err := s.store.ListWorlds(r.Context())
	if err != nil {
		writeError(w, "failed to list worlds", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, worlds)
}

// GetWorld handles GET /api/v1/worlds/{worldID}
func (s *Service) GetWorld(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.GetWorld(r.Context(), chi.URLParam(r, "worldID"))
	if err != nil {
		writeStoreError(w, "world", err)
		return
	}
	writeJSON(w, http.StatusOK, world)
}

// GetRates handles GET /api/v1/rates
// Returns every currency's rate against the base world's currency.
func (s *Service) GetRates(w http.ResponseWriter, r *http.Request) {
	snap, err := s.settlement.Rates(r.Context())
	if err != nil {
		writeError(w, "failed to load rates", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPrices handles GET /api/v1/prices/{resourceID}
// Served from the snapshot cache when warm, otherwise from the store.
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resourceID := chi.URLParam(r, "resourceID")

	if s.cache != nil {
		snap, err := s.cache.GetPrices(ctx, resourceID)
		if err != nil {
			slog.Warn("price cache read failed", "resource", resourceID, "err", err)
		}
		if snap != nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	globals, err := s.store.GetGlobalPrices(ctx)
	if err != nil {
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	}
	worlds, err := s.store.ListWorlds(ctx)
	if err != nil {
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	}

	snap := &model.PriceSnapshot{
		ResourceID: resourceID,
		Global:     globals[resourceID],
		Local:      make(map[string]decimal.Decimal, len(worlds)),
	}
	for _, world := range worlds {
		if p, ok := world.Prices[resourceID]; ok {
			snap.Local[world.ID] = p
		}
	}
	if _, ok := globals[resourceID]; !ok && len(snap.Local) == 0 {
		writeError(w, "no prices for resource: "+resourceID, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Wallets ---

// GetWallet handles GET /api/v1/wallets/{agentID}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeStoreError(w, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetLedger handles GET /api/v1/wallets/{agentID}/ledger
// Entries are returned newest first.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListLedgerEntriesByAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, "failed to get ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	writeJSON(w, http.StatusOK, entries)
}

// --- Errors ---

// statusFor maps a settlement error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrOfferNotFound),
		errors.Is(err, settlement.ErrBuyerNotFound),
		errors.Is(err, settlement.ErrSellerNotFound),
		errors.Is(err, settlement.ErrResourceNotFound),
		errors.Is(err, settlement.ErrWorldNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrOfferNotOpen),
		errors.Is(err, settlement.ErrOfferExpired),
		errors.Is(err, settlement.ErrInsufficientQuantity),
		errors.Is(err, settlement.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrWorldRestricted),
		errors.Is(err, settlement.ErrNotOfferOwner):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, settlement.ErrInvalidQuantity),
		errors.Is(err, settlement.ErrInvalidPrice),
		errors.Is(err, settlement.ErrSelfTrade):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrLockTimeout),
		errors.Is(err, settlement.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeSettlementError writes a typed settlement failure. Internal errors are
// logged and hidden from the client.
func writeSettlementError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("settlement failed", "err", err)
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     msg,
		"retryable": settlement.IsRetryable(err),
	})
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	slog.Error("store read failed", "what", what, "err", err)
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
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
