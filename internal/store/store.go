// Package store defines the persistence interfaces for the exchange.
// Implementations include PostgreSQL (source of record), in-memory (for
// testing and development), and a Redis snapshot cache for exchange rates
// and prices.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateIdempotencyKey is returned when a Trade insert collides
	// with an existing idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

	// ErrConditionFailed is returned when a conditional write finds the
	// record no longer satisfies its precondition.
	ErrConditionFailed = errors.New("store: condition failed")

	// ErrInsufficientBalance is returned by DebitWallet when the balance
	// would go negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// WorldEconomy is the set of fields the recomputation cycle writes back to a world.
type WorldEconomy struct {
	ExchangeRate decimal.Decimal
	MoneySupply  decimal.Decimal
	Prosperity   float64
}

// TradeFlow is a commutative increment to a world's trade counters.
type TradeFlow struct {
	Exports       int64
	Imports       int64
	ExportRevenue decimal.Decimal
	ImportCost    decimal.Decimal
}

// Store is the durable record store.
type Store interface {
	// --- Worlds & resources ---

	GetWorld(ctx context.Context, id string) (*model.World, error)
	ListWorlds(ctx context.Context) ([]model.World, error)

	// UpdateWorldEconomy writes recomputed rate, money supply, and prosperity.
	UpdateWorldEconomy(ctx context.Context, id string, econ WorldEconomy) error

	// UpdateWorldPrices replaces the world's local resource prices.
	UpdateWorldPrices(ctx context.Context, id string, prices map[string]decimal.Decimal) error

	// AddTradeFlow increments trade counters unconditionally.
	AddTradeFlow(ctx context.Context, id string, flow TradeFlow) error

	ListResources(ctx context.Context) ([]model.Resource, error)

	// GetGlobalPrices returns the last global price per resource.
	GetGlobalPrices(ctx context.Context) (map[string]decimal.Decimal, error)
	SaveGlobalPrices(ctx context.Context, prices map[string]decimal.Decimal) error

	// --- Agents & wallets ---

	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetWallet(ctx context.Context, agentID string) (*model.Wallet, error)

	// DebitWallet subtracts amount only if the balance covers it.
	DebitWallet(ctx context.Context, agentID string, amount decimal.Decimal) error
	CreditWallet(ctx context.Context, agentID string, amount decimal.Decimal) error

	// --- Offers ---

	CreateOffer(ctx context.Context, offer *model.TradeOffer) error
	GetOffer(ctx context.Context, id string) (*model.TradeOffer, error)
	ListOpenOffers(ctx context.Context, resourceID string) ([]model.TradeOffer, error)

	// SetOfferFill writes remaining quantity and status. Caller holds the offer lock.
	SetOfferFill(ctx context.Context, id string, remaining int64, status model.OfferStatus) error

	// DecrementOfferIf decrements remaining quantity only if it covers qty,
	// the offer is open or partial, and now is before expiry. It returns the
	// offer as it was before the write; ErrConditionFailed otherwise.
	DecrementOfferIf(ctx context.Context, id string, qty int64, now time.Time) (*model.TradeOffer, error)

	// RestoreOfferQuantity undoes a DecrementOfferIf.
	RestoreOfferQuantity(ctx context.Context, id string, qty int64) error

	// ExpireOffer flips one open/partial offer to expired.
	ExpireOffer(ctx context.Context, id string) error

	// ExpireStaleOffers flips every open/partial offer past expiry; returns the count.
	ExpireStaleOffers(ctx context.Context, now time.Time) (int64, error)

	// --- Trades & audit ledger ---

	// InsertTrade appends a trade; ErrDuplicateIdempotencyKey on key collision.
	InsertTrade(ctx context.Context, trade *model.Trade) error
	GetTradeByIdempotencyKey(ctx context.Context, key string) (*model.Trade, error)

	// DeleteTrade removes a trade whose offer decrement was refused. The key
	// becomes free again.
	DeleteTrade(ctx context.Context, id string) error
	ListTradesByOffer(ctx context.Context, offerID string) ([]model.Trade, error)

	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
	ListLedgerEntriesByAgent(ctx context.Context, agentID string) ([]model.LedgerEntry, error)

	// TradeVolumeSince aggregates quantity and average unit price per resource.
	TradeVolumeSince(ctx context.Context, since time.Time) ([]model.ResourceVolume, error)
}

// SnapshotCache is the fast read-through cache. A miss is reported as
// (nil, nil); errors mean the cache itself failed and callers fall back.
type SnapshotCache interface {
	GetRates(ctx context.Context) (*model.RateSnapshot, error)
	SetRates(ctx context.Context, snap *model.RateSnapshot) error
	GetPrices(ctx context.Context, resourceID string) (*model.PriceSnapshot, error)
	SetPrices(ctx context.Context, snap *model.PriceSnapshot) error
}
