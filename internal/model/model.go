// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64 for money.
// Economic signals (demand, supply, volatility) stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OfferStatus is the lifecycle state of a TradeOffer.
type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferPartial   OfferStatus = "partial"
	OfferFilled    OfferStatus = "filled"
	OfferCancelled OfferStatus = "cancelled"
	OfferExpired   OfferStatus = "expired"
)

// Fillable reports whether an offer in this status can still be bought against.
func (s OfferStatus) Fillable() bool {
	return s == OfferOpen || s == OfferPartial
}

// World is an independent currency domain.
type World struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	Population   int64           `json:"population" db:"population"`
	GDP          decimal.Decimal `json:"gdp" db:"gdp"`
	Prosperity   float64         `json:"prosperity" db:"prosperity"` // 0..1

	// Trade-flow counters, incremented by settlement.
	TotalExports  int64           `json:"total_exports" db:"total_exports"`
	TotalImports  int64           `json:"total_imports" db:"total_imports"`
	ExportRevenue decimal.Decimal `json:"export_revenue" db:"export_revenue"`
	ImportCost    decimal.Decimal `json:"import_cost" db:"import_cost"`

	// Units of this currency per one unit of the base world's currency.
	CurrentExchangeRate decimal.Decimal `json:"current_exchange_rate" db:"current_exchange_rate"`
	BaseExchangeRate    decimal.Decimal `json:"base_exchange_rate" db:"base_exchange_rate"`
	CurrencyVolatility  float64         `json:"currency_volatility" db:"currency_volatility"`
	MoneySupply         decimal.Decimal `json:"money_supply" db:"money_supply"`

	Demand          map[string]float64         `json:"demand"`
	ProductionRates map[string]float64         `json:"production_rates"`
	Inventory       map[string]float64         `json:"inventory"`
	Prices          map[string]decimal.Decimal `json:"prices"` // local, in this currency
}

// Resource is a tradable good. Read-only to the exchange.
type Resource struct {
	ID         string             `json:"id" db:"id"`
	Name       string             `json:"name" db:"name"`
	Tier       int                `json:"tier" db:"tier"`
	BaseValue  decimal.Decimal    `json:"base_value" db:"base_value"`
	Volatility float64            `json:"volatility" db:"volatility"`
	Affinity   map[string]float64 `json:"affinity"` // worldID → production multiplier
}

// Agent is a trader living in one world.
type Agent struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	WorldID string `json:"world_id" db:"world_id"`
}

// Wallet holds an agent's balance in its home currency.
type Wallet struct {
	AgentID        string          `json:"agent_id" db:"agent_id"`
	Currency       string          `json:"currency" db:"currency"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	LifetimeEarned decimal.Decimal `json:"lifetime_earned" db:"lifetime_earned"`
	LifetimeSpent  decimal.Decimal `json:"lifetime_spent" db:"lifetime_spent"`
}

// TradeOffer is a standing sell order at a fixed unit price in the seller's currency.
// Invariant: Status == filled ⇔ RemainingQuantity == 0.
type TradeOffer struct {
	ID                string          `json:"id" db:"id"`
	SellerID          string          `json:"seller_id" db:"seller_id"`
	SellerWorldID     string          `json:"seller_world_id" db:"seller_world_id"`
	ResourceID        string          `json:"resource_id" db:"resource_id"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	RemainingQuantity int64           `json:"remaining_quantity" db:"remaining_quantity"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	TargetWorldID     string          `json:"target_world_id,omitempty" db:"target_world_id"`
	Status            OfferStatus     `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
}

// StatusAfterFill returns the status an offer takes once remaining hits the given value.
func StatusAfterFill(remaining int64) OfferStatus {
	if remaining <= 0 {
		return OfferFilled
	}
	return OfferPartial
}

// Trade is an immutable settlement record. Once created, it is never
// modified or deleted. IdempotencyKey is unique when present.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	OfferID          string          `json:"offer_id" db:"offer_id"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	BuyerID          string          `json:"buyer_id" db:"buyer_id"`
	BuyerWorldID     string          `json:"buyer_world_id" db:"buyer_world_id"`
	SellerID         string          `json:"seller_id" db:"seller_id"`
	SellerWorldID    string          `json:"seller_world_id" db:"seller_world_id"`
	ResourceID       string          `json:"resource_id" db:"resource_id"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`       // seller currency
	TotalSeller      decimal.Decimal `json:"total_seller" db:"total_seller"`           // seller currency
	ExchangeRateUsed decimal.Decimal `json:"exchange_rate_used" db:"exchange_rate_used"` // seller→buyer
	BuyerCurrency    string          `json:"buyer_currency" db:"buyer_currency"`
	SellerCurrency   string          `json:"seller_currency" db:"seller_currency"`
	BuyerTotal       decimal.Decimal `json:"buyer_total" db:"buyer_total"` // gross + fee, buyer currency
	Fee              decimal.Decimal `json:"fee" db:"fee"`
	SettledAt        time.Time       `json:"settled_at" db:"settled_at"`
}

// LedgerEntryType classifies wallet movements in the audit log.
type LedgerEntryType string

const (
	LedgerTradePurchase LedgerEntryType = "trade_purchase"
	LedgerTradeSale     LedgerEntryType = "trade_sale"
	LedgerReversal      LedgerEntryType = "reversal"
)

// LedgerEntry is an append-only audit record of a wallet movement.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	AgentID   string          `json:"agent_id" db:"agent_id"`
	TradeID   string          `json:"trade_id" db:"trade_id"`
	Type      LedgerEntryType `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Currency  string          `json:"currency" db:"currency"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// ResourceVolume is the trailing trade volume of one resource.
type ResourceVolume struct {
	ResourceID string          `json:"resource_id"`
	Volume     int64           `json:"volume"`
	Trades     int64           `json:"trades"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
}

// RateSnapshot is the serialized exchange-rate table kept in the fast cache.
type RateSnapshot struct {
	Rates     map[string]decimal.Decimal `json:"rates"` // currency code → rate
	UpdatedAt time.Time                  `json:"updated_at"`
}

// PriceSnapshot is the serialized local price table of one resource.
type PriceSnapshot struct {
	ResourceID string                     `json:"resource_id"`
	Global     decimal.Decimal            `json:"global"`
	Local      map[string]decimal.Decimal `json:"local"` // worldID → price
	UpdatedAt  time.Time                  `json:"updated_at"`
}
