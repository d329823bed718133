// Package broadcast notifies spectators of completed trades. Delivery is
// fire-and-forget: a slow or absent consumer never delays settlement.
package broadcast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/model"
)

// TradeEvent is the public view of a committed trade.
type TradeEvent struct {
	Type          string          `json:"type"`
	TradeID       string          `json:"trade_id"`
	OfferID       string          `json:"offer_id"`
	BuyerID       string          `json:"buyer_id"`
	BuyerWorldID  string          `json:"buyer_world_id"`
	SellerID      string          `json:"seller_id"`
	SellerWorldID string          `json:"seller_world_id"`
	ResourceID    string          `json:"resource_id"`
	Quantity      int64           `json:"quantity"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	Currency      string          `json:"currency"` // seller's, for PricePerUnit
	Paid          decimal.Decimal `json:"paid"`
	PaidCurrency  string          `json:"paid_currency"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	SettledAt     time.Time       `json:"settled_at"`
}

// NewTradeEvent projects a trade into its broadcast form.
func NewTradeEvent(t *model.Trade) TradeEvent {
	return TradeEvent{
		Type:          "trade_settled",
		TradeID:       t.ID,
		OfferID:       t.OfferID,
		BuyerID:       t.BuyerID,
		BuyerWorldID:  t.BuyerWorldID,
		SellerID:      t.SellerID,
		SellerWorldID: t.SellerWorldID,
		ResourceID:    t.ResourceID,
		Quantity:      t.Quantity,
		PricePerUnit:  t.PricePerUnit,
		Currency:      t.SellerCurrency,
		Paid:          t.BuyerTotal,
		PaidCurrency:  t.BuyerCurrency,
		ExchangeRate:  t.ExchangeRateUsed,
		SettledAt:     t.SettledAt,
	}
}

// Notifier is satisfied by every sink in this package.
type Notifier interface {
	TradeSettled(ctx context.Context, t *model.Trade)
}

// Fanout delivers each trade to every sink in order.
type Fanout []Notifier

func (f Fanout) TradeSettled(ctx context.Context, t *model.Trade) {
	for _, n := range f {
		n.TradeSettled(ctx, t)
	}
}
