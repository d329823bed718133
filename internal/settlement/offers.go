package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/lock"
	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/store"
)

// DefaultOfferTTL is how long a new offer stays open when the caller gives no expiry.
const DefaultOfferTTL = 24 * time.Hour

// ErrNotOfferOwner is returned when someone other than the seller cancels an offer.
var ErrNotOfferOwner = errors.New("settlement: only the seller may cancel an offer")

// OfferRequest is the input to CreateOffer.
type OfferRequest struct {
	SellerID         string          `json:"seller_id"`
	ResourceID       string          `json:"resource_id"`
	Quantity         int64           `json:"quantity"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"` // seller's currency
	TargetWorldID    string          `json:"target_world_id,omitempty"`
	ExpiresInSeconds int64           `json:"expires_in_seconds,omitempty"`
}

// CreateOffer lists a new sell offer in the seller's world. The unit price
// is fixed for the offer's lifetime.
func (s *Service) CreateOffer(ctx context.Context, req OfferRequest) (*model.TradeOffer, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if !req.PricePerUnit.IsPositive() {
		return nil, ErrInvalidPrice
	}

	seller, err := s.store.GetAgent(ctx, req.SellerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSellerNotFound, req.SellerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get seller: %w", err)
	}

	if err := s.resourceExists(ctx, req.ResourceID); err != nil {
		return nil, err
	}
	if req.TargetWorldID != "" {
		if _, err := s.store.GetWorld(ctx, req.TargetWorldID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrWorldNotFound, req.TargetWorldID)
			}
			return nil, fmt.Errorf("get target world: %w", err)
		}
	}

	ttl := s.offerTTL
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	now := s.now().UTC()

	offer := &model.TradeOffer{
		ID:                uuid.NewString(),
		SellerID:          seller.ID,
		SellerWorldID:     seller.WorldID,
		ResourceID:        req.ResourceID,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		PricePerUnit:      req.PricePerUnit,
		TargetWorldID:     req.TargetWorldID,
		Status:            model.OfferOpen,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	slog.Info("offer created",
		"id", offer.ID,
		"seller", offer.SellerID,
		"resource", offer.ResourceID,
		"qty", offer.Quantity,
		"price", offer.PricePerUnit.String(),
		"expires_at", offer.ExpiresAt,
	)
	return offer, nil
}

func (s *Service) resourceExists(ctx context.Context, id string) error {
	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	for _, r := range resources {
		if r.ID == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrResourceNotFound, id)
}

// CancelOffer withdraws the unfilled remainder of an offer. It needs a held
// lease: without one a concurrent optimistic fill could be overwritten.
func (s *Service) CancelOffer(ctx context.Context, offerID, sellerID string) (*model.TradeOffer, error) {
	var cancelled *model.TradeOffer
	err := s.locks.WithLock(ctx, offerLockKey(offerID), func(ctx context.Context, lease lock.Lease) error {
		if !lease.Held {
			return fmt.Errorf("%w: cancel requires a held lease", ErrLockUnavailable)
		}

		offer, err := s.store.GetOffer(ctx, offerID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
		}
		if err != nil {
			return fmt.Errorf("get offer: %w", err)
		}
		if offer.SellerID != sellerID {
			return ErrNotOfferOwner
		}
		if err := s.checkOpen(ctx, offer, s.now()); err != nil {
			return err
		}

		if err := s.store.SetOfferFill(ctx, offer.ID, offer.RemainingQuantity, model.OfferCancelled); err != nil {
			return fmt.Errorf("cancel offer: %w", err)
		}
		offer.Status = model.OfferCancelled
		cancelled = offer
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("offer cancelled", "id", offerID, "remaining", cancelled.RemainingQuantity)
	return cancelled, nil
}
