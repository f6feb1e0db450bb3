// Package pricing resolves the effective unit price of a product under the
// currently active promotional offers.
package pricing

import (
	"context"
	"fmt"
	"time"

	"verduleria/internal/domain"
	"verduleria/internal/store"
)

// Resolver answers "what does one unit of this product cost right now, at
// this quantity". The clock is always supplied by the caller so resolution
// is deterministic under test.
type Resolver struct {
	repo store.Repository
}

func NewResolver(repo store.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// DeactivateExpired flips Active off on offers whose validity window has
// elapsed. There is no background sweeper; this runs inline before every
// resolution. Setting Active=false is commutative, so concurrent calls
// racing on the same offer need no extra coordination.
func (r *Resolver) DeactivateExpired(ctx context.Context, now time.Time) error {
	if err := r.repo.DeactivateExpiredOffers(ctx, now); err != nil {
		return fmt.Errorf("%w: %v", store.ErrOfferInvalidState, err)
	}
	return nil
}

// Resolve returns the effective unit price for quantity units of the
// product at now. Precedence over the active offer links, scanned in offer
// start-time-descending order:
//
//   - individual_precio wins outright, no matter where it sits in the
//     scan order.
//   - individual_cantidad applies when quantity reaches the tier minimum
//     and stops the scan.
//   - conjunto_descuento applies but keeps scanning, so the last matching
//     conjunto link overwrites earlier ones. No best-price comparison is
//     made; that is the historical behavior and tests pin it down.
//
// The only write is the lazy expiry pass; stock is never touched.
func (r *Resolver) Resolve(ctx context.Context, productID int64, quantity float64, now time.Time) (domain.PriceResolution, error) {
	if quantity <= 0 {
		return domain.PriceResolution{}, store.ErrInvalidQuantity
	}

	if err := r.DeactivateExpired(ctx, now); err != nil {
		return domain.PriceResolution{}, err
	}

	product, err := r.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.PriceResolution{}, err
	}

	links, err := r.repo.ActiveOfferProducts(ctx, productID, now)
	if err != nil {
		return domain.PriceResolution{}, err
	}

	res := domain.PriceResolution{
		FinalPrice:    product.Price,
		OriginalPrice: product.Price,
	}

	// Fixed prices outrank everything else, even links that would be
	// scanned earlier, so resolve them in a dedicated pass.
	for _, link := range links {
		if link.Kind != domain.OfferKindFixedPrice || link.FixedPrice <= 0 {
			continue
		}
		res.FinalPrice = link.FixedPrice
		res.DiscountAmount = product.Price - link.FixedPrice
		res.OfferKind = domain.AppliedFixedPrice
		res.Description = link.OfferName
		return res, nil
	}

	for _, link := range links {
		switch link.Kind {
		case domain.OfferKindQuantityTier:
			if quantity < link.MinQuantity {
				continue
			}
			discount := product.Price * link.DiscountPct / 100
			res.FinalPrice = product.Price - discount
			res.DiscountAmount = discount
			res.OfferKind = domain.AppliedQuantityTier
			res.Description = fmt.Sprintf("%s (min %.0f, %.0f%%)", link.OfferName, link.MinQuantity, link.DiscountPct)
			return res, nil
		case domain.OfferKindGroupDiscount:
			pct := link.DiscountPct
			if pct == 0 {
				pct = link.GlobalDiscountPct
			}
			discount := product.Price * pct / 100
			res.FinalPrice = product.Price - discount
			res.DiscountAmount = discount
			res.OfferKind = domain.AppliedGroupDiscount
			res.Description = fmt.Sprintf("%s (%.0f%%)", link.OfferName, pct)
			// keep scanning: last matching conjunto wins
		}
	}

	return res, nil
}
