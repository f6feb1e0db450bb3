// Package selling owns the in-progress sale: the per-session cart, its
// pending-cart snapshots, payment collection, and the atomic finalize.
package selling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"verduleria/internal/domain"
	"verduleria/internal/pricing"
	"verduleria/internal/store"
)

// Cart accumulates the line items and payment allocations of one
// unconfirmed sale. A Cart belongs to exactly one session; callers create
// one per session and never share it across goroutines, so no locking
// happens here. Prices are resolved on every AddLine and on every Resume,
// never cached, because offers may change between interactions.
type Cart struct {
	repo     store.Repository
	resolver *pricing.Resolver
	owner    string

	lines    []domain.CartLine
	payments []domain.PaymentAllocation
}

func NewCart(repo store.Repository, resolver *pricing.Resolver, owner string) *Cart {
	return &Cart{repo: repo, resolver: resolver, owner: owner}
}

func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Payments() []domain.PaymentAllocation {
	out := make([]domain.PaymentAllocation, len(c.payments))
	copy(out, c.payments)
	return out
}

// AddLine checks the requested quantity against the product's current
// stock, resolves the effective price, and appends a line. Stock is NOT
// reserved: two concurrent carts may both pass this check against the same
// nominal stock, and the decisive re-check happens inside Finalize's
// transaction.
func (c *Cart) AddLine(ctx context.Context, productID int64, quantity float64, now time.Time) (float64, error) {
	if quantity <= 0 {
		return 0, store.ErrInvalidQuantity
	}

	product, err := c.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if quantity > product.Stock {
		return 0, fmt.Errorf("%w: requested %.2f, available %.2f", store.ErrInsufficientStock, quantity, product.Stock)
	}

	res, err := c.resolver.Resolve(ctx, productID, quantity, now)
	if err != nil {
		return 0, err
	}

	c.lines = append(c.lines, domain.CartLine{
		ProductID:     product.ID,
		ProductName:   product.Name,
		Quantity:      quantity,
		UnitPrice:     res.FinalPrice,
		OriginalPrice: res.OriginalPrice,
		Subtotal:      res.FinalPrice * quantity,
		AppliedOffer:  res.Description,
		StockAtAdd:    product.Stock,
	})
	return c.Total(), nil
}

func (c *Cart) RemoveLine(index int) (float64, error) {
	if index < 0 || index >= len(c.lines) {
		return 0, store.ErrIndexOutOfRange
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return c.Total(), nil
}

func (c *Cart) Total() float64 {
	total := 0.0
	for _, line := range c.lines {
		total += line.Subtotal
	}
	return total
}

// Persist snapshots the cart into a durable pending cart owned by the
// session's user and clears the in-memory state.
func (c *Cart) Persist(ctx context.Context, name string) (*domain.PendingCart, error) {
	if len(c.lines) == 0 {
		return nil, store.ErrEmptyCart
	}

	pending := domain.PendingCart{
		Owner: c.owner,
		Name:  name,
		Total: c.Total(),
		Lines: make([]domain.PendingCartLine, 0, len(c.lines)),
	}
	for _, line := range c.lines {
		pending.Lines = append(pending.Lines, domain.PendingCartLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal,
		})
	}

	saved, err := c.repo.CreatePendingCart(ctx, pending)
	if err != nil {
		return nil, err
	}
	c.lines = nil
	return saved, nil
}

// Resume replaces the cart with a previously persisted pending cart,
// re-resolving the price of every line against current offers. Saved
// subtotals are intentionally ignored: promotions may have started or
// ended since the snapshot was taken. The pending row is consumed.
func (c *Cart) Resume(ctx context.Context, pendingCartID int64, now time.Time) error {
	pending, err := c.ownedPendingCart(ctx, pendingCartID)
	if err != nil {
		return err
	}

	lines := make([]domain.CartLine, 0, len(pending.Lines))
	for _, saved := range pending.Lines {
		product, err := c.repo.GetProduct(ctx, saved.ProductID)
		if err != nil {
			return err
		}
		res, err := c.resolver.Resolve(ctx, saved.ProductID, saved.Quantity, now)
		if err != nil {
			return err
		}
		lines = append(lines, domain.CartLine{
			ProductID:     product.ID,
			ProductName:   product.Name,
			Quantity:      saved.Quantity,
			UnitPrice:     res.FinalPrice,
			OriginalPrice: res.OriginalPrice,
			Subtotal:      res.FinalPrice * saved.Quantity,
			AppliedOffer:  res.Description,
			StockAtAdd:    product.Stock,
		})
	}

	if err := c.repo.DeletePendingCart(ctx, pending.ID); err != nil {
		return err
	}
	c.lines = lines
	return nil
}

// Discard deletes a pending cart without loading it.
func (c *Cart) Discard(ctx context.Context, pendingCartID int64) error {
	pending, err := c.ownedPendingCart(ctx, pendingCartID)
	if err != nil {
		return err
	}
	return c.repo.DeletePendingCart(ctx, pending.ID)
}

func (c *Cart) ownedPendingCart(ctx context.Context, id int64) (*domain.PendingCart, error) {
	pending, err := c.repo.GetPendingCart(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrCartNotFound
		}
		return nil, err
	}
	if pending.Owner != c.owner {
		return nil, store.ErrNotOwned
	}
	return pending, nil
}

func (c *Cart) AddPayment(method string, amount float64) error {
	if amount <= 0 {
		return store.ErrInvalidAmount
	}
	c.payments = append(c.payments, domain.PaymentAllocation{Method: method, Amount: amount})
	return nil
}

func (c *Cart) RemovePayment(index int) error {
	if index < 0 || index >= len(c.payments) {
		return store.ErrIndexOutOfRange
	}
	c.payments = append(c.payments[:index], c.payments[index+1:]...)
	return nil
}

func (c *Cart) PaymentsTotal() float64 {
	total := 0.0
	for _, p := range c.payments {
		total += p.Amount
	}
	return total
}

// Finalize validates the payment breakdown against the cart total and
// commits the sale through one atomic store call. The store re-validates
// every quantity against current stock under its transaction; a shortfall
// fails the whole commit with ErrInsufficientStock and nothing persists.
// On success the cart and payment state are cleared and the committed sale
// with its lines is returned for receipt rendering.
func (c *Cart) Finalize(ctx context.Context, now time.Time) (*domain.Sale, []domain.SaleLine, error) {
	if len(c.lines) == 0 {
		return nil, nil, store.ErrEmptyCart
	}

	total := c.Total()
	diff := c.PaymentsTotal() - total
	if diff > domain.PaymentEpsilon || diff < -domain.PaymentEpsilon {
		return nil, nil, fmt.Errorf("%w: total %.2f, allocated %.2f", store.ErrPaymentMismatch, total, c.PaymentsTotal())
	}

	sale, saleLines, err := c.repo.FinalizeSale(ctx, now, c.lines, c.payments, total)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) || errors.Is(err, store.ErrProductNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}

	c.lines = nil
	c.payments = nil
	return sale, saleLines, nil
}
