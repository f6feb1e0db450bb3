package selling

import (
	"context"
	"errors"
	"testing"
	"time"

	"verduleria/internal/domain"
	"verduleria/internal/pricing"
	"verduleria/internal/store"
	"verduleria/internal/store/memory"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo     *memory.Store
	resolver *pricing.Resolver
	apple    domain.Product
}

// Seeds the store with an apple at 800/kg, 50 kg on hand, and a quantity
// tier of 10% off from 3 kg.
func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()

	apple, err := repo.CreateProduct(context.Background(), domain.Product{Name: "Manzana Roja", Price: 800, Stock: 50})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	_, err = repo.CreateOffer(context.Background(), domain.Offer{
		Name:     "Manzanas por cantidad",
		StartsAt: testNow.AddDate(0, 0, -1),
		EndsAt:   testNow.AddDate(0, 0, 7),
		Kind:     domain.OfferKindQuantityTier,
		Active:   true,
	}, []domain.OfferProduct{{ProductID: apple.ID, MinQuantity: 3, DiscountPct: 10}})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	return fixture{repo: repo, resolver: pricing.NewResolver(repo), apple: *apple}
}

func TestAddLineAppliesTierAndFinalizeDecrementsStock(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	total, err := cart.AddLine(context.Background(), fx.apple.ID, 3, testNow)
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	if total != 2160 {
		t.Fatalf("expected total 2160, got %.2f", total)
	}

	lines := cart.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0].UnitPrice != 720 || lines[0].OriginalPrice != 800 {
		t.Fatalf("expected unit 720 (base 800), got unit=%.2f base=%.2f", lines[0].UnitPrice, lines[0].OriginalPrice)
	}

	if err := cart.AddPayment("Efectivo", 2160); err != nil {
		t.Fatalf("add payment: %v", err)
	}

	sale, saleLines, err := cart.Finalize(context.Background(), testNow)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if sale.Total != 2160 {
		t.Fatalf("expected sale total 2160, got %.2f", sale.Total)
	}
	if len(saleLines) != 1 || saleLines[0].Quantity != 3 {
		t.Fatalf("unexpected sale lines: %+v", saleLines)
	}
	if len(cart.Lines()) != 0 || len(cart.Payments()) != 0 {
		t.Fatalf("expected cart cleared after finalize")
	}

	product, err := fx.repo.GetProduct(context.Background(), fx.apple.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 47 {
		t.Fatalf("expected stock 47 after sale, got %.2f", product.Stock)
	}

	_, _, payments, err := fx.repo.GetSale(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if len(payments) != 1 || payments[0].Method != "Efectivo" || payments[0].Amount != 2160 {
		t.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestAddLineFailureLeavesCartUntouched(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 2, testNow); err != nil {
		t.Fatalf("add line: %v", err)
	}
	before := cart.Total()

	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 60, testNow); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := cart.AddLine(context.Background(), fx.apple.ID, -1, testNow); !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := cart.AddLine(context.Background(), 999, 1, testNow); !errors.Is(err, store.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	if len(cart.Lines()) != 1 || cart.Total() != before {
		t.Fatalf("failed adds mutated cart: lines=%d total=%.2f", len(cart.Lines()), cart.Total())
	}
}

func TestRemoveLineBoundsChecked(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, err := cart.RemoveLine(0); !errors.Is(err, store.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange on empty cart, got %v", err)
	}

	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 1, testNow); err != nil {
		t.Fatalf("add line: %v", err)
	}
	total, err := cart.RemoveLine(0)
	if err != nil {
		t.Fatalf("remove line: %v", err)
	}
	if total != 0 || len(cart.Lines()) != 0 {
		t.Fatalf("expected empty cart after removal, total=%.2f", total)
	}
}

func TestPaymentValidation(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if err := cart.AddPayment("Efectivo", 0); !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := cart.AddPayment("Efectivo", -5); !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if err := cart.RemovePayment(0); !errors.Is(err, store.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}

	if err := cart.AddPayment("Efectivo", 1000); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if err := cart.AddPayment("Tarjeta", 1160); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if cart.PaymentsTotal() != 2160 {
		t.Fatalf("expected payments total 2160, got %.2f", cart.PaymentsTotal())
	}
	if err := cart.RemovePayment(1); err != nil {
		t.Fatalf("remove payment: %v", err)
	}
	if cart.PaymentsTotal() != 1000 {
		t.Fatalf("expected payments total 1000 after removal, got %.2f", cart.PaymentsTotal())
	}
}

func TestFinalizeRejectsMismatchedPaymentsAtomically(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 3, testNow); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if err := cart.AddPayment("Efectivo", 2000); err != nil {
		t.Fatalf("add payment: %v", err)
	}

	_, _, err := cart.Finalize(context.Background(), testNow)
	if !errors.Is(err, store.ErrPaymentMismatch) {
		t.Fatalf("expected ErrPaymentMismatch, got %v", err)
	}

	// Nothing persisted, cart intact so the operator can fix the payments.
	if len(cart.Lines()) != 1 || len(cart.Payments()) != 1 {
		t.Fatalf("failed finalize mutated cart")
	}
	product, err := fx.repo.GetProduct(context.Background(), fx.apple.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 50 {
		t.Fatalf("expected stock untouched at 50, got %.2f", product.Stock)
	}
}

func TestFinalizeToleratesEpsilonRounding(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 3, testNow); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if err := cart.AddPayment("Efectivo", 2160.005); err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if _, _, err := cart.Finalize(context.Background(), testNow); err != nil {
		t.Fatalf("expected sub-epsilon difference accepted, got %v", err)
	}
}

func TestFinalizeEmptyCart(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, _, err := cart.Finalize(context.Background(), testNow); !errors.Is(err, store.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestFinalizeRechecksStockAtCommit(t *testing.T) {
	fx := newFixture(t)
	first := NewCart(fx.repo, fx.resolver, "vendedor")
	second := NewCart(fx.repo, fx.resolver, "cajero2")

	// Both carts pass the add-time check against the same nominal stock.
	if _, err := first.AddLine(context.Background(), fx.apple.ID, 48, testNow); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := second.AddLine(context.Background(), fx.apple.ID, 48, testNow); err != nil {
		t.Fatalf("second add: %v", err)
	}

	if err := first.AddPayment("Efectivo", first.Total()); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if _, _, err := first.Finalize(context.Background(), testNow); err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	if err := second.AddPayment("Efectivo", second.Total()); err != nil {
		t.Fatalf("second payment: %v", err)
	}
	_, _, err := second.Finalize(context.Background(), testNow)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock at commit, got %v", err)
	}

	product, err := fx.repo.GetProduct(context.Background(), fx.apple.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected stock 2 after the only successful sale, got %.2f", product.Stock)
	}
	if len(second.Lines()) != 1 {
		t.Fatalf("failed finalize cleared the losing cart")
	}
}

func TestFinalizeRejectsOversellAcrossDuplicateLines(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	// Two lines of the same product, each within stock on its own, but
	// jointly over it. The commit-time re-check sums them per product.
	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 30, testNow); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 30, testNow); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if err := cart.AddPayment("Efectivo", cart.Total()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	_, _, err := cart.Finalize(context.Background(), testNow)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := fx.repo.GetProduct(context.Background(), fx.apple.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 50 {
		t.Fatalf("expected stock untouched at 50, got %.2f", product.Stock)
	}
	if len(cart.Lines()) != 2 {
		t.Fatalf("failed finalize must keep the cart intact, got %d lines", len(cart.Lines()))
	}
}

func TestPersistResumeReResolvesPrices(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, err := cart.AddLine(context.Background(), fx.apple.ID, 3, testNow); err != nil {
		t.Fatalf("add line: %v", err)
	}

	saved, err := cart.Persist(context.Background(), "cliente habitual")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if saved.Total != 2160 || len(saved.Lines) != 1 {
		t.Fatalf("unexpected snapshot: total=%.2f lines=%d", saved.Total, len(saved.Lines))
	}
	if len(cart.Lines()) != 0 {
		t.Fatalf("expected cart cleared after persist")
	}

	// The tier offer lapses while the cart is parked; resume two weeks
	// later must reprice at the base 800.
	later := testNow.AddDate(0, 0, 14)
	if err := cart.Resume(context.Background(), saved.ID, later); err != nil {
		t.Fatalf("resume: %v", err)
	}
	lines := cart.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 resumed line, got %d", len(lines))
	}
	if lines[0].UnitPrice != 800 || cart.Total() != 2400 {
		t.Fatalf("expected repriced 800/2400, got unit=%.2f total=%.2f", lines[0].UnitPrice, cart.Total())
	}

	// The pending row is consumed by resume.
	if err := cart.Resume(context.Background(), saved.ID, later); !errors.Is(err, store.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound on second resume, got %v", err)
	}
}

func TestPersistEmptyCart(t *testing.T) {
	fx := newFixture(t)
	cart := NewCart(fx.repo, fx.resolver, "vendedor")

	if _, err := cart.Persist(context.Background(), "vacio"); !errors.Is(err, store.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestPendingCartOwnership(t *testing.T) {
	fx := newFixture(t)
	owner := NewCart(fx.repo, fx.resolver, "vendedor")
	intruder := NewCart(fx.repo, fx.resolver, "otro")

	if _, err := owner.AddLine(context.Background(), fx.apple.ID, 1, testNow); err != nil {
		t.Fatalf("add line: %v", err)
	}
	saved, err := owner.Persist(context.Background(), "mio")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := intruder.Resume(context.Background(), saved.ID, testNow); !errors.Is(err, store.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned on resume, got %v", err)
	}
	if err := intruder.Discard(context.Background(), saved.ID); !errors.Is(err, store.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned on discard, got %v", err)
	}

	if err := owner.Discard(context.Background(), saved.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := owner.Resume(context.Background(), saved.ID, testNow); !errors.Is(err, store.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound after discard, got %v", err)
	}
}
