package store

import (
	"context"
	"errors"
	"time"

	"verduleria/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOfferInvalidState = errors.New("offer state update failed")
	ErrCartNotFound      = errors.New("pending cart not found")
	ErrNotOwned          = errors.New("pending cart owned by another user")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrInvalidAmount     = errors.New("invalid payment amount")
	ErrPaymentMismatch   = errors.New("payment allocations do not cover total")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidInput      = errors.New("invalid input")
)

type Repository interface {
	// Catalog.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	// RecordStockIntake bumps the product's stock and persists the intake
	// row atomically.
	RecordStockIntake(ctx context.Context, intake domain.StockIntake) (*domain.StockIntake, error)
	ListStockIntakes(ctx context.Context, supplierID int64) ([]domain.StockIntake, error)
	SetDefectiveStock(ctx context.Context, productID int64, qty float64) error
	ListCategories(ctx context.Context) ([]domain.Category, error)
	ListUnits(ctx context.Context) ([]domain.Unit, error)

	// Offers.
	CreateOffer(ctx context.Context, offer domain.Offer, links []domain.OfferProduct) (*domain.Offer, error)
	GetOffer(ctx context.Context, id int64) (*domain.Offer, []domain.OfferProduct, error)
	UpdateOffer(ctx context.Context, offer domain.Offer, links []domain.OfferProduct) (*domain.Offer, error)
	DeleteOffer(ctx context.Context, id int64) error
	SetOfferActive(ctx context.Context, id int64, active bool) (*domain.Offer, error)
	ListOffers(ctx context.Context) ([]domain.OfferSummary, error)
	// DeactivateExpiredOffers flips Active off on every offer whose window
	// ended before now. Idempotent; safe to call before every resolution.
	DeactivateExpiredOffers(ctx context.Context, now time.Time) error
	// ActiveOfferProducts returns the offer links for one product joined to
	// offers that are active and whose validity window contains now,
	// ordered by offer start time descending.
	ActiveOfferProducts(ctx context.Context, productID int64, now time.Time) ([]domain.ActiveOfferProduct, error)

	// Pending carts.
	CreatePendingCart(ctx context.Context, cart domain.PendingCart) (*domain.PendingCart, error)
	GetPendingCart(ctx context.Context, id int64) (*domain.PendingCart, error)
	ListPendingCarts(ctx context.Context, owner string) ([]domain.PendingCart, error)
	DeletePendingCart(ctx context.Context, id int64) error

	// FinalizeSale commits a sale as one atomic unit: sale header, one sale
	// line per cart line, a stock decrement per product re-validated
	// against current stock, and one row per payment allocation. Any
	// failure rolls the whole unit back.
	FinalizeSale(ctx context.Context, at time.Time, lines []domain.CartLine, payments []domain.PaymentAllocation, total float64) (*domain.Sale, []domain.SaleLine, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, []domain.SaleLine, []domain.PaymentAllocation, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleReportRow, error)

	// Suppliers.
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	DeleteSupplier(ctx context.Context, id int64) error

	// Users and audit.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
