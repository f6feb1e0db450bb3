package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"verduleria/internal/cache"
	"verduleria/internal/domain"
	"verduleria/internal/store"
	"verduleria/internal/store/memory"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func sellerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "vendedor", Role: "user"})
}

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	svc := New(repo, nil).WithClock(func() time.Time { return testNow })
	return svc, repo
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()
	req := domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50}

	if _, err := svc.CreateProduct(context.Background(), req); err == nil {
		t.Fatalf("expected error without actor")
	}
	if _, err := svc.CreateProduct(sellerCtx(), req); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("expected admin gate for seller, got %v", err)
	}

	product, err := svc.CreateProduct(adminCtx(), req)
	if err != nil {
		t.Fatalf("create as admin: %v", err)
	}
	if product.ID == 0 || product.Name != "Manzana Roja" {
		t.Fatalf("unexpected product: %+v", product)
	}
}

func TestCreateProductValidatesInput(t *testing.T) {
	svc, _ := newTestService()

	cases := []domain.ProductCreateRequest{
		{Name: "", Price: 800, Stock: 10},
		{Name: "Manzana", Price: 0, Stock: 10},
		{Name: "Manzana", Price: -5, Stock: 10},
		{Name: "Manzana", Price: 800, Stock: -1},
	}
	for _, req := range cases {
		if _, err := svc.CreateProduct(adminCtx(), req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", req, err)
		}
	}
}

func TestUpdateProductMergesPointerFields(t *testing.T) {
	svc, _ := newTestService()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	price := 850.0
	updated, err := svc.UpdateProduct(adminCtx(), product.ID, domain.ProductUpdateRequest{Price: &price})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Price != 850 || updated.Name != "Manzana Roja" || updated.Stock != 50 {
		t.Fatalf("partial update clobbered fields: %+v", updated)
	}
}

func TestStockIntakeAndDefectiveMarking(t *testing.T) {
	svc, _ := newTestService()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Papa Blanca", Price: 300, Stock: 20})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	after, err := svc.StockIntake(adminCtx(), domain.StockIntakeRequest{ProductID: product.ID, Quantity: 30, Supplier: "Mercado Central"})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if after.Stock != 50 {
		t.Fatalf("expected stock 50 after intake, got %.2f", after.Stock)
	}

	if _, err := svc.StockIntake(adminCtx(), domain.StockIntakeRequest{ProductID: product.ID, Quantity: 0}); !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}

	// The intake left a durable purchase record.
	intakes, err := svc.SupplierIntakes(adminCtx(), 0)
	if err != nil {
		t.Fatalf("list intakes: %v", err)
	}
	if len(intakes) != 1 {
		t.Fatalf("expected 1 intake record, got %d", len(intakes))
	}
	if intakes[0].ProductID != product.ID || intakes[0].Quantity != 30 {
		t.Fatalf("unexpected intake record: %+v", intakes[0])
	}
	if !intakes[0].Date.Equal(testNow) {
		t.Fatalf("expected intake dated %s, got %s", testNow, intakes[0].Date)
	}

	marked, err := svc.MarkDefective(adminCtx(), domain.DefectiveStockRequest{ProductID: product.ID, Quantity: 5})
	if err != nil {
		t.Fatalf("mark defective: %v", err)
	}
	if marked.DefectiveStock != 5 || marked.Stock != 50 {
		t.Fatalf("defective marking changed stock: %+v", marked)
	}
}

func TestCartFlowThroughService(t *testing.T) {
	svc, _ := newTestService()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.CartAddLine(context.Background(), product.ID, 1); err == nil {
		t.Fatalf("expected error without actor")
	}

	view, err := svc.CartAddLine(sellerCtx(), product.ID, 2)
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	if view.Total != 1600 || len(view.Lines) != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}

	view, err = svc.CartAddPayment(sellerCtx(), "Efectivo", 1600)
	if err != nil {
		t.Fatalf("add payment: %v", err)
	}
	if len(view.Payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(view.Payments))
	}

	sale, lines, err := svc.CartFinalize(sellerCtx())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if sale.Total != 1600 || len(lines) != 1 {
		t.Fatalf("unexpected sale: %+v lines=%d", sale, len(lines))
	}
	if !sale.Timestamp.Equal(testNow) {
		t.Fatalf("expected injected clock on sale, got %v", sale.Timestamp)
	}

	// Each session gets its own cart.
	otherView, err := svc.Cart(adminCtx())
	if err != nil {
		t.Fatalf("other cart: %v", err)
	}
	if len(otherView.Lines) != 0 {
		t.Fatalf("cart leaked across sessions: %+v", otherView)
	}
}

func TestCartPersistAndResumeThroughService(t *testing.T) {
	svc, _ := newTestService()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Banana Ecuador", Price: 600, Stock: 80})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.CartAddLine(sellerCtx(), product.ID, 4); err != nil {
		t.Fatalf("add line: %v", err)
	}
	saved, err := svc.CartPersist(sellerCtx(), "pedido de la tarde")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	pending, err := svc.ListPendingCarts(sellerCtx())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != saved.ID {
		t.Fatalf("unexpected pending carts: %+v", pending)
	}

	// Another user cannot resume it.
	if _, err := svc.CartResume(adminCtx(), saved.ID); !errors.Is(err, store.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}

	view, err := svc.CartResume(sellerCtx(), saved.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if view.Total != 2400 || len(view.Lines) != 1 {
		t.Fatalf("unexpected resumed view: %+v", view)
	}
}

func TestCreateOfferValidatesKindFields(t *testing.T) {
	svc, _ := newTestService()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := domain.OfferCreateRequest{
		Name:     "Semana de la manzana",
		StartsAt: testNow,
		EndsAt:   testNow.AddDate(0, 0, 7),
	}

	fixed := base
	fixed.Kind = domain.OfferKindFixedPrice
	fixed.Products = []domain.OfferProductInput{{ProductID: product.ID}}
	if _, err := svc.CreateOffer(adminCtx(), fixed); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing fixed price, got %v", err)
	}
	fixed.Products[0].FixedPrice = 700
	if _, err := svc.CreateOffer(adminCtx(), fixed); err != nil {
		t.Fatalf("create fixed offer: %v", err)
	}

	tier := base
	tier.Kind = domain.OfferKindQuantityTier
	tier.Products = []domain.OfferProductInput{{ProductID: product.ID, MinQuantity: 3, DiscountPct: 150}}
	if _, err := svc.CreateOffer(adminCtx(), tier); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for out-of-range pct, got %v", err)
	}

	bogus := base
	bogus.Kind = "otro"
	bogus.Products = []domain.OfferProductInput{{ProductID: product.ID}}
	if _, err := svc.CreateOffer(adminCtx(), bogus); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
	}
}

func TestAdminActionsLeaveAuditTrail(t *testing.T) {
	svc, repo := newTestService()

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateSupplier(adminCtx(), domain.SupplierCreateRequest{Name: "Mercado Central"}); err != nil {
		t.Fatalf("supplier: %v", err)
	}

	logs, err := repo.ListAuditLogs(context.Background(), testNow.AddDate(0, 0, -1), testNow.AddDate(0, 0, 1), 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.ActorUsername != "admin" || entry.ID == "" {
			t.Fatalf("unexpected audit entry: %+v", entry)
		}
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc, repo := newTestService()

	if err := svc.CreateUser(adminCtx(), domain.UserCreateRequest{Username: "nuevo", Password: "corta", Role: "user"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
	if err := svc.CreateUser(adminCtx(), domain.UserCreateRequest{Username: "nuevo", Password: "contraseña-larga", Role: "gerente"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}

	if err := svc.CreateUser(adminCtx(), domain.UserCreateRequest{Username: "nuevo", Password: "contraseña-larga", Role: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	stored, err := repo.GetUser(context.Background(), "nuevo")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.Password == "contraseña-larga" || !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("password stored unhashed")
	}

	users, err := svc.ListUsers(adminCtx())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Password != "" {
		t.Fatalf("expected password scrubbed from listing: %+v", users)
	}
}

func TestCreateUserLowercasesUsername(t *testing.T) {
	svc, repo := newTestService()

	// Login lowercases before lookup; a mixed-case account stored as-typed
	// could never authenticate.
	if err := svc.CreateUser(adminCtx(), domain.UserCreateRequest{Username: " Cajero1 ", Password: "contraseña-larga", Role: "user"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	stored, err := repo.GetUser(context.Background(), "cajero1")
	if err != nil {
		t.Fatalf("expected user stored as cajero1: %v", err)
	}
	if stored.Username != "cajero1" {
		t.Fatalf("expected lowercased username, got %q", stored.Username)
	}
}

// countingCache records Set calls so the test can tell a hit from a miss.
type countingCache struct {
	mu      sync.Mutex
	entries map[string][]domain.Product
	sets    int
	lastTTL time.Duration
}

func (c *countingCache) Get(_ context.Context, key string) ([]domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	products, ok := c.entries[key]
	return products, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, products []domain.Product, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string][]domain.Product)
	}
	c.entries[key] = products
	c.sets++
	c.lastTTL = ttl
	return nil
}

func (c *countingCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	return nil
}

func TestSearchProductsUsesCacheAndInvalidatesOnWrite(t *testing.T) {
	repo := memory.New()
	searchCache := &countingCache{}
	svc := New(repo, cache.ProductSearchCache(searchCache)).WithClock(func() time.Time { return testNow })

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.SearchProducts(sellerCtx(), "manzana", 10); err != nil {
		t.Fatalf("search: %v", err)
	}
	if searchCache.sets != 1 {
		t.Fatalf("expected cache populated once, got %d sets", searchCache.sets)
	}

	// Second identical search is served from the cache.
	if _, err := svc.SearchProducts(sellerCtx(), "manzana", 10); err != nil {
		t.Fatalf("search: %v", err)
	}
	if searchCache.sets != 1 {
		t.Fatalf("expected cache hit, got %d sets", searchCache.sets)
	}

	// A catalog write drops the cache; the next search repopulates it.
	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Verde", Price: 900, Stock: 30}); err != nil {
		t.Fatalf("create: %v", err)
	}
	results, err := svc.SearchProducts(sellerCtx(), "manzana", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 products after invalidation, got %d", len(results))
	}
	if searchCache.sets != 2 {
		t.Fatalf("expected cache repopulated, got %d sets", searchCache.sets)
	}
}

func TestSearchCacheTTLIsConfigurable(t *testing.T) {
	repo := memory.New()
	searchCache := &countingCache{}
	svc := New(repo, cache.ProductSearchCache(searchCache)).
		WithClock(func() time.Time { return testNow }).
		WithSearchCacheTTL(90 * time.Second)

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Manzana Roja", Price: 800, Stock: 50}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.SearchProducts(sellerCtx(), "manzana", 10); err != nil {
		t.Fatalf("search: %v", err)
	}
	if searchCache.lastTTL != 90*time.Second {
		t.Fatalf("expected configured TTL 90s, got %s", searchCache.lastTTL)
	}

	// Non-positive overrides keep the default.
	if New(repo, nil).WithSearchCacheTTL(0).searchCacheTTL != defaultSearchCacheTTL {
		t.Fatalf("zero TTL must keep the default")
	}
}

func TestSearchProductsEmptyQuery(t *testing.T) {
	svc, _ := newTestService()
	results, err := svc.SearchProducts(sellerCtx(), "   ", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result for blank query, got %d", len(results))
	}
}

func TestSupplierIntakeHistory(t *testing.T) {
	svc, _ := newTestService()

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{Name: "Papa Blanca", Price: 300, Stock: 20})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	central, err := svc.CreateSupplier(adminCtx(), domain.SupplierCreateRequest{Name: "Mercado Central"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	abasto, err := svc.CreateSupplier(adminCtx(), domain.SupplierCreateRequest{Name: "Mercado de Abasto"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}

	_, err = svc.StockIntake(adminCtx(), domain.StockIntakeRequest{ProductID: product.ID, Quantity: 40, SupplierID: central.ID, UnitPrice: 150})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	_, err = svc.StockIntake(adminCtx(), domain.StockIntakeRequest{ProductID: product.ID, Quantity: 10, SupplierID: abasto.ID, UnitPrice: 180})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	intakes, err := svc.SupplierIntakes(adminCtx(), central.ID)
	if err != nil {
		t.Fatalf("list intakes: %v", err)
	}
	if len(intakes) != 1 {
		t.Fatalf("expected 1 intake for supplier, got %d", len(intakes))
	}
	if intakes[0].SupplierID != central.ID || intakes[0].UnitPrice != 150 || intakes[0].ProductName != "Papa Blanca" {
		t.Fatalf("unexpected intake record: %+v", intakes[0])
	}

	if _, err := svc.SupplierIntakes(sellerCtx(), central.ID); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("expected admin gate, got %v", err)
	}

	// A supplier with purchase history cannot be removed.
	if err := svc.DeleteSupplier(adminCtx(), central.ID); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput deleting supplier with history, got %v", err)
	}

	// Negative unit price is rejected before anything is written.
	if _, err := svc.StockIntake(adminCtx(), domain.StockIntakeRequest{ProductID: product.ID, Quantity: 5, UnitPrice: -1}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative unit price, got %v", err)
	}
}

func TestSalesReportRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.SalesReport(sellerCtx(), domain.SaleFilter{}); err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("expected admin gate, got %v", err)
	}
	if _, err := svc.SalesReport(adminCtx(), domain.SaleFilter{}); err != nil {
		t.Fatalf("report as admin: %v", err)
	}
}
