package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"verduleria/internal/cache"
	"verduleria/internal/domain"
	"verduleria/internal/pricing"
	"verduleria/internal/selling"
	"verduleria/internal/store"
	"verduleria/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const defaultSearchCacheTTL = 30 * time.Second

type Service struct {
	repo           store.Repository
	resolver       *pricing.Resolver
	searchCache    cache.ProductSearchCache
	searchCacheTTL time.Duration
	now            func() time.Time

	cartsMu sync.Mutex
	carts   map[string]*selling.Cart
}

func New(repo store.Repository, searchCache cache.ProductSearchCache) *Service {
	if searchCache == nil {
		searchCache = cache.NoopProductSearchCache{}
	}

	return &Service{
		repo:           repo,
		resolver:       pricing.NewResolver(repo),
		searchCache:    searchCache,
		searchCacheTTL: defaultSearchCacheTTL,
		now:            time.Now,
		carts:          make(map[string]*selling.Cart),
	}
}

// WithClock replaces the wall clock. Tests pin time with this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSearchCacheTTL overrides how long cached search results live.
// Non-positive durations keep the default.
func (s *Service) WithSearchCacheTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.searchCacheTTL = ttl
	}
	return s
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]domain.Product, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []domain.Product{}, nil
	}
	if limit < 1 || limit > 50 {
		limit = 10
	}

	key := fmt.Sprintf("%s:%d", query, limit)
	if cached, ok, err := s.searchCache.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: search cache get failed: %v", err)
	}

	products, err := s.repo.SearchProducts(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if err := s.searchCache.Set(ctx, key, products, s.searchCacheTTL); err != nil {
		log.Printf("[service] WARN: search cache set failed: %v", err)
	}
	return products, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Price <= 0 || req.Stock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:       req.Name,
		Price:      req.Price,
		Stock:      req.Stock,
		CategoryID: req.CategoryID,
		UnitID:     req.UnitID,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", fmt.Sprint(created.ID), fmt.Sprintf("name=%s,price=%.2f,stock=%.2f", created.Name, created.Price, created.Stock))
	s.invalidateSearchCache(ctx)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Price != nil {
		if *req.Price <= 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Price = *req.Price
	}
	if req.Stock != nil {
		if *req.Stock < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Stock = *req.Stock
		if updated.DefectiveStock > updated.Stock {
			updated.DefectiveStock = updated.Stock
		}
	}
	if req.CategoryID != nil {
		updated.CategoryID = *req.CategoryID
	}
	if req.UnitID != nil {
		updated.UnitID = *req.UnitID
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", fmt.Sprint(saved.ID), fmt.Sprintf("price=%.2f,stock=%.2f", saved.Price, saved.Stock))
	s.invalidateSearchCache(ctx)
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", fmt.Sprint(id), "")
	s.invalidateSearchCache(ctx)
	return nil
}

func (s *Service) StockIntake(ctx context.Context, req domain.StockIntakeRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if req.Quantity <= 0 {
		return domain.Product{}, store.ErrInvalidQuantity
	}
	if req.UnitPrice < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	intake, err := s.repo.RecordStockIntake(ctx, domain.StockIntake{
		ProductID:  req.ProductID,
		SupplierID: req.SupplierID,
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
		Date:       s.now(),
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "stock_intake", "stock_intake", fmt.Sprint(intake.ID), fmt.Sprintf("product=%d,qty=%.2f,supplier=%s", req.ProductID, req.Quantity, req.Supplier))
	product, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// SupplierIntakes lists a supplier's purchase history, newest first.
func (s *Service) SupplierIntakes(ctx context.Context, supplierID int64) ([]domain.StockIntake, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListStockIntakes(ctx, supplierID)
}

// MarkDefective records how much of a product's stock is unfit for sale.
// Defective stock is reporting-only: it stays counted in Stock and does
// not block sales.
func (s *Service) MarkDefective(ctx context.Context, req domain.DefectiveStockRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.repo.SetDefectiveStock(ctx, req.ProductID, req.Quantity); err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "stock_defective", "product", fmt.Sprint(req.ProductID), fmt.Sprintf("qty=%.2f", req.Quantity))
	product, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	return s.repo.ListUnits(ctx)
}

func (s *Service) CreateOffer(ctx context.Context, req domain.OfferCreateRequest) (domain.Offer, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Offer{}, err
	}

	offer, links, err := offerFromRequest(req)
	if err != nil {
		return domain.Offer{}, err
	}

	created, err := s.repo.CreateOffer(ctx, offer, links)
	if err != nil {
		return domain.Offer{}, err
	}

	s.logAudit(ctx, "offer_create", "offer", fmt.Sprint(created.ID), fmt.Sprintf("kind=%s,products=%d", created.Kind, len(links)))
	return *created, nil
}

func offerFromRequest(req domain.OfferCreateRequest) (domain.Offer, []domain.OfferProduct, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Products) == 0 || !req.EndsAt.After(req.StartsAt) {
		return domain.Offer{}, nil, store.ErrInvalidInput
	}

	links := make([]domain.OfferProduct, 0, len(req.Products))
	for _, in := range req.Products {
		link := domain.OfferProduct{ProductID: in.ProductID, Kind: req.Kind}
		switch req.Kind {
		case domain.OfferKindFixedPrice:
			if in.FixedPrice <= 0 {
				return domain.Offer{}, nil, store.ErrInvalidInput
			}
			link.FixedPrice = in.FixedPrice
		case domain.OfferKindQuantityTier:
			if in.MinQuantity <= 0 || in.DiscountPct <= 0 || in.DiscountPct > 100 {
				return domain.Offer{}, nil, store.ErrInvalidInput
			}
			link.MinQuantity = in.MinQuantity
			link.DiscountPct = in.DiscountPct
		case domain.OfferKindGroupDiscount:
			// Per-product percentage is optional; the offer-wide one applies
			// when absent.
			if in.DiscountPct < 0 || in.DiscountPct > 100 {
				return domain.Offer{}, nil, store.ErrInvalidInput
			}
			link.DiscountPct = in.DiscountPct
		default:
			return domain.Offer{}, nil, store.ErrInvalidInput
		}
		links = append(links, link)
	}

	if req.Kind == domain.OfferKindGroupDiscount {
		if req.GlobalDiscountPct < 0 || req.GlobalDiscountPct > 100 {
			return domain.Offer{}, nil, store.ErrInvalidInput
		}
	}

	offer := domain.Offer{
		Name:              req.Name,
		Description:       strings.TrimSpace(req.Description),
		StartsAt:          req.StartsAt,
		EndsAt:            req.EndsAt,
		Kind:              req.Kind,
		GlobalDiscountPct: req.GlobalDiscountPct,
		Active:            true,
	}
	return offer, links, nil
}

func (s *Service) GetOffer(ctx context.Context, id int64) (domain.Offer, []domain.OfferProduct, error) {
	offer, links, err := s.repo.GetOffer(ctx, id)
	if err != nil {
		return domain.Offer{}, nil, err
	}
	return *offer, links, nil
}

func (s *Service) UpdateOffer(ctx context.Context, id int64, req domain.OfferCreateRequest) (domain.Offer, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Offer{}, err
	}

	existing, _, err := s.repo.GetOffer(ctx, id)
	if err != nil {
		return domain.Offer{}, err
	}

	offer, links, err := offerFromRequest(req)
	if err != nil {
		return domain.Offer{}, err
	}
	offer.ID = id
	offer.Active = existing.Active

	saved, err := s.repo.UpdateOffer(ctx, offer, links)
	if err != nil {
		return domain.Offer{}, err
	}

	s.logAudit(ctx, "offer_update", "offer", fmt.Sprint(id), fmt.Sprintf("kind=%s,products=%d", saved.Kind, len(links)))
	return *saved, nil
}

func (s *Service) DeleteOffer(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteOffer(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "offer_delete", "offer", fmt.Sprint(id), "")
	return nil
}

func (s *Service) SetOfferActive(ctx context.Context, id int64, active bool) (domain.Offer, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Offer{}, err
	}
	saved, err := s.repo.SetOfferActive(ctx, id, active)
	if err != nil {
		return domain.Offer{}, err
	}
	s.logAudit(ctx, "offer_toggle", "offer", fmt.Sprint(id), fmt.Sprintf("active=%t", active))
	return *saved, nil
}

func (s *Service) ListOffers(ctx context.Context) ([]domain.OfferSummary, error) {
	return s.repo.ListOffers(ctx)
}

// ResolvePrice prices one prospective line without touching any cart.
// The sell screen uses it for live preview.
func (s *Service) ResolvePrice(ctx context.Context, productID int64, quantity float64) (domain.PriceResolution, error) {
	return s.resolver.Resolve(ctx, productID, quantity, s.now())
}

func (s *Service) cartFor(owner string) *selling.Cart {
	s.cartsMu.Lock()
	defer s.cartsMu.Unlock()

	cart, ok := s.carts[owner]
	if !ok {
		cart = selling.NewCart(s.repo, s.resolver, owner)
		s.carts[owner] = cart
	}
	return cart
}

type CartView struct {
	Lines    []domain.CartLine          `json:"lines"`
	Payments []domain.PaymentAllocation `json:"payments"`
	Total    float64                    `json:"total"`
}

func (s *Service) viewOf(cart *selling.Cart) CartView {
	return CartView{
		Lines:    cart.Lines(),
		Payments: cart.Payments(),
		Total:    cart.Total(),
	}
}

func (s *Service) Cart(ctx context.Context) (CartView, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return CartView{}, err
	}
	return s.viewOf(cart), nil
}

func (s *Service) CartAddLine(ctx context.Context, productID int64, quantity float64) (CartView, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return CartView{}, err
	}
	if _, err := cart.AddLine(ctx, productID, quantity, s.now()); err != nil {
		return CartView{}, err
	}
	return s.viewOf(cart), nil
}

func (s *Service) CartRemoveLine(ctx context.Context, index int) (CartView, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return CartView{}, err
	}
	if _, err := cart.RemoveLine(index); err != nil {
		return CartView{}, err
	}
	return s.viewOf(cart), nil
}

func (s *Service) CartPersist(ctx context.Context, name string) (domain.PendingCart, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return domain.PendingCart{}, err
	}
	saved, err := cart.Persist(ctx, name)
	if err != nil {
		return domain.PendingCart{}, err
	}
	s.logAudit(ctx, "cart_persist", "pending_cart", fmt.Sprint(saved.ID), fmt.Sprintf("lines=%d,total=%.2f", len(saved.Lines), saved.Total))
	return *saved, nil
}

func (s *Service) ListPendingCarts(ctx context.Context) ([]domain.PendingCart, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	return s.repo.ListPendingCarts(ctx, actor.Username)
}

func (s *Service) CartResume(ctx context.Context, pendingCartID int64) (CartView, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return CartView{}, err
	}
	if err := cart.Resume(ctx, pendingCartID, s.now()); err != nil {
		return CartView{}, err
	}
	s.logAudit(ctx, "cart_resume", "pending_cart", fmt.Sprint(pendingCartID), fmt.Sprintf("lines=%d", len(cart.Lines())))
	return s.viewOf(cart), nil
}

func (s *Service) CartDiscard(ctx context.Context, pendingCartID int64) error {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return err
	}
	if err := cart.Discard(ctx, pendingCartID); err != nil {
		return err
	}
	s.logAudit(ctx, "cart_discard", "pending_cart", fmt.Sprint(pendingCartID), "")
	return nil
}

func (s *Service) CartAddPayment(ctx context.Context, method string, amount float64) (CartView, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return CartView{}, err
	}
	if err := cart.AddPayment(method, amount); err != nil {
		return CartView{}, err
	}
	return s.viewOf(cart), nil
}

func (s *Service) CartRemovePayment(ctx context.Context, index int) (CartView, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return CartView{}, err
	}
	if err := cart.RemovePayment(index); err != nil {
		return CartView{}, err
	}
	return s.viewOf(cart), nil
}

func (s *Service) CartFinalize(ctx context.Context) (domain.Sale, []domain.SaleLine, error) {
	cart, err := s.actorCart(ctx)
	if err != nil {
		return domain.Sale{}, nil, err
	}
	sale, lines, err := cart.Finalize(ctx, s.now())
	if err != nil {
		return domain.Sale{}, nil, err
	}
	s.logAudit(ctx, "sale_finalize", "sale", fmt.Sprint(sale.ID), fmt.Sprintf("lines=%d,total=%.2f", len(lines), sale.Total))
	return *sale, lines, nil
}

func (s *Service) actorCart(ctx context.Context) (*selling.Cart, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	return s.cartFor(actor.Username), nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, []domain.SaleLine, []domain.PaymentAllocation, error) {
	sale, lines, payments, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, nil, nil, err
	}
	return *sale, lines, payments, nil
}

func (s *Service) SalesReport(ctx context.Context, filter domain.SaleFilter) ([]domain.SaleReportRow, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, store.ErrInvalidInput
	}
	saved, err := s.repo.CreateSupplier(ctx, domain.Supplier{Name: req.Name, Phone: req.Phone, Email: req.Email})
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_create", "supplier", fmt.Sprint(saved.ID), fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) UpdateSupplier(ctx context.Context, id int64, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, store.ErrInvalidInput
	}
	saved, err := s.repo.UpdateSupplier(ctx, domain.Supplier{ID: id, Name: req.Name, Phone: req.Phone, Email: req.Email})
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_update", "supplier", fmt.Sprint(id), fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

func (s *Service) DeleteSupplier(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteSupplier(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "supplier_delete", "supplier", fmt.Sprint(id), "")
	return nil
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}

	// Login lowercases the username before lookup, so store it that way.
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if req.Username == "" || len(req.Password) < 8 {
		return store.ErrInvalidInput
	}
	if req.Role != "admin" && req.Role != "user" {
		return store.ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if err := s.repo.CreateUser(ctx, domain.UserAccount{
		Username:  req.Username,
		Password:  string(hash),
		Role:      req.Role,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return err
	}

	s.logAudit(ctx, "user_create", "user", req.Username, fmt.Sprintf("role=%s", req.Role))
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Password = ""
	}
	return users, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -7)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func (s *Service) invalidateSearchCache(ctx context.Context) {
	if err := s.searchCache.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: search cache invalidate failed: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}
