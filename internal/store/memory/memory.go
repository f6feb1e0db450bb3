package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"verduleria/internal/domain"
	"verduleria/internal/store"
)

// Store is the in-memory Repository used by tests and dev mode. A single
// mutex stands in for the relational store's transactions: FinalizeSale
// runs entirely under it, which gives the same all-or-nothing semantics.
type Store struct {
	mu sync.RWMutex

	products      map[int64]domain.Product
	categories    map[int64]domain.Category
	units         map[int64]domain.Unit
	suppliers     map[int64]domain.Supplier
	offers        map[int64]domain.Offer
	offerProducts map[int64][]domain.OfferProduct
	pendingCarts  map[int64]domain.PendingCart
	sales         map[int64]domain.Sale
	saleLines     map[int64][]domain.SaleLine
	payments      map[int64][]domain.PaymentAllocation
	users         map[string]domain.UserAccount
	stockIntakes  map[int64]domain.StockIntake
	auditLogs     []domain.AuditLog

	nextProductID      int64
	nextSupplierID     int64
	nextOfferID        int64
	nextOfferProductID int64
	nextPendingCartID  int64
	nextSaleID         int64
	nextUserID         int64
	nextIntakeID       int64
}

func New() *Store {
	return &Store{
		products:      map[int64]domain.Product{},
		categories:    map[int64]domain.Category{},
		units:         map[int64]domain.Unit{},
		suppliers:     map[int64]domain.Supplier{},
		offers:        map[int64]domain.Offer{},
		offerProducts: map[int64][]domain.OfferProduct{},
		pendingCarts:  map[int64]domain.PendingCart{},
		sales:         map[int64]domain.Sale{},
		saleLines:     map[int64][]domain.SaleLine{},
		payments:      map[int64][]domain.PaymentAllocation{},
		users:         map[string]domain.UserAccount{},
		stockIntakes:  map[int64]domain.StockIntake{},
	}
}

// NewSeeded returns a store preloaded with the demo produce catalog and
// the default dev users. Credentials are read from SEED_ADMIN_PASSWORD and
// SEED_SELLER_PASSWORD; hardcoded dev defaults are used with a warning when
// unset. Production deployments use PostgreSQL (DATABASE_URL).
func NewSeeded() *Store {
	s := New()

	s.categories[1] = domain.Category{ID: 1, Name: "Frutas"}
	s.categories[2] = domain.Category{ID: 2, Name: "Verduras"}
	s.categories[3] = domain.Category{ID: 3, Name: "Tubérculos"}
	s.categories[4] = domain.Category{ID: 4, Name: "Hoja verde"}
	s.units[1] = domain.Unit{ID: 1, Name: "Kg"}
	s.units[2] = domain.Unit{ID: 2, Name: "Unidad"}

	for _, p := range []domain.Product{
		{Name: "Manzana Roja", Price: 800, Stock: 50, CategoryID: 1, UnitID: 1},
		{Name: "Banana Ecuador", Price: 600, Stock: 80, CategoryID: 1, UnitID: 1},
		{Name: "Naranja Jugosa", Price: 400, Stock: 100, CategoryID: 1, UnitID: 1},
		{Name: "Papa Blanca", Price: 300, Stock: 120, CategoryID: 3, UnitID: 1},
		{Name: "Lechuga Crespa", Price: 500, Stock: 40, CategoryID: 4, UnitID: 2},
	} {
		s.nextProductID++
		p.ID = s.nextProductID
		s.products[p.ID] = p
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", "admin"},
		{"vendedor", "SEED_SELLER_PASSWORD", "vendedor123", "user"},
	} {
		password := os.Getenv(u.envKey)
		if password == "" {
			password = u.fallback
			log.Printf("[memory-store] WARNING: using default dev credential for %s. Set %s to override.", u.username, u.envKey)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.nextUserID++
		s.users[u.username] = domain.UserAccount{
			ID:        s.nextUserID,
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			CreatedAt: now,
		}
	}

	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	return &p, nil
}

func (s *Store) SearchProducts(_ context.Context, query string, limit int) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 10
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	matches := make([]domain.Product, 0, limit)
	for _, p := range s.products {
		if needle == "" || strings.Contains(strings.ToLower(p.Name), needle) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price <= 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProductID++
	product.ID = s.nextProductID
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price <= 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.DefectiveStock < 0 || product.DefectiveStock > product.Stock {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; !ok {
		return nil, store.ErrProductNotFound
	}
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrProductNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) RecordStockIntake(_ context.Context, intake domain.StockIntake) (*domain.StockIntake, error) {
	if intake.Quantity <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[intake.ProductID]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	p.Stock += intake.Quantity
	s.products[intake.ProductID] = p

	s.nextIntakeID++
	intake.ID = s.nextIntakeID
	intake.ProductName = p.Name
	s.stockIntakes[intake.ID] = intake
	return &intake, nil
}

func (s *Store) ListStockIntakes(_ context.Context, supplierID int64) ([]domain.StockIntake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intakes := make([]domain.StockIntake, 0, 8)
	for _, intake := range s.stockIntakes {
		if supplierID != 0 && intake.SupplierID != supplierID {
			continue
		}
		intakes = append(intakes, intake)
	}
	sort.Slice(intakes, func(i, j int) bool {
		if intakes[i].Date.Equal(intakes[j].Date) {
			return intakes[i].ID > intakes[j].ID
		}
		return intakes[i].Date.After(intakes[j].Date)
	})
	return intakes, nil
}

func (s *Store) SetDefectiveStock(_ context.Context, productID int64, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return store.ErrProductNotFound
	}
	if qty < 0 || qty > p.Stock {
		return store.ErrInvalidQuantity
	}
	p.DefectiveStock = qty
	s.products[productID] = p
	return nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })
	return categories, nil
}

func (s *Store) ListUnits(_ context.Context) ([]domain.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	units := make([]domain.Unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (s *Store) CreateOffer(_ context.Context, offer domain.Offer, links []domain.OfferProduct) (*domain.Offer, error) {
	if offer.Name == "" || offer.Kind == "" || !offer.EndsAt.After(offer.StartsAt) {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOfferID++
	offer.ID = s.nextOfferID
	s.offers[offer.ID] = offer
	s.offerProducts[offer.ID] = s.stampLinks(offer, links)
	created := offer
	return &created, nil
}

func (s *Store) stampLinks(offer domain.Offer, links []domain.OfferProduct) []domain.OfferProduct {
	stamped := make([]domain.OfferProduct, 0, len(links))
	for _, link := range links {
		s.nextOfferProductID++
		link.ID = s.nextOfferProductID
		link.OfferID = offer.ID
		link.Kind = offer.Kind
		stamped = append(stamped, link)
	}
	return stamped
}

func (s *Store) GetOffer(_ context.Context, id int64) (*domain.Offer, []domain.OfferProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offer, ok := s.offers[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	links := make([]domain.OfferProduct, len(s.offerProducts[id]))
	copy(links, s.offerProducts[id])
	return &offer, links, nil
}

func (s *Store) UpdateOffer(_ context.Context, offer domain.Offer, links []domain.OfferProduct) (*domain.Offer, error) {
	if offer.Name == "" || offer.Kind == "" || !offer.EndsAt.After(offer.StartsAt) {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.offers[offer.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.offers[offer.ID] = offer
	s.offerProducts[offer.ID] = s.stampLinks(offer, links)
	updated := offer
	return &updated, nil
}

func (s *Store) DeleteOffer(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.offers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.offers, id)
	delete(s.offerProducts, id)
	return nil
}

func (s *Store) SetOfferActive(_ context.Context, id int64, active bool) (*domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	offer.Active = active
	s.offers[id] = offer
	return &offer, nil
}

func (s *Store) ListOffers(_ context.Context) ([]domain.OfferSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]domain.OfferSummary, 0, len(s.offers))
	for id, offer := range s.offers {
		summaries = append(summaries, domain.OfferSummary{
			Offer:            offer,
			AffectedProducts: len(s.offerProducts[id]),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Offer.StartsAt.After(summaries[j].Offer.StartsAt)
	})
	return summaries, nil
}

func (s *Store) DeactivateExpiredOffers(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, offer := range s.offers {
		if offer.Active && offer.EndsAt.Before(now) {
			offer.Active = false
			s.offers[id] = offer
		}
	}
	return nil
}

func (s *Store) ActiveOfferProducts(_ context.Context, productID int64, now time.Time) ([]domain.ActiveOfferProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.ActiveOfferProduct, 0, 4)
	for offerID, links := range s.offerProducts {
		offer := s.offers[offerID]
		if !offer.Active || offer.StartsAt.After(now) || offer.EndsAt.Before(now) {
			continue
		}
		for _, link := range links {
			if link.ProductID != productID {
				continue
			}
			matches = append(matches, domain.ActiveOfferProduct{
				OfferProduct:      link,
				OfferName:         offer.Name,
				OfferStartsAt:     offer.StartsAt,
				GlobalDiscountPct: offer.GlobalDiscountPct,
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].OfferStartsAt.After(matches[j].OfferStartsAt)
	})
	return matches, nil
}

func (s *Store) CreatePendingCart(_ context.Context, cart domain.PendingCart) (*domain.PendingCart, error) {
	if len(cart.Lines) == 0 {
		return nil, store.ErrEmptyCart
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPendingCartID++
	cart.ID = s.nextPendingCartID
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = time.Now().UTC()
	}
	s.pendingCarts[cart.ID] = clonePendingCart(cart)
	saved := clonePendingCart(cart)
	return &saved, nil
}

func (s *Store) GetPendingCart(_ context.Context, id int64) (*domain.PendingCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, ok := s.pendingCarts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := clonePendingCart(cart)
	return &result, nil
}

func (s *Store) ListPendingCarts(_ context.Context, owner string) ([]domain.PendingCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	carts := make([]domain.PendingCart, 0, 4)
	for _, cart := range s.pendingCarts {
		if cart.Owner == owner {
			carts = append(carts, clonePendingCart(cart))
		}
	}
	sort.Slice(carts, func(i, j int) bool { return carts[i].ID < carts[j].ID })
	return carts, nil
}

func (s *Store) DeletePendingCart(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendingCarts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.pendingCarts, id)
	return nil
}

func (s *Store) FinalizeSale(_ context.Context, at time.Time, lines []domain.CartLine, payments []domain.PaymentAllocation, total float64) (*domain.Sale, []domain.SaleLine, error) {
	if len(lines) == 0 {
		return nil, nil, store.ErrEmptyCart
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-validate against current stock before mutating anything, so a
	// failure leaves the store untouched. Quantities are aggregated per
	// product first: two lines of the same product must not each pass
	// individually while jointly exceeding stock.
	required := make(map[int64]float64, len(lines))
	for _, line := range lines {
		required[line.ProductID] += line.Quantity
	}
	for productID, qty := range required {
		p, ok := s.products[productID]
		if !ok {
			return nil, nil, store.ErrProductNotFound
		}
		if qty > p.Stock {
			return nil, nil, store.ErrInsufficientStock
		}
	}

	s.nextSaleID++
	sale := domain.Sale{ID: s.nextSaleID, Timestamp: at, Total: total}
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		p := s.products[line.ProductID]
		p.Stock -= line.Quantity
		if p.DefectiveStock > p.Stock {
			p.DefectiveStock = p.Stock
		}
		s.products[line.ProductID] = p
		saleLines = append(saleLines, domain.SaleLine{
			SaleID:    sale.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}

	allocations := make([]domain.PaymentAllocation, 0, len(payments))
	for _, payment := range payments {
		payment.SaleID = sale.ID
		allocations = append(allocations, payment)
	}

	s.sales[sale.ID] = sale
	s.saleLines[sale.ID] = saleLines
	s.payments[sale.ID] = allocations

	result := make([]domain.SaleLine, len(saleLines))
	copy(result, saleLines)
	return &sale, result, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, []domain.SaleLine, []domain.PaymentAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, nil, nil, store.ErrNotFound
	}
	lines := make([]domain.SaleLine, len(s.saleLines[id]))
	copy(lines, s.saleLines[id])
	payments := make([]domain.PaymentAllocation, len(s.payments[id]))
	copy(payments, s.payments[id])
	return &sale, lines, payments, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.SaleReportRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}

	rows := make([]domain.SaleReportRow, 0, limit)
	for id, sale := range s.sales {
		if filter.From != nil && sale.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.Timestamp.After(*filter.To) {
			continue
		}
		if filter.TotalMin != nil && sale.Total < *filter.TotalMin {
			continue
		}
		if filter.TotalMax != nil && sale.Total > *filter.TotalMax {
			continue
		}
		if !s.saleMatchesLineFilter(id, filter) {
			continue
		}
		lines := make([]domain.SaleLine, len(s.saleLines[id]))
		copy(lines, s.saleLines[id])
		rows = append(rows, domain.SaleReportRow{Sale: sale, Lines: lines})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Sale.Timestamp.After(rows[j].Sale.Timestamp)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Store) saleMatchesLineFilter(saleID int64, filter domain.SaleFilter) bool {
	if len(filter.ProductIDs) == 0 && len(filter.CategoryIDs) == 0 && len(filter.UnitIDs) == 0 {
		return true
	}
	for _, line := range s.saleLines[saleID] {
		product, ok := s.products[line.ProductID]
		if containsID(filter.ProductIDs, line.ProductID) {
			return true
		}
		if ok && containsID(filter.CategoryIDs, product.CategoryID) {
			return true
		}
		if ok && containsID(filter.UnitIDs, product.UnitID) {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSupplierID++
	supplier.ID = s.nextSupplierID
	s.suppliers[supplier.ID] = supplier
	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		suppliers = append(suppliers, sup)
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i].ID < suppliers[j].ID })
	return suppliers, nil
}

func (s *Store) UpdateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[supplier.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.suppliers[supplier.ID] = supplier
	updated := supplier
	return &updated, nil
}

func (s *Store) DeleteSupplier(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[id]; !ok {
		return store.ErrNotFound
	}
	// A supplier with purchase history stays on the books.
	for _, intake := range s.stockIntakes {
		if intake.SupplierID == id {
			return store.ErrInvalidInput
		}
	}
	delete(s.suppliers, id)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return store.ErrInvalidInput
	}
	s.nextUserID++
	user.ID = s.nextUserID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
		if len(logs) == limit {
			break
		}
	}
	return logs, nil
}

func clonePendingCart(cart domain.PendingCart) domain.PendingCart {
	cloned := cart
	cloned.Lines = make([]domain.PendingCartLine, len(cart.Lines))
	copy(cloned.Lines, cart.Lines)
	return cloned
}
