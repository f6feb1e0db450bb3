package domain

import "time"

// Product quantities are float64 because produce is sold by weight
// (kilograms) as well as by unit. DefectiveStock is the portion of Stock
// held back from sale for reporting; 0 <= DefectiveStock <= Stock.
type Product struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Price          float64 `json:"price"`
	Stock          float64 `json:"stock"`
	DefectiveStock float64 `json:"defective_stock"`
	CategoryID     int64   `json:"category_id"`
	UnitID         int64   `json:"unit_id"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Unit struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Supplier struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

const (
	OfferKindFixedPrice    = "individual_precio"
	OfferKindQuantityTier  = "individual_cantidad"
	OfferKindGroupDiscount = "conjunto_descuento"
)

// Applied-rule tags reported by price resolution.
const (
	AppliedFixedPrice    = "precio_fijo"
	AppliedQuantityTier  = "cantidad"
	AppliedGroupDiscount = "conjunto"
)

type Offer struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
	Kind              string    `json:"kind"`
	GlobalDiscountPct float64   `json:"global_discount_pct"`
	Active            bool      `json:"active"`
}

// OfferProduct links an offer to one product. Kind mirrors the owning
// offer's kind and selects which fields are meaningful: FixedPrice for
// individual_precio, MinQuantity+DiscountPct for individual_cantidad,
// DiscountPct for conjunto_descuento. Dispatch is always a switch on Kind.
type OfferProduct struct {
	ID          int64   `json:"id"`
	OfferID     int64   `json:"offer_id"`
	ProductID   int64   `json:"product_id"`
	Kind        string  `json:"kind"`
	FixedPrice  float64 `json:"fixed_price,omitempty"`
	MinQuantity float64 `json:"min_quantity,omitempty"`
	DiscountPct float64 `json:"discount_pct,omitempty"`
}

// ActiveOfferProduct is an OfferProduct joined with the owning offer's
// fields needed by price resolution, ordered by OfferStartsAt descending.
type ActiveOfferProduct struct {
	OfferProduct
	OfferName         string
	OfferStartsAt     time.Time
	GlobalDiscountPct float64
}

type PriceResolution struct {
	FinalPrice     float64 `json:"final_price"`
	OriginalPrice  float64 `json:"original_price"`
	DiscountAmount float64 `json:"discount_amount"`
	OfferKind      string  `json:"offer_kind,omitempty"`
	Description    string  `json:"description,omitempty"`
}

type CartLine struct {
	ProductID     int64   `json:"product_id"`
	ProductName   string  `json:"product_name"`
	Quantity      float64 `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	OriginalPrice float64 `json:"original_price"`
	Subtotal      float64 `json:"subtotal"`
	AppliedOffer  string  `json:"applied_offer,omitempty"`
	StockAtAdd    float64 `json:"stock_at_add"`
}

type PendingCartLine struct {
	ProductID int64   `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Subtotal  float64 `json:"subtotal"`
}

type PendingCart struct {
	ID        int64             `json:"id"`
	Owner     string            `json:"owner"`
	Name      string            `json:"name"`
	Total     float64           `json:"total"`
	CreatedAt time.Time         `json:"created_at"`
	Lines     []PendingCartLine `json:"lines"`
}

type Sale struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Total     float64   `json:"total"`
}

type SaleLine struct {
	SaleID    int64   `json:"sale_id"`
	ProductID int64   `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	Subtotal  float64 `json:"subtotal"`
}

type PaymentAllocation struct {
	SaleID int64   `json:"sale_id,omitempty"`
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

// PaymentEpsilon absorbs floating rounding when comparing the sum of a
// sale's payment allocations against its total.
const PaymentEpsilon = 0.01

type SaleFilter struct {
	From        *time.Time
	To          *time.Time
	ProductIDs  []int64
	CategoryIDs []int64
	UnitIDs     []int64
	TotalMin    *float64
	TotalMax    *float64
	Limit       int
}

type SaleReportRow struct {
	Sale  Sale       `json:"sale"`
	Lines []SaleLine `json:"lines"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        int64
	Username  string
	Password  string
	Role      string
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ProductCreateRequest struct {
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Stock      float64 `json:"stock"`
	CategoryID int64   `json:"category_id"`
	UnitID     int64   `json:"unit_id"`
}

type ProductUpdateRequest struct {
	Name       *string  `json:"name,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	Stock      *float64 `json:"stock,omitempty"`
	CategoryID *int64   `json:"category_id,omitempty"`
	UnitID     *int64   `json:"unit_id,omitempty"`
}

type StockIntakeRequest struct {
	ProductID  int64   `json:"product_id"`
	Quantity   float64 `json:"quantity"`
	Supplier   string  `json:"supplier"`
	SupplierID int64   `json:"supplier_id,omitempty"`
	UnitPrice  float64 `json:"unit_price,omitempty"`
}

// StockIntake is the durable purchase record behind a stock increase:
// which supplier delivered how much of what, at which unit cost, when.
// Supplier intake history and cost reporting are built on these rows.
type StockIntake struct {
	ID          int64     `json:"id"`
	ProductID   int64     `json:"product_id"`
	ProductName string    `json:"product_name,omitempty"`
	SupplierID  int64     `json:"supplier_id,omitempty"`
	Quantity    float64   `json:"quantity"`
	UnitPrice   float64   `json:"unit_price"`
	Date        time.Time `json:"date"`
}

type DefectiveStockRequest struct {
	ProductID int64   `json:"product_id"`
	Quantity  float64 `json:"quantity"`
}

type OfferProductInput struct {
	ProductID   int64   `json:"product_id"`
	FixedPrice  float64 `json:"fixed_price,omitempty"`
	MinQuantity float64 `json:"min_quantity,omitempty"`
	DiscountPct float64 `json:"discount_pct,omitempty"`
}

type OfferCreateRequest struct {
	Name              string              `json:"name"`
	Description       string              `json:"description"`
	StartsAt          time.Time           `json:"starts_at"`
	EndsAt            time.Time           `json:"ends_at"`
	Kind              string              `json:"kind"`
	GlobalDiscountPct float64             `json:"global_discount_pct"`
	Products          []OfferProductInput `json:"products"`
}

type OfferSummary struct {
	Offer            Offer `json:"offer"`
	AffectedProducts int   `json:"affected_products"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}
