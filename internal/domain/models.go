package domain

import "time"

type ProductVariant struct {
	ID                 string `json:"id"`
	ProductName        string `json:"product_name"`
	Strength           string `json:"strength"`
	PackSize           string `json:"pack_size"`
	SKU                string `json:"sku"`
	PurchasePriceCents int64  `json:"purchase_price_cents"`
	SellingPriceCents  int64  `json:"selling_price_cents"`
	MinStockLevel      int    `json:"min_stock_level"`
	MaxStockLevel      int    `json:"max_stock_level"`
	Active             bool   `json:"active"`
}

type VariantCreateRequest struct {
	ProductName        string `json:"product_name"`
	Strength           string `json:"strength"`
	PackSize           string `json:"pack_size"`
	SKU                string `json:"sku"`
	PurchasePriceCents int64  `json:"purchase_price_cents"`
	SellingPriceCents  int64  `json:"selling_price_cents"`
	MinStockLevel      int    `json:"min_stock_level"`
	MaxStockLevel      int    `json:"max_stock_level"`
	InitialStock       int    `json:"initial_stock"`
}

// Stock is the on-hand row for one variant. ReservedQuantity is carried
// for reporting; the sale flow does not reserve.
type Stock struct {
	VariantID        string     `json:"variant_id"`
	Quantity         int        `json:"quantity"`
	ReservedQuantity int        `json:"reserved_quantity"`
	LastRestockedAt  *time.Time `json:"last_restocked_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type StockView struct {
	Stock     Stock `json:"stock"`
	Available int   `json:"available"`
	LowStock  bool  `json:"low_stock"`
}

type StockMovement struct {
	ID               string    `json:"id"`
	VariantID        string    `json:"variant_id"`
	MovementType     string    `json:"movement_type"`
	QuantityChange   int       `json:"quantity_change"`
	PreviousQuantity int       `json:"previous_quantity"`
	NewQuantity      int       `json:"new_quantity"`
	ReferenceType    string    `json:"reference_type,omitempty"`
	ReferenceID      string    `json:"reference_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	MovedBy          string    `json:"moved_by"`
	CreatedAt        time.Time `json:"created_at"`
}

type StockReceiveRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

type StockAuditItem struct {
	VariantID  string `json:"variant_id"`
	CountedQty int    `json:"counted_qty"`
}

type StockAuditRequest struct {
	Notes string           `json:"notes"`
	Items []StockAuditItem `json:"items"`
}

type StockAuditLine struct {
	VariantID  string `json:"variant_id"`
	SystemQty  int    `json:"system_qty"`
	CountedQty int    `json:"counted_qty"`
	Variance   int    `json:"variance"`
}

type StockAuditResponse struct {
	AuditNumber string           `json:"audit_number"`
	Notes       string           `json:"notes"`
	Lines       []StockAuditLine `json:"lines"`
	CreatedAt   string           `json:"created_at"`
}

type Customer struct {
	ID                      string     `json:"id"`
	CustomerCode            string     `json:"customer_code"`
	FirstName               string     `json:"first_name"`
	LastName                string     `json:"last_name"`
	Email                   string     `json:"email"`
	Phone                   string     `json:"phone"`
	LoyaltyPoints           int64      `json:"loyalty_points"`
	TotalSpentCents         int64      `json:"total_spent_cents"`
	OutstandingBalanceCents int64      `json:"outstanding_balance_cents"`
	LastPurchaseDate        *time.Time `json:"last_purchase_date,omitempty"`
	Active                  bool       `json:"active"`
	CreatedAt               time.Time  `json:"created_at"`
}

type CustomerCreateRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// CustomerDelta is applied atomically to a customer row. Points never drop
// below zero.
type CustomerDelta struct {
	LoyaltyPoints    int64
	TotalSpentCents  int64
	LastPurchaseDate *time.Time
}

type SaleLineRequest struct {
	VariantID     string `json:"variant_id"`
	Quantity      int    `json:"quantity"`
	DiscountCents int64  `json:"discount_cents"`
}

type SaleCreateRequest struct {
	CustomerID     string            `json:"customer_id,omitempty"`
	DiscountCents  int64             `json:"discount_cents"`
	TaxRatePercent float64           `json:"tax_rate_percent"`
	Notes          string            `json:"notes"`
	Items          []SaleLineRequest `json:"items"`
}

type Sale struct {
	ID               string     `json:"id"`
	SaleNumber       string     `json:"sale_number"`
	CustomerID       string     `json:"customer_id,omitempty"`
	CustomerType     string     `json:"customer_type"`
	Cashier          string     `json:"cashier"`
	TotalItems       int        `json:"total_items"`
	SubtotalCents    int64      `json:"subtotal_cents"`
	DiscountCents    int64      `json:"discount_cents"`
	TaxCents         int64      `json:"tax_cents"`
	TotalCents       int64      `json:"total_cents"`
	AmountPaidCents  int64      `json:"amount_paid_cents"`
	ChangeCents      int64      `json:"change_cents"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	ConfirmationCode string     `json:"confirmation_code,omitempty"`
	Status           string     `json:"sale_status"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	Items            []SaleItem `json:"items"`
}

type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	VariantID      string `json:"variant_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	TotalCents     int64  `json:"total_price_cents"`
	CostCents      int64  `json:"cost_price_cents"`
}

// Settlement is what the reconciler writes onto a sale when it leaves the
// pending state.
type Settlement struct {
	Status           string
	PaymentMethod    string
	PaymentReference string
	ConfirmationCode string
	AmountPaidCents  int64
	ChangeCents      int64
	Notes            string
	FinalizedAt      time.Time
}

type Receipt struct {
	ID                  string    `json:"id"`
	ReceiptNumber       string    `json:"receipt_number"`
	SaleID              string    `json:"sale_id"`
	AmountReceivedCents int64     `json:"amount_received_cents"`
	PaymentMethod       string    `json:"payment_method"`
	PaymentReference    string    `json:"payment_reference,omitempty"`
	ReceivedBy          string    `json:"received_by"`
	PaymentDate         time.Time `json:"payment_date"`
	CreatedAt           time.Time `json:"created_at"`
}

type PaymentRequest struct {
	PaymentMethod   string `json:"payment_method"`
	AmountPaidCents int64  `json:"amount_paid_cents"`
	Email           string `json:"email,omitempty"`
	Phone           string `json:"phone,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
}

type PaymentResponse struct {
	Sale        Sale     `json:"sale"`
	Receipt     *Receipt `json:"receipt,omitempty"`
	TrackingID  string   `json:"order_tracking_id,omitempty"`
	RedirectURL string   `json:"redirect_url,omitempty"`
	Duplicate   bool     `json:"duplicate"`
}

// GatewayToken is a bearer credential for the payment gateway API.
type GatewayToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GatewayCallback struct {
	OrderTrackingID        string
	OrderMerchantReference string
	NotificationType       string
}

type ReturnLineRequest struct {
	SaleItemID       string `json:"sale_item_id"`
	QuantityReturned int    `json:"quantity_returned"`
}

type ReturnRequest struct {
	Reason string              `json:"reason"`
	Items  []ReturnLineRequest `json:"items"`
}

type SaleReturn struct {
	ID                     string       `json:"id"`
	ReturnNumber           string       `json:"return_number"`
	OriginalSaleID         string       `json:"original_sale_id"`
	Cashier                string       `json:"cashier"`
	TotalRefundAmountCents int64        `json:"total_refund_amount_cents"`
	Reason                 string       `json:"reason"`
	Status                 string       `json:"return_status"`
	CreatedAt              time.Time    `json:"created_at"`
	Items                  []ReturnItem `json:"items"`
}

type ReturnItem struct {
	ID                string `json:"id"`
	SaleItemID        string `json:"sale_item_id"`
	VariantID         string `json:"variant_id"`
	QuantityReturned  int    `json:"quantity_returned"`
	RefundAmountCents int64  `json:"refund_amount_cents"`
}

// SaleEvent is published to notifiers after a sale-related commit.
type SaleEvent struct {
	Type       string    `json:"type"`
	SaleID     string    `json:"sale_id"`
	SaleNumber string    `json:"sale_number"`
	CustomerID string    `json:"customer_id,omitempty"`
	TotalCents int64     `json:"total_cents"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
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

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SaleStatusPending   = "pending"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

const (
	ReturnStatusCompleted = "completed"
)

const (
	PaymentMethodCash  = "cash"
	PaymentMethodMpesa = "mpesa"
	PaymentMethodCard  = "card"
)

const (
	CustomerTypeWalkIn     = "walk-in"
	CustomerTypeRegistered = "registered"
)

const (
	MovementSale     = "sale"
	MovementReturn   = "return"
	MovementPurchase = "purchase"
	MovementAudit    = "audit"
)

const (
	SaleEventCompleted = "sale.completed"
	SaleEventCancelled = "sale.cancelled"
	SaleEventReturned  = "sale.returned"
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
	RoleCashier    = "cashier"
)
