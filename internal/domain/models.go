package domain

import "time"

// Money is carried as int64 kobo cents everywhere. Conversions to display
// units happen at the edge (receipts, reports), never inside the engine.

const (
	PaymentCash        = "cash"
	PaymentCard        = "card"
	PaymentTransfer    = "transfer"
	PaymentCredit      = "credit"
	PaymentStoreCredit = "store_credit"
	PaymentMultipay    = "multipay"
)

const SaleStatusCompleted = "completed"

const (
	DispositionRestocked = "restocked"
	DispositionDamaged   = "damaged"
)

const (
	ExpenseStatusPaid    = "paid"
	ExpenseStatusPending = "pending"
)

// Product is a catalog entry. Stock lives in batches, not here.
type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	MinStock   int       `json:"min_stock"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	MinStock   int    `json:"min_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	MinStock   *int    `json:"min_stock,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

type PriceChange struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	OldPriceCents int64     `json:"old_price_cents"`
	NewPriceCents int64     `json:"new_price_cents"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Batch is a received lot of a product. Sellable stock for a product is
// the sum of Qty over batches whose expiry is strictly in the future.
type Batch struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	BatchNumber string    `json:"batch_number"`
	Qty         int       `json:"qty"`
	CostCents   int64     `json:"cost_cents"`
	ExpiryDate  time.Time `json:"expiry_date"`
	SourceType  string    `json:"source_type"` // "receive" or "return"
	SourceID    string    `json:"source_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

type BatchReceiveRequest struct {
	ProductID   string    `json:"product_id"`
	BatchNumber string    `json:"batch_number"`
	Qty         int       `json:"qty"`
	CostCents   int64     `json:"cost_cents"`
	ExpiryDate  time.Time `json:"expiry_date"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	DebtCents int64     `json:"debt_cents"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// CartLine is one entry of a checkout or held cart. The unit price is
// resolved server-side from the catalog at checkout time.
type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// PaymentEntry is one leg of a multipay breakdown.
type PaymentEntry struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
}

type CheckoutRequest struct {
	Items          []CartLine     `json:"items"`
	PaymentMethod  string         `json:"payment_method"`
	Payments       []PaymentEntry `json:"payments,omitempty"`
	DiscountCents  int64          `json:"discount_cents"`
	CustomerID     string         `json:"customer_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type SaleItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
	UnitCostCents  int64  `json:"unit_cost_cents"`
	ReturnedQty    int    `json:"returned_qty"`
}

type Sale struct {
	ID             string         `json:"id"`
	CustomerID     string         `json:"customer_id,omitempty"`
	CustomerName   string         `json:"customer_name,omitempty"`
	Cashier        string         `json:"cashier"`
	PaymentMethod  string         `json:"payment_method"`
	Payments       []PaymentEntry `json:"payments,omitempty"`
	TotalCents     int64          `json:"total_cents"`
	DiscountCents  int64          `json:"discount_cents"`
	FinalCents     int64          `json:"final_cents"`
	Status         string         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Items          []SaleItem     `json:"items"`
}

// HoldRequest parks a cart without touching stock or debt.
type HoldRequest struct {
	Items         []CartLine `json:"items"`
	DiscountCents int64      `json:"discount_cents"`
	CustomerID    string     `json:"customer_id,omitempty"`
	Note          string     `json:"note,omitempty"`
}

type HeldSale struct {
	ID            string     `json:"id"`
	Items         []CartLine `json:"items"`
	DiscountCents int64      `json:"discount_cents"`
	CustomerID    string     `json:"customer_id,omitempty"`
	Note          string     `json:"note,omitempty"`
	Cashier       string     `json:"cashier"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ReturnLineRequest struct {
	ProductID   string `json:"product_id"`
	Qty         int    `json:"qty"`
	Disposition string `json:"disposition"`
}

type ReturnRequest struct {
	SaleID       string              `json:"sale_id"`
	Items        []ReturnLineRequest `json:"items"`
	Reason       string              `json:"reason"`
	RefundMethod string              `json:"refund_method"`
	ManagerPIN   string              `json:"manager_pin,omitempty"`
}

type ReturnedItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	RefundCents    int64  `json:"refund_cents"`
	Disposition    string `json:"disposition"`
	CostBasisCents int64  `json:"cost_basis_cents"`
	ValueLostCents int64  `json:"value_lost_cents"`
}

type Return struct {
	ID           string         `json:"id"`
	SaleID       string         `json:"sale_id"`
	CustomerID   string         `json:"customer_id,omitempty"`
	CustomerName string         `json:"customer_name,omitempty"`
	Cashier      string         `json:"cashier"`
	Reason       string         `json:"reason"`
	RefundMethod string         `json:"refund_method"`
	RefundCents  int64          `json:"refund_cents"`
	CreatedAt    time.Time      `json:"created_at"`
	Items        []ReturnedItem `json:"items"`
}

type Expense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Description string `json:"description"`
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status,omitempty"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnomalyAlert flags a cashier whose recent return or manual-discount
// frequency stands out against the rest of the team.
type AnomalyAlert struct {
	Cashier  string `json:"cashier"`
	Kind     string `json:"kind"` // "return_spike" or "discount_spike"
	Count    int    `json:"count"`
	Baseline int    `json:"baseline"`
	Detail   string `json:"detail"`
}

type DailyReport struct {
	Date             string           `json:"date"`
	SalesCount       int              `json:"sales_count"`
	GrossCents       int64            `json:"gross_cents"`
	DiscountCents    int64            `json:"discount_cents"`
	NetCents         int64            `json:"net_cents"`
	CostOfGoodsCents int64            `json:"cost_of_goods_cents"`
	RefundCents      int64            `json:"refund_cents"`
	ValueLostCents   int64            `json:"value_lost_cents"`
	ExpenseCents     int64            `json:"expense_cents"`
	PayablesCents    int64            `json:"payables_cents"`
	ReceivablesCents int64            `json:"receivables_cents"`
	PaymentBreakdown map[string]int64 `json:"payment_breakdown"`
}

// StockLevel is the sellable quantity of one product at a point in time.
type StockLevel struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	ValidStock int    `json:"valid_stock"`
	MinStock   int    `json:"min_stock"`
}

// LowStockEntry reports a product whose valid stock fell below its
// minimum threshold.
type LowStockEntry struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	ValidStock int    `json:"valid_stock"`
	MinStock   int    `json:"min_stock"`
}

// OfflineSaleEnvelope is one queued checkout from an offline terminal.
// ClientKey doubles as the idempotency key so replayed envelopes are safe.
type OfflineSaleEnvelope struct {
	ClientKey string          `json:"client_key"`
	Cashier   string          `json:"cashier"`
	QueuedAt  time.Time       `json:"queued_at"`
	Request   CheckoutRequest `json:"request"`
}

type OfflineSaleResult struct {
	ClientKey string `json:"client_key"`
	SaleID    string `json:"sale_id,omitempty"`
	Status    string `json:"status"` // "applied", "duplicate" or "rejected"
	Error     string `json:"error,omitempty"`
}

// ReceiptRequest asks for a printable payload for either a sale or a
// return; exactly one of the ids should be set.
type ReceiptRequest struct {
	SaleID   string `json:"sale_id,omitempty"`
	ReturnID string `json:"return_id,omitempty"`
}

type ExpenseStatusRequest struct {
	Status string `json:"status"`
}

// ReceiptPayload carries finalized receipt data plus ESC/POS bytes for
// thermal printers. Rendering beyond this is the caller's concern.
type ReceiptPayload struct {
	Preview      string `json:"preview"`
	ESCPOSBase64 string `json:"escpos_base64"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        UserAccount `json:"user"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Actor identifies the authenticated user attached to a request context.
type Actor struct {
	Username string
	Role     string
}
