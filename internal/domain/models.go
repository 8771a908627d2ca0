package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Category   string          `json:"category"`
	Price      decimal.Decimal `json:"price"`
	Cost       decimal.Decimal `json:"cost"`
	TotalStock int             `json:"total_stock"`
	Active     bool            `json:"active"`
	Promo      bool            `json:"promo"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name         string           `json:"name" validate:"required,max=200"`
	Category     string           `json:"category" validate:"required,max=100"`
	Price        decimal.Decimal  `json:"price" validate:"gte=0"`
	Cost         decimal.Decimal  `json:"cost" validate:"gte=0"`
	Promo        bool             `json:"promo"`
	InitialStock int              `json:"initial_stock" validate:"gte=0,max=1000000"`
	InitialCost  *decimal.Decimal `json:"initial_cost,omitempty" validate:"omitempty,gte=0"`
}

type ProductUpdateRequest struct {
	Name     *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Category *string          `json:"category,omitempty" validate:"omitempty,max=100"`
	Price    *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0"`
	Cost     *decimal.Decimal `json:"cost,omitempty" validate:"omitempty,gte=0"`
	Active   *bool            `json:"active,omitempty"`
	Promo    *bool            `json:"promo,omitempty"`
}

type AddStockRequest struct {
	Quantity   int             `json:"quantity" validate:"gt=0,max=1000000"`
	UnitCost   decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	ExpiryDate string          `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// StockBatch is one cost layer of a product. Batches are consumed oldest
// CreatedAt first, Seq breaking ties.
type StockBatch struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id"`
	Seq        int64           `json:"seq"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	PurchaseID string          `json:"purchase_id,omitempty"`
	Source     string          `json:"source"`
	ExpiryDate *time.Time      `json:"expiry_date,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SaleLineRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"gt=0,max=1000000"`
	Price     *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0"`
}

type SaleRequest struct {
	Type  string            `json:"type" validate:"omitempty,oneof=retail display"`
	Note  string            `json:"note" validate:"max=500"`
	Lines []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type SaleLine struct {
	Seq         int             `json:"seq"`
	ProductID   string          `json:"product_id,omitempty"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
}

type Sale struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Total     decimal.Decimal `json:"total"`
	Profit    decimal.Decimal `json:"profit"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Lines     []SaleLine      `json:"lines"`
}

// PurchaseRequest accepts either unit input (Quantity, UnitCost) or pack
// input (PackCount, UnitsPerPack, PackPrice).
type PurchaseRequest struct {
	ProductID    string           `json:"product_id" validate:"required"`
	SupplierID   string           `json:"supplier_id,omitempty"`
	Quantity     int              `json:"quantity" validate:"gte=0,max=1000000"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty" validate:"omitempty,gte=0"`
	PackCount    int              `json:"pack_count" validate:"gte=0,max=1000000"`
	UnitsPerPack int              `json:"units_per_pack" validate:"gte=0,max=1000000"`
	PackPrice    *decimal.Decimal `json:"pack_price,omitempty" validate:"omitempty,gte=0"`
	ExpiryDate   string           `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type Purchase struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	SupplierID   string          `json:"supplier_id,omitempty"`
	SupplierName string          `json:"supplier_name,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	PackCount    int             `json:"pack_count,omitempty"`
	UnitsPerPack int             `json:"units_per_pack,omitempty"`
	PackPrice    decimal.Decimal `json:"pack_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone" validate:"max=40"`
}

type CashReconcileRequest struct {
	PhysicalAmount decimal.Decimal  `json:"physical_amount" validate:"gte=0"`
	OpeningBalance *decimal.Decimal `json:"opening_balance,omitempty" validate:"omitempty,gte=0"`
	Note           string           `json:"note" validate:"max=500"`
}

type CashReconcileResult struct {
	Expected         decimal.Decimal `json:"expected"`
	Actual           decimal.Decimal `json:"actual"`
	Difference       decimal.Decimal `json:"difference"`
	CorrectionSaleID string          `json:"correction_sale_id,omitempty"`
}

// StockDrift reports a product whose cached TotalStock disagrees with the sum
// of its live batches.
type StockDrift struct {
	ProductID  string `json:"product_id"`
	TotalStock int    `json:"total_stock"`
	BatchSum   int    `json:"batch_sum"`
}

type Actor struct {
	Subject string
	Role    string
}

const (
	SaleTypeRetail  = "retail"
	SaleTypeDisplay = "display"
	SaleTypeOpname  = "opname"
)

const (
	BatchSourcePurchase = "purchase"
	BatchSourceManual   = "manual"
	BatchSourceInitial  = "initial"
	BatchSourceReversal = "reversal"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// CostScale is the number of decimal places kept for per-unit costs.
const CostScale = 4

// MaxQuantity caps any single quantity in a request, pack products included.
// Keep it in step with the max= tags below; stock columns are INTEGER.
const MaxQuantity = 1_000_000
