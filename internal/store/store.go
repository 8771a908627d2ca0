package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tokostok/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
)

// InsufficientStockError carries the shortfall of a failed consumption.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Repository is the durable state of the ledger. Reads outside WithTx see
// committed state only.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListStockBatches(ctx context.Context, productID string) ([]domain.StockBatch, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	GetPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	FindStockDrift(ctx context.Context) ([]domain.StockDrift, error)
}

// Tx is one all-or-nothing unit of work. Nothing written through a Tx is
// visible to other callers until WithTx returns nil.
type Tx interface {
	// LockProducts returns the requested products and holds them against
	// concurrent batch or aggregate writers until the unit ends.
	LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	InsertProduct(ctx context.Context, product domain.Product) error
	UpdateProduct(ctx context.Context, product domain.Product) error
	DeleteProduct(ctx context.Context, id string) error
	ProductHasHistory(ctx context.Context, id string) (bool, error)
	AdjustTotalStock(ctx context.Context, productID string, delta int) error

	// LiveBatches returns the product's batches oldest first.
	LiveBatches(ctx context.Context, productID string) ([]domain.StockBatch, error)
	InsertBatch(ctx context.Context, batch domain.StockBatch) (domain.StockBatch, error)
	SetBatchQuantity(ctx context.Context, batchID string, qty int) error
	DeleteBatch(ctx context.Context, batchID string) error
	DeleteProductBatches(ctx context.Context, productID string) error
	// BatchByPurchase returns nil without error once the batch is fully consumed.
	BatchByPurchase(ctx context.Context, purchaseID string) (*domain.StockBatch, error)

	InsertSale(ctx context.Context, sale domain.Sale) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	DeleteSale(ctx context.Context, id string) error

	InsertPurchase(ctx context.Context, purchase domain.Purchase) error
	GetPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	DeletePurchase(ctx context.Context, id string) error

	InsertSupplier(ctx context.Context, supplier domain.Supplier) error
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)

	CashTotals(ctx context.Context) (salesTotal decimal.Decimal, purchasesTotal decimal.Decimal, err error)
}
