package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/ledger"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/xid"
)

type state struct {
	products  map[string]domain.Product
	batches   map[string]domain.StockBatch
	sales     map[string]domain.Sale
	purchases map[string]domain.Purchase
	suppliers map[string]domain.Supplier
	seq       int64
}

func newState() *state {
	return &state{
		products:  make(map[string]domain.Product),
		batches:   make(map[string]domain.StockBatch),
		sales:     make(map[string]domain.Sale),
		purchases: make(map[string]domain.Purchase),
		suppliers: make(map[string]domain.Supplier),
	}
}

// clone copies the maps. Values are treated as immutable once stored, so
// sharing a Sale's Lines slice between snapshots is safe.
func (s *state) clone() *state {
	return &state{
		products:  maps.Clone(s.products),
		batches:   maps.Clone(s.batches),
		sales:     maps.Clone(s.sales),
		purchases: maps.Clone(s.purchases),
		suppliers: maps.Clone(s.suppliers),
		seq:       s.seq,
	}
}

// Store keeps the ledger in process memory. A unit of work runs against a
// private snapshot that replaces the committed state only when it succeeds.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	current *state
}

func New() *Store {
	return &Store{current: newState()}
}

type seedItem struct {
	name     string
	category string
	price    int64
	cost     int64
	stock    int
}

var demoCatalogue = []seedItem{
	{"Mie Goreng Instan", "grocery", 3500, 2700, 120},
	{"Telur 10 Butir", "grocery", 26500, 23000, 40},
	{"Susu UHT 1L", "dairy", 18900, 13600, 36},
	{"Roti Tawar", "bakery", 17800, 12400, 20},
	{"Kopi Sachet", "beverage", 2600, 1700, 200},
	{"Gula 1kg", "grocery", 17400, 15300, 50},
	{"Air Mineral 600ml", "beverage", 3900, 3200, 96},
	{"Sabun Mandi", "household", 7400, 5000, 48},
}

// NewSeeded returns a store with a small demo catalogue, each product holding
// one initial batch.
func NewSeeded() *Store {
	s := New()
	if err := s.seed(context.Background(), demoCatalogue, time.Now().UTC()); err != nil {
		panic(fmt.Sprintf("memory: seed demo catalogue: %v", err))
	}
	return s
}

func (s *Store) seed(ctx context.Context, items []seedItem, now time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, item := range items {
			product := domain.Product{
				ID:         xid.New("prd"),
				Name:       item.name,
				Category:   item.category,
				Price:      decimal.NewFromInt(item.price),
				Cost:       decimal.NewFromInt(item.cost),
				TotalStock: item.stock,
				Active:     true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertProduct(ctx, product); err != nil {
				return err
			}
			if _, err := tx.InsertBatch(ctx, domain.StockBatch{
				ID:        xid.New("bat"),
				ProductID: product.ID,
				Quantity:  item.stock,
				UnitCost:  product.Cost,
				Source:    domain.BatchSourceInitial,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	snapshot := s.current.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &tx{st: snapshot}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: commit aborted: %w", err)
	}

	s.mu.Lock()
	s.current = snapshot
	s.mu.Unlock()
	return nil
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	st := s.read()
	products := slices.Collect(maps.Values(st.products))
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := cmp.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	product, ok := s.read().products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return &product, nil
}

func (s *Store) ListStockBatches(_ context.Context, productID string) ([]domain.StockBatch, error) {
	st := s.read()
	batches := make([]domain.StockBatch, 0, len(st.batches))
	for _, batch := range st.batches {
		if productID != "" && batch.ProductID != productID {
			continue
		}
		batches = append(batches, batch)
	}
	ledger.SortFIFO(batches)
	return batches, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := s.read().sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	sale.Lines = slices.Clone(sale.Lines)
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	sales := slices.Collect(maps.Values(s.read().sales))
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	for i := range sales {
		sales[i].Lines = slices.Clone(sales[i].Lines)
	}
	return sales, nil
}

func (s *Store) GetPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	purchase, ok := s.read().purchases[id]
	if !ok {
		return nil, fmt.Errorf("%w: purchase %s", store.ErrNotFound, id)
	}
	return &purchase, nil
}

func (s *Store) ListPurchases(_ context.Context, limit int) ([]domain.Purchase, error) {
	purchases := slices.Collect(maps.Values(s.read().purchases))
	slices.SortFunc(purchases, func(a, b domain.Purchase) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	suppliers := slices.Collect(maps.Values(s.read().suppliers))
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return suppliers, nil
}

func (s *Store) FindStockDrift(_ context.Context) ([]domain.StockDrift, error) {
	st := s.read()
	sums := make(map[string]int, len(st.products))
	for _, batch := range st.batches {
		sums[batch.ProductID] += batch.Quantity
	}

	drift := make([]domain.StockDrift, 0)
	for id, product := range st.products {
		if sums[id] != product.TotalStock {
			drift = append(drift, domain.StockDrift{ProductID: id, TotalStock: product.TotalStock, BatchSum: sums[id]})
		}
	}
	slices.SortFunc(drift, func(a, b domain.StockDrift) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return drift, nil
}

// tx mutates a private snapshot; it is only reachable from inside WithTx.
type tx struct {
	st *state
}

func (t *tx) LockProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, ok := t.st.products[id]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		out[id] = product
	}
	return out, nil
}

func (t *tx) InsertProduct(_ context.Context, product domain.Product) error {
	if _, exists := t.st.products[product.ID]; exists {
		return store.Conflictf("product %s already exists", product.ID)
	}
	t.st.products[product.ID] = product
	return nil
}

func (t *tx) UpdateProduct(_ context.Context, product domain.Product) error {
	current, ok := t.st.products[product.ID]
	if !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}
	product.TotalStock = current.TotalStock
	t.st.products[product.ID] = product
	return nil
}

func (t *tx) DeleteProduct(_ context.Context, id string) error {
	if _, ok := t.st.products[id]; !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	for _, batch := range t.st.batches {
		if batch.ProductID == id {
			return store.Conflictf("product %s still has stock batches", id)
		}
	}
	delete(t.st.products, id)
	return nil
}

func (t *tx) ProductHasHistory(_ context.Context, id string) (bool, error) {
	for _, purchase := range t.st.purchases {
		if purchase.ProductID == id {
			return true, nil
		}
	}
	for _, sale := range t.st.sales {
		for _, line := range sale.Lines {
			if line.ProductID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *tx) AdjustTotalStock(_ context.Context, productID string, delta int) error {
	product, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	if product.TotalStock+delta < 0 {
		return store.Conflictf("total stock of product %s would become %d", productID, product.TotalStock+delta)
	}
	product.TotalStock += delta
	t.st.products[productID] = product
	return nil
}

func (t *tx) LiveBatches(_ context.Context, productID string) ([]domain.StockBatch, error) {
	batches := make([]domain.StockBatch, 0)
	for _, batch := range t.st.batches {
		if batch.ProductID == productID {
			batches = append(batches, batch)
		}
	}
	ledger.SortFIFO(batches)
	return batches, nil
}

func (t *tx) InsertBatch(_ context.Context, batch domain.StockBatch) (domain.StockBatch, error) {
	if batch.Quantity <= 0 {
		return domain.StockBatch{}, store.Validationf("batch quantity must be positive, got %d", batch.Quantity)
	}
	if _, ok := t.st.products[batch.ProductID]; !ok {
		return domain.StockBatch{}, fmt.Errorf("%w: product %s", store.ErrNotFound, batch.ProductID)
	}
	if _, exists := t.st.batches[batch.ID]; exists {
		return domain.StockBatch{}, store.Conflictf("batch %s already exists", batch.ID)
	}
	t.st.seq++
	batch.Seq = t.st.seq
	t.st.batches[batch.ID] = batch
	return batch, nil
}

func (t *tx) SetBatchQuantity(_ context.Context, batchID string, qty int) error {
	batch, ok := t.st.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %s", store.ErrNotFound, batchID)
	}
	if qty <= 0 {
		return store.Validationf("batch quantity must stay positive, got %d", qty)
	}
	batch.Quantity = qty
	t.st.batches[batchID] = batch
	return nil
}

func (t *tx) DeleteBatch(_ context.Context, batchID string) error {
	if _, ok := t.st.batches[batchID]; !ok {
		return fmt.Errorf("%w: batch %s", store.ErrNotFound, batchID)
	}
	delete(t.st.batches, batchID)
	return nil
}

func (t *tx) DeleteProductBatches(_ context.Context, productID string) error {
	maps.DeleteFunc(t.st.batches, func(_ string, batch domain.StockBatch) bool {
		return batch.ProductID == productID
	})
	return nil
}

func (t *tx) BatchByPurchase(_ context.Context, purchaseID string) (*domain.StockBatch, error) {
	for _, batch := range t.st.batches {
		if batch.PurchaseID == purchaseID {
			return &batch, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.st.sales[sale.ID]; exists {
		return store.Conflictf("sale %s already exists", sale.ID)
	}
	sale.Lines = slices.Clone(sale.Lines)
	t.st.sales[sale.ID] = sale
	return nil
}

func (t *tx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := t.st.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	sale.Lines = slices.Clone(sale.Lines)
	return &sale, nil
}

func (t *tx) DeleteSale(_ context.Context, id string) error {
	if _, ok := t.st.sales[id]; !ok {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	delete(t.st.sales, id)
	return nil
}

func (t *tx) InsertPurchase(_ context.Context, purchase domain.Purchase) error {
	if _, exists := t.st.purchases[purchase.ID]; exists {
		return store.Conflictf("purchase %s already exists", purchase.ID)
	}
	t.st.purchases[purchase.ID] = purchase
	return nil
}

func (t *tx) GetPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	purchase, ok := t.st.purchases[id]
	if !ok {
		return nil, fmt.Errorf("%w: purchase %s", store.ErrNotFound, id)
	}
	return &purchase, nil
}

func (t *tx) DeletePurchase(_ context.Context, id string) error {
	if _, ok := t.st.purchases[id]; !ok {
		return fmt.Errorf("%w: purchase %s", store.ErrNotFound, id)
	}
	for _, batch := range t.st.batches {
		if batch.PurchaseID == id {
			return store.Conflictf("purchase %s still backs batch %s", id, batch.ID)
		}
	}
	delete(t.st.purchases, id)
	return nil
}

func (t *tx) InsertSupplier(_ context.Context, supplier domain.Supplier) error {
	if _, exists := t.st.suppliers[supplier.ID]; exists {
		return store.Conflictf("supplier %s already exists", supplier.ID)
	}
	t.st.suppliers[supplier.ID] = supplier
	return nil
}

func (t *tx) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	supplier, ok := t.st.suppliers[id]
	if !ok {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, id)
	}
	return &supplier, nil
}

func (t *tx) CashTotals(_ context.Context) (decimal.Decimal, decimal.Decimal, error) {
	salesTotal := decimal.Zero
	for _, sale := range t.st.sales {
		salesTotal = salesTotal.Add(sale.Total)
	}
	purchasesTotal := decimal.Zero
	for _, purchase := range t.st.purchases {
		purchasesTotal = purchasesTotal.Add(purchase.TotalCost)
	}
	return salesTotal, purchasesTotal, nil
}
