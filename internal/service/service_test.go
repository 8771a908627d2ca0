package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"tokostok/backend/internal/cache"
	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/lock"
	"tokostok/backend/internal/observability"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/store/memory"
)

// stepClock advances one second on every reading so batches created in a
// test get distinct, increasing timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc   *Service
	repo  *memory.Store
	clock *stepClock
	hook  *test.Hook
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	clock := &stepClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	repo := memory.New()
	opts := Options{
		Logger:  logger,
		Locker:  lock.NewKeyedMutex(2 * time.Second),
		Metrics: observability.NewMetrics(),
		Clock:   clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &fixture{svc: New(repo, opts), repo: repo, clock: clock, hook: hook}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// product creates a product and stocks it with one manual batch per
// (quantity, unit cost) pair, oldest first.
func (f *fixture) product(t *testing.T, price string, layers ...stockLayer) domain.Product {
	t.Helper()
	p, err := f.svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Name:     "Kopi Sachet",
		Category: "beverage",
		Price:    dec(price),
		Cost:     dec("0"),
	})
	require.NoError(t, err)
	for _, l := range layers {
		_, err := f.svc.AddStock(context.Background(), p.ID, domain.AddStockRequest{Quantity: l.qty, UnitCost: dec(l.cost)})
		require.NoError(t, err)
	}
	got, err := f.svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}

type stockLayer struct {
	qty  int
	cost string
}

func layer(qty int, cost string) stockLayer {
	return stockLayer{qty: qty, cost: cost}
}

// requireConsistent checks that every product's total stock equals the sum
// of its live batches and that no empty batch survives.
func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	drift, err := f.svc.VerifyStockIntegrity(context.Background())
	require.NoError(t, err)
	require.Empty(t, drift)

	batches, err := f.repo.ListStockBatches(context.Background(), "")
	require.NoError(t, err)
	for _, b := range batches {
		require.Positive(t, b.Quantity, "batch %s", b.ID)
	}
}

type ledgerSnapshot struct {
	products []domain.Product
	batches  []domain.StockBatch
	sales    []domain.Sale
}

func (f *fixture) snapshot(t *testing.T) ledgerSnapshot {
	t.Helper()
	ctx := context.Background()
	products, err := f.repo.ListProducts(ctx)
	require.NoError(t, err)
	batches, err := f.repo.ListStockBatches(ctx, "")
	require.NoError(t, err)
	sales, err := f.repo.ListSales(ctx, 0)
	require.NoError(t, err)
	return ledgerSnapshot{products: products, batches: batches, sales: sales}
}

func TestRecordSaleConsumesOldestBatchesFirst(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "500", layer(4, "100"), layer(6, "200"), layer(7, "300"))
	require.Equal(t, 17, p.TotalStock)

	sale, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 4 + 2}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.SaleTypeRetail, sale.Type)

	batches, err := f.svc.ListStockBatches(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, 4, batches[0].Quantity)
	requireDecimal(t, "200", batches[0].UnitCost)
	require.Equal(t, 7, batches[1].Quantity)
	requireDecimal(t, "300", batches[1].UnitCost)

	line := sale.Lines[0]
	requireDecimal(t, "133.3333", line.Cost)
	requireDecimal(t, "500", line.Price)
	requireDecimal(t, "3000", sale.Total)
	requireDecimal(t, line.Price.Sub(line.Cost).Mul(decimal.NewFromInt(6)).String(), sale.Profit)

	got, err := f.svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 11, got.TotalStock)
	f.requireConsistent(t)
}

func TestRecordSaleWeightedAverageCost(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "250", layer(5, "100"), layer(10, "200"))

	sale, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 8}},
	})
	require.NoError(t, err)
	requireDecimal(t, "137.5", sale.Lines[0].Cost)
	requireDecimal(t, "2000", sale.Total)
	requireDecimal(t, "900", sale.Profit)
	f.requireConsistent(t)
}

func TestRecordSaleUsesGivenPriceAndType(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "250", layer(10, "100"))

	sale, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Type:  domain.SaleTypeDisplay,
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 3, Price: decPtr("180")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.SaleTypeDisplay, sale.Type)
	requireDecimal(t, "540", sale.Total)
	requireDecimal(t, "240", sale.Profit)

	stored, err := f.svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, sale.Lines, stored.Lines)
}

func TestRecordSaleInsufficientStockLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "300", layer(5, "100"))
	b := f.product(t, "300", layer(3, "100"), layer(4, "150"))

	req := domain.SaleRequest{Lines: []domain.SaleLineRequest{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 8},
	}}
	before := f.snapshot(t)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := f.svc.RecordSale(context.Background(), req)
		require.ErrorIs(t, err, store.ErrInsufficientStock)

		var shortfall *store.InsufficientStockError
		require.ErrorAs(t, err, &shortfall)
		require.Equal(t, b.ID, shortfall.ProductID)
		require.Equal(t, 8, shortfall.Requested)
		require.Equal(t, 7, shortfall.Available)

		require.Equal(t, before, f.snapshot(t))
	}
	f.requireConsistent(t)
}

func TestRecordSaleValidationHappensBeforeStoreAccess(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(5, "100"))
	before := f.snapshot(t)

	cases := map[string]domain.SaleRequest{
		"no lines":          {},
		"zero quantity":     {Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 0}}},
		"negative quantity": {Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: -1}}},
		"missing product":   {Lines: []domain.SaleLineRequest{{Quantity: 1}}},
		"unknown type":      {Type: "bulk", Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 1}}},
		"negative price":    {Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 1, Price: decPtr("-1")}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RecordSale(context.Background(), req)
			require.ErrorIs(t, err, store.ErrValidation)
		})
	}
	require.Equal(t, before, f.snapshot(t))
}

func TestRecordSaleRejectsUnknownAndInactiveProducts(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(5, "100"))

	_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: "prd-missing", Quantity: 1}},
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	inactive := false
	_, err = f.svc.UpdateProduct(context.Background(), p.ID, domain.ProductUpdateRequest{Active: &inactive})
	require.NoError(t, err)

	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, store.ErrValidation)
	f.requireConsistent(t)
}

func TestRecordSaleSameProductOnTwoLines(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(5, "100"), layer(10, "200"))

	sale, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{Lines: []domain.SaleLineRequest{
		{ProductID: p.ID, Quantity: 4},
		{ProductID: p.ID, Quantity: 4},
	}})
	require.NoError(t, err)
	requireDecimal(t, "100", sale.Lines[0].Cost)
	requireDecimal(t, "175", sale.Lines[1].Cost)

	got, err := f.svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 7, got.TotalStock)
	f.requireConsistent(t)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t)

	for round := 0; round < 10; round++ {
		p := f.product(t, "300", layer(10, "100"))

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.RecordSale(context.Background(), domain.SaleRequest{
					Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 6}},
				})
			}(i)
		}
		close(start)
		wg.Wait()

		succeeded, short := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				short++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, succeeded)
		require.Equal(t, 1, short)

		got, err := f.svc.GetProduct(context.Background(), p.ID)
		require.NoError(t, err)
		require.Equal(t, 4, got.TotalStock)
	}
	f.requireConsistent(t)
}

func TestRecordSaleFailsFastWhenProductIsLocked(t *testing.T) {
	locker := lock.NewKeyedMutex(30 * time.Millisecond)
	f := newFixture(t, func(o *Options) { o.Locker = locker })
	p := f.product(t, "300", layer(10, "100"))

	release, err := locker.Acquire(context.Background(), lock.ProductKey(p.ID))
	require.NoError(t, err)
	defer release()

	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, lock.ErrNotObtained)
}

func TestDeleteSaleRestoresStockAsNewestBatch(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(2, "90"), layer(3, "140"))

	sale, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 5}},
	})
	require.NoError(t, err)
	requireDecimal(t, "120", sale.Lines[0].Cost)

	_, err = f.svc.AddStock(context.Background(), p.ID, domain.AddStockRequest{Quantity: 4, UnitCost: dec("200")})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSale(context.Background(), sale.ID))

	got, err := f.svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 9, got.TotalStock)

	batches, err := f.svc.ListStockBatches(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	requireDecimal(t, "200", batches[0].UnitCost)
	restored := batches[1]
	require.Equal(t, domain.BatchSourceReversal, restored.Source)
	require.Equal(t, 5, restored.Quantity)
	requireDecimal(t, "120", restored.UnitCost)
	require.Empty(t, restored.PurchaseID)
	require.True(t, restored.CreatedAt.After(sale.CreatedAt))

	_, err = f.svc.GetSale(context.Background(), sale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	f.requireConsistent(t)
}

func TestDeleteSaleUnknown(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.svc.DeleteSale(context.Background(), "sal-missing"), store.ErrNotFound)
	require.ErrorIs(t, f.svc.DeleteSale(context.Background(), " "), store.ErrValidation)
}

func TestDeletePurchaseGuard(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300")

	consumed, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID: p.ID, Quantity: 10, UnitCost: decPtr("100"),
	})
	require.NoError(t, err)
	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 3}},
	})
	require.NoError(t, err)

	before := f.snapshot(t)
	require.ErrorIs(t, f.svc.DeletePurchase(context.Background(), consumed.ID), store.ErrConflict)
	require.Equal(t, before, f.snapshot(t))

	intact, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID: p.ID, Quantity: 6, UnitCost: decPtr("120"),
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeletePurchase(context.Background(), intact.ID))

	got, err := f.svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 7, got.TotalStock)

	_, err = f.svc.GetPurchase(context.Background(), intact.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, f.svc.DeletePurchase(context.Background(), intact.ID), store.ErrNotFound)
	f.requireConsistent(t)
}

func TestDeletePurchaseAfterBatchFullySold(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300")

	purchase, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID: p.ID, Quantity: 2, UnitCost: decPtr("100"),
	})
	require.NoError(t, err)
	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeletePurchase(context.Background(), purchase.ID), store.ErrConflict)
}

func TestRecordPurchaseNormalizesPacks(t *testing.T) {
	f := newFixture(t)
	supplier, err := f.svc.CreateSupplier(context.Background(), domain.SupplierCreateRequest{Name: " CV Sumber Rejeki ", Phone: "0812"})
	require.NoError(t, err)
	require.Equal(t, "CV Sumber Rejeki", supplier.Name)
	p := f.product(t, "3000")

	purchase, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID:    p.ID,
		SupplierID:   supplier.ID,
		PackCount:    3,
		UnitsPerPack: 12,
		PackPrice:    decPtr("30000"),
		ExpiryDate:   "2027-01-31",
	})
	require.NoError(t, err)
	require.Equal(t, 36, purchase.Quantity)
	requireDecimal(t, "2500", purchase.UnitCost)
	requireDecimal(t, "90000", purchase.TotalCost)
	require.Equal(t, supplier.Name, purchase.SupplierName)
	require.NotNil(t, purchase.ExpiryDate)

	batches, err := f.svc.ListStockBatches(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, purchase.ID, batches[0].PurchaseID)
	require.Equal(t, domain.BatchSourcePurchase, batches[0].Source)
	require.Equal(t, 36, batches[0].Quantity)

	got, err := f.svc.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 36, got.TotalStock)
	requireDecimal(t, "2500", got.Cost)
	f.requireConsistent(t)
}

func TestRecordPurchaseRoundsUnevenPackCost(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "5000")

	purchase, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID: p.ID, PackCount: 2, UnitsPerPack: 3, PackPrice: decPtr("10000"),
	})
	require.NoError(t, err)
	requireDecimal(t, "3333.3333", purchase.UnitCost)
	requireDecimal(t, "20000", purchase.TotalCost)
}

func TestRecordPurchaseRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300")
	before := f.snapshot(t)

	cases := map[string]domain.PurchaseRequest{
		"no quantity":       {ProductID: p.ID, UnitCost: decPtr("10")},
		"no unit cost":      {ProductID: p.ID, Quantity: 3},
		"negative cost":     {ProductID: p.ID, Quantity: 3, UnitCost: decPtr("-1")},
		"incomplete pack":   {ProductID: p.ID, PackCount: 2, PackPrice: decPtr("100")},
		"unit and pack":     {ProductID: p.ID, PackCount: 2, UnitsPerPack: 5, PackPrice: decPtr("100"), UnitCost: decPtr("20")},
		"mismatched pack":   {ProductID: p.ID, Quantity: 9, PackCount: 2, UnitsPerPack: 5, PackPrice: decPtr("100")},
		"bad expiry":        {ProductID: p.ID, Quantity: 3, UnitCost: decPtr("10"), ExpiryDate: "31/01/2027"},
		"missing product":   {Quantity: 3, UnitCost: decPtr("10")},
		"negative packs":    {ProductID: p.ID, PackCount: -1, UnitsPerPack: 5, PackPrice: decPtr("100")},
		"negative quantity": {ProductID: p.ID, Quantity: -3, UnitCost: decPtr("10")},
		"huge packs":        {ProductID: p.ID, PackCount: 1<<32 + 1, UnitsPerPack: 1<<32 + 1, PackPrice: decPtr("10")},
		"pack product":      {ProductID: p.ID, PackCount: 1001, UnitsPerPack: 1000, PackPrice: decPtr("10")},
		"huge quantity":     {ProductID: p.ID, Quantity: domain.MaxQuantity + 1, UnitCost: decPtr("10")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RecordPurchase(context.Background(), req)
			require.ErrorIs(t, err, store.ErrValidation)
		})
	}

	_, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID: p.ID, SupplierID: "sup-missing", Quantity: 3, UnitCost: decPtr("10"),
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, before, f.snapshot(t))
}

func TestNormalizePurchasePackBounds(t *testing.T) {
	n, err := normalizePurchase(domain.PurchaseRequest{PackCount: 1000, UnitsPerPack: 1000, PackPrice: decPtr("12")})
	require.NoError(t, err)
	require.Equal(t, domain.MaxQuantity, n.quantity)
	requireDecimal(t, "12000", n.totalCost)
	requireDecimal(t, "0.012", n.unitCost)

	_, err = normalizePurchase(domain.PurchaseRequest{PackCount: 1 << 32, UnitsPerPack: 1 << 32, PackPrice: decPtr("10")})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestQuantityUpperBounds(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(1, "100"))

	_, err := f.svc.AddStock(context.Background(), p.ID, domain.AddStockRequest{Quantity: domain.MaxQuantity + 1, UnitCost: dec("1")})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: domain.MaxQuantity + 1}},
	})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Name: "Gula", Category: "grocery", Price: dec("1"), Cost: dec("1"), InitialStock: domain.MaxQuantity + 1,
	})
	require.ErrorIs(t, err, store.ErrValidation)
	f.requireConsistent(t)
}

func TestAddStockValidation(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300")

	_, err := f.svc.AddStock(context.Background(), p.ID, domain.AddStockRequest{Quantity: 0, UnitCost: dec("1")})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.AddStock(context.Background(), p.ID, domain.AddStockRequest{Quantity: 2, UnitCost: dec("-1")})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.AddStock(context.Background(), "prd-missing", domain.AddStockRequest{Quantity: 2, UnitCost: dec("1")})
	require.ErrorIs(t, err, store.ErrNotFound)

	batch, err := f.svc.AddStock(context.Background(), p.ID, domain.AddStockRequest{Quantity: 2, UnitCost: dec("0")})
	require.NoError(t, err)
	require.Equal(t, domain.BatchSourceManual, batch.Source)
	f.requireConsistent(t)
}

func TestCreateProductWithInitialStock(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Name:         "Gula 1kg",
		Category:     "grocery",
		Price:        dec("17400"),
		Cost:         dec("15300"),
		InitialStock: 12,
	})
	require.NoError(t, err)
	require.Equal(t, 12, p.TotalStock)
	require.True(t, p.Active)

	batches, err := f.svc.ListStockBatches(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, domain.BatchSourceInitial, batches[0].Source)
	requireDecimal(t, "15300", batches[0].UnitCost)

	_, err = f.svc.CreateProduct(context.Background(), domain.ProductCreateRequest{Name: "  ", Category: "x", Price: dec("1")})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.CreateProduct(context.Background(), domain.ProductCreateRequest{Name: "x", Category: "x", Price: dec("-1")})
	require.ErrorIs(t, err, store.ErrValidation)
	f.requireConsistent(t)
}

func TestUpdateProductNeverTouchesStock(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(5, "100"))

	name := "Kopi Sachet Mix"
	updated, err := f.svc.UpdateProduct(context.Background(), p.ID, domain.ProductUpdateRequest{Name: &name, Price: decPtr("350")})
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)
	requireDecimal(t, "350", updated.Price)
	require.Equal(t, 5, updated.TotalStock)

	blank := " "
	_, err = f.svc.UpdateProduct(context.Background(), p.ID, domain.ProductUpdateRequest{Name: &blank})
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.svc.UpdateProduct(context.Background(), "prd-missing", domain.ProductUpdateRequest{Name: &name})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteProduct(t *testing.T) {
	f := newFixture(t)
	sold := f.product(t, "300", layer(5, "100"))
	unused := f.product(t, "300", layer(5, "100"))

	_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: sold.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteProduct(context.Background(), sold.ID), store.ErrConflict)

	require.NoError(t, f.svc.DeleteProduct(context.Background(), unused.ID))
	_, err = f.svc.GetProduct(context.Background(), unused.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	batches, err := f.repo.ListStockBatches(context.Background(), unused.ID)
	require.NoError(t, err)
	require.Empty(t, batches)
	f.requireConsistent(t)
}

func TestReconcileCashBooksDifference(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.OpeningCashBalance = dec("100000") })
	p := f.product(t, "5000")

	_, err := f.svc.RecordPurchase(context.Background(), domain.PurchaseRequest{
		ProductID: p.ID, Quantity: 10, UnitCost: decPtr("1000"),
	})
	require.NoError(t, err)
	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	batchesBefore, err := f.repo.ListStockBatches(context.Background(), "")
	require.NoError(t, err)

	result, err := f.svc.ReconcileCash(context.Background(), domain.CashReconcileRequest{PhysicalAmount: dec("99000")})
	require.NoError(t, err)
	requireDecimal(t, "100000", result.Expected)
	requireDecimal(t, "99000", result.Actual)
	requireDecimal(t, "-1000", result.Difference)
	require.NotEmpty(t, result.CorrectionSaleID)

	correction, err := f.svc.GetSale(context.Background(), result.CorrectionSaleID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleTypeOpname, correction.Type)
	require.Len(t, correction.Lines, 1)
	require.Empty(t, correction.Lines[0].ProductID)
	require.Equal(t, 1, correction.Lines[0].Quantity)
	requireDecimal(t, "-1000", correction.Lines[0].Price)
	requireDecimal(t, "0", correction.Lines[0].Cost)

	again, err := f.svc.ReconcileCash(context.Background(), domain.CashReconcileRequest{PhysicalAmount: dec("99000")})
	require.NoError(t, err)
	require.True(t, again.Difference.IsZero())
	require.Empty(t, again.CorrectionSaleID)

	batchesAfter, err := f.repo.ListStockBatches(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, batchesBefore, batchesAfter)

	// Reversing a correction restores no stock.
	require.NoError(t, f.svc.DeleteSale(context.Background(), result.CorrectionSaleID))
	batchesAfter, err = f.repo.ListStockBatches(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, batchesBefore, batchesAfter)
	f.requireConsistent(t)
}

func TestReconcileCashOpeningBalanceOverride(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.ReconcileCash(context.Background(), domain.CashReconcileRequest{
		PhysicalAmount: dec("50000"),
		OpeningBalance: decPtr("50000"),
	})
	require.NoError(t, err)
	require.True(t, result.Difference.IsZero())

	_, err = f.svc.ReconcileCash(context.Background(), domain.CashReconcileRequest{PhysicalAmount: dec("-1")})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestVerifyStockIntegrityReportsDrift(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "300", layer(5, "100"))
	f.requireConsistent(t)

	err := f.repo.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.AdjustTotalStock(ctx, p.ID, 2)
	})
	require.NoError(t, err)

	drift, err := f.svc.VerifyStockIntegrity(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.StockDrift{{ProductID: p.ID, TotalStock: 7, BatchSum: 5}}, drift)
	require.Equal(t, logrus.ErrorLevel, f.hook.LastEntry().Level)
	require.Equal(t, p.ID, f.hook.LastEntry().Data["product_id"])
}

func TestListProductsThroughRedisCacheSeesWrites(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, func(o *Options) {
		o.Cache = cache.NewRedisProductCache(client, time.Minute, nil)
	})
	p := f.product(t, "300", layer(5, "100"))

	products, err := f.svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, 5, products[0].TotalStock)

	_, err = f.svc.RecordSale(context.Background(), domain.SaleRequest{
		Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	products, err = f.svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, products[0].TotalStock)
}

func TestLedgerInvariantAcrossMixedOperations(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", layer(3, "400"))
	ctx := context.Background()

	purchase, err := f.svc.RecordPurchase(ctx, domain.PurchaseRequest{ProductID: p.ID, Quantity: 8, UnitCost: decPtr("450")})
	require.NoError(t, err)
	f.requireConsistent(t)

	first, err := f.svc.RecordSale(ctx, domain.SaleRequest{Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 5}}})
	require.NoError(t, err)
	f.requireConsistent(t)

	_, err = f.svc.RecordSale(ctx, domain.SaleRequest{Lines: []domain.SaleLineRequest{{ProductID: p.ID, Quantity: 50}}})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	f.requireConsistent(t)

	require.ErrorIs(t, f.svc.DeletePurchase(ctx, purchase.ID), store.ErrConflict)
	f.requireConsistent(t)

	require.NoError(t, f.svc.DeleteSale(ctx, first.ID))
	f.requireConsistent(t)

	got, err := f.svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 11, got.TotalStock)

	sales, err := f.svc.ListSales(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, sales)
	purchases, err := f.svc.ListPurchases(ctx, 0)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
}
