package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by both *sql.DB and *sql.Tx so reads can run inside
// or outside a unit of work.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// WithTx runs fn in a READ COMMITTED transaction. Writers serialize on the
// product rows they lock with LockProducts.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		_ = pgTx.Rollback()
	}()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapError(err))
	}
	return nil
}

const productColumns = `id, name, category, price, cost, total_stock, active, promo, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.TotalStock, &p.Active, &p.Promo, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

const batchColumns = `id, seq, product_id, purchase_id, source, quantity, unit_cost, expiry_date, created_at`

func scanBatch(row rowScanner) (domain.StockBatch, error) {
	var (
		b          domain.StockBatch
		purchaseID sql.NullString
		expiry     sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.Seq, &b.ProductID, &purchaseID, &b.Source, &b.Quantity, &b.UnitCost, &expiry, &b.CreatedAt); err != nil {
		return domain.StockBatch{}, err
	}
	b.PurchaseID = purchaseID.String
	b.ExpiryDate = timePtr(expiry)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func queryBatches(ctx context.Context, q queryer, query string, args ...any) ([]domain.StockBatch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.StockBatch, 0, 16)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) ListStockBatches(ctx context.Context, productID string) ([]domain.StockBatch, error) {
	if productID == "" {
		return queryBatches(ctx, s.db, `SELECT `+batchColumns+` FROM stock_batches ORDER BY created_at, seq`)
	}
	return queryBatches(ctx, s.db, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE product_id = $1
		ORDER BY created_at, seq
	`, productID)
}

const saleColumns = `id, sale_type, total, profit, note, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	if err := row.Scan(&sale.ID, &sale.Type, &sale.Total, &sale.Profit, &sale.Note, &sale.CreatedAt); err != nil {
		return domain.Sale{}, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func getSale(ctx context.Context, q queryer, id string) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	lines, err := saleLines(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	sale.Lines = lines[id]
	if sale.Lines == nil {
		sale.Lines = []domain.SaleLine{}
	}
	return &sale, nil
}

func saleLines(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sale_id, seq, product_id, product_name, quantity, price, cost
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, seq
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.SaleLine, len(saleIDs))
	for rows.Next() {
		var (
			saleID    string
			line      domain.SaleLine
			productID sql.NullString
		)
		if err := rows.Scan(&saleID, &line.Seq, &productID, &line.ProductName, &line.Quantity, &line.Price, &line.Cost); err != nil {
			return nil, err
		}
		line.ProductID = productID.String
		out[saleID] = append(out[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, id)
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	lines, err := saleLines(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Lines = lines[sales[i].ID]
		if sales[i].Lines == nil {
			sales[i].Lines = []domain.SaleLine{}
		}
	}
	return sales, nil
}

const purchaseColumns = `id, product_id, product_name, supplier_id, supplier_name, quantity, unit_cost,
	pack_count, units_per_pack, pack_price, total_cost, expiry_date, created_at`

func scanPurchase(row rowScanner) (domain.Purchase, error) {
	var (
		p          domain.Purchase
		supplierID sql.NullString
		expiry     sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.ProductID, &p.ProductName, &supplierID, &p.SupplierName, &p.Quantity, &p.UnitCost,
		&p.PackCount, &p.UnitsPerPack, &p.PackPrice, &p.TotalCost, &expiry, &p.CreatedAt); err != nil {
		return domain.Purchase{}, err
	}
	p.SupplierID = supplierID.String
	p.ExpiryDate = timePtr(expiry)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func getPurchase(ctx context.Context, q queryer, id string) (*domain.Purchase, error) {
	p, err := scanPurchase(q.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: purchase %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	return getPurchase(ctx, s.db, id)
}

func (s *Store) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, 32)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return purchases, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, phone, created_at FROM suppliers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 16)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.CreatedAt); err != nil {
			return nil, err
		}
		sup.CreatedAt = sup.CreatedAt.UTC()
		suppliers = append(suppliers, sup)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) FindStockDrift(ctx context.Context) ([]domain.StockDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.total_stock, COALESCE(SUM(b.quantity), 0) AS batch_sum
		FROM products p
		LEFT JOIN stock_batches b ON b.product_id = p.id
		GROUP BY p.id, p.total_stock
		HAVING p.total_stock <> COALESCE(SUM(b.quantity), 0)
		ORDER BY p.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drift := make([]domain.StockDrift, 0)
	for rows.Next() {
		var d domain.StockDrift
		if err := rows.Scan(&d.ProductID, &d.TotalStock, &d.BatchSum); err != nil {
			return nil, err
		}
		drift = append(drift, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return drift, nil
}

type tx struct {
	q *sql.Tx
}

// LockProducts takes row locks in id order so concurrent units touching
// overlapping products cannot deadlock.
func (t *tx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	rows, err := t.q.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Product, len(sorted))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range sorted {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
	}
	return out, nil
}

func (t *tx) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.ID, p.Name, p.Category, p.Price, p.Cost, p.TotalStock, p.Active, p.Promo, p.CreatedAt, p.UpdatedAt)
	return mapError(err)
}

// UpdateProduct writes the descriptive fields; total_stock only moves through
// AdjustTotalStock.
func (t *tx) UpdateProduct(ctx context.Context, p domain.Product) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price = $4, cost = $5, active = $6, promo = $7, updated_at = $8
		WHERE id = $1
	`, p.ID, p.Name, p.Category, p.Price, p.Cost, p.Active, p.Promo, p.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res, "product", p.ID)
}

func (t *tx) DeleteProduct(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res, "product", id)
}

func (t *tx) ProductHasHistory(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM sale_lines WHERE product_id = $1)
		    OR EXISTS (SELECT 1 FROM purchases WHERE product_id = $1)
	`, id).Scan(&exists)
	return exists, err
}

func (t *tx) AdjustTotalStock(ctx context.Context, productID string, delta int) error {
	var total int
	err := t.q.QueryRowContext(ctx, `
		UPDATE products
		SET total_stock = total_stock + $2, updated_at = now()
		WHERE id = $1
		RETURNING total_stock
	`, productID, delta).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		return mapError(err)
	}
	return nil
}

func (t *tx) LiveBatches(ctx context.Context, productID string) ([]domain.StockBatch, error) {
	return queryBatches(ctx, t.q, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE product_id = $1
		ORDER BY created_at, seq
	`, productID)
}

func (t *tx) InsertBatch(ctx context.Context, b domain.StockBatch) (domain.StockBatch, error) {
	if b.Quantity <= 0 {
		return domain.StockBatch{}, store.Validationf("batch quantity must be positive, got %d", b.Quantity)
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO stock_batches (id, product_id, purchase_id, source, quantity, unit_cost, expiry_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq
	`, b.ID, b.ProductID, nullString(b.PurchaseID), b.Source, b.Quantity, b.UnitCost, nullTime(b.ExpiryDate), b.CreatedAt).Scan(&b.Seq)
	if err != nil {
		return domain.StockBatch{}, mapError(err)
	}
	return b, nil
}

func (t *tx) SetBatchQuantity(ctx context.Context, batchID string, qty int) error {
	if qty <= 0 {
		return store.Validationf("batch quantity must stay positive, got %d", qty)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE stock_batches SET quantity = $2 WHERE id = $1`, batchID, qty)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res, "batch", batchID)
}

func (t *tx) DeleteBatch(ctx context.Context, batchID string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM stock_batches WHERE id = $1`, batchID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res, "batch", batchID)
}

func (t *tx) DeleteProductBatches(ctx context.Context, productID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM stock_batches WHERE product_id = $1`, productID)
	return mapError(err)
}

func (t *tx) BatchByPurchase(ctx context.Context, purchaseID string) (*domain.StockBatch, error) {
	batches, err := queryBatches(ctx, t.q, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE purchase_id = $1
		FOR UPDATE
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}

func (t *tx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, sale.Type, sale.Total, sale.Profit, sale.Note, sale.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	for _, line := range sale.Lines {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, seq, product_id, product_name, quantity, price, cost)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, line.Seq, nullString(line.ProductID), line.ProductName, line.Quantity, line.Price, line.Cost)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *tx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, t.q, id)
}

func (t *tx) DeleteSale(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res, "sale", id)
}

func (t *tx) InsertPurchase(ctx context.Context, p domain.Purchase) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, p.ID, p.ProductID, p.ProductName, nullString(p.SupplierID), p.SupplierName, p.Quantity, p.UnitCost,
		p.PackCount, p.UnitsPerPack, p.PackPrice, p.TotalCost, nullTime(p.ExpiryDate), p.CreatedAt)
	return mapError(err)
}

func (t *tx) GetPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	return getPurchase(ctx, t.q, id)
}

func (t *tx) DeletePurchase(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM purchases WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res, "purchase", id)
}

func (t *tx) InsertSupplier(ctx context.Context, sup domain.Supplier) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, sup.ID, sup.Name, sup.Phone, sup.CreatedAt)
	return mapError(err)
}

func (t *tx) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var sup domain.Supplier
	err := t.q.QueryRowContext(ctx, `SELECT id, name, phone, created_at FROM suppliers WHERE id = $1`, id).
		Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	sup.CreatedAt = sup.CreatedAt.UTC()
	return &sup, nil
}

func (t *tx) CashTotals(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	var salesTotal, purchasesTotal decimal.Decimal
	err := t.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(total), 0) FROM sales),
			(SELECT COALESCE(SUM(total_cost), 0) FROM purchases)
	`).Scan(&salesTotal, &purchasesTotal)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return salesTotal, purchasesTotal, nil
}

func requireAffected(res sql.Result, kind string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, kind, id)
	}
	return nil
}

// mapError translates constraint violations into ledger errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: duplicate %s", store.ErrConflict, pgErr.ConstraintName)
	case "23503":
		return fmt.Errorf("%w: still referenced (%s)", store.ErrConflict, pgErr.ConstraintName)
	case "23514":
		return fmt.Errorf("%w: check %s violated", store.ErrConflict, pgErr.ConstraintName)
	case "22003":
		return fmt.Errorf("%w: value out of range", store.ErrValidation)
	default:
		return err
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
