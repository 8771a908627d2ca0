package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.cache.Products(ctx, s.repo.ListProducts)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id, err := requireID("product", id)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct registers a product. Initial stock becomes an "initial" batch
// in the same unit of work.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.Validationf("name and category must not be blank")
	}

	now := s.now()
	product := domain.Product{
		ID:        xid.New("prd"),
		Name:      req.Name,
		Category:  req.Category,
		Price:     req.Price,
		Cost:      req.Cost,
		Active:    true,
		Promo:     req.Promo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	initialCost := req.Cost
	if req.InitialCost != nil {
		initialCost = *req.InitialCost
	}

	err := s.writeUnit(ctx, "create_product", []string{product.ID}, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		if req.InitialStock == 0 {
			return nil
		}
		if _, err := tx.InsertBatch(ctx, domain.StockBatch{
			ID:        xid.New("bat"),
			ProductID: product.ID,
			Quantity:  req.InitialStock,
			UnitCost:  initialCost,
			Source:    domain.BatchSourceInitial,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AdjustTotalStock(ctx, product.ID, req.InitialStock)
	})
	if err != nil {
		return domain.Product{}, err
	}

	product.TotalStock = req.InitialStock
	s.invalidateProducts(ctx)
	s.opLogger(ctx, "create_product").WithField("product_id", product.ID).Info("product created")
	return product, nil
}

// UpdateProduct applies a patch of descriptive fields. Stock is never set
// through this path.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	id, err := requireID("product", id)
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.Product{}, err
	}

	var updated domain.Product
	err = s.writeUnit(ctx, "update_product", []string{id}, func(ctx context.Context, tx store.Tx) error {
		products, err := tx.LockProducts(ctx, []string{id})
		if err != nil {
			return err
		}
		updated = products[id]
		if err := applyProductPatch(&updated, req); err != nil {
			return err
		}
		updated.UpdatedAt = s.now()
		return tx.UpdateProduct(ctx, updated)
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateProducts(ctx)
	return updated, nil
}

func applyProductPatch(product *domain.Product, req domain.ProductUpdateRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return store.Validationf("name must not be blank")
		}
		product.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return store.Validationf("category must not be blank")
		}
		product.Category = category
	}
	if req.Price != nil {
		product.Price = *req.Price
	}
	if req.Cost != nil {
		product.Cost = *req.Cost
	}
	if req.Active != nil {
		product.Active = *req.Active
	}
	if req.Promo != nil {
		product.Promo = *req.Promo
	}
	return nil
}

// DeleteProduct removes a product that no sale or purchase references,
// together with its remaining stock batches.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	id, err := requireID("product", id)
	if err != nil {
		return err
	}

	err = s.writeUnit(ctx, "delete_product", []string{id}, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockProducts(ctx, []string{id}); err != nil {
			return err
		}
		hasHistory, err := tx.ProductHasHistory(ctx, id)
		if err != nil {
			return err
		}
		if hasHistory {
			return store.Conflictf("product %s is referenced by sales or purchases", id)
		}
		if err := tx.DeleteProductBatches(ctx, id); err != nil {
			return err
		}
		return tx.DeleteProduct(ctx, id)
	})
	if err != nil {
		return err
	}

	s.invalidateProducts(ctx)
	s.opLogger(ctx, "delete_product").WithField("product_id", id).Info("product deleted")
	return nil
}

// AddStock records a manual intake without a purchase.
func (s *Service) AddStock(ctx context.Context, productID string, req domain.AddStockRequest) (domain.StockBatch, error) {
	productID, err := requireID("product", productID)
	if err != nil {
		return domain.StockBatch{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.StockBatch{}, err
	}
	expiry, err := parseExpiry(req.ExpiryDate)
	if err != nil {
		return domain.StockBatch{}, err
	}

	var created domain.StockBatch
	err = s.writeUnit(ctx, "add_stock", []string{productID}, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockProducts(ctx, []string{productID}); err != nil {
			return err
		}
		batch, err := tx.InsertBatch(ctx, domain.StockBatch{
			ID:         xid.New("bat"),
			ProductID:  productID,
			Quantity:   req.Quantity,
			UnitCost:   req.UnitCost.Round(domain.CostScale),
			Source:     domain.BatchSourceManual,
			ExpiryDate: expiry,
			CreatedAt:  s.now(),
		})
		if err != nil {
			return err
		}
		created = batch
		return tx.AdjustTotalStock(ctx, productID, req.Quantity)
	})
	if err != nil {
		return domain.StockBatch{}, err
	}

	s.invalidateProducts(ctx)
	s.opLogger(ctx, "add_stock").WithFields(logrus.Fields{
		"product_id": productID,
		"batch_id":   created.ID,
		"quantity":   created.Quantity,
	}).Info("stock added")
	return created, nil
}

// ListStockBatches returns live batches oldest first, for one product or all.
func (s *Service) ListStockBatches(ctx context.Context, productID string) ([]domain.StockBatch, error) {
	productID = strings.TrimSpace(productID)
	if productID != "" {
		if _, err := s.repo.GetProduct(ctx, productID); err != nil {
			return nil, err
		}
	}
	return s.repo.ListStockBatches(ctx, productID)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.Supplier{}, err
	}
	supplier := domain.Supplier{
		ID:        xid.New("sup"),
		Name:      strings.TrimSpace(req.Name),
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: s.now(),
	}
	if supplier.Name == "" {
		return domain.Supplier{}, store.Validationf("name must not be blank")
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSupplier(ctx, supplier)
	})
	if err != nil {
		s.reject(ctx, "create_supplier", err)
		return domain.Supplier{}, err
	}
	return supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func lineAmount(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty)))
}
