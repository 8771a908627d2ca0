package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/xid"
)

type normalizedPurchase struct {
	quantity     int
	unitCost     decimal.Decimal
	totalCost    decimal.Decimal
	packCount    int
	unitsPerPack int
	packPrice    decimal.Decimal
}

// normalizePurchase turns unit or pack input into units and a per-unit cost.
func normalizePurchase(req domain.PurchaseRequest) (normalizedPurchase, error) {
	packInput := req.PackCount > 0 || req.UnitsPerPack > 0 || req.PackPrice != nil
	if !packInput {
		if req.Quantity <= 0 {
			return normalizedPurchase{}, store.Validationf("quantity must be positive")
		}
		if req.UnitCost == nil {
			return normalizedPurchase{}, store.Validationf("unit_cost is required")
		}
		unitCost := req.UnitCost.Round(domain.CostScale)
		return normalizedPurchase{
			quantity:  req.Quantity,
			unitCost:  unitCost,
			totalCost: lineAmount(*req.UnitCost, req.Quantity),
			packPrice: decimal.Zero,
		}, nil
	}

	if req.PackCount <= 0 || req.UnitsPerPack <= 0 || req.PackPrice == nil {
		return normalizedPurchase{}, store.Validationf("pack input needs pack_count, units_per_pack and pack_price")
	}
	if req.UnitCost != nil {
		return normalizedPurchase{}, store.Validationf("give either unit_cost or pack input, not both")
	}
	if req.PackCount > domain.MaxQuantity/req.UnitsPerPack {
		return normalizedPurchase{}, store.Validationf("%d packs of %d exceed %d units", req.PackCount, req.UnitsPerPack, domain.MaxQuantity)
	}
	quantity := req.PackCount * req.UnitsPerPack
	if req.Quantity != 0 && req.Quantity != quantity {
		return normalizedPurchase{}, store.Validationf("quantity %d does not match %d packs of %d", req.Quantity, req.PackCount, req.UnitsPerPack)
	}
	return normalizedPurchase{
		quantity:     quantity,
		unitCost:     req.PackPrice.Div(decimal.NewFromInt(int64(req.UnitsPerPack))).Round(domain.CostScale),
		totalCost:    lineAmount(*req.PackPrice, req.PackCount),
		packCount:    req.PackCount,
		unitsPerPack: req.UnitsPerPack,
		packPrice:    *req.PackPrice,
	}, nil
}

// RecordPurchase receives goods: the purchase, its batch and the stock
// increment are written together. The product's reference cost follows the
// latest purchase.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.Purchase, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.Purchase{}, err
	}
	n, err := normalizePurchase(req)
	if err != nil {
		return domain.Purchase{}, err
	}
	expiry, err := parseExpiry(req.ExpiryDate)
	if err != nil {
		return domain.Purchase{}, err
	}

	var purchase domain.Purchase
	err = s.writeUnit(ctx, "record_purchase", []string{req.ProductID}, func(ctx context.Context, tx store.Tx) error {
		products, err := tx.LockProducts(ctx, []string{req.ProductID})
		if err != nil {
			return err
		}
		product := products[req.ProductID]

		now := s.now()
		purchase = domain.Purchase{
			ID:           xid.New("pur"),
			ProductID:    product.ID,
			ProductName:  product.Name,
			Quantity:     n.quantity,
			UnitCost:     n.unitCost,
			PackCount:    n.packCount,
			UnitsPerPack: n.unitsPerPack,
			PackPrice:    n.packPrice,
			TotalCost:    n.totalCost,
			ExpiryDate:   expiry,
			CreatedAt:    now,
		}
		if req.SupplierID != "" {
			supplier, err := tx.GetSupplier(ctx, req.SupplierID)
			if err != nil {
				return err
			}
			purchase.SupplierID = supplier.ID
			purchase.SupplierName = supplier.Name
		}

		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return err
		}
		if _, err := tx.InsertBatch(ctx, domain.StockBatch{
			ID:         xid.New("bat"),
			ProductID:  product.ID,
			Quantity:   n.quantity,
			UnitCost:   n.unitCost,
			PurchaseID: purchase.ID,
			Source:     domain.BatchSourcePurchase,
			ExpiryDate: expiry,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.AdjustTotalStock(ctx, product.ID, n.quantity); err != nil {
			return err
		}
		product.Cost = n.unitCost
		product.UpdatedAt = now
		return tx.UpdateProduct(ctx, product)
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	s.metrics.PurchaseRecorded()
	s.invalidateProducts(ctx)
	s.opLogger(ctx, "record_purchase").WithFields(logrus.Fields{
		"purchase_id": purchase.ID,
		"product_id":  purchase.ProductID,
		"quantity":    purchase.Quantity,
	}).Info("purchase recorded")
	return purchase, nil
}

// DeletePurchase undoes a purchase whose batch is still untouched. Once any
// unit of the batch has been sold the purchase can no longer be deleted.
func (s *Service) DeletePurchase(ctx context.Context, id string) error {
	id, err := requireID("purchase", id)
	if err != nil {
		return err
	}
	existing, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return err
	}

	err = s.writeUnit(ctx, "delete_purchase", []string{existing.ProductID}, func(ctx context.Context, tx store.Tx) error {
		purchase, err := tx.GetPurchase(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.LockProducts(ctx, []string{purchase.ProductID}); err != nil {
			return err
		}
		batch, err := tx.BatchByPurchase(ctx, id)
		if err != nil {
			return err
		}
		if batch == nil || batch.Quantity != purchase.Quantity {
			return store.Conflictf("purchase %s has been partly or fully sold", id)
		}
		if err := tx.DeleteBatch(ctx, batch.ID); err != nil {
			return err
		}
		if err := tx.DeletePurchase(ctx, id); err != nil {
			return err
		}
		return tx.AdjustTotalStock(ctx, purchase.ProductID, -purchase.Quantity)
	})
	if err != nil {
		return err
	}

	s.invalidateProducts(ctx)
	s.opLogger(ctx, "delete_purchase").WithField("purchase_id", id).Info("purchase deleted")
	return nil
}

func (s *Service) GetPurchase(ctx context.Context, id string) (domain.Purchase, error) {
	id, err := requireID("purchase", id)
	if err != nil {
		return domain.Purchase{}, err
	}
	purchase, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return domain.Purchase{}, err
	}
	return *purchase, nil
}

func (s *Service) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	return s.repo.ListPurchases(ctx, clampLimit(limit))
}
