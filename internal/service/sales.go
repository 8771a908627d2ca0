package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/ledger"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/xid"
)

// RecordSale consumes stock for every line oldest batch first and stores the
// sale. Any line short of stock aborts the whole sale.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	if err := s.validateRequest(req); err != nil {
		s.metrics.Rejected("record_sale", "validation")
		return domain.Sale{}, err
	}
	saleType := req.Type
	if saleType == "" {
		saleType = domain.SaleTypeRetail
	}

	productIDs := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		productIDs = append(productIDs, line.ProductID)
	}
	productIDs = uniqueSorted(productIDs)

	var sale domain.Sale
	err := s.writeUnit(ctx, "record_sale", productIDs, func(ctx context.Context, tx store.Tx) error {
		products, err := tx.LockProducts(ctx, productIDs)
		if err != nil {
			return err
		}

		plan := ledger.NewPlan(s.logger)
		for _, id := range productIDs {
			if !products[id].Active {
				return store.Validationf("product %s is inactive", id)
			}
			batches, err := tx.LiveBatches(ctx, id)
			if err != nil {
				return err
			}
			plan.Load(id, batches)
		}

		sale = domain.Sale{
			ID:        xid.New("sal"),
			Type:      saleType,
			Note:      req.Note,
			Total:     decimal.Zero,
			Profit:    decimal.Zero,
			CreatedAt: s.now(),
			Lines:     make([]domain.SaleLine, 0, len(req.Lines)),
		}
		for i, line := range req.Lines {
			consumption, err := plan.Consume(line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			product := products[line.ProductID]
			price := product.Price
			if line.Price != nil {
				price = *line.Price
			}
			sale.Lines = append(sale.Lines, domain.SaleLine{
				Seq:         i + 1,
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    line.Quantity,
				Price:       price,
				Cost:        consumption.UnitCostAvg,
			})
			sale.Total = sale.Total.Add(lineAmount(price, line.Quantity))
			sale.Profit = sale.Profit.Add(lineAmount(price.Sub(consumption.UnitCostAvg), line.Quantity))
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		for _, m := range plan.Mutations() {
			if m.Kind == ledger.MutationDelete {
				err = tx.DeleteBatch(ctx, m.BatchID)
			} else {
				err = tx.SetBatchQuantity(ctx, m.BatchID, m.Quantity)
			}
			if err != nil {
				return err
			}
		}
		reductions := plan.Reductions()
		for _, id := range productIDs {
			if err := tx.AdjustTotalStock(ctx, id, -reductions[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.metrics.SaleRecorded(sale.Type)
	s.invalidateProducts(ctx)
	s.opLogger(ctx, "record_sale").WithFields(logrus.Fields{
		"sale_id": sale.ID,
		"lines":   len(sale.Lines),
		"total":   sale.Total.String(),
	}).Info("sale recorded")
	return sale, nil
}

// DeleteSale reverses a sale. Each line's quantity comes back as a new batch
// at the line's recorded cost, dated now, so reversed stock is always the
// newest layer. Lines without a product restore nothing.
func (s *Service) DeleteSale(ctx context.Context, id string) error {
	id, err := requireID("sale", id)
	if err != nil {
		return err
	}
	existing, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return err
	}

	err = s.writeUnit(ctx, "delete_sale", saleProductIDs(existing.Lines), func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, id)
		if err != nil {
			return err
		}
		productIDs := saleProductIDs(sale.Lines)
		if _, err := tx.LockProducts(ctx, productIDs); err != nil {
			return err
		}

		now := s.now()
		for _, line := range sale.Lines {
			if line.ProductID == "" {
				continue
			}
			if _, err := tx.InsertBatch(ctx, domain.StockBatch{
				ID:        xid.New("bat"),
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitCost:  line.Cost,
				Source:    domain.BatchSourceReversal,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.AdjustTotalStock(ctx, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}
		return tx.DeleteSale(ctx, id)
	})
	if err != nil {
		return err
	}

	s.metrics.SaleReversed()
	s.invalidateProducts(ctx)
	s.opLogger(ctx, "delete_sale").WithField("sale_id", id).Info("sale reversed")
	return nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id, err := requireID("sale", id)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, clampLimit(limit))
}

func saleProductIDs(lines []domain.SaleLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.ProductID != "" {
			ids = append(ids, line.ProductID)
		}
	}
	return uniqueSorted(ids)
}
