package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/store"
	"tokostok/backend/internal/xid"
)

const cashLockKey = "cash:opname"

const cashCorrectionName = "cash count adjustment"

// ReconcileCash compares counted cash with what the ledger expects. A
// difference is booked as a product-less opname sale so running totals agree
// with the drawer. Batches are never touched.
func (s *Service) ReconcileCash(ctx context.Context, req domain.CashReconcileRequest) (domain.CashReconcileResult, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.CashReconcileResult{}, err
	}
	opening := s.openingCash
	if req.OpeningBalance != nil {
		opening = *req.OpeningBalance
	}

	var result domain.CashReconcileResult
	err := s.lockedUnit(ctx, "reconcile_cash", []string{cashLockKey}, func(ctx context.Context, tx store.Tx) error {
		salesTotal, purchasesTotal, err := tx.CashTotals(ctx)
		if err != nil {
			return err
		}
		expected := opening.Add(salesTotal).Sub(purchasesTotal)
		result = domain.CashReconcileResult{
			Expected:   expected,
			Actual:     req.PhysicalAmount,
			Difference: req.PhysicalAmount.Sub(expected),
		}
		if result.Difference.IsZero() {
			return nil
		}

		correction := domain.Sale{
			ID:        xid.New("sal"),
			Type:      domain.SaleTypeOpname,
			Note:      req.Note,
			Total:     result.Difference,
			Profit:    result.Difference,
			CreatedAt: s.now(),
			Lines: []domain.SaleLine{{
				Seq:         1,
				ProductName: cashCorrectionName,
				Quantity:    1,
				Price:       result.Difference,
				Cost:        decimal.Zero,
			}},
		}
		if err := tx.InsertSale(ctx, correction); err != nil {
			return err
		}
		result.CorrectionSaleID = correction.ID
		return nil
	})
	if err != nil {
		return domain.CashReconcileResult{}, err
	}

	if result.CorrectionSaleID != "" {
		s.metrics.SaleRecorded(domain.SaleTypeOpname)
	}
	s.opLogger(ctx, "reconcile_cash").WithFields(logrus.Fields{
		"expected":   result.Expected.String(),
		"actual":     result.Actual.String(),
		"difference": result.Difference.String(),
	}).Info("cash reconciled")
	return result, nil
}

// VerifyStockIntegrity recomputes every product's stock from its batches and
// reports the products that disagree. It writes nothing.
func (s *Service) VerifyStockIntegrity(ctx context.Context) ([]domain.StockDrift, error) {
	drift, err := s.repo.FindStockDrift(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.StockDrift(len(drift))
	for _, d := range drift {
		s.logger.WithFields(logrus.Fields{
			"product_id":  d.ProductID,
			"total_stock": d.TotalStock,
			"batch_sum":   d.BatchSum,
		}).Error("stock aggregate drifted from batches")
	}
	return drift, nil
}
