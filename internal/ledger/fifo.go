// Package ledger computes FIFO consumption of stock batches. It never talks
// to a store: callers load batches, run a Plan and apply its mutations inside
// their own transaction.
package ledger

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/store"
)

type MutationKind string

const (
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// BatchMutation is the final state a batch must be written to.
type BatchMutation struct {
	BatchID   string
	ProductID string
	Kind      MutationKind
	Quantity  int
}

// Draw is the part of one batch taken by a consumption.
type Draw struct {
	BatchID  string
	Quantity int
	UnitCost decimal.Decimal
}

type Consumption struct {
	ProductID   string
	Quantity    int
	TotalCost   decimal.Decimal
	UnitCostAvg decimal.Decimal
	Draws       []Draw
}

type touchedBatch struct {
	productID string
	remaining int
}

// Plan accumulates consumptions across the lines of one sale. A product
// consumed twice continues from what the earlier consumption left.
type Plan struct {
	logger     logrus.FieldLogger
	working    map[string][]domain.StockBatch
	touched    map[string]*touchedBatch
	order      []string
	reductions map[string]int
}

func NewPlan(logger logrus.FieldLogger) *Plan {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Plan{
		logger:     logger.WithField("module", "ledger"),
		working:    make(map[string][]domain.StockBatch),
		touched:    make(map[string]*touchedBatch),
		reductions: make(map[string]int),
	}
}

// Load registers the live batches of a product. Loading a product twice keeps
// the first view so earlier consumptions are not forgotten.
func (p *Plan) Load(productID string, batches []domain.StockBatch) {
	if _, ok := p.working[productID]; ok {
		return
	}
	view := slices.Clone(batches)
	SortFIFO(view)
	p.working[productID] = view
}

func (p *Plan) Loaded(productID string) bool {
	_, ok := p.working[productID]
	return ok
}

// Consume takes qty units of the product oldest batch first. On
// InsufficientStock the plan is left exactly as it was.
func (p *Plan) Consume(productID string, qty int) (Consumption, error) {
	if qty <= 0 {
		return Consumption{}, store.Validationf("quantity must be positive, got %d", qty)
	}
	view, ok := p.working[productID]
	if !ok {
		return Consumption{}, fmt.Errorf("ledger: batches for product %s not loaded", productID)
	}

	available := 0
	for _, batch := range view {
		if batch.Quantity > 0 {
			available += batch.Quantity
		}
	}
	if available < qty {
		return Consumption{}, &store.InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	consumption := Consumption{ProductID: productID, Quantity: qty, TotalCost: decimal.Zero}
	remaining := qty
	kept := make([]domain.StockBatch, 0, len(view))
	for _, batch := range view {
		if batch.Quantity <= 0 {
			p.logger.WithFields(logrus.Fields{
				"product_id": productID,
				"batch_id":   batch.ID,
				"quantity":   batch.Quantity,
			}).Warn("skipping non-positive batch; store invariant violated")
			continue
		}
		if remaining == 0 {
			kept = append(kept, batch)
			continue
		}

		take := min(batch.Quantity, remaining)
		remaining -= take
		batch.Quantity -= take
		consumption.TotalCost = consumption.TotalCost.Add(batch.UnitCost.Mul(decimal.NewFromInt(int64(take))))
		consumption.Draws = append(consumption.Draws, Draw{BatchID: batch.ID, Quantity: take, UnitCost: batch.UnitCost})
		p.touch(productID, batch.ID, batch.Quantity)

		if batch.Quantity > 0 {
			kept = append(kept, batch)
		}
	}

	p.working[productID] = kept
	p.reductions[productID] += qty
	consumption.UnitCostAvg = consumption.TotalCost.Div(decimal.NewFromInt(int64(qty))).Round(domain.CostScale)
	return consumption, nil
}

func (p *Plan) touch(productID string, batchID string, remaining int) {
	if t, ok := p.touched[batchID]; ok {
		t.remaining = remaining
		return
	}
	p.touched[batchID] = &touchedBatch{productID: productID, remaining: remaining}
	p.order = append(p.order, batchID)
}

// Mutations returns one write per touched batch in first-touch order.
func (p *Plan) Mutations() []BatchMutation {
	mutations := make([]BatchMutation, 0, len(p.order))
	for _, batchID := range p.order {
		t := p.touched[batchID]
		m := BatchMutation{BatchID: batchID, ProductID: t.productID, Kind: MutationUpdate, Quantity: t.remaining}
		if t.remaining == 0 {
			m.Kind = MutationDelete
		}
		mutations = append(mutations, m)
	}
	return mutations
}

// Reductions returns the total quantity consumed per product.
func (p *Plan) Reductions() map[string]int {
	out := make(map[string]int, len(p.reductions))
	for productID, qty := range p.reductions {
		out[productID] = qty
	}
	return out
}

// SortFIFO orders batches oldest first, Seq breaking CreatedAt ties.
func SortFIFO(batches []domain.StockBatch) {
	slices.SortStableFunc(batches, CompareFIFO)
}

func CompareFIFO(a domain.StockBatch, b domain.StockBatch) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}
