// Package fifo allocates a requested quantity across a product's inventory
// batches, oldest received first.
package fifo

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
)

var ErrInvalidQuantity = fmt.Errorf("%w: quantity must be greater than zero", store.ErrInvalidRequest)

// Draw is one debit of Qty against a batch.
type Draw struct {
	BatchID string          `json:"batchId"`
	Qty     decimal.Decimal `json:"qty"`
}

// Ledger is the slice of a store transaction the selector needs. store.Tx
// satisfies it.
type Ledger interface {
	AvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error)
	DecrementBatch(ctx context.Context, batchID string, qty decimal.Decimal) error
}

// ShortageError reports that a product's open batches cannot cover a request.
// It matches store.ErrInsufficientStock under errors.Is.
type ShortageError struct {
	ProductID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *ShortageError) Unwrap() error {
	return store.ErrInsufficientStock
}

// Compare orders batches by receivedAt, then by insertion sequence, then by id.
func Compare(a domain.InventoryBatch, b domain.InventoryBatch) int {
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

type Selector struct {
	// SkipExpired leaves batches whose expiry date is before today out of the
	// selection. Off by default: expiry is informational unless configured.
	SkipExpired bool
	Now         func() time.Time
}

func (s Selector) today() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Plan allocates qty across a snapshot of batches without mutating anything.
// The input order does not matter; batches are walked in Compare order.
func (s Selector) Plan(productID string, batches []domain.InventoryBatch, qty decimal.Decimal) ([]Draw, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	candidates := make([]domain.InventoryBatch, 0, len(batches))
	today := s.today()
	for _, batch := range batches {
		if batch.Depleted() {
			continue
		}
		if s.SkipExpired && batch.ExpiredOn(today) {
			continue
		}
		candidates = append(candidates, batch)
	}
	slices.SortStableFunc(candidates, Compare)

	draws := make([]Draw, 0, 2)
	stillNeeded := qty
	available := decimal.Zero
	for _, batch := range candidates {
		available = available.Add(batch.Remaining)
		if !stillNeeded.IsPositive() {
			continue
		}
		take := decimal.Min(batch.Remaining, stillNeeded)
		draws = append(draws, Draw{BatchID: batch.ID, Qty: take})
		stillNeeded = stillNeeded.Sub(take)
	}

	if stillNeeded.IsPositive() {
		return nil, &ShortageError{ProductID: productID, Requested: qty, Available: available}
	}
	return draws, nil
}

// Consume plans qty against the ledger's open batches and applies every
// decrement. A shortage is detected before the first write. When a
// decrement fails part way the ledger may hold earlier decrements of this
// call; the surrounding transaction must be discarded.
func (s Selector) Consume(ctx context.Context, ledger Ledger, productID string, qty decimal.Decimal) ([]Draw, error) {
	if !qty.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	batches, err := ledger.AvailableBatches(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load batches for %s: %w", productID, err)
	}

	draws, err := s.Plan(productID, batches, qty)
	if err != nil {
		return nil, err
	}

	for _, draw := range draws {
		if err := ledger.DecrementBatch(ctx, draw.BatchID, draw.Qty); err != nil {
			return nil, fmt.Errorf("decrement batch %s: %w", draw.BatchID, err)
		}
	}
	return draws, nil
}

// Total sums the quantities of draws.
func Total(draws []Draw) decimal.Decimal {
	sum := decimal.Zero
	for _, d := range draws {
		sum = sum.Add(d.Qty)
	}
	return sum
}
