package fifo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
)

type fakeLedger struct {
	batches    map[string]*domain.InventoryBatch
	loads      int
	decrements int
	failOn     string
}

func newFakeLedger(batches ...domain.InventoryBatch) *fakeLedger {
	l := &fakeLedger{batches: make(map[string]*domain.InventoryBatch, len(batches))}
	for i := range batches {
		b := batches[i]
		l.batches[b.ID] = &b
	}
	return l
}

func (l *fakeLedger) AvailableBatches(_ context.Context, productID string) ([]domain.InventoryBatch, error) {
	l.loads++
	out := make([]domain.InventoryBatch, 0, len(l.batches))
	for _, b := range l.batches {
		if b.ProductID == productID && b.Remaining.IsPositive() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (l *fakeLedger) DecrementBatch(_ context.Context, batchID string, qty decimal.Decimal) error {
	l.decrements++
	if batchID == l.failOn {
		return store.ErrConflict
	}
	b, ok := l.batches[batchID]
	if !ok {
		return store.ErrNotFound
	}
	if b.Remaining.LessThan(qty) {
		return store.ErrConflict
	}
	b.Remaining = b.Remaining.Sub(qty)
	return nil
}

func (l *fakeLedger) remaining(id string) decimal.Decimal {
	return l.batches[id].Remaining
}

var day1 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func batch(id string, received time.Time, seq int64, qty int64) domain.InventoryBatch {
	return domain.InventoryBatch{
		ID:         id,
		ProductID:  "P",
		Quantity:   decimal.NewFromInt(qty),
		Remaining:  decimal.NewFromInt(qty),
		ReceivedAt: received,
		Seq:        seq,
	}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestConsumeDrawsOldestBatchFirst(t *testing.T) {
	ledger := newFakeLedger(
		batch("B2", day1.AddDate(0, 0, 1), 2, 5),
		batch("B1", day1, 1, 5),
	)

	draws, err := Selector{}.Consume(context.Background(), ledger, "P", dec(7))
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, "B1", draws[0].BatchID)
	assert.True(t, draws[0].Qty.Equal(dec(5)))
	assert.Equal(t, "B2", draws[1].BatchID)
	assert.True(t, draws[1].Qty.Equal(dec(2)))

	assert.True(t, ledger.remaining("B1").IsZero())
	assert.True(t, ledger.remaining("B2").Equal(dec(3)))
}

func TestPlanBreaksReceivedTiesByInsertionOrder(t *testing.T) {
	batches := []domain.InventoryBatch{
		batch("late-insert", day1, 9, 4),
		batch("early-insert", day1, 3, 4),
	}

	draws, err := Selector{}.Plan("P", batches, dec(5))
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, "early-insert", draws[0].BatchID)
	assert.Equal(t, "late-insert", draws[1].BatchID)
	assert.True(t, draws[1].Qty.Equal(dec(1)))
}

func TestPlanSkipsDepletedBatches(t *testing.T) {
	empty := batch("B0", day1.AddDate(0, 0, -3), 1, 5)
	empty.Remaining = decimal.Zero

	draws, err := Selector{}.Plan("P", []domain.InventoryBatch{empty, batch("B1", day1, 2, 5)}, dec(2))
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, "B1", draws[0].BatchID)
}

func TestPlanHandlesFractionalQuantities(t *testing.T) {
	b1 := batch("B1", day1, 1, 0)
	b1.Quantity = decimal.RequireFromString("2.5")
	b1.Remaining = b1.Quantity
	b2 := batch("B2", day1.Add(time.Hour), 2, 0)
	b2.Quantity = decimal.RequireFromString("10")
	b2.Remaining = b2.Quantity

	draws, err := Selector{}.Plan("P", []domain.InventoryBatch{b1, b2}, decimal.RequireFromString("3.75"))
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.True(t, draws[0].Qty.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, draws[1].Qty.Equal(decimal.RequireFromString("1.25")))
}

func TestConsumeRejectsNonPositiveQuantityBeforeLoading(t *testing.T) {
	ledger := newFakeLedger(batch("B1", day1, 1, 5))

	for _, qty := range []decimal.Decimal{decimal.Zero, dec(-3)} {
		_, err := Selector{}.Consume(context.Background(), ledger, "P", qty)
		require.ErrorIs(t, err, ErrInvalidQuantity)
		require.ErrorIs(t, err, store.ErrInvalidRequest)
	}
	assert.Zero(t, ledger.loads)
	assert.Zero(t, ledger.decrements)
}

func TestConsumeShortageLeavesBatchesUntouched(t *testing.T) {
	ledger := newFakeLedger(
		batch("B1", day1, 1, 3),
		batch("B2", day1.AddDate(0, 0, 1), 2, 1),
	)

	_, err := Selector{}.Consume(context.Background(), ledger, "P", dec(10))
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var shortage *ShortageError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, "P", shortage.ProductID)
	assert.True(t, shortage.Available.Equal(dec(4)))
	assert.True(t, shortage.Requested.Equal(dec(10)))

	assert.Zero(t, ledger.decrements)
	assert.True(t, ledger.remaining("B1").Equal(dec(3)))
	assert.True(t, ledger.remaining("B2").Equal(dec(1)))
}

func TestConsumeWithNoBatchesIsShortage(t *testing.T) {
	depleted := batch("B1", day1, 1, 5)
	depleted.Remaining = decimal.Zero

	for name, ledger := range map[string]*fakeLedger{
		"none":     newFakeLedger(),
		"depleted": newFakeLedger(depleted),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Selector{}.Consume(context.Background(), ledger, "P", dec(1))
			require.ErrorIs(t, err, store.ErrInsufficientStock)
			assert.Zero(t, ledger.decrements)
		})
	}
}

func TestConsumeSurfacesConflictFromLedger(t *testing.T) {
	ledger := newFakeLedger(batch("B1", day1, 1, 5))
	ledger.failOn = "B1"

	_, err := Selector{}.Consume(context.Background(), ledger, "P", dec(2))
	require.ErrorIs(t, err, store.ErrConflict)
	assert.False(t, errors.Is(err, store.ErrInsufficientStock))
}

func TestSkipExpiredExcludesPastExpiry(t *testing.T) {
	expired := batch("old", day1, 1, 5)
	yesterday := day1.AddDate(0, 0, 4)
	expired.ExpiryDate = &yesterday
	fresh := batch("fresh", day1.AddDate(0, 0, 1), 2, 5)

	selector := Selector{SkipExpired: true, Now: func() time.Time { return day1.AddDate(0, 0, 5) }}
	draws, err := selector.Plan("P", []domain.InventoryBatch{expired, fresh}, dec(3))
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, "fresh", draws[0].BatchID)

	draws, err = Selector{}.Plan("P", []domain.InventoryBatch{expired, fresh}, dec(3))
	require.NoError(t, err)
	assert.Equal(t, "old", draws[0].BatchID)
}

func TestConsumeAccountingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "batches")
		batches := make([]domain.InventoryBatch, 0, n)
		total := int64(0)
		for i := 0; i < n; i++ {
			qty := int64(rapid.IntRange(1, 20).Draw(rt, fmt.Sprintf("qty%d", i)))
			offset := rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("day%d", i))
			b := batch(fmt.Sprintf("B%d", i), day1.AddDate(0, 0, offset), int64(i), qty)
			batches = append(batches, b)
			total += qty
		}
		ledger := newFakeLedger(batches...)
		request := int64(rapid.IntRange(1, 100).Draw(rt, "request"))

		draws, err := Selector{}.Consume(context.Background(), ledger, "P", dec(request))
		if request > total {
			if !errors.Is(err, store.ErrInsufficientStock) {
				rt.Fatalf("expected shortage for %d of %d, got %v", request, total, err)
			}
			for _, b := range batches {
				if !ledger.remaining(b.ID).Equal(b.Quantity) {
					rt.Fatalf("batch %s changed on shortage", b.ID)
				}
			}
			return
		}
		if err != nil {
			rt.Fatalf("consume %d of %d: %v", request, total, err)
		}
		if !Total(draws).Equal(dec(request)) {
			rt.Fatalf("draws sum to %s, want %d", Total(draws), request)
		}

		// Each draw must come from the oldest batch that still had stock.
		for i := 1; i < len(draws); i++ {
			prev := ledger.batches[draws[i-1].BatchID]
			next := ledger.batches[draws[i].BatchID]
			if Compare(*prev, *next) >= 0 {
				rt.Fatalf("draw %d out of FIFO order", i)
			}
			if !prev.Remaining.IsZero() {
				rt.Fatalf("batch %s drawn after %s was left open", next.ID, prev.ID)
			}
		}
		for _, b := range ledger.batches {
			if b.Remaining.IsNegative() || b.Remaining.GreaterThan(b.Quantity) {
				rt.Fatalf("batch %s out of bounds: %s of %s", b.ID, b.Remaining, b.Quantity)
			}
		}
	})
}
