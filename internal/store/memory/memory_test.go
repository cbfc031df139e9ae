package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
)

func newStoreWithBatch(t *testing.T, qty int64) (*Store, domain.InventoryBatch) {
	t.Helper()
	s := New()
	ctx := context.Background()
	_, err := s.CreateProduct(ctx, domain.Product{ID: "prd-1", SKU: "SKU-1", Name: "Milk", Unit: domain.UnitPiece, Price: decimal.NewFromInt(1), Active: true})
	require.NoError(t, err)
	b, err := s.CreateBatch(ctx, domain.InventoryBatch{ID: "bat-1", ProductID: "prd-1", Quantity: decimal.NewFromInt(qty), ReceivedAt: time.Now().UTC()})
	require.NoError(t, err)
	return s, *b
}

func TestWithinTxDiscardsChangesOnError(t *testing.T) {
	s, b := newStoreWithBatch(t, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.DecrementBatch(ctx, b.ID, decimal.NewFromInt(4)))
		require.NoError(t, tx.InsertOrder(ctx, domain.Order{ID: "ord-1", Items: []domain.OrderItem{{ProductID: "prd-1", Qty: decimal.NewFromInt(4)}}}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(decimal.NewFromInt(10)))
	_, err = s.FindOrderByID(ctx, "ord-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithinTxDiscardsChangesOnCancelledContext(t *testing.T) {
	s, b := newStoreWithBatch(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cancel()
		return tx.DecrementBatch(ctx, b.ID, decimal.NewFromInt(4))
	})
	require.ErrorIs(t, err, context.Canceled)

	got, err := s.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(decimal.NewFromInt(10)))
}

func TestDecrementBatchIsConditional(t *testing.T) {
	s, b := newStoreWithBatch(t, 5)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.DecrementBatch(ctx, b.ID, decimal.NewFromInt(3)))
		// Staged decrements are visible inside the same tx.
		return tx.DecrementBatch(ctx, b.ID, decimal.NewFromInt(3))
	})
	require.ErrorIs(t, err, store.ErrConflict)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DecrementBatch(ctx, "bat-missing", decimal.NewFromInt(1))
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DecrementBatch(ctx, b.ID, decimal.NewFromInt(5))
	})
	require.NoError(t, err)

	open, err := s.ListBatches(ctx, domain.BatchFilter{ProductID: "prd-1"})
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := s.ListBatches(ctx, domain.BatchFilter{ProductID: "prd-1", IncludeDepleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRestoreBatchCannotExceedQuantity(t *testing.T) {
	s, b := newStoreWithBatch(t, 5)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.DecrementBatch(ctx, b.ID, decimal.NewFromInt(2)))
		require.NoError(t, tx.RestoreBatch(ctx, b.ID, decimal.NewFromInt(2)))
		return tx.RestoreBatch(ctx, b.ID, decimal.NewFromInt(1))
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestBatchesGetIncreasingSeqAndFIFOOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateProduct(ctx, domain.Product{ID: "prd-1", SKU: "SKU-1", Name: "Milk", Unit: domain.UnitPiece, Price: decimal.NewFromInt(1), Active: true})
	require.NoError(t, err)

	received := time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		id string
		at time.Time
	}{
		{"bat-c", received.Add(time.Hour)},
		{"bat-b", received},
		{"bat-a", received},
	} {
		_, err := s.CreateBatch(ctx, domain.InventoryBatch{ID: tc.id, ProductID: "prd-1", Quantity: decimal.NewFromInt(1), ReceivedAt: tc.at})
		require.NoError(t, err)
	}

	batches, err := s.ListBatches(ctx, domain.BatchFilter{ProductID: "prd-1"})
	require.NoError(t, err)
	require.Len(t, batches, 3)
	// Equal receipt times fall back to insertion order.
	assert.Equal(t, []string{"bat-b", "bat-a", "bat-c"}, []string{batches[0].ID, batches[1].ID, batches[2].ID})
	assert.Less(t, batches[0].Seq, batches[1].Seq)

	_, err = s.CreateBatch(ctx, domain.InventoryBatch{ID: "bat-x", ProductID: "prd-missing", Quantity: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletedOrderReleasesIdempotencyKey(t *testing.T) {
	s, b := newStoreWithBatch(t, 5)
	ctx := context.Background()
	order := domain.Order{
		ID:             "ord-1",
		IdempotencyKey: "key-1",
		Items:          []domain.OrderItem{{ProductID: "prd-1", Qty: decimal.NewFromInt(1)}},
		Consumptions:   []domain.Consumption{{BatchID: b.ID, ProductID: "prd-1", Qty: decimal.NewFromInt(1)}},
	}

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertOrder(ctx, order)
	}))
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		dup := order
		dup.ID = "ord-2"
		return tx.InsertOrder(ctx, dup)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteOrder(ctx, order.ID)
	}))
	_, err = s.FindOrderByIdempotency(ctx, "key-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
