package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"dairyplant/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
	// ErrConflict reports a lost race with a concurrent writer. Callers may
	// retry the whole unit of work.
	ErrConflict = errors.New("concurrent update conflict")
)

// Tx is the unit of work an order is assembled or cancelled in. Nothing done
// through a Tx is visible to other callers until the WithinTx callback
// returns nil; any error discards every change.
type Tx interface {
	// AvailableBatches returns the product's batches with remaining > 0 in
	// FIFO order. Backends with row locks hold them until the tx ends.
	AvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error)
	// DecrementBatch subtracts qty from remaining only if remaining >= qty;
	// otherwise it returns ErrConflict and leaves the batch untouched.
	DecrementBatch(ctx context.Context, batchID string, qty decimal.Decimal) error
	// RestoreBatch adds qty back only if the result stays <= quantity.
	RestoreBatch(ctx context.Context, batchID string, qty decimal.Decimal) error
	InsertOrder(ctx context.Context, order domain.Order) error
	LockOrder(ctx context.Context, orderID string) (*domain.Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
}

type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error)

	CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error)
	GetBatch(ctx context.Context, id string) (*domain.InventoryBatch, error)
	ListBatches(ctx context.Context, filter domain.BatchFilter) ([]domain.InventoryBatch, error)

	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
