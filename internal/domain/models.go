package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Quantities and money travel as plain JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

type Unit string

const (
	UnitPiece  Unit = "piece"
	UnitWeight Unit = "weight"
	UnitVolume Unit = "volume"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitPiece, UnitWeight, UnitVolume:
		return true
	}
	return false
}

// AcceptsQty reports whether qty is a legal amount for this unit. Piece
// products are counted, so they only accept whole numbers.
func (u Unit) AcceptsQty(qty decimal.Decimal) bool {
	if !qty.IsPositive() {
		return false
	}
	if u == UnitPiece {
		return qty.Equal(qty.Truncate(0))
	}
	return true
}

type Product struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Unit         Unit            `json:"unit"`
	Price        decimal.Decimal `json:"price"`
	ReorderLevel decimal.Decimal `json:"reorderLevel"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Unit         Unit            `json:"unit"`
	Price        decimal.Decimal `json:"price"`
	ReorderLevel decimal.Decimal `json:"reorderLevel"`
}

type ProductUpdateRequest struct {
	Name         *string          `json:"name,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	ReorderLevel *decimal.Decimal `json:"reorderLevel,omitempty"`
	Active       *bool            `json:"active,omitempty"`
}

type ProductPriceHistory struct {
	ID        string          `json:"id"`
	ProductID string          `json:"productId"`
	OldPrice  decimal.Decimal `json:"oldPrice"`
	NewPrice  decimal.Decimal `json:"newPrice"`
	ChangedBy string          `json:"changedBy"`
	ChangedAt time.Time       `json:"changedAt"`
}

// InventoryBatch is one received lot of a product. Quantity never changes
// after creation; Remaining only moves through order consumption and
// restocking cancellations and always stays within [0, Quantity].
type InventoryBatch struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"productId"`
	BatchLabel string          `json:"batchLabel,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Remaining  decimal.Decimal `json:"remaining"`
	UnitCost   decimal.Decimal `json:"unitCost"`
	ExpiryDate *time.Time      `json:"expiryDate,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (b InventoryBatch) Depleted() bool {
	return !b.Remaining.IsPositive()
}

func (b InventoryBatch) ExpiredOn(day time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(day)
}

type BatchReceiveRequest struct {
	Product    string          `json:"product"`
	BatchLabel string          `json:"batchLabel,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unitCost"`
	ExpiryDate string          `json:"expiryDate,omitempty"`
	ReceivedAt string          `json:"receivedAt,omitempty"`
}

type BatchFilter struct {
	ProductID       string
	IncludeDepleted bool
	Limit           int
}

type OrderItem struct {
	ProductID   string          `json:"product"`
	Qty         decimal.Decimal `json:"qty"`
	PriceAtSale decimal.Decimal `json:"priceAtSale"`
}

// Consumption records one debit against a batch. Line is the index of the
// order item the debit fulfils.
type Consumption struct {
	BatchID   string          `json:"batchId"`
	ProductID string          `json:"product"`
	Line      int             `json:"line"`
	Qty       decimal.Decimal `json:"qty"`
}

type Order struct {
	ID             string          `json:"id"`
	Items          []OrderItem     `json:"items"`
	Total          decimal.Decimal `json:"total"`
	Consumptions   []Consumption   `json:"consumptions"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// LineTotals sums consumption quantities per order line.
func (o Order) LineTotals() map[int]decimal.Decimal {
	totals := make(map[int]decimal.Decimal, len(o.Items))
	for _, c := range o.Consumptions {
		totals[c.Line] = totals[c.Line].Add(c.Qty)
	}
	return totals
}

type OrderLineRequest struct {
	Product     string           `json:"product"`
	Qty         decimal.Decimal  `json:"qty"`
	PriceAtSale *decimal.Decimal `json:"priceAtSale,omitempty"`
}

type OrderCreateRequest struct {
	Items          []OrderLineRequest `json:"items"`
	Notes          string             `json:"notes,omitempty"`
	IdempotencyKey string             `json:"-"`
}

type OrderCreateResult struct {
	Order     Order `json:"order"`
	Duplicate bool  `json:"duplicate"`
}

type OrderFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

type CancelPolicy string

const (
	// CancelRetain deletes the order record and leaves consumed stock consumed.
	CancelRetain CancelPolicy = "retain"
	// CancelRestock returns every consumption to its batch before deleting.
	CancelRestock CancelPolicy = "restock"
)

func (p CancelPolicy) Valid() bool {
	return p == CancelRetain || p == CancelRestock
}

type BatchRestore struct {
	BatchID string          `json:"batchId"`
	Qty     decimal.Decimal `json:"qty"`
}

type OrderCancelResult struct {
	OrderID  string         `json:"orderId"`
	Policy   CancelPolicy   `json:"policy"`
	Restored []BatchRestore `json:"restored"`
}

type StockLevel struct {
	ProductID      string          `json:"productId"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Unit           Unit            `json:"unit"`
	OnHand         decimal.Decimal `json:"onHand"`
	OpenBatches    int             `json:"openBatches"`
	OldestReceived *time.Time      `json:"oldestReceivedAt,omitempty"`
	ReorderLevel   decimal.Decimal `json:"reorderLevel"`
	BelowReorder   bool            `json:"belowReorder"`
}

type ReorderSuggestion struct {
	ProductID      string          `json:"productId"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	OnHand         decimal.Decimal `json:"onHand"`
	ReorderLevel   decimal.Decimal `json:"reorderLevel"`
	RecommendedQty decimal.Decimal `json:"recommendedQty"`
	LastUnitCost   decimal.Decimal `json:"lastUnitCost"`
	EstimatedCost  decimal.Decimal `json:"estimatedCost"`
}

type ReorderSuggestionResponse struct {
	GeneratedAt string              `json:"generatedAt"`
	Suggestions []ReorderSuggestion `json:"suggestions"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

type Actor struct {
	Username string
	Role     string
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actorUsername"`
	ActorRole     string    `json:"actorRole"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}
