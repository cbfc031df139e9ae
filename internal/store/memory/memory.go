package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/fifo"
	"dairyplant/backend/internal/store"
	"dairyplant/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	productIDBySKU   map[string]string
	priceHistory     map[string][]domain.ProductPriceHistory
	batches          map[string]domain.InventoryBatch
	batchesByProduct map[string][]string
	nextSeq          int64
	orders           map[string]domain.Order
	orderIDByIdem    map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		productIDBySKU:   make(map[string]string),
		priceHistory:     make(map[string][]domain.ProductPriceHistory),
		batches:          make(map[string]domain.InventoryBatch),
		batchesByProduct: make(map[string][]string),
		orders:           make(map[string]domain.Order),
		orderIDByIdem:    make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD and fall
// back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"clerk", clerkPwd, "clerk"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users, a small dairy catalog and two
// received batches per product.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-milk-1l", SKU: "MILK-FRESH-1L", Name: "Fresh Milk 1L", Unit: domain.UnitPiece, Price: decimal.RequireFromString("1.25"), ReorderLevel: decimal.NewFromInt(40)},
		{ID: "prd-milk-bulk", SKU: "MILK-BULK", Name: "Bulk Milk", Unit: domain.UnitVolume, Price: decimal.RequireFromString("0.90"), ReorderLevel: decimal.NewFromInt(200)},
		{ID: "prd-yogurt-500", SKU: "YOG-PLAIN-500", Name: "Plain Yogurt 500g", Unit: domain.UnitPiece, Price: decimal.RequireFromString("2.10"), ReorderLevel: decimal.NewFromInt(30)},
		{ID: "prd-butter", SKU: "BUTTER-BLOCK", Name: "Butter", Unit: domain.UnitWeight, Price: decimal.RequireFromString("8.40"), ReorderLevel: decimal.NewFromInt(15)},
		{ID: "prd-cheese", SKU: "CHEESE-CHED", Name: "Cheddar Cheese", Unit: domain.UnitWeight, Price: decimal.RequireFromString("11.75"), ReorderLevel: decimal.NewFromInt(10)},
		{ID: "prd-ghee", SKU: "GHEE-JAR-1KG", Name: "Ghee 1kg Jar", Unit: domain.UnitPiece, Price: decimal.RequireFromString("9.80"), ReorderLevel: decimal.NewFromInt(12)},
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.productIDBySKU[p.SKU] = p.ID

		cost := p.Price.Mul(decimal.RequireFromString("0.7")).Round(2)
		for i, ageHours := range []int{48, 24} {
			qty := p.ReorderLevel.Mul(decimal.NewFromInt(2))
			expiry := now.AddDate(0, 0, 14+i*7)
			s.insertBatch(domain.InventoryBatch{
				ID:         xid.New("bat"),
				ProductID:  p.ID,
				BatchLabel: fmt.Sprintf("%s-SEED-%d", p.SKU, i+1),
				Quantity:   qty,
				Remaining:  qty,
				UnitCost:   cost,
				ExpiryDate: &expiry,
				ReceivedAt: now.Add(-time.Duration(ageHours) * time.Hour),
				CreatedAt:  now,
			})
		}
	}
	return s
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeInactive {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrConflict, product.ID)
	}
	s.products[product.ID] = product
	s.productIDBySKU[product.SKU] = product.ID
	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	// SKU, unit and creation time are fixed once a product exists.
	product.SKU = existing.SKU
	product.Unit = existing.Unit
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) CreatePriceHistory(_ context.Context, entry domain.ProductPriceHistory) error {
	if entry.ProductID == "" {
		return store.ErrInvalidRequest
	}
	if entry.ID == "" {
		entry.ID = xid.New("price")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceHistory[entry.ProductID] = append(s.priceHistory[entry.ProductID], entry)
	return nil
}

func (s *Store) ListPriceHistory(_ context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.priceHistory[productID]
	out := make([]domain.ProductPriceHistory, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.ID == "" || batch.ProductID == "" || !batch.Quantity.IsPositive() {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[batch.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.batches[batch.ID]; exists {
		return nil, fmt.Errorf("%w: batch %s already exists", store.ErrConflict, batch.ID)
	}
	batch.Remaining = batch.Quantity
	created := s.insertBatch(batch)
	return &created, nil
}

// insertBatch stamps the next insertion sequence. Callers hold s.mu.
func (s *Store) insertBatch(batch domain.InventoryBatch) domain.InventoryBatch {
	s.nextSeq++
	batch.Seq = s.nextSeq
	s.batches[batch.ID] = batch
	s.batchesByProduct[batch.ProductID] = append(s.batchesByProduct[batch.ProductID], batch.ID)
	return cloneBatch(batch)
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneBatch(b)
	return &out, nil
}

func (s *Store) ListBatches(_ context.Context, filter domain.BatchFilter) ([]domain.InventoryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryBatch, 0, 32)
	for _, b := range s.batches {
		if filter.ProductID != "" && b.ProductID != filter.ProductID {
			continue
		}
		if b.Depleted() && !filter.IncludeDepleted {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	slices.SortFunc(out, fifo.Compare)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) FindOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(o)
	return &out, nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderIDByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(s.orders[id])
	return &out, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, min(limit, len(s.orders)))
	for _, o := range s.orders {
		if !filter.From.IsZero() && o.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !o.CreatedAt.Before(filter.To) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithinTx serialises units of work on the store lock. Changes are staged on
// the tx and applied only after fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:   s,
		batches: make(map[string]domain.InventoryBatch),
		orders:  make(map[string]domain.Order),
		deleted: make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.apply()
	return nil
}

type memTx struct {
	store   *Store
	batches map[string]domain.InventoryBatch
	orders  map[string]domain.Order
	deleted map[string]bool
}

func (t *memTx) batch(id string) (domain.InventoryBatch, bool) {
	if b, ok := t.batches[id]; ok {
		return b, true
	}
	b, ok := t.store.batches[id]
	return b, ok
}

func (t *memTx) AvailableBatches(_ context.Context, productID string) ([]domain.InventoryBatch, error) {
	ids := t.store.batchesByProduct[productID]
	out := make([]domain.InventoryBatch, 0, len(ids))
	for _, id := range ids {
		b, _ := t.batch(id)
		if b.Depleted() {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	slices.SortFunc(out, fifo.Compare)
	return out, nil
}

func (t *memTx) DecrementBatch(_ context.Context, batchID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidRequest
	}
	b, ok := t.batch(batchID)
	if !ok {
		return store.ErrNotFound
	}
	if b.Remaining.LessThan(qty) {
		return store.ErrConflict
	}
	b.Remaining = b.Remaining.Sub(qty)
	t.batches[batchID] = b
	return nil
}

func (t *memTx) RestoreBatch(_ context.Context, batchID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidRequest
	}
	b, ok := t.batch(batchID)
	if !ok {
		return store.ErrNotFound
	}
	restored := b.Remaining.Add(qty)
	if restored.GreaterThan(b.Quantity) {
		return store.ErrConflict
	}
	b.Remaining = restored
	t.batches[batchID] = b
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order domain.Order) error {
	if order.ID == "" || len(order.Items) == 0 {
		return store.ErrInvalidRequest
	}
	if _, exists := t.store.orders[order.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", store.ErrConflict, order.ID)
	}
	if order.IdempotencyKey != "" {
		if _, exists := t.store.orderIDByIdem[order.IdempotencyKey]; exists {
			return fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}
	}
	t.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *memTx) LockOrder(_ context.Context, orderID string) (*domain.Order, error) {
	if t.deleted[orderID] {
		return nil, store.ErrNotFound
	}
	if o, ok := t.orders[orderID]; ok {
		out := cloneOrder(o)
		return &out, nil
	}
	o, ok := t.store.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(o)
	return &out, nil
}

func (t *memTx) DeleteOrder(ctx context.Context, orderID string) error {
	if _, err := t.LockOrder(ctx, orderID); err != nil {
		return err
	}
	delete(t.orders, orderID)
	t.deleted[orderID] = true
	return nil
}

func (t *memTx) apply() {
	s := t.store
	for id, b := range t.batches {
		s.batches[id] = b
	}
	for id := range t.deleted {
		if o, ok := s.orders[id]; ok && o.IdempotencyKey != "" {
			delete(s.orderIDByIdem, o.IdempotencyKey)
		}
		delete(s.orders, id)
	}
	for id, o := range t.orders {
		s.orders[id] = o
		if o.IdempotencyKey != "" {
			s.orderIDByIdem[o.IdempotencyKey] = id
		}
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRequest
	}
	if user.Role == "" {
		user.Role = "clerk"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrConflict)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneBatch(src domain.InventoryBatch) domain.InventoryBatch {
	out := src
	if src.ExpiryDate != nil {
		expiry := *src.ExpiryDate
		out.ExpiryDate = &expiry
	}
	return out
}

func cloneOrder(src domain.Order) domain.Order {
	out := src
	out.Items = slices.Clone(src.Items)
	out.Consumptions = slices.Clone(src.Consumptions)
	return out
}
