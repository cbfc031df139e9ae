package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
	"dairyplant/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const productColumns = `id, sku, name, unit, price, reorder_level, active, created_at, updated_at`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	var unit string
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &unit, &p.Price, &p.ReorderLevel, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.Unit = domain.Unit(unit)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true OR $1
		ORDER BY name ASC
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, unit, price, reorder_level, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.SKU, product.Name, string(product.Unit), product.Price, product.ReorderLevel, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrConflict, product.SKU)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, price = $3, reorder_level = $4, active = $5, updated_at = $6
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Price, product.ReorderLevel, product.Active, product.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) CreatePriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error {
	if entry.ProductID == "" {
		return store.ErrInvalidRequest
	}
	if entry.ID == "" {
		entry.ID = xid.New("price")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_price_history (id, product_id, old_price, new_price, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.ProductID, entry.OldPrice, entry.NewPrice, entry.ChangedBy, entry.ChangedAt)
	return err
}

func (s *Store) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, old_price, new_price, changed_by, changed_at
		FROM product_price_history
		WHERE product_id = $1
		ORDER BY changed_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.ProductPriceHistory, 0, limit)
	for rows.Next() {
		var entry domain.ProductPriceHistory
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.OldPrice, &entry.NewPrice, &entry.ChangedBy, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.ChangedAt = entry.ChangedAt.UTC()
		history = append(history, entry)
	}
	return history, rows.Err()
}

const batchColumns = `id, product_id, batch_label, quantity, remaining, unit_cost, expiry_date, received_at, seq, created_at`

func scanBatch(row interface{ Scan(dest ...any) error }) (domain.InventoryBatch, error) {
	var b domain.InventoryBatch
	var label sql.NullString
	var expiry sql.NullTime
	if err := row.Scan(&b.ID, &b.ProductID, &label, &b.Quantity, &b.Remaining, &b.UnitCost, &expiry, &b.ReceivedAt, &b.Seq, &b.CreatedAt); err != nil {
		return domain.InventoryBatch{}, err
	}
	b.BatchLabel = label.String
	if expiry.Valid {
		e := dateUTC(expiry.Time)
		b.ExpiryDate = &e
	}
	b.ReceivedAt = b.ReceivedAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.InventoryBatch) (*domain.InventoryBatch, error) {
	if batch.ID == "" || batch.ProductID == "" || !batch.Quantity.IsPositive() {
		return nil, store.ErrInvalidRequest
	}

	created, err := scanBatch(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory_batches (
			id, product_id, batch_label, quantity, remaining, unit_cost, expiry_date, received_at, created_at
		)
		VALUES ($1,$2,$3,$4,$4,$5,$6,$7,$8)
		RETURNING `+batchColumns,
		batch.ID, batch.ProductID, nullIfEmpty(batch.BatchLabel), batch.Quantity, batch.UnitCost,
		nullDate(batch.ExpiryDate), batch.ReceivedAt, batch.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: batch %s already exists", store.ErrConflict, batch.ID)
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.InventoryBatch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM inventory_batches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]domain.InventoryBatch, error) {
	// LIMIT NULL is LIMIT ALL.
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM inventory_batches
		WHERE ($1 = '' OR product_id = $1)
			AND ($2 OR remaining > 0)
		ORDER BY received_at ASC, seq ASC, id ASC
		LIMIT $3
	`, filter.ProductID, filter.IncludeDepleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectBatches(rows)
}

func collectBatches(rows *sql.Rows) ([]domain.InventoryBatch, error) {
	batches := make([]domain.InventoryBatch, 0, 16)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, "id", id, false)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	if strings.TrimSpace(key) == "" {
		return nil, store.ErrNotFound
	}
	return loadOrder(ctx, s.db, "idempotency_key", key, false)
}

func loadOrder(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Order, error) {
	query := `
		SELECT id, total, notes, idempotency_key, created_by, created_at
		FROM orders
		WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var order domain.Order
	var notes, idem sql.NullString
	err := q.QueryRowContext(ctx, query, value).Scan(&order.ID, &order.Total, &notes, &idem, &order.CreatedBy, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	order.Notes = notes.String
	order.IdempotencyKey = idem.String
	order.CreatedAt = order.CreatedAt.UTC()

	if err := loadOrderLines(ctx, q, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func loadOrderLines(ctx context.Context, q queryer, order *domain.Order) error {
	itemRows, err := q.QueryContext(ctx, `
		SELECT product_id, qty, price_at_sale
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_no ASC
	`, order.ID)
	if err != nil {
		return err
	}
	order.Items = make([]domain.OrderItem, 0, 4)
	for itemRows.Next() {
		var item domain.OrderItem
		if err := itemRows.Scan(&item.ProductID, &item.Qty, &item.PriceAtSale); err != nil {
			_ = itemRows.Close()
			return err
		}
		order.Items = append(order.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	consumptionRows, err := q.QueryContext(ctx, `
		SELECT batch_id, product_id, line_no, qty
		FROM order_consumptions
		WHERE order_id = $1
		ORDER BY entry_no ASC
	`, order.ID)
	if err != nil {
		return err
	}
	defer consumptionRows.Close()

	order.Consumptions = make([]domain.Consumption, 0, len(order.Items))
	for consumptionRows.Next() {
		var c domain.Consumption
		if err := consumptionRows.Scan(&c.BatchID, &c.ProductID, &c.Line, &c.Qty); err != nil {
			return err
		}
		order.Consumptions = append(order.Consumptions, c)
	}
	return consumptionRows.Err()
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	from := filter.From
	to := filter.To
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM orders
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		order, err := loadOrder(ctx, s.db, "id", id, false)
		if errors.Is(err, store.ErrNotFound) {
			// Cancelled between the listing and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// WithinTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks come back as store.ErrConflict so the caller can retry the whole
// unit of work.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return classifyTxError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classifyTxError(err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) AvailableBatches(ctx context.Context, productID string) ([]domain.InventoryBatch, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM inventory_batches
		WHERE product_id = $1 AND remaining > 0
		ORDER BY received_at ASC, seq ASC, id ASC
		FOR UPDATE
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (t *pgTx) DecrementBatch(ctx context.Context, batchID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidRequest
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_batches
		SET remaining = remaining - $2
		WHERE id = $1 AND remaining >= $2
	`, batchID, qty)
	if err != nil {
		return err
	}
	return t.expectOneRow(ctx, res, batchID)
}

func (t *pgTx) RestoreBatch(ctx context.Context, batchID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return store.ErrInvalidRequest
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_batches
		SET remaining = remaining + $2
		WHERE id = $1 AND remaining + $2 <= quantity
	`, batchID, qty)
	if err != nil {
		return err
	}
	return t.expectOneRow(ctx, res, batchID)
}

// expectOneRow tells a missing batch apart from a failed guard condition.
func (t *pgTx) expectOneRow(ctx context.Context, res sql.Result, batchID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_batches WHERE id = $1)`, batchID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if order.ID == "" || len(order.Items) == 0 {
		return store.ErrInvalidRequest
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, total, notes, idempotency_key, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, order.ID, order.Total, nullIfEmpty(order.Notes), nullIfEmpty(order.IdempotencyKey), order.CreatedBy, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order or idempotency key already exists", store.ErrConflict)
		}
		return err
	}

	for i, item := range order.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, product_id, qty, price_at_sale)
			VALUES ($1,$2,$3,$4,$5)
		`, order.ID, i, item.ProductID, item.Qty, item.PriceAtSale)
		if err != nil {
			return err
		}
	}

	for i, c := range order.Consumptions {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_consumptions (order_id, entry_no, line_no, batch_id, product_id, qty)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, order.ID, i, c.Line, c.BatchID, c.ProductID, c.Qty)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return loadOrder(ctx, t.tx, "id", orderID, true)
}

func (t *pgTx) DeleteOrder(ctx context.Context, orderID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func classifyTxError(err error) error {
	if isRetryable(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(*val)
}
