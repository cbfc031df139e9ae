package postgres

import (
	"context"
	"fmt"
)

// Migrate creates the schema if it does not exist. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			sku TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			unit TEXT NOT NULL CHECK (unit IN ('piece', 'weight', 'volume')),
			price NUMERIC(14,4) NOT NULL CHECK (price > 0),
			reorder_level NUMERIC(14,4) NOT NULL DEFAULT 0 CHECK (reorder_level >= 0),
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS product_price_history (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products(id),
			old_price NUMERIC(14,4) NOT NULL,
			new_price NUMERIC(14,4) NOT NULL,
			changed_by TEXT NOT NULL,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_product ON product_price_history(product_id, changed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS inventory_batches (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products(id),
			batch_label TEXT,
			quantity NUMERIC(14,4) NOT NULL CHECK (quantity > 0),
			remaining NUMERIC(14,4) NOT NULL,
			unit_cost NUMERIC(14,4) NOT NULL DEFAULT 0 CHECK (unit_cost >= 0),
			expiry_date DATE,
			received_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT inventory_batches_remaining_bounds CHECK (remaining >= 0 AND remaining <= quantity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_fifo ON inventory_batches(product_id, received_at, seq) WHERE remaining > 0`,

		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			total NUMERIC(16,4) NOT NULL,
			notes TEXT,
			idempotency_key TEXT UNIQUE,
			created_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			line_no INTEGER NOT NULL,
			product_id TEXT NOT NULL REFERENCES products(id),
			qty NUMERIC(14,4) NOT NULL CHECK (qty > 0),
			price_at_sale NUMERIC(14,4) NOT NULL CHECK (price_at_sale >= 0),
			PRIMARY KEY (order_id, line_no)
		)`,

		`CREATE TABLE IF NOT EXISTS order_consumptions (
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			entry_no INTEGER NOT NULL,
			line_no INTEGER NOT NULL,
			batch_id TEXT NOT NULL REFERENCES inventory_batches(id),
			product_id TEXT NOT NULL REFERENCES products(id),
			qty NUMERIC(14,4) NOT NULL CHECK (qty > 0),
			PRIMARY KEY (order_id, entry_no)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consumptions_batch ON order_consumptions(batch_id)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor_username TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS app_users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
