package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
	"dairyplant/backend/internal/xid"
)

// CreateOrder validates the request, resolves missing prices from the
// catalog and consumes stock for every line in one transaction. Either every
// line is fully drawn and the order is stored, or nothing changes.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.OrderCreateResult, error) {
	if len(req.Items) == 0 {
		return domain.OrderCreateResult{}, invalid("order must contain at least one item")
	}

	productIDs := make([]string, 0, len(req.Items))
	for i := range req.Items {
		line := &req.Items[i]
		line.Product = strings.TrimSpace(line.Product)
		if line.Product == "" {
			return domain.OrderCreateResult{}, invalid("item %d: product is required", i)
		}
		if !line.Qty.IsPositive() {
			return domain.OrderCreateResult{}, invalid("item %d: qty must be greater than zero", i)
		}
		if err := checkAmount(fmt.Sprintf("item %d: qty", i), line.Qty); err != nil {
			return domain.OrderCreateResult{}, err
		}
		if line.PriceAtSale != nil {
			if line.PriceAtSale.IsNegative() {
				return domain.OrderCreateResult{}, invalid("item %d: priceAtSale must not be negative", i)
			}
			if err := checkAmount(fmt.Sprintf("item %d: priceAtSale", i), *line.PriceAtSale); err != nil {
				return domain.OrderCreateResult{}, err
			}
		}
		productIDs = append(productIDs, line.Product)
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey)
		if err == nil {
			return domain.OrderCreateResult{Order: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.OrderCreateResult{}, err
		}
	}

	products, err := s.catalog.Products(ctx, productIDs)
	if err != nil {
		return domain.OrderCreateResult{}, err
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	total := decimal.Zero
	for i, line := range req.Items {
		product, ok := products[line.Product]
		if !ok {
			return domain.OrderCreateResult{}, invalid("item %d: unknown product %s", i, line.Product)
		}
		if !product.Active {
			return domain.OrderCreateResult{}, invalid("item %d: product %s is inactive", i, line.Product)
		}
		if !product.Unit.AcceptsQty(line.Qty) {
			return domain.OrderCreateResult{}, invalid("item %d: product %s is sold by the piece, qty must be a whole number", i, line.Product)
		}

		price := product.Price
		if line.PriceAtSale != nil {
			price = *line.PriceAtSale
		}
		items = append(items, domain.OrderItem{ProductID: product.ID, Qty: line.Qty, PriceAtSale: price})
		total = total.Add(line.Qty.Mul(price))
	}
	if total.GreaterThanOrEqual(maxTotal) {
		return domain.OrderCreateResult{}, invalid("order total must be less than %s", maxTotal)
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	order := domain.Order{
		ID:             xid.New("ord"),
		Items:          items,
		Total:          total,
		Notes:          strings.TrimSpace(req.Notes),
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      actor.Username,
		CreatedAt:      time.Now().UTC(),
	}

	err = s.withTxRetry(ctx, "order_create", func(ctx context.Context, tx store.Tx) error {
		consumptions := make([]domain.Consumption, 0, len(items))
		for i, item := range items {
			draws, err := s.selector.Consume(ctx, tx, item.ProductID, item.Qty)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			for _, draw := range draws {
				consumptions = append(consumptions, domain.Consumption{
					BatchID:   draw.BatchID,
					ProductID: item.ProductID,
					Line:      i,
					Qty:       draw.Qty,
				})
			}
		}
		order.Consumptions = consumptions
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		if order.IdempotencyKey != "" && errors.Is(err, store.ErrConflict) {
			// A concurrent request with the same key won the insert.
			if existing, findErr := s.repo.FindOrderByIdempotency(ctx, order.IdempotencyKey); findErr == nil {
				return domain.OrderCreateResult{Order: *existing, Duplicate: true}, nil
			}
		}
		return domain.OrderCreateResult{}, err
	}

	s.logAudit(ctx, "order_create", "order", order.ID, fmt.Sprintf("lines=%d,total=%s,draws=%d", len(order.Items), order.Total, len(order.Consumptions)))
	return domain.OrderCreateResult{Order: order}, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// ListOrders returns orders created on date (YYYY-MM-DD, UTC), newest first.
// An empty date lists across all days.
func (s *Service) ListOrders(ctx context.Context, date string, limit int) ([]domain.Order, error) {
	filter := domain.OrderFilter{Limit: limit}
	if strings.TrimSpace(date) != "" {
		from, to, err := dayRange(date)
		if err != nil {
			return nil, err
		}
		filter.From, filter.To = from, to
	}
	return s.repo.ListOrders(ctx, filter)
}

// CancelOrder deletes an order under the configured cancel policy. With
// CancelRestock every consumption is returned to its batch in the same
// transaction; with CancelRetain the consumed stock stays consumed.
func (s *Service) CancelOrder(ctx context.Context, id string) (domain.OrderCancelResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.OrderCancelResult{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.OrderCancelResult{}, invalid("order id is required")
	}

	result := domain.OrderCancelResult{OrderID: id, Policy: s.cancelPolicy}
	err := s.withTxRetry(ctx, "order_cancel", func(ctx context.Context, tx store.Tx) error {
		result.Restored = make([]domain.BatchRestore, 0)

		order, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}

		if s.cancelPolicy == domain.CancelRestock {
			index := make(map[string]int, len(order.Consumptions))
			for _, c := range order.Consumptions {
				if err := tx.RestoreBatch(ctx, c.BatchID, c.Qty); err != nil {
					return fmt.Errorf("restore batch %s: %w", c.BatchID, err)
				}
				if at, seen := index[c.BatchID]; seen {
					result.Restored[at].Qty = result.Restored[at].Qty.Add(c.Qty)
					continue
				}
				index[c.BatchID] = len(result.Restored)
				result.Restored = append(result.Restored, domain.BatchRestore{BatchID: c.BatchID, Qty: c.Qty})
			}
		}

		return tx.DeleteOrder(ctx, id)
	})
	if err != nil {
		return domain.OrderCancelResult{}, err
	}

	s.logAudit(ctx, "order_cancel", "order", id, fmt.Sprintf("policy=%s,restored_batches=%d", result.Policy, len(result.Restored)))
	return result, nil
}
