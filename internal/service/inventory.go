package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/xid"
)

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.InventoryBatch, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryBatch{}, err
	}

	productID := strings.TrimSpace(req.Product)
	if productID == "" {
		return domain.InventoryBatch{}, invalid("product is required")
	}
	if err := checkAmount("quantity", req.Quantity); err != nil {
		return domain.InventoryBatch{}, err
	}
	if err := checkAmount("unitCost", req.UnitCost); err != nil {
		return domain.InventoryBatch{}, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.InventoryBatch{}, err
	}
	if !product.Unit.AcceptsQty(req.Quantity) {
		return domain.InventoryBatch{}, invalid("quantity must be greater than zero and whole for piece products")
	}
	if req.UnitCost.IsNegative() {
		return domain.InventoryBatch{}, invalid("unitCost must not be negative")
	}

	now := time.Now().UTC()
	receivedAt := now
	if raw := strings.TrimSpace(req.ReceivedAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.InventoryBatch{}, invalid("receivedAt must be RFC3339")
		}
		if parsed.After(now.Add(5 * time.Minute)) {
			return domain.InventoryBatch{}, invalid("receivedAt must not be in the future")
		}
		receivedAt = parsed.UTC()
	}

	var expiry *time.Time
	if raw := strings.TrimSpace(req.ExpiryDate); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return domain.InventoryBatch{}, invalid("expiryDate must use YYYY-MM-DD")
		}
		expiry = &parsed
	}

	id := xid.New("bat")
	label := strings.TrimSpace(req.BatchLabel)
	if label == "" {
		label = "LOT-" + id[len(id)-8:]
	}

	created, err := s.repo.CreateBatch(ctx, domain.InventoryBatch{
		ID:         id,
		ProductID:  product.ID,
		BatchLabel: label,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		UnitCost:   req.UnitCost,
		ExpiryDate: expiry,
		ReceivedAt: receivedAt,
		CreatedAt:  now,
	})
	if err != nil {
		return domain.InventoryBatch{}, err
	}

	s.logAudit(ctx, "batch_receive", "batch", created.ID, fmt.Sprintf("product=%s,label=%s,qty=%s,cost=%s", created.ProductID, created.BatchLabel, created.Quantity, created.UnitCost))
	return *created, nil
}

func (s *Service) GetBatch(ctx context.Context, id string) (domain.InventoryBatch, error) {
	batch, err := s.repo.GetBatch(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.InventoryBatch{}, err
	}
	return *batch, nil
}

func (s *Service) ListBatches(ctx context.Context, filter domain.BatchFilter) ([]domain.InventoryBatch, error) {
	filter.ProductID = strings.TrimSpace(filter.ProductID)
	return s.repo.ListBatches(ctx, filter)
}

func (s *Service) StockLevels(ctx context.Context) ([]domain.StockLevel, error) {
	products, err := s.repo.ListProducts(ctx, false)
	if err != nil {
		return nil, err
	}
	batches, err := s.repo.ListBatches(ctx, domain.BatchFilter{})
	if err != nil {
		return nil, err
	}

	open := make(map[string][]domain.InventoryBatch, len(products))
	for _, b := range batches {
		open[b.ProductID] = append(open[b.ProductID], b)
	}

	levels := make([]domain.StockLevel, 0, len(products))
	for _, p := range products {
		productBatches := open[p.ID]
		remaining := make([]decimal.Decimal, 0, len(productBatches))
		for _, b := range productBatches {
			remaining = append(remaining, b.Remaining)
		}
		level := domain.StockLevel{
			ProductID:    p.ID,
			SKU:          p.SKU,
			Name:         p.Name,
			Unit:         p.Unit,
			OnHand:       sumDecimals(remaining),
			OpenBatches:  len(productBatches),
			ReorderLevel: p.ReorderLevel,
		}
		// ListBatches returns FIFO order, so the first open batch is the oldest.
		if len(productBatches) > 0 {
			oldest := productBatches[0].ReceivedAt
			level.OldestReceived = &oldest
		}
		level.BelowReorder = p.ReorderLevel.IsPositive() && level.OnHand.LessThanOrEqual(p.ReorderLevel)
		levels = append(levels, level)
	}
	return levels, nil
}

// ReorderSuggestions lists products at or below their reorder level. The
// recommended quantity tops stock up to twice the reorder level.
func (s *Service) ReorderSuggestions(ctx context.Context) (domain.ReorderSuggestionResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ReorderSuggestionResponse{}, err
	}

	levels, err := s.StockLevels(ctx)
	if err != nil {
		return domain.ReorderSuggestionResponse{}, err
	}

	suggestions := make([]domain.ReorderSuggestion, 0, len(levels))
	for _, level := range levels {
		if !level.BelowReorder {
			continue
		}
		history, err := s.repo.ListBatches(ctx, domain.BatchFilter{ProductID: level.ProductID, IncludeDepleted: true})
		if err != nil {
			return domain.ReorderSuggestionResponse{}, err
		}
		lastCost := decimal.Zero
		if len(history) > 0 {
			lastCost = history[len(history)-1].UnitCost
		}

		recommended := level.ReorderLevel.Mul(decimal.NewFromInt(2)).Sub(level.OnHand)
		if level.Unit == domain.UnitPiece {
			recommended = recommended.Ceil()
		}
		suggestions = append(suggestions, domain.ReorderSuggestion{
			ProductID:      level.ProductID,
			SKU:            level.SKU,
			Name:           level.Name,
			OnHand:         level.OnHand,
			ReorderLevel:   level.ReorderLevel,
			RecommendedQty: recommended,
			LastUnitCost:   lastCost,
			EstimatedCost:  recommended.Mul(lastCost).Round(2),
		})
	}

	slices.SortFunc(suggestions, func(a, b domain.ReorderSuggestion) int {
		// Largest shortfall first.
		return b.RecommendedQty.Cmp(a.RecommendedQty)
	})

	return domain.ReorderSuggestionResponse{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Suggestions: suggestions,
	}, nil
}
