package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dairyplant/backend/internal/catalog"
	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/fifo"
	"dairyplant/backend/internal/store"
	"dairyplant/backend/internal/xid"
)

var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	CancelPolicy domain.CancelPolicy
	// TxMaxRetries bounds how often a unit of work is re-run after a
	// store.ErrConflict. Zero means a single attempt.
	TxMaxRetries int
	SkipExpired  bool
}

type Service struct {
	repo         store.Repository
	catalog      *catalog.Catalog
	selector     fifo.Selector
	cancelPolicy domain.CancelPolicy
	txMaxRetries int
}

func New(repo store.Repository, products *catalog.Catalog, opts Options) *Service {
	if products == nil {
		products = catalog.New(repo, nil, 0)
	}
	if !opts.CancelPolicy.Valid() {
		opts.CancelPolicy = domain.CancelRetain
	}
	if opts.TxMaxRetries < 0 {
		opts.TxMaxRetries = 0
	}

	return &Service{
		repo:         repo,
		catalog:      products,
		selector:     fifo.Selector{SkipExpired: opts.SkipExpired},
		cancelPolicy: opts.CancelPolicy,
		txMaxRetries: opts.TxMaxRetries,
	}
}

func (s *Service) CancelPolicy() domain.CancelPolicy {
	return s.cancelPolicy
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrAdminRequired
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = domain.Unit(strings.ToLower(strings.TrimSpace(string(req.Unit))))

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, invalid("sku and name are required")
	}
	if !req.Unit.Valid() {
		return domain.Product{}, invalid("unit must be piece, weight or volume")
	}
	if !req.Price.IsPositive() {
		return domain.Product{}, invalid("price must be greater than zero")
	}
	if req.ReorderLevel.IsNegative() {
		return domain.Product{}, invalid("reorderLevel must not be negative")
	}
	if err := checkAmount("price", req.Price); err != nil {
		return domain.Product{}, err
	}
	if err := checkAmount("reorderLevel", req.ReorderLevel); err != nil {
		return domain.Product{}, err
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:           xid.New("prd"),
		SKU:          req.SKU,
		Name:         req.Name,
		Unit:         req.Unit,
		Price:        req.Price,
		ReorderLevel: req.ReorderLevel,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,unit=%s,price=%s", created.SKU, created.Unit, created.Price))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, invalid("name must not be empty")
		}
		updated.Name = name
	}
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return domain.Product{}, invalid("price must be greater than zero")
		}
		if err := checkAmount("price", *req.Price); err != nil {
			return domain.Product{}, err
		}
		updated.Price = *req.Price
	}
	if req.ReorderLevel != nil {
		if req.ReorderLevel.IsNegative() {
			return domain.Product{}, invalid("reorderLevel must not be negative")
		}
		if err := checkAmount("reorderLevel", *req.ReorderLevel); err != nil {
			return domain.Product{}, err
		}
		updated.ReorderLevel = *req.ReorderLevel
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	updated.UpdatedAt = time.Now().UTC()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	s.catalog.Invalidate(ctx, saved.ID)

	if !existing.Price.Equal(saved.Price) {
		actor, _ := ActorFromContext(ctx)
		if err := s.repo.CreatePriceHistory(ctx, domain.ProductPriceHistory{
			ID:        xid.New("price"),
			ProductID: saved.ID,
			OldPrice:  existing.Price,
			NewPrice:  saved.Price,
			ChangedBy: actor.Username,
			ChangedAt: saved.UpdatedAt,
		}); err != nil {
			log.Printf("[service] WARN: failed to record price history product=%s: %v", saved.ID, err)
		}
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("name=%s,price=%s,reorder=%s,active=%t", saved.Name, saved.Price, saved.ReorderLevel, saved.Active))
	return *saved, nil
}

func (s *Service) ListProductPriceHistory(ctx context.Context, id string, limit int) ([]domain.ProductPriceHistory, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return s.repo.ListPriceHistory(ctx, product.ID, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	from, to, err := dayRange(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// withTxRetry re-runs fn in a fresh transaction while the store reports a
// conflict, up to the configured retry budget.
func (s *Service) withTxRetry(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.WithinTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= s.txMaxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Printf("[service] WARN: %s conflicted, retrying attempt=%d: %v", op, attempt+1, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// dayRange turns YYYY-MM-DD into a [from, to) UTC window. An empty date means
// today.
func dayRange(date string) (time.Time, time.Time, error) {
	date = strings.TrimSpace(date)
	var day time.Time
	if date == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, time.Time{}, invalid("date must use YYYY-MM-DD")
		}
		day = parsed.UTC()
	}
	return day, day.AddDate(0, 0, 1), nil
}

// Quantities and money are stored as NUMERIC(14,4), order totals as
// NUMERIC(16,4).
const amountScale = 4

var (
	maxAmount = decimal.New(1, 10)
	maxTotal  = decimal.New(1, 12)
)

// checkAmount rejects values a store column cannot hold exactly.
func checkAmount(field string, v decimal.Decimal) error {
	if !v.Equal(v.Truncate(amountScale)) {
		return invalid("%s must have at most %d decimal places", field, amountScale)
	}
	if v.Abs().GreaterThanOrEqual(maxAmount) {
		return invalid("%s must be less than %s", field, maxAmount)
	}
	return nil
}

func sumDecimals(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
