package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/gateway"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/notify"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

// centsPerLoyaltyPoint is one point per 100 currency units.
const centsPerLoyaltyPoint = 10000

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	gateway  gateway.Gateway
	notifier notify.Notifier
	now      func() time.Time
}

func New(repo store.Repository, gw gateway.Gateway, notifier notify.Notifier) *Service {
	if gw == nil {
		gw = gateway.Disabled{}
	}
	if notifier == nil {
		notifier = notify.Log{}
	}

	return &Service{
		repo:     repo,
		ledger:   ledger.New(repo),
		gateway:  gw,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListVariants(ctx context.Context) ([]domain.ProductVariant, error) {
	return s.repo.ListVariants(ctx)
}

func (s *Service) CreateVariant(ctx context.Context, req domain.VariantCreateRequest) (domain.ProductVariant, error) {
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.ProductName == "" || req.SKU == "" {
		return domain.ProductVariant{}, store.ErrInvalidTransaction
	}
	if req.SellingPriceCents < 1 || req.PurchasePriceCents < 0 || req.InitialStock < 0 {
		return domain.ProductVariant{}, store.ErrInvalidTransaction
	}
	if req.MinStockLevel < 0 || (req.MaxStockLevel > 0 && req.MaxStockLevel < req.MinStockLevel) {
		return domain.ProductVariant{}, store.ErrInvalidTransaction
	}

	var created *domain.ProductVariant
	err := s.repo.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		created, err = s.repo.CreateVariant(txCtx, domain.ProductVariant{
			ProductName:        req.ProductName,
			Strength:           strings.TrimSpace(req.Strength),
			PackSize:           strings.TrimSpace(req.PackSize),
			SKU:                req.SKU,
			PurchasePriceCents: req.PurchasePriceCents,
			SellingPriceCents:  req.SellingPriceCents,
			MinStockLevel:      req.MinStockLevel,
			MaxStockLevel:      req.MaxStockLevel,
		})
		if err != nil {
			return err
		}
		if req.InitialStock == 0 {
			return nil
		}
		_, err = s.ledger.Credit(txCtx, ledger.Entry{
			VariantID:     created.ID,
			Quantity:      req.InitialStock,
			MovementType:  domain.MovementPurchase,
			ReferenceType: "variant",
			ReferenceID:   created.ID,
			Reason:        "initial stock",
			Actor:         actorName(ctx),
		})
		return err
	})
	if err != nil {
		return domain.ProductVariant{}, err
	}

	s.logAudit(ctx, "variant_create", "product_variant", created.ID, fmt.Sprintf("sku=%s,price=%d,stock=%d", created.SKU, created.SellingPriceCents, req.InitialStock))
	return *created, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	if req.FirstName == "" {
		return domain.Customer{}, store.ErrInvalidTransaction
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		CustomerCode: xid.Number("CUS", s.now()),
		FirstName:    req.FirstName,
		LastName:     strings.TrimSpace(req.LastName),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:        strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, "code="+created.CustomerCode)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// logAudit runs after the business change has committed; a failure is
// logged and never undoes it.
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
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, sale domain.Sale, detail string) {
	event := domain.SaleEvent{
		Type:       eventType,
		SaleID:     sale.ID,
		SaleNumber: sale.SaleNumber,
		CustomerID: sale.CustomerID,
		TotalCents: sale.TotalCents,
		Detail:     detail,
		At:         s.now(),
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		log.Printf("[service] WARN: notify %s sale=%s failed: %v", eventType, sale.ID, err)
	}
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

type stockLine struct {
	variantID string
	quantity  int
}

// stockLines totals quantities per variant in variant id order. Every unit
// of work touches stock rows in this order, so two sales sharing variants
// cannot lock them crosswise.
func stockLines[T any](items []T, split func(T) (string, int)) []stockLine {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		id, qty := split(item)
		totals[id] += qty
	}
	lines := make([]stockLine, 0, len(totals))
	for id, qty := range totals {
		lines = append(lines, stockLine{variantID: id, quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].variantID < lines[j].variantID })
	return lines
}

func loyaltyPoints(cents int64) int64 {
	if cents <= 0 {
		return 0
	}
	return cents / centsPerLoyaltyPoint
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
