package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

// CreateSale prices the cart, checks availability and stores a pending sale.
// Stock is only debited when the sale is paid.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale needs at least one item", store.ErrInvalidTransaction)
	}
	if req.DiscountCents < 0 || req.TaxRatePercent < 0 || req.TaxRatePercent > 100 {
		return domain.Sale{}, store.ErrInvalidTransaction
	}

	requested := make(map[string]int, len(req.Items))
	for i := range req.Items {
		line := &req.Items[i]
		line.VariantID = strings.TrimSpace(line.VariantID)
		if line.VariantID == "" || line.Quantity < 1 || line.DiscountCents < 0 {
			return domain.Sale{}, store.ErrInvalidTransaction
		}
		requested[line.VariantID] += line.Quantity
	}

	variantIDs := make([]string, 0, len(requested))
	for id := range requested {
		variantIDs = append(variantIDs, id)
	}
	sort.Strings(variantIDs)

	variants, err := s.repo.GetVariantsByIDs(ctx, variantIDs)
	if err != nil {
		return domain.Sale{}, err
	}
	for _, id := range variantIDs {
		variant, ok := variants[id]
		if !ok || !variant.Active {
			return domain.Sale{}, fmt.Errorf("%w: %s", store.ErrVariantNotFound, id)
		}
		available, err := s.ledger.CheckAvailability(ctx, id, requested[id])
		if err != nil {
			return domain.Sale{}, err
		}
		if !available {
			short := &store.InsufficientStockError{VariantID: id, Requested: requested[id]}
			if stock, err := s.ledger.Stock(ctx, id); err == nil {
				short.OnHand = stock.Quantity
			}
			return domain.Sale{}, short
		}
	}

	sale := domain.Sale{
		SaleNumber:   xid.Number("SL", s.now()),
		CustomerType: domain.CustomerTypeWalkIn,
		Cashier:      actorName(ctx),
		Status:       domain.SaleStatusPending,
		Notes:        strings.TrimSpace(req.Notes),
		CreatedAt:    s.now(),
		Items:        make([]domain.SaleItem, 0, len(req.Items)),
	}

	if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
		customer, err := s.repo.GetCustomer(ctx, customerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Sale{}, fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)
			}
			return domain.Sale{}, err
		}
		if !customer.Active {
			return domain.Sale{}, fmt.Errorf("%w: customer %s is inactive", store.ErrInvalidTransaction, customerID)
		}
		sale.CustomerID = customer.ID
		sale.CustomerType = domain.CustomerTypeRegistered
	}

	for _, line := range req.Items {
		variant := variants[line.VariantID]
		gross := variant.SellingPriceCents * int64(line.Quantity)
		if line.DiscountCents > gross {
			return domain.Sale{}, fmt.Errorf("%w: line discount exceeds line value for %s", store.ErrInvalidTransaction, line.VariantID)
		}
		item := domain.SaleItem{
			VariantID:      line.VariantID,
			Quantity:       line.Quantity,
			UnitPriceCents: variant.SellingPriceCents,
			DiscountCents:  line.DiscountCents,
			TotalCents:     gross - line.DiscountCents,
			CostCents:      variant.PurchasePriceCents,
		}
		sale.Items = append(sale.Items, item)
		sale.TotalItems += item.Quantity
		sale.SubtotalCents += item.TotalCents
	}

	if req.DiscountCents > sale.SubtotalCents {
		return domain.Sale{}, fmt.Errorf("%w: discount exceeds subtotal", store.ErrInvalidTransaction)
	}
	taxBase := sale.SubtotalCents - req.DiscountCents
	sale.DiscountCents = req.DiscountCents
	sale.TaxCents = int64(math.Round(float64(taxBase) * req.TaxRatePercent / 100))
	sale.TotalCents = taxBase + sale.TaxCents

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("number=%s,items=%d,total=%d", created.SaleNumber, created.TotalItems, created.TotalCents))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, status string, limit int) ([]domain.Sale, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.SaleStatusPending, domain.SaleStatusCompleted, domain.SaleStatusCancelled:
	default:
		return nil, store.ErrInvalidTransaction
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListSales(ctx, status, limit)
}

func (s *Service) ListReceipts(ctx context.Context, saleID string) ([]domain.Receipt, error) {
	if _, err := s.repo.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return s.repo.ListReceipts(ctx, saleID)
}

func (s *Service) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	if _, err := s.repo.GetSale(ctx, saleID); err != nil {
		return nil, err
	}
	return s.repo.ListSaleReturns(ctx, saleID)
}
