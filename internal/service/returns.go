package service

import (
	"context"
	"fmt"
	"strings"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

// ProcessReturn takes goods back against a completed sale. Quantities are
// checked against everything already returned for the same sale items, and
// the refund is the unit price times the returned quantity.
func (s *Service) ProcessReturn(ctx context.Context, saleID string, req domain.ReturnRequest) (domain.SaleReturn, error) {
	if len(req.Items) == 0 {
		return domain.SaleReturn{}, fmt.Errorf("%w: return needs at least one item", store.ErrInvalidTransaction)
	}
	requested := make(map[string]int, len(req.Items))
	order := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		id := strings.TrimSpace(line.SaleItemID)
		if id == "" || line.QuantityReturned < 1 {
			return domain.SaleReturn{}, store.ErrInvalidTransaction
		}
		if _, seen := requested[id]; !seen {
			order = append(order, id)
		}
		requested[id] += line.QuantityReturned
	}

	cashier := actorName(ctx)
	var (
		created *domain.SaleReturn
		sale    *domain.Sale
	)
	err := s.repo.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		sale, err = s.repo.LockSale(txCtx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusCompleted {
			return fmt.Errorf("%w: sale %s is %s", store.ErrInvalidReturnState, sale.SaleNumber, sale.Status)
		}

		itemsByID := make(map[string]domain.SaleItem, len(sale.Items))
		for _, item := range sale.Items {
			itemsByID[item.ID] = item
		}
		alreadyReturned, err := s.repo.GetReturnedQtyBySaleItem(txCtx, sale.ID)
		if err != nil {
			return err
		}

		now := s.now()
		saleReturn := domain.SaleReturn{
			ReturnNumber:   xid.Number("RT", now),
			OriginalSaleID: sale.ID,
			Cashier:        cashier,
			Reason:         strings.TrimSpace(req.Reason),
			Status:         domain.ReturnStatusCompleted,
			CreatedAt:      now,
			Items:          make([]domain.ReturnItem, 0, len(order)),
		}
		for _, id := range order {
			item, ok := itemsByID[id]
			if !ok {
				return fmt.Errorf("%w: sale item %s is not part of sale %s", store.ErrInvalidTransaction, id, sale.SaleNumber)
			}
			qty := requested[id]
			if alreadyReturned[id]+qty > item.Quantity {
				return fmt.Errorf("%w: item %s bought %d, returned %d, requested %d", store.ErrExcessiveReturnQuantity, id, item.Quantity, alreadyReturned[id], qty)
			}
			refund := item.UnitPriceCents * int64(qty)
			saleReturn.Items = append(saleReturn.Items, domain.ReturnItem{
				SaleItemID:        id,
				VariantID:         item.VariantID,
				QuantityReturned:  qty,
				RefundAmountCents: refund,
			})
			saleReturn.TotalRefundAmountCents += refund
		}

		created, err = s.repo.CreateSaleReturn(txCtx, saleReturn)
		if err != nil {
			return err
		}

		for _, line := range stockLines(created.Items, func(item domain.ReturnItem) (string, int) { return item.VariantID, item.QuantityReturned }) {
			if _, err := s.ledger.Credit(txCtx, ledger.Entry{
				VariantID:     line.variantID,
				Quantity:      line.quantity,
				MovementType:  domain.MovementReturn,
				ReferenceType: "sale_return",
				ReferenceID:   created.ID,
				Reason:        "return " + created.ReturnNumber,
				Actor:         cashier,
			}); err != nil {
				return err
			}
		}

		if sale.CustomerID != "" {
			if _, err := s.repo.ApplyCustomerDelta(txCtx, sale.CustomerID, domain.CustomerDelta{
				LoyaltyPoints:   -loyaltyPoints(created.TotalRefundAmountCents),
				TotalSpentCents: -created.TotalRefundAmountCents,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.SaleReturn{}, err
	}

	s.logAudit(ctx, "sale_return", "sale", sale.ID, fmt.Sprintf("return=%s,refund=%d,items=%d", created.ReturnNumber, created.TotalRefundAmountCents, len(created.Items)))
	s.publish(ctx, domain.SaleEventReturned, *sale, fmt.Sprintf("return=%s,refund_cents=%d", created.ReturnNumber, created.TotalRefundAmountCents))
	return *created, nil
}
