package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

func (s *Service) GetStock(ctx context.Context, variantID string) (domain.StockView, error) {
	variantID = strings.TrimSpace(variantID)
	stock, err := s.ledger.Stock(ctx, variantID)
	if err != nil {
		return domain.StockView{}, err
	}
	variants, err := s.repo.GetVariantsByIDs(ctx, []string{variantID})
	if err != nil {
		return domain.StockView{}, err
	}

	available := stock.Quantity - stock.ReservedQuantity
	return domain.StockView{
		Stock:     *stock,
		Available: available,
		LowStock:  stock.Quantity <= variants[variantID].MinStockLevel,
	}, nil
}

func (s *Service) ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.ledger.Movements(ctx, strings.TrimSpace(variantID), limit)
}

// ReceiveStock books a supplier delivery.
func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest) (domain.StockView, error) {
	req.VariantID = strings.TrimSpace(req.VariantID)
	if req.VariantID == "" || req.Quantity < 1 {
		return domain.StockView{}, store.ErrInvalidTransaction
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = xid.Number("GRN", s.now())
	}
	current, err := s.ledger.Credit(ctx, ledger.Entry{
		VariantID:     req.VariantID,
		Quantity:      req.Quantity,
		MovementType:  domain.MovementPurchase,
		ReferenceType: "purchase",
		ReferenceID:   reference,
		Reason:        req.Reason,
		Actor:         actorName(ctx),
	})
	if err != nil {
		return domain.StockView{}, err
	}

	s.logAudit(ctx, "stock_receive", "stock", req.VariantID, fmt.Sprintf("qty=%d,on_hand=%d,ref=%s", req.Quantity, current, reference))
	return s.GetStock(ctx, req.VariantID)
}

// StockAudit applies a physical count. All lines are applied together or
// not at all.
func (s *Service) StockAudit(ctx context.Context, req domain.StockAuditRequest) (domain.StockAuditResponse, error) {
	if len(req.Items) == 0 {
		return domain.StockAuditResponse{}, store.ErrInvalidTransaction
	}
	seen := make(map[string]bool, len(req.Items))
	for i := range req.Items {
		req.Items[i].VariantID = strings.TrimSpace(req.Items[i].VariantID)
		item := req.Items[i]
		if item.VariantID == "" || item.CountedQty < 0 || seen[item.VariantID] {
			return domain.StockAuditResponse{}, store.ErrInvalidTransaction
		}
		seen[item.VariantID] = true
	}

	now := s.now()
	auditNumber := xid.Number("SA", now)
	actor := actorName(ctx)
	lines := make([]domain.StockAuditLine, 0, len(req.Items))

	err := s.repo.RunInTx(ctx, func(txCtx context.Context) error {
		lines = lines[:0]
		for _, item := range req.Items {
			systemQty, err := s.ledger.Count(txCtx, ledger.Entry{
				VariantID:     item.VariantID,
				Quantity:      item.CountedQty,
				ReferenceType: "stock_audit",
				ReferenceID:   auditNumber,
				Reason:        req.Notes,
				Actor:         actor,
			})
			if err != nil {
				return err
			}
			lines = append(lines, domain.StockAuditLine{
				VariantID:  item.VariantID,
				SystemQty:  systemQty,
				CountedQty: item.CountedQty,
				Variance:   item.CountedQty - systemQty,
			})
		}
		return nil
	})
	if err != nil {
		return domain.StockAuditResponse{}, err
	}

	s.logAudit(ctx, "stock_audit", "stock", auditNumber, fmt.Sprintf("items=%d,notes=%s", len(lines), req.Notes))
	return domain.StockAuditResponse{
		AuditNumber: auditNumber,
		Notes:       req.Notes,
		Lines:       lines,
		CreatedAt:   now.Format(time.RFC3339),
	}, nil
}
