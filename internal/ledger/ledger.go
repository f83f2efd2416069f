// Package ledger owns on-hand stock quantities. Every change goes through
// Debit, Credit or Count, which write the quantity and its movement record
// in the same unit of work.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

// Entry describes one stock change. Quantity is always positive for Debit
// and Credit; for Count it is the physically counted on-hand value.
type Entry struct {
	VariantID     string
	Quantity      int
	MovementType  string
	ReferenceType string
	ReferenceID   string
	Reason        string
	Actor         string
}

type Ledger struct {
	repo store.Repository
}

func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// CheckAvailability reports whether quantity units can be taken right now.
// The answer is advisory; Debit re-checks atomically.
func (l *Ledger) CheckAvailability(ctx context.Context, variantID string, quantity int) (bool, error) {
	stock, err := l.repo.GetStock(ctx, variantID)
	if err != nil {
		return false, err
	}
	return quantity <= stock.Quantity-stock.ReservedQuantity, nil
}

func (l *Ledger) Stock(ctx context.Context, variantID string) (*domain.Stock, error) {
	return l.repo.GetStock(ctx, variantID)
}

// Debit removes entry.Quantity units. It fails with an
// *store.InsufficientStockError when on hand would drop below zero, in which
// case neither the quantity nor the movement log changes.
func (l *Ledger) Debit(ctx context.Context, entry Entry) (int, error) {
	if err := validateEntry(entry); err != nil {
		return 0, err
	}
	if entry.MovementType == "" {
		entry.MovementType = domain.MovementSale
	}
	return l.apply(ctx, entry, -entry.Quantity, false)
}

// Credit adds entry.Quantity units, for returns and purchase receipts.
func (l *Ledger) Credit(ctx context.Context, entry Entry) (int, error) {
	if err := validateEntry(entry); err != nil {
		return 0, err
	}
	if entry.MovementType == "" {
		entry.MovementType = domain.MovementReturn
	}
	return l.apply(ctx, entry, entry.Quantity, entry.MovementType == domain.MovementPurchase)
}

// Count sets on hand to the counted value and records the variance as an
// audit movement. It returns the quantity seen before the count.
func (l *Ledger) Count(ctx context.Context, entry Entry) (int, error) {
	if strings.TrimSpace(entry.VariantID) == "" || entry.Quantity < 0 {
		return 0, fmt.Errorf("%w: counted quantity must be >= 0", store.ErrInvalidTransaction)
	}
	entry.MovementType = domain.MovementAudit

	var previous int
	err := l.repo.RunInTx(ctx, func(txCtx context.Context) error {
		stock, err := l.repo.LockStock(txCtx, entry.VariantID)
		if err != nil {
			return err
		}
		previous = stock.Quantity
		variance := entry.Quantity - stock.Quantity
		if variance == 0 {
			return nil
		}
		_, err = l.record(txCtx, entry, variance, false)
		return err
	})
	if err != nil {
		return 0, err
	}
	return previous, nil
}

func (l *Ledger) Movements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	if _, err := l.repo.GetStock(ctx, variantID); err != nil {
		return nil, err
	}
	return l.repo.ListStockMovements(ctx, variantID, limit)
}

func (l *Ledger) apply(ctx context.Context, entry Entry, delta int, restock bool) (int, error) {
	var current int
	err := l.repo.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		current, err = l.record(txCtx, entry, delta, restock)
		return err
	})
	if err != nil {
		return 0, err
	}
	return current, nil
}

func (l *Ledger) record(txCtx context.Context, entry Entry, delta int, restock bool) (int, error) {
	previous, current, err := l.repo.AdjustStock(txCtx, entry.VariantID, delta, restock)
	if err != nil {
		return 0, err
	}

	if err := l.repo.CreateStockMovement(txCtx, domain.StockMovement{
		VariantID:        entry.VariantID,
		MovementType:     entry.MovementType,
		QuantityChange:   delta,
		PreviousQuantity: previous,
		NewQuantity:      current,
		ReferenceType:    entry.ReferenceType,
		ReferenceID:      entry.ReferenceID,
		Reason:           strings.TrimSpace(entry.Reason),
		MovedBy:          entry.Actor,
	}); err != nil {
		return 0, err
	}
	return current, nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.VariantID) == "" {
		return fmt.Errorf("%w: variant_id is required", store.ErrInvalidTransaction)
	}
	if entry.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", store.ErrInvalidTransaction)
	}
	return nil
}
