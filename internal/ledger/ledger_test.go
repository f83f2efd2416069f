package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/store/memory"
)

const testVariant = "var-paracetamol-500"

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo), repo
}

func TestDebitRecordsMovement(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	current, err := l.Debit(ctx, Entry{VariantID: testVariant, Quantity: 5, ReferenceType: "sale", ReferenceID: "sale-1", Actor: "cashier"})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if current != 115 {
		t.Fatalf("expected 115 on hand, got %d", current)
	}

	movements, err := repo.ListStockMovements(ctx, testVariant, 10)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.MovementType != domain.MovementSale || m.QuantityChange != -5 || m.PreviousQuantity != 120 || m.NewQuantity != 115 {
		t.Fatalf("unexpected movement: %+v", m)
	}
	if m.ReferenceID != "sale-1" || m.MovedBy != "cashier" {
		t.Fatalf("movement lost its reference: %+v", m)
	}
}

func TestDebitBeyondOnHandLeavesNoTrace(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Debit(ctx, Entry{VariantID: testVariant, Quantity: 121})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var short *store.InsufficientStockError
	if !errors.As(err, &short) || short.VariantID != testVariant {
		t.Fatalf("expected error to name the variant, got %v", err)
	}

	stock, _ := repo.GetStock(ctx, testVariant)
	if stock.Quantity != 120 {
		t.Fatalf("expected stock untouched, got %d", stock.Quantity)
	}
	movements, _ := repo.ListStockMovements(ctx, testVariant, 10)
	if len(movements) != 0 {
		t.Fatalf("expected no movement, got %d", len(movements))
	}
}

func TestDebitUnknownVariant(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Debit(context.Background(), Entry{VariantID: "var-missing", Quantity: 1})
	if !errors.Is(err, store.ErrVariantNotFound) {
		t.Fatalf("expected variant not found, got %v", err)
	}
}

func TestDebitRejectsNonPositiveQuantity(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Debit(context.Background(), Entry{VariantID: testVariant, Quantity: 0})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction, got %v", err)
	}
}

func TestConcurrentDebitsNeverGoNegative(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, Entry{VariantID: testVariant, Quantity: 7}); err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	stock, _ := repo.GetStock(ctx, testVariant)
	if stock.Quantity < 0 {
		t.Fatalf("stock went negative: %d", stock.Quantity)
	}
	if got := int64(120 - stock.Quantity); got != succeeded.Load()*7 {
		t.Fatalf("on hand does not match successful debits: removed %d, succeeded %d", got, succeeded.Load())
	}
	if succeeded.Load() != 17 {
		t.Fatalf("expected 17 debits to fit into 120 units, got %d", succeeded.Load())
	}
}

func TestCreditPurchaseMarksRestock(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	current, err := l.Credit(ctx, Entry{VariantID: testVariant, Quantity: 30, MovementType: domain.MovementPurchase, ReferenceID: "GRN-1"})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if current != 150 {
		t.Fatalf("expected 150 on hand, got %d", current)
	}
	stock, _ := repo.GetStock(ctx, testVariant)
	if stock.LastRestockedAt == nil {
		t.Fatalf("expected last restocked timestamp")
	}
}

func TestCountRecordsVariance(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()

	previous, err := l.Count(ctx, Entry{VariantID: testVariant, Quantity: 112, Actor: "pharmacist", Reason: "shelf count"})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if previous != 120 {
		t.Fatalf("expected previous 120, got %d", previous)
	}
	movements, _ := repo.ListStockMovements(ctx, testVariant, 10)
	if len(movements) != 1 || movements[0].MovementType != domain.MovementAudit || movements[0].QuantityChange != -8 {
		t.Fatalf("unexpected audit movements: %+v", movements)
	}

	if _, err := l.Count(ctx, Entry{VariantID: testVariant, Quantity: 112}); err != nil {
		t.Fatalf("second count failed: %v", err)
	}
	movements, _ = repo.ListStockMovements(ctx, testVariant, 10)
	if len(movements) != 1 {
		t.Fatalf("expected no movement when count matches, got %d", len(movements))
	}
}

func TestDebitJoinsOuterUnitOfWork(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := l.Debit(txCtx, Entry{VariantID: testVariant, Quantity: 10}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected outer error, got %v", err)
	}

	stock, _ := repo.GetStock(ctx, testVariant)
	if stock.Quantity != 120 {
		t.Fatalf("expected rollback to restore 120, got %d", stock.Quantity)
	}
	movements, _ := repo.ListStockMovements(ctx, testVariant, 10)
	if len(movements) != 0 {
		t.Fatalf("expected movement rolled back, got %d", len(movements))
	}
}

func TestCheckAvailability(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	ok, err := l.CheckAvailability(ctx, testVariant, 120)
	if err != nil || !ok {
		t.Fatalf("expected 120 available, ok=%v err=%v", ok, err)
	}
	ok, err = l.CheckAvailability(ctx, testVariant, 121)
	if err != nil || ok {
		t.Fatalf("expected 121 unavailable, ok=%v err=%v", ok, err)
	}
	if _, err := l.CheckAvailability(ctx, "var-missing", 1); !errors.Is(err, store.ErrVariantNotFound) {
		t.Fatalf("expected variant not found, got %v", err)
	}
}
