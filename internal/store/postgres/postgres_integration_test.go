package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/gateway"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("PHARMAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PHARMAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedVariant(t *testing.T, s *Store, qty int) string {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	variantID := fmt.Sprintf("var-it-%d", stamp)

	if _, err := s.CreateVariant(ctx, domain.ProductVariant{
		ID:                 variantID,
		ProductName:        "Integration Paracetamol",
		Strength:           "500mg",
		PackSize:           "10 tabs",
		SKU:                fmt.Sprintf("SKU-IT-%d", stamp),
		PurchasePriceCents: 1000,
		SellingPriceCents:  2000,
	}); err != nil {
		t.Fatalf("create variant: %v", err)
	}
	if qty > 0 {
		if _, _, err := s.AdjustStock(ctx, variantID, qty, true); err != nil {
			t.Fatalf("seed stock: %v", err)
		}
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE variant_id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stocks WHERE variant_id = $1`, variantID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_variants WHERE id = $1`, variantID)
	})
	return variantID
}

func TestAdjustStockNeverGoesNegativeUnderContention(t *testing.T) {
	s := newIntegrationStore(t)
	variantID := seedVariant(t, s, 10)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTx(ctx, func(txCtx context.Context) error {
				_, _, err := s.AdjustStock(txCtx, variantID, -1, false)
				return err
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected adjust error: %v", err)
			}
		}()
	}
	wg.Wait()

	stock, err := s.GetStock(ctx, variantID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock.Quantity != 0 {
		t.Fatalf("expected stock drained to 0, got %d", stock.Quantity)
	}
	if succeeded.Load() != 10 {
		t.Fatalf("expected exactly 10 successful debits, got %d", succeeded.Load())
	}
}

func TestFinalizeSaleIsCompareAndSet(t *testing.T) {
	s := newIntegrationStore(t)
	variantID := seedVariant(t, s, 5)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	sale, err := s.CreateSale(ctx, domain.Sale{
		SaleNumber:    fmt.Sprintf("SL-IT-%d", stamp),
		CustomerType:  domain.CustomerTypeWalkIn,
		Cashier:       "cashier",
		TotalItems:    1,
		SubtotalCents: 2000,
		TotalCents:    2000,
		Status:        domain.SaleStatusPending,
		Items: []domain.SaleItem{
			{VariantID: variantID, Quantity: 1, UnitPriceCents: 2000, TotalCents: 2000, CostCents: 1000},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, sale.ID)
	})

	settlement := domain.Settlement{
		Status:          domain.SaleStatusCompleted,
		PaymentMethod:   domain.PaymentMethodCash,
		AmountPaidCents: 2000,
		FinalizedAt:     time.Now().UTC(),
	}
	updated, err := s.FinalizeSale(ctx, sale.ID, settlement)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if updated.Status != domain.SaleStatusCompleted || len(updated.Items) != 1 {
		t.Fatalf("unexpected finalized sale: %+v", updated)
	}

	if _, err := s.FinalizeSale(ctx, sale.ID, settlement); !errors.Is(err, store.ErrSaleAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	if _, err := s.FinalizeSale(ctx, "sale-missing", settlement); !errors.Is(err, store.ErrSaleNotFound) {
		t.Fatalf("expected sale not found, got %v", err)
	}
}

func TestCrosswiseSalesFinalizeWithoutDeadlock(t *testing.T) {
	s := newIntegrationStore(t)
	first := seedVariant(t, s, 100)
	second := seedVariant(t, s, 100)
	svc := service.New(s, gateway.Disabled{}, nil)
	ctx := service.WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})

	var saleIDs []string
	t.Cleanup(func() {
		for _, id := range saleIDs {
			_, _ = s.db.ExecContext(context.Background(), `DELETE FROM receipts WHERE sale_id = $1`, id)
			_, _ = s.db.ExecContext(context.Background(), `DELETE FROM sale_items WHERE sale_id = $1`, id)
			_, _ = s.db.ExecContext(context.Background(), `DELETE FROM sales WHERE id = $1`, id)
		}
	})

	const rounds = 20
	for i := 0; i < rounds; i++ {
		forward, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: []domain.SaleLineRequest{
			{VariantID: first, Quantity: 1},
			{VariantID: second, Quantity: 1},
		}})
		if err != nil {
			t.Fatalf("create forward sale: %v", err)
		}
		backward, err := svc.CreateSale(ctx, domain.SaleCreateRequest{Items: []domain.SaleLineRequest{
			{VariantID: second, Quantity: 1},
			{VariantID: first, Quantity: 1},
		}})
		if err != nil {
			t.Fatalf("create backward sale: %v", err)
		}
		saleIDs = append(saleIDs, forward.ID, backward.ID)

		var wg sync.WaitGroup
		for _, sale := range []domain.Sale{forward, backward} {
			wg.Add(1)
			go func(sale domain.Sale) {
				defer wg.Done()
				if _, err := svc.PayCash(ctx, sale.ID, sale.TotalCents); err != nil {
					t.Errorf("pay %s: %v", sale.SaleNumber, err)
				}
			}(sale)
		}
		wg.Wait()
	}

	for _, variantID := range []string{first, second} {
		stock, err := s.GetStock(ctx, variantID)
		if err != nil {
			t.Fatalf("get stock: %v", err)
		}
		if stock.Quantity != 100-2*rounds {
			t.Fatalf("expected %d on hand for %s, got %d", 100-2*rounds, variantID, stock.Quantity)
		}
	}
}

func TestLockStockBlocksConcurrentDebit(t *testing.T) {
	s := newIntegrationStore(t)
	variantID := seedVariant(t, s, 10)
	ctx := context.Background()

	debited := make(chan error, 1)
	err := s.RunInTx(ctx, func(txCtx context.Context) error {
		stock, err := s.LockStock(txCtx, variantID)
		if err != nil {
			return err
		}
		go func() {
			debited <- s.RunInTx(ctx, func(otherCtx context.Context) error {
				_, _, err := s.AdjustStock(otherCtx, variantID, -1, false)
				return err
			})
		}()

		select {
		case err := <-debited:
			t.Errorf("debit finished while the row was locked: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
		_, _, err = s.AdjustStock(txCtx, variantID, 25-stock.Quantity, false)
		return err
	})
	if err != nil {
		t.Fatalf("locked tx: %v", err)
	}
	if err := <-debited; err != nil {
		t.Fatalf("debit after unlock: %v", err)
	}

	stock, err := s.GetStock(ctx, variantID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock.Quantity != 24 {
		t.Fatalf("expected counted 25 minus one debit, got %d", stock.Quantity)
	}
}

func TestCountLandsOnCountedQuantityUnderContention(t *testing.T) {
	s := newIntegrationStore(t)
	variantID := seedVariant(t, s, 40)
	l := ledger.New(s)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, ledger.Entry{VariantID: variantID, Quantity: 1, ReferenceType: "sale", ReferenceID: "it"}); err != nil {
				t.Errorf("debit: %v", err)
			}
		}()
	}
	if _, err := l.Count(ctx, ledger.Entry{VariantID: variantID, Quantity: 50, ReferenceType: "stock_audit", ReferenceID: "it"}); err != nil {
		t.Fatalf("count: %v", err)
	}
	wg.Wait()

	movements, err := s.ListStockMovements(ctx, variantID, 100)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	for _, m := range movements {
		if m.MovementType != domain.MovementAudit {
			continue
		}
		if m.NewQuantity != 50 || m.PreviousQuantity+m.QuantityChange != 50 {
			t.Fatalf("audit movement did not land on the count: %+v", m)
		}
	}
}
