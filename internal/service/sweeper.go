package service

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pharmapos/backend/internal/domain"
)

type SweepResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// SweepPendingPayments re-queries the gateway for pending sales whose
// callback never arrived. Sales younger than minAge are left to the
// callback. A failing sale is logged and does not stop the others.
func (s *Service) SweepPendingPayments(ctx context.Context, minAge time.Duration, workers int) (SweepResult, error) {
	if workers < 1 {
		workers = 1
	}

	sales, err := s.repo.ListPendingGatewaySales(ctx, s.now().Add(-minAge), 200)
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu     sync.Mutex
		result = SweepResult{Checked: len(sales)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range sales {
		sale := sales[i]
		g.Go(func() error {
			resp, err := s.reconcile(gctx, &sale, sale.PaymentReference)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				log.Printf("[sweeper] WARN: reconcile sale=%s tracking=%s: %v", sale.SaleNumber, sale.PaymentReference, err)
			case resp.Sale.Status == domain.SaleStatusCompleted:
				result.Completed++
			case resp.Sale.Status == domain.SaleStatusCancelled:
				result.Cancelled++
			default:
				result.Pending++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, ctx.Err()
}
