// Package notify fans sale events out to interested parties after the
// originating change has been committed.
package notify

import (
	"context"
	"errors"
	"log"

	"pharmapos/backend/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, event domain.SaleEvent) error
}

// Log writes every event to the process log.
type Log struct{}

func (Log) Notify(_ context.Context, event domain.SaleEvent) error {
	log.Printf("[notify] %s sale=%s number=%s total_cents=%d %s", event.Type, event.SaleID, event.SaleNumber, event.TotalCents, event.Detail)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event domain.SaleEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
