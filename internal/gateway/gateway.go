// Package gateway talks to the card / mobile-money payment gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnavailable = errors.New("payment gateway unavailable")

// Status descriptions reported by the gateway.
const (
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
	StatusReversed  = "Reversed"
	StatusInvalid   = "Invalid"
)

type BillingAddress struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
}

type Order struct {
	MerchantReference string
	AmountCents       int64
	Description       string
	Billing           BillingAddress
}

type OrderResult struct {
	TrackingID  string
	RedirectURL string
}

type TransactionStatus struct {
	Description       string
	AmountCents       int64
	ConfirmationCode  string
	MerchantReference string
	PaymentMethod     string
}

func (s TransactionStatus) Completed() bool {
	return strings.EqualFold(s.Description, StatusCompleted)
}

// Rejected reports a terminal non-success outcome.
func (s TransactionStatus) Rejected() bool {
	switch {
	case strings.EqualFold(s.Description, StatusFailed),
		strings.EqualFold(s.Description, StatusReversed),
		strings.EqualFold(s.Description, StatusInvalid):
		return true
	}
	return false
}

type Gateway interface {
	SubmitOrder(ctx context.Context, order Order) (*OrderResult, error)
	TransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error)
}

// Disabled is used when no gateway credentials are configured.
type Disabled struct{}

func (Disabled) SubmitOrder(_ context.Context, _ Order) (*OrderResult, error) {
	return nil, fmt.Errorf("%w: gateway not configured", ErrUnavailable)
}

func (Disabled) TransactionStatus(_ context.Context, _ string) (*TransactionStatus, error) {
	return nil, fmt.Errorf("%w: gateway not configured", ErrUnavailable)
}

// CentsToAmount renders integer cents as a fixed two-decimal amount.
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// AmountToCents parses a gateway amount, rounding half away from zero to
// the nearest cent.
func AmountToCents(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse gateway amount %q: %w", raw, err)
	}
	return amount.Shift(2).Round(0).IntPart(), nil
}
