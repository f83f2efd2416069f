package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/gateway"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

// payment is what a successful settlement brings in, whatever the channel.
type payment struct {
	method           string
	amountPaidCents  int64
	reference        string
	confirmationCode string
}

// Pay routes a payment request: cash settles immediately, mpesa and card go
// through the gateway and settle on callback.
func (s *Service) Pay(ctx context.Context, saleID string, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	switch strings.ToLower(strings.TrimSpace(req.PaymentMethod)) {
	case domain.PaymentMethodCash:
		return s.PayCash(ctx, saleID, req.AmountPaidCents)
	case domain.PaymentMethodMpesa, domain.PaymentMethodCard:
		return s.InitiateGatewayPayment(ctx, saleID, req)
	}
	return domain.PaymentResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, req.PaymentMethod)
}

func (s *Service) PayCash(ctx context.Context, saleID string, amountPaidCents int64) (domain.PaymentResponse, error) {
	if amountPaidCents < 0 {
		return domain.PaymentResponse{}, store.ErrInvalidTransaction
	}
	return s.finalize(ctx, saleID, payment{
		method:          domain.PaymentMethodCash,
		amountPaidCents: amountPaidCents,
	})
}

// InitiateGatewayPayment registers the order with the gateway and records
// the tracking id. The sale stays pending until the gateway confirms.
func (s *Service) InitiateGatewayPayment(ctx context.Context, saleID string, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method != domain.PaymentMethodMpesa && method != domain.PaymentMethodCard {
		return domain.PaymentResponse{}, fmt.Errorf("%w: %q is not a gateway payment method", store.ErrInvalidTransaction, req.PaymentMethod)
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	if sale.Status != domain.SaleStatusPending {
		return domain.PaymentResponse{}, store.ErrSaleAlreadyFinalized
	}

	billing := gateway.BillingAddress{
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	}
	if sale.CustomerID != "" {
		if customer, err := s.repo.GetCustomer(ctx, sale.CustomerID); err == nil {
			billing.Email = defaultString(billing.Email, customer.Email)
			billing.Phone = defaultString(billing.Phone, customer.Phone)
			billing.FirstName = defaultString(billing.FirstName, customer.FirstName)
			billing.LastName = defaultString(billing.LastName, customer.LastName)
		}
	}

	result, err := s.gateway.SubmitOrder(ctx, gateway.Order{
		MerchantReference: sale.SaleNumber,
		AmountCents:       sale.TotalCents,
		Description:       "Payment for sale " + sale.SaleNumber,
		Billing:           billing,
	})
	if err != nil {
		return domain.PaymentResponse{}, asUnavailable(err)
	}

	updated, err := s.repo.SetPaymentReference(ctx, sale.ID, method, result.TrackingID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	s.logAudit(ctx, "payment_initiate", "sale", sale.ID, fmt.Sprintf("method=%s,tracking=%s", method, result.TrackingID))
	return domain.PaymentResponse{
		Sale:        *updated,
		TrackingID:  result.TrackingID,
		RedirectURL: result.RedirectURL,
	}, nil
}

// HandleGatewayCallback reconciles a sale after the gateway notified us. The
// callback parameters only identify the sale; the outcome always comes from
// a fresh status query.
func (s *Service) HandleGatewayCallback(ctx context.Context, cb domain.GatewayCallback) (domain.PaymentResponse, error) {
	reference := strings.TrimSpace(cb.OrderMerchantReference)
	trackingID := strings.TrimSpace(cb.OrderTrackingID)
	if reference == "" || trackingID == "" {
		return domain.PaymentResponse{}, fmt.Errorf("%w: callback needs tracking id and merchant reference", store.ErrInvalidTransaction)
	}

	sale, err := s.repo.GetSaleByNumber(ctx, reference)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	if sale.Status != domain.SaleStatusPending {
		return domain.PaymentResponse{Sale: *sale, TrackingID: trackingID, Duplicate: true}, nil
	}
	if sale.PaymentReference != "" && sale.PaymentReference != trackingID {
		return domain.PaymentResponse{}, fmt.Errorf("%w: tracking id does not match sale %s", store.ErrInvalidTransaction, sale.SaleNumber)
	}

	return s.reconcile(ctx, sale, trackingID)
}

// RefreshPaymentStatus lets a client poll instead of waiting for the
// callback.
func (s *Service) RefreshPaymentStatus(ctx context.Context, saleID string) (domain.PaymentResponse, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	if sale.Status != domain.SaleStatusPending {
		return domain.PaymentResponse{Sale: *sale, TrackingID: sale.PaymentReference, Duplicate: true}, nil
	}
	if sale.PaymentReference == "" {
		return domain.PaymentResponse{}, fmt.Errorf("%w: no gateway payment was initiated for sale %s", store.ErrInvalidTransaction, sale.SaleNumber)
	}
	return s.reconcile(ctx, sale, sale.PaymentReference)
}

func (s *Service) reconcile(ctx context.Context, sale *domain.Sale, trackingID string) (domain.PaymentResponse, error) {
	status, err := s.gateway.TransactionStatus(ctx, trackingID)
	if err != nil {
		return domain.PaymentResponse{}, asUnavailable(err)
	}
	if status.MerchantReference != "" && status.MerchantReference != sale.SaleNumber {
		return domain.PaymentResponse{}, fmt.Errorf("%w: gateway reports merchant reference %s for sale %s", store.ErrInvalidTransaction, status.MerchantReference, sale.SaleNumber)
	}

	switch {
	case status.Completed():
		resp, err := s.finalize(ctx, sale.ID, payment{
			method:           defaultString(sale.PaymentMethod, domain.PaymentMethodMpesa),
			amountPaidCents:  status.AmountCents,
			reference:        trackingID,
			confirmationCode: status.ConfirmationCode,
		})
		if errors.Is(err, store.ErrSaleAlreadyFinalized) {
			return s.duplicate(ctx, sale.ID, trackingID)
		}
		if errors.Is(err, store.ErrInsufficientPayment) {
			log.Printf("[service] WARN: gateway settled %d cents for sale %s totalling %d; left pending", status.AmountCents, sale.SaleNumber, sale.TotalCents)
		}
		if err == nil {
			resp.TrackingID = trackingID
		}
		return resp, err

	case status.Rejected():
		resp, err := s.cancel(ctx, sale.ID, fmt.Sprintf("gateway payment %s", strings.ToLower(status.Description)))
		if errors.Is(err, store.ErrSaleAlreadyFinalized) {
			return s.duplicate(ctx, sale.ID, trackingID)
		}
		if err == nil {
			resp.TrackingID = trackingID
		}
		return resp, err
	}

	return domain.PaymentResponse{Sale: *sale, TrackingID: trackingID}, nil
}

func (s *Service) duplicate(ctx context.Context, saleID string, trackingID string) (domain.PaymentResponse, error) {
	current, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	return domain.PaymentResponse{Sale: *current, TrackingID: trackingID, Duplicate: true}, nil
}

// finalize settles a pending sale in one unit of work: debit every line,
// accrue loyalty, mark completed and issue the receipt. Any failure leaves
// the sale pending with stock untouched.
func (s *Service) finalize(ctx context.Context, saleID string, p payment) (domain.PaymentResponse, error) {
	cashier := actorName(ctx)
	var (
		completed *domain.Sale
		receipt   *domain.Receipt
	)

	err := s.repo.RunInTx(ctx, func(txCtx context.Context) error {
		sale, err := s.repo.LockSale(txCtx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusPending {
			return store.ErrSaleAlreadyFinalized
		}
		if p.amountPaidCents < sale.TotalCents {
			return fmt.Errorf("%w: paid %d of %d", store.ErrInsufficientPayment, p.amountPaidCents, sale.TotalCents)
		}

		for _, line := range stockLines(sale.Items, func(item domain.SaleItem) (string, int) { return item.VariantID, item.Quantity }) {
			if _, err := s.ledger.Debit(txCtx, ledger.Entry{
				VariantID:     line.variantID,
				Quantity:      line.quantity,
				MovementType:  domain.MovementSale,
				ReferenceType: "sale",
				ReferenceID:   sale.ID,
				Reason:        "sale " + sale.SaleNumber,
				Actor:         cashier,
			}); err != nil {
				return err
			}
		}

		now := s.now()
		if sale.CustomerID != "" {
			if _, err := s.repo.ApplyCustomerDelta(txCtx, sale.CustomerID, domain.CustomerDelta{
				LoyaltyPoints:    loyaltyPoints(sale.TotalCents),
				TotalSpentCents:  sale.TotalCents,
				LastPurchaseDate: &now,
			}); err != nil {
				return err
			}
		}

		completed, err = s.repo.FinalizeSale(txCtx, sale.ID, domain.Settlement{
			Status:           domain.SaleStatusCompleted,
			PaymentMethod:    p.method,
			PaymentReference: p.reference,
			ConfirmationCode: p.confirmationCode,
			AmountPaidCents:  p.amountPaidCents,
			ChangeCents:      p.amountPaidCents - sale.TotalCents,
			FinalizedAt:      now,
		})
		if err != nil {
			return err
		}

		receipt, err = s.repo.CreateReceipt(txCtx, domain.Receipt{
			ReceiptNumber:       xid.Number("RC", now),
			SaleID:              sale.ID,
			AmountReceivedCents: p.amountPaidCents,
			PaymentMethod:       p.method,
			PaymentReference:    p.reference,
			ReceivedBy:          cashier,
			PaymentDate:         now,
		})
		return err
	})
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	s.logAudit(ctx, "sale_complete", "sale", completed.ID, fmt.Sprintf("method=%s,paid=%d,total=%d,receipt=%s", p.method, p.amountPaidCents, completed.TotalCents, receipt.ReceiptNumber))
	s.publish(ctx, domain.SaleEventCompleted, *completed, "receipt="+receipt.ReceiptNumber)
	return domain.PaymentResponse{Sale: *completed, Receipt: receipt}, nil
}

func (s *Service) cancel(ctx context.Context, saleID string, reason string) (domain.PaymentResponse, error) {
	var cancelled *domain.Sale
	err := s.repo.RunInTx(ctx, func(txCtx context.Context) error {
		sale, err := s.repo.LockSale(txCtx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusPending {
			return store.ErrSaleAlreadyFinalized
		}
		notes := reason
		if sale.Notes != "" {
			notes = sale.Notes + "; " + reason
		}
		cancelled, err = s.repo.FinalizeSale(txCtx, sale.ID, domain.Settlement{
			Status:      domain.SaleStatusCancelled,
			Notes:       notes,
			FinalizedAt: s.now(),
		})
		return err
	})
	if err != nil {
		return domain.PaymentResponse{}, err
	}

	s.logAudit(ctx, "sale_cancel", "sale", cancelled.ID, reason)
	s.publish(ctx, domain.SaleEventCancelled, *cancelled, reason)
	return domain.PaymentResponse{Sale: *cancelled}, nil
}

func asUnavailable(err error) error {
	if errors.Is(err, gateway.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}
