package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmapos/backend/internal/domain"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInsufficientPayment     = errors.New("insufficient payment")
	ErrSaleAlreadyFinalized    = errors.New("sale already finalized")
	ErrInvalidReturnState      = errors.New("only completed sales can be returned")
	ErrExcessiveReturnQuantity = errors.New("return quantity exceeds purchased quantity")
	ErrVariantNotFound         = errors.New("product variant not found")
	ErrSaleNotFound            = errors.New("sale not found")
)

// InsufficientStockError names the variant that could not be covered.
type InsufficientStockError struct {
	VariantID string
	Requested int
	OnHand    int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, on hand %d", e.VariantID, e.Requested, e.OnHand)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Kind returns the stable machine-readable name of a domain error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrSaleAlreadyFinalized):
		return "sale_already_finalized"
	case errors.Is(err, ErrInvalidReturnState):
		return "invalid_return_state"
	case errors.Is(err, ErrExcessiveReturnQuantity):
		return "excessive_return_quantity"
	case errors.Is(err, ErrVariantNotFound):
		return "product_variant_not_found"
	case errors.Is(err, ErrSaleNotFound):
		return "sale_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransaction):
		return "invalid_request"
	}
	return "internal"
}

// Repository is the persistence port. Every method honours a unit of work
// opened by RunInTx when called with the context it hands out.
type Repository interface {
	// RunInTx runs fn as one atomic unit. Calls made with txCtx join the
	// unit; a nested RunInTx on txCtx joins instead of opening a new one.
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error

	ListVariants(ctx context.Context) ([]domain.ProductVariant, error)
	CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error)
	GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error)

	GetStock(ctx context.Context, variantID string) (*domain.Stock, error)
	// LockStock loads a stock row and holds it against concurrent writers for
	// the rest of the unit of work.
	LockStock(ctx context.Context, variantID string) (*domain.Stock, error)
	// AdjustStock applies delta to on-hand quantity and returns the quantity
	// before and after. A result below zero fails with an
	// *InsufficientStockError and leaves the row untouched.
	AdjustStock(ctx context.Context, variantID string, delta int, restock bool) (previous int, current int, err error)
	CreateStockMovement(ctx context.Context, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	ApplyCustomerDelta(ctx context.Context, id string, delta domain.CustomerDelta) (*domain.Customer, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error)
	// LockSale loads a sale and holds it against concurrent writers for the
	// rest of the unit of work.
	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, status string, limit int) ([]domain.Sale, error)
	ListPendingGatewaySales(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Sale, error)
	// SetPaymentReference records a gateway tracking id on a pending sale.
	SetPaymentReference(ctx context.Context, id string, method string, reference string) (*domain.Sale, error)
	// FinalizeSale moves a pending sale to settlement.Status. It fails with
	// ErrSaleAlreadyFinalized when the sale has already left pending.
	FinalizeSale(ctx context.Context, id string, settlement domain.Settlement) (*domain.Sale, error)

	CreateReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error)
	ListReceipts(ctx context.Context, saleID string) ([]domain.Receipt, error)

	CreateSaleReturn(ctx context.Context, saleReturn domain.SaleReturn) (*domain.SaleReturn, error)
	ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error)
	GetReturnedQtyBySaleItem(ctx context.Context, saleID string) (map[string]int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
