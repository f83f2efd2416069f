package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx opens a read-committed transaction. Stock and sale rows are
// protected by conditional updates and row locks rather than by
// serializable isolation, so concurrent checkouts do not abort each other.
func (s *Store) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, pgTx)); err != nil {
		return err
	}
	return pgTx.Commit()
}

const variantColumns = `id, product_name, strength, pack_size, sku, purchase_price_cents, selling_price_cents, min_stock_level, max_stock_level, active`

func scanVariant(row interface{ Scan(...any) error }, v *domain.ProductVariant) error {
	return row.Scan(&v.ID, &v.ProductName, &v.Strength, &v.PackSize, &v.SKU, &v.PurchasePriceCents, &v.SellingPriceCents, &v.MinStockLevel, &v.MaxStockLevel, &v.Active)
}

func (s *Store) ListVariants(ctx context.Context) ([]domain.ProductVariant, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE active = true
		ORDER BY product_name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]domain.ProductVariant, 0, 64)
	for rows.Next() {
		var v domain.ProductVariant
		if err := scanVariant(rows, &v); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return variants, nil
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	variant.Active = true

	err := s.RunInTx(ctx, func(txCtx context.Context) error {
		q := s.q(txCtx)
		if _, err := q.ExecContext(txCtx, `
			INSERT INTO product_variants (`+variantColumns+`, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		`, variant.ID, variant.ProductName, variant.Strength, variant.PackSize, variant.SKU, variant.PurchasePriceCents, variant.SellingPriceCents, variant.MinStockLevel, variant.MaxStockLevel, variant.Active); err != nil {
			return err
		}
		_, err := q.ExecContext(txCtx, `
			INSERT INTO stocks (variant_id, quantity, reserved_quantity, updated_at)
			VALUES ($1, 0, 0, now())
		`, variant.ID)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	created := variant
	return &created, nil
}

func (s *Store) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	result := make(map[string]domain.ProductVariant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.ProductVariant
		if err := scanVariant(rows, &v); err != nil {
			return nil, err
		}
		result[v.ID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetStock(ctx context.Context, variantID string) (*domain.Stock, error) {
	return s.findStock(ctx, ``, variantID)
}

func (s *Store) LockStock(ctx context.Context, variantID string) (*domain.Stock, error) {
	return s.findStock(ctx, ` FOR UPDATE`, variantID)
}

func (s *Store) findStock(ctx context.Context, lock string, variantID string) (*domain.Stock, error) {
	var (
		stock       domain.Stock
		restockedAt sql.NullTime
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT variant_id, quantity, reserved_quantity, last_restocked_at, updated_at
		FROM stocks
		WHERE variant_id = $1`+lock, variantID).Scan(&stock.VariantID, &stock.Quantity, &stock.ReservedQuantity, &restockedAt, &stock.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrVariantNotFound
		}
		return nil, err
	}
	stock.LastRestockedAt = timePtr(restockedAt)
	stock.UpdatedAt = stock.UpdatedAt.UTC()
	return &stock, nil
}

// AdjustStock re-validates the floor inside the UPDATE itself, so two
// concurrent debits for the last unit cannot both succeed.
func (s *Store) AdjustStock(ctx context.Context, variantID string, delta int, restock bool) (int, int, error) {
	q := s.q(ctx)

	var current int
	err := q.QueryRowContext(ctx, `
		UPDATE stocks
		SET quantity = quantity + $2,
			last_restocked_at = CASE WHEN $3::boolean THEN now() ELSE last_restocked_at END,
			updated_at = now()
		WHERE variant_id = $1 AND quantity + $2 >= 0
		RETURNING quantity
	`, variantID, delta, restock).Scan(&current)
	if err == nil {
		return current - delta, current, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}

	var onHand int
	if err := q.QueryRowContext(ctx, `SELECT quantity FROM stocks WHERE variant_id = $1`, variantID).Scan(&onHand); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, store.ErrVariantNotFound
		}
		return 0, 0, err
	}
	return onHand, onHand, &store.InsufficientStockError{VariantID: variantID, Requested: -delta, OnHand: onHand}
}

func (s *Store) CreateStockMovement(ctx context.Context, m domain.StockMovement) error {
	if m.ID == "" {
		m.ID = xid.New("mov")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, variant_id, movement_type, quantity_change, previous_quantity, new_quantity,
			reference_type, reference_id, reason, moved_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, m.ID, m.VariantID, m.MovementType, m.QuantityChange, m.PreviousQuantity, m.NewQuantity, m.ReferenceType, m.ReferenceID, m.Reason, m.MovedBy, m.CreatedAt)
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, variant_id, movement_type, quantity_change, previous_quantity, new_quantity,
			reference_type, reference_id, reason, moved_by, created_at
		FROM stock_movements
		WHERE ($1 = '' OR variant_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, variantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.VariantID, &m.MovementType, &m.QuantityChange, &m.PreviousQuantity, &m.NewQuantity, &m.ReferenceType, &m.ReferenceID, &m.Reason, &m.MovedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

const customerColumns = `id, customer_code, first_name, last_name, email, phone, loyalty_points, total_spent_cents, outstanding_balance_cents, last_purchase_date, active, created_at`

func scanCustomer(row interface{ Scan(...any) error }, c *domain.Customer) error {
	var lastPurchase sql.NullTime
	if err := row.Scan(&c.ID, &c.CustomerCode, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.LoyaltyPoints, &c.TotalSpentCents, &c.OutstandingBalanceCents, &lastPurchase, &c.Active, &c.CreatedAt); err != nil {
		return err
	}
	c.LastPurchaseDate = timePtr(lastPurchase)
	c.CreatedAt = c.CreatedAt.UTC()
	return nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.Active = true

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, customer.ID, customer.CustomerCode, customer.FirstName, customer.LastName, customer.Email, customer.Phone, customer.LoyaltyPoints, customer.TotalSpentCents, customer.OutstandingBalanceCents, nullTime(customer.LastPurchaseDate), customer.Active, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	err := scanCustomer(s.q(ctx).QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
	`, id), &customer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		ORDER BY customer_code
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		var c domain.Customer
		if err := scanCustomer(rows, &c); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) ApplyCustomerDelta(ctx context.Context, id string, delta domain.CustomerDelta) (*domain.Customer, error) {
	var customer domain.Customer
	err := scanCustomer(s.q(ctx).QueryRowContext(ctx, `
		UPDATE customers
		SET loyalty_points = GREATEST(0, loyalty_points + $2),
			total_spent_cents = total_spent_cents + $3,
			last_purchase_date = COALESCE($4::timestamptz, last_purchase_date)
		WHERE id = $1
		RETURNING `+customerColumns+`
	`, id, delta.LoyaltyPoints, delta.TotalSpentCents, nullTime(delta.LastPurchaseDate)), &customer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

const saleColumns = `id, sale_number, customer_id, customer_type, cashier, total_items, subtotal_cents, discount_cents, tax_cents, total_cents,
	amount_paid_cents, change_cents, payment_method, payment_reference, confirmation_code, sale_status, notes, created_at, finalized_at`

func scanSale(row interface{ Scan(...any) error }, sale *domain.Sale) error {
	var (
		customerID  sql.NullString
		finalizedAt sql.NullTime
	)
	if err := row.Scan(
		&sale.ID, &sale.SaleNumber, &customerID, &sale.CustomerType, &sale.Cashier, &sale.TotalItems,
		&sale.SubtotalCents, &sale.DiscountCents, &sale.TaxCents, &sale.TotalCents,
		&sale.AmountPaidCents, &sale.ChangeCents, &sale.PaymentMethod, &sale.PaymentReference, &sale.ConfirmationCode,
		&sale.Status, &sale.Notes, &sale.CreatedAt, &finalizedAt,
	); err != nil {
		return err
	}
	sale.CustomerID = customerID.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.FinalizedAt = timePtr(finalizedAt)
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.SaleNumber == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	items := make([]domain.SaleItem, len(sale.Items))
	copy(items, sale.Items)
	sale.Items = items

	err := s.RunInTx(ctx, func(txCtx context.Context) error {
		q := s.q(txCtx)
		if _, err := q.ExecContext(txCtx, `
			INSERT INTO sales (`+saleColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`, sale.ID, sale.SaleNumber, nullIfEmpty(sale.CustomerID), sale.CustomerType, sale.Cashier, sale.TotalItems,
			sale.SubtotalCents, sale.DiscountCents, sale.TaxCents, sale.TotalCents,
			sale.AmountPaidCents, sale.ChangeCents, sale.PaymentMethod, sale.PaymentReference, sale.ConfirmationCode,
			sale.Status, sale.Notes, sale.CreatedAt, nullTime(sale.FinalizedAt)); err != nil {
			return err
		}

		for i := range sale.Items {
			item := &sale.Items[i]
			if item.ID == "" {
				item.ID = xid.New("si")
			}
			item.SaleID = sale.ID
			if _, err := q.ExecContext(txCtx, `
				INSERT INTO sale_items (
					id, sale_id, line_no, variant_id, quantity, unit_price_cents, discount_cents, total_price_cents, cost_price_cents
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, item.ID, item.SaleID, i+1, item.VariantID, item.Quantity, item.UnitPriceCents, item.DiscountCents, item.TotalCents, item.CostCents); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE id = $1`, id)
}

func (s *Store) GetSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE sale_number = $1`, saleNumber)
}

// LockSale must be called inside RunInTx; the row lock is released at
// commit or rollback.
func (s *Store) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, `WHERE id = $1 FOR UPDATE`, id)
}

func (s *Store) findSale(ctx context.Context, where string, value string) (*domain.Sale, error) {
	var sale domain.Sale
	err := scanSale(s.q(ctx).QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales `+where, value), &sale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, sale_id, variant_id, quantity, unit_price_cents, discount_cents, total_price_cents, cost_price_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.VariantID, &item.Quantity, &item.UnitPriceCents, &item.DiscountCents, &item.TotalCents, &item.CostCents); err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) listSales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		var sale domain.Sale
		if err := scanSale(rows, &sale); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
	}
	items, err := s.loadSaleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) ListSales(ctx context.Context, status string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.listSales(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR sale_status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
}

func (s *Store) ListPendingGatewaySales(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	return s.listSales(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE sale_status = 'pending' AND payment_reference <> '' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
}

func (s *Store) SetPaymentReference(ctx context.Context, id string, method string, reference string) (*domain.Sale, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE sales
		SET payment_method = $2, payment_reference = $3
		WHERE id = $1 AND sale_status = 'pending'
	`, id, method, reference)
	if err != nil {
		return nil, err
	}
	if err := s.expectPendingRow(ctx, res, id); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, id)
}

// FinalizeSale is the compare-and-set that moves a sale out of pending.
func (s *Store) FinalizeSale(ctx context.Context, id string, settlement domain.Settlement) (*domain.Sale, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE sales
		SET sale_status = $2,
			amount_paid_cents = $3,
			change_cents = $4,
			payment_method = COALESCE(NULLIF($5, ''), payment_method),
			payment_reference = COALESCE(NULLIF($6, ''), payment_reference),
			confirmation_code = COALESCE(NULLIF($7, ''), confirmation_code),
			notes = COALESCE(NULLIF($8, ''), notes),
			finalized_at = $9
		WHERE id = $1 AND sale_status = 'pending'
	`, id, settlement.Status, settlement.AmountPaidCents, settlement.ChangeCents,
		settlement.PaymentMethod, settlement.PaymentReference, settlement.ConfirmationCode, settlement.Notes, settlement.FinalizedAt)
	if err != nil {
		return nil, err
	}
	if err := s.expectPendingRow(ctx, res, id); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, id)
}

func (s *Store) expectPendingRow(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrSaleNotFound
	}
	return store.ErrSaleAlreadyFinalized
}

func (s *Store) CreateReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	if receipt.ID == "" {
		receipt.ID = xid.New("rcpt")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO receipts (
			id, receipt_number, sale_id, amount_received_cents, payment_method, payment_reference, received_by, payment_date, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, receipt.ID, receipt.ReceiptNumber, receipt.SaleID, receipt.AmountReceivedCents, receipt.PaymentMethod, receipt.PaymentReference, receipt.ReceivedBy, receipt.PaymentDate, receipt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	created := receipt
	return &created, nil
}

func (s *Store) ListReceipts(ctx context.Context, saleID string) ([]domain.Receipt, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, receipt_number, sale_id, amount_received_cents, payment_method, payment_reference, received_by, payment_date, created_at
		FROM receipts
		WHERE sale_id = $1
		ORDER BY created_at
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]domain.Receipt, 0, 1)
	for rows.Next() {
		var r domain.Receipt
		if err := rows.Scan(&r.ID, &r.ReceiptNumber, &r.SaleID, &r.AmountReceivedCents, &r.PaymentMethod, &r.PaymentReference, &r.ReceivedBy, &r.PaymentDate, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.PaymentDate = r.PaymentDate.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func (s *Store) CreateSaleReturn(ctx context.Context, saleReturn domain.SaleReturn) (*domain.SaleReturn, error) {
	if strings.TrimSpace(saleReturn.OriginalSaleID) == "" || len(saleReturn.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if saleReturn.ID == "" {
		saleReturn.ID = xid.New("ret")
	}
	if saleReturn.CreatedAt.IsZero() {
		saleReturn.CreatedAt = time.Now().UTC()
	}
	items := make([]domain.ReturnItem, len(saleReturn.Items))
	copy(items, saleReturn.Items)
	saleReturn.Items = items

	err := s.RunInTx(ctx, func(txCtx context.Context) error {
		q := s.q(txCtx)
		if _, err := q.ExecContext(txCtx, `
			INSERT INTO sale_returns (
				id, return_number, original_sale_id, cashier, total_refund_amount_cents, reason, return_status, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, saleReturn.ID, saleReturn.ReturnNumber, saleReturn.OriginalSaleID, saleReturn.Cashier, saleReturn.TotalRefundAmountCents, saleReturn.Reason, saleReturn.Status, saleReturn.CreatedAt); err != nil {
			return err
		}
		for i := range saleReturn.Items {
			item := &saleReturn.Items[i]
			if item.ID == "" {
				item.ID = xid.New("ri")
			}
			if _, err := q.ExecContext(txCtx, `
				INSERT INTO return_items (id, sale_return_id, sale_item_id, variant_id, quantity_returned, refund_amount_cents)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, item.ID, saleReturn.ID, item.SaleItemID, item.VariantID, item.QuantityReturned, item.RefundAmountCents); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	created := saleReturn
	return &created, nil
}

func (s *Store) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	q := s.q(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT id, return_number, original_sale_id, cashier, total_refund_amount_cents, reason, return_status, created_at
		FROM sale_returns
		WHERE original_sale_id = $1
		ORDER BY created_at
	`, saleID)
	if err != nil {
		return nil, err
	}
	returns := make([]domain.SaleReturn, 0, 2)
	index := make(map[string]int)
	for rows.Next() {
		var r domain.SaleReturn
		if err := rows.Scan(&r.ID, &r.ReturnNumber, &r.OriginalSaleID, &r.Cashier, &r.TotalRefundAmountCents, &r.Reason, &r.Status, &r.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.Items = []domain.ReturnItem{}
		index[r.ID] = len(returns)
		returns = append(returns, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(returns) == 0 {
		return returns, nil
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT ri.sale_return_id, ri.id, ri.sale_item_id, ri.variant_id, ri.quantity_returned, ri.refund_amount_cents
		FROM return_items ri
		JOIN sale_returns sr ON sr.id = ri.sale_return_id
		WHERE sr.original_sale_id = $1
		ORDER BY ri.id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			returnID string
			item     domain.ReturnItem
		)
		if err := itemRows.Scan(&returnID, &item.ID, &item.SaleItemID, &item.VariantID, &item.QuantityReturned, &item.RefundAmountCents); err != nil {
			return nil, err
		}
		if i, ok := index[returnID]; ok {
			returns[i].Items = append(returns[i].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) GetReturnedQtyBySaleItem(ctx context.Context, saleID string) (map[string]int, error) {
	result := make(map[string]int)
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT ri.sale_item_id, COALESCE(SUM(ri.quantity_returned), 0)::int
		FROM sale_returns sr
		JOIN return_items ri ON ri.sale_return_id = sr.id
		WHERE sr.original_sale_id = $1
		GROUP BY ri.sale_item_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var saleItemID string
		var qty int
		if err := rows.Scan(&saleItemID, &qty); err != nil {
			return nil, err
		}
		result[saleItemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
