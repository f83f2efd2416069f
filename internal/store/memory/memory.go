package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

// Store keeps everything in process memory. A unit of work takes the write
// lock for its whole duration and edits a private copy of the state, which
// replaces the live state only when the unit succeeds.
type Store struct {
	mu   sync.RWMutex
	data *state
}

type state struct {
	variants     map[string]domain.ProductVariant
	stocks       map[string]domain.Stock
	movements    []domain.StockMovement
	customers    map[string]domain.Customer
	sales        map[string]domain.Sale
	saleByNumber map[string]string
	receipts     []domain.Receipt
	returns      []domain.SaleReturn
	auditLogs    []domain.AuditLog
	usersByName  map[string]domain.UserAccount
}

type txKey struct{}

type txState struct {
	owner *Store
	data  *state
}

func newState() *state {
	return &state{
		variants:     make(map[string]domain.ProductVariant),
		stocks:       make(map[string]domain.Stock),
		movements:    make([]domain.StockMovement, 0, 64),
		customers:    make(map[string]domain.Customer),
		sales:        make(map[string]domain.Sale),
		saleByNumber: make(map[string]string),
		receipts:     make([]domain.Receipt, 0, 16),
		returns:      make([]domain.SaleReturn, 0, 8),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		usersByName:  make(map[string]domain.UserAccount),
	}
}

func (st *state) clone() *state {
	dup := &state{
		variants:     make(map[string]domain.ProductVariant, len(st.variants)),
		stocks:       make(map[string]domain.Stock, len(st.stocks)),
		movements:    slices.Clip(st.movements),
		customers:    make(map[string]domain.Customer, len(st.customers)),
		sales:        make(map[string]domain.Sale, len(st.sales)),
		saleByNumber: make(map[string]string, len(st.saleByNumber)),
		receipts:     slices.Clip(st.receipts),
		returns:      slices.Clip(st.returns),
		auditLogs:    slices.Clip(st.auditLogs),
		usersByName:  make(map[string]domain.UserAccount, len(st.usersByName)),
	}
	for k, v := range st.variants {
		dup.variants[k] = v
	}
	for k, v := range st.stocks {
		dup.stocks[k] = v
	}
	for k, v := range st.customers {
		dup.customers[k] = v
	}
	for k, v := range st.sales {
		dup.sales[k] = v
	}
	for k, v := range st.saleByNumber {
		dup.saleByNumber[k] = v
	}
	for k, v := range st.usersByName {
		dup.usersByName[k] = v
	}
	return dup
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_PHARMACIST_PASSWORD
// and SEED_CASHIER_PASSWORD; unset values fall back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "pharma123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"pharmacist", pharmacistPwd, domain.RolePharmacist},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with only the seed users.
func New() *Store {
	data := newState()
	data.usersByName = seedUsers()
	return &Store{data: data}
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	variants := []domain.ProductVariant{
		{ID: "var-paracetamol-500", ProductName: "Paracetamol", Strength: "500mg", PackSize: "100 tabs", SKU: "PCM-500-100", PurchasePriceCents: 18000, SellingPriceCents: 25000, MinStockLevel: 20, MaxStockLevel: 300, Active: true},
		{ID: "var-amoxicillin-250", ProductName: "Amoxicillin", Strength: "250mg", PackSize: "21 caps", SKU: "AMX-250-21", PurchasePriceCents: 9000, SellingPriceCents: 15000, MinStockLevel: 15, MaxStockLevel: 200, Active: true},
		{ID: "var-ibuprofen-400", ProductName: "Ibuprofen", Strength: "400mg", PackSize: "30 tabs", SKU: "IBU-400-30", PurchasePriceCents: 6000, SellingPriceCents: 10000, MinStockLevel: 20, MaxStockLevel: 250, Active: true},
		{ID: "var-ors-sachet", ProductName: "Oral Rehydration Salts", Strength: "20.5g", PackSize: "1 sachet", SKU: "ORS-205-1", PurchasePriceCents: 2500, SellingPriceCents: 5000, MinStockLevel: 50, MaxStockLevel: 500, Active: true},
		{ID: "var-cetirizine-10", ProductName: "Cetirizine", Strength: "10mg", PackSize: "10 tabs", SKU: "CTZ-10-10", PurchasePriceCents: 4000, SellingPriceCents: 8000, MinStockLevel: 10, MaxStockLevel: 150, Active: true},
		{ID: "var-metformin-500", ProductName: "Metformin", Strength: "500mg", PackSize: "60 tabs", SKU: "MET-500-60", PurchasePriceCents: 21000, SellingPriceCents: 32000, MinStockLevel: 10, MaxStockLevel: 120, Active: true},
	}
	for _, v := range variants {
		s.data.variants[v.ID] = v
		s.data.stocks[v.ID] = domain.Stock{VariantID: v.ID, Quantity: 120, UpdatedAt: now}
	}

	for _, c := range []domain.Customer{
		{ID: "cus-0001", CustomerCode: "CUS-0001", FirstName: "Amina", LastName: "Otieno", Email: "amina@example.com", Phone: "+254700000001", Active: true, CreatedAt: now},
		{ID: "cus-0002", CustomerCode: "CUS-0002", FirstName: "Brian", LastName: "Kamau", Phone: "+254700000002", LoyaltyPoints: 40, TotalSpentCents: 4200000, Active: true, CreatedAt: now},
	} {
		s.data.customers[c.ID] = c
	}

	return s
}

func (s *Store) activeTx(ctx context.Context) *state {
	tx, ok := ctx.Value(txKey{}).(*txState)
	if !ok || tx.owner != s {
		return nil
	}
	return tx.data
}

func (s *Store) view(ctx context.Context) (*state, func()) {
	if work := s.activeTx(ctx); work != nil {
		return work, func() {}
	}
	s.mu.RLock()
	return s.data, s.mu.RUnlock
}

func (s *Store) edit(ctx context.Context) (*state, func()) {
	if work := s.activeTx(ctx); work != nil {
		return work, func() {}
	}
	s.mu.Lock()
	return s.data, s.mu.Unlock
}

func (s *Store) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if s.activeTx(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, &txState{owner: s, data: work})); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) ListVariants(ctx context.Context) ([]domain.ProductVariant, error) {
	st, done := s.view(ctx)
	defer done()

	variants := make([]domain.ProductVariant, 0, len(st.variants))
	for _, v := range st.variants {
		if !v.Active {
			continue
		}
		variants = append(variants, v)
	}
	slices.SortFunc(variants, func(a, b domain.ProductVariant) int {
		if a.ProductName == b.ProductName {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.ProductName, b.ProductName)
	})
	return variants, nil
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	st, done := s.edit(ctx)
	defer done()

	if variant.ID == "" {
		variant.ID = xid.New("var")
	}
	if _, exists := st.variants[variant.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	for _, existing := range st.variants {
		if variant.SKU != "" && existing.SKU == variant.SKU {
			return nil, store.ErrInvalidTransaction
		}
	}
	variant.Active = true
	st.variants[variant.ID] = variant
	st.stocks[variant.ID] = domain.Stock{VariantID: variant.ID, UpdatedAt: time.Now().UTC()}

	created := variant
	return &created, nil
}

func (s *Store) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	st, done := s.view(ctx)
	defer done()

	result := make(map[string]domain.ProductVariant, len(ids))
	for _, id := range ids {
		if v, ok := st.variants[id]; ok {
			result[id] = v
		}
	}
	return result, nil
}

func (s *Store) GetStock(ctx context.Context, variantID string) (*domain.Stock, error) {
	st, done := s.view(ctx)
	defer done()

	if _, ok := st.variants[variantID]; !ok {
		return nil, store.ErrVariantNotFound
	}
	stock, ok := st.stocks[variantID]
	if !ok {
		stock = domain.Stock{VariantID: variantID}
	}
	return &stock, nil
}

func (s *Store) LockStock(ctx context.Context, variantID string) (*domain.Stock, error) {
	return s.GetStock(ctx, variantID)
}

func (s *Store) AdjustStock(ctx context.Context, variantID string, delta int, restock bool) (int, int, error) {
	st, done := s.edit(ctx)
	defer done()

	if _, ok := st.variants[variantID]; !ok {
		return 0, 0, store.ErrVariantNotFound
	}
	stock, ok := st.stocks[variantID]
	if !ok {
		stock = domain.Stock{VariantID: variantID}
	}
	previous := stock.Quantity
	next := previous + delta
	if next < 0 {
		return previous, previous, &store.InsufficientStockError{VariantID: variantID, Requested: -delta, OnHand: previous}
	}

	now := time.Now().UTC()
	stock.Quantity = next
	stock.UpdatedAt = now
	if restock {
		stock.LastRestockedAt = &now
	}
	st.stocks[variantID] = stock
	return previous, next, nil
}

func (s *Store) CreateStockMovement(ctx context.Context, movement domain.StockMovement) error {
	st, done := s.edit(ctx)
	defer done()

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	st.movements = append(st.movements, movement)
	return nil
}

func (s *Store) ListStockMovements(ctx context.Context, variantID string, limit int) ([]domain.StockMovement, error) {
	st, done := s.view(ctx)
	defer done()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.StockMovement, 0, 16)
	for i := len(st.movements) - 1; i >= 0 && len(result) < limit; i-- {
		if variantID != "" && st.movements[i].VariantID != variantID {
			continue
		}
		result = append(result, st.movements[i])
	}
	return result, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	st, done := s.edit(ctx)
	defer done()

	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if _, exists := st.customers[customer.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.Active = true
	st.customers[customer.ID] = customer

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	st, done := s.view(ctx)
	defer done()

	customer, ok := st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	st, done := s.view(ctx)
	defer done()

	customers := make([]domain.Customer, 0, len(st.customers))
	for _, c := range st.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmpString(a.CustomerCode, b.CustomerCode)
	})
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) ApplyCustomerDelta(ctx context.Context, id string, delta domain.CustomerDelta) (*domain.Customer, error) {
	st, done := s.edit(ctx)
	defer done()

	customer, ok := st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer.LoyaltyPoints += delta.LoyaltyPoints
	if customer.LoyaltyPoints < 0 {
		customer.LoyaltyPoints = 0
	}
	customer.TotalSpentCents += delta.TotalSpentCents
	if delta.LastPurchaseDate != nil {
		at := delta.LastPurchaseDate.UTC()
		customer.LastPurchaseDate = &at
	}
	st.customers[id] = customer

	updated := customer
	return &updated, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	st, done := s.edit(ctx)
	defer done()

	if sale.SaleNumber == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := st.saleByNumber[sale.SaleNumber]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	for i := range sale.Items {
		if sale.Items[i].ID == "" {
			sale.Items[i].ID = xid.New("si")
		}
		sale.Items[i].SaleID = sale.ID
	}

	stored := cloneSale(sale)
	st.sales[sale.ID] = stored
	st.saleByNumber[sale.SaleNumber] = sale.ID

	created := cloneSale(stored)
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	st, done := s.view(ctx)
	defer done()

	sale, ok := st.sales[id]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) GetSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error) {
	st, done := s.view(ctx)
	defer done()

	id, ok := st.saleByNumber[saleNumber]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	dup := cloneSale(st.sales[id])
	return &dup, nil
}

// LockSale needs no row lock here: a unit of work already holds the store
// write lock.
func (s *Store) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.GetSale(ctx, id)
}

func (s *Store) ListSales(ctx context.Context, status string, limit int) ([]domain.Sale, error) {
	st, done := s.view(ctx)
	defer done()

	sales := make([]domain.Sale, 0, len(st.sales))
	for _, sale := range st.sales {
		if status != "" && sale.Status != status {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) ListPendingGatewaySales(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Sale, error) {
	st, done := s.view(ctx)
	defer done()

	sales := make([]domain.Sale, 0, 8)
	for _, sale := range st.sales {
		if sale.Status != domain.SaleStatusPending || sale.PaymentReference == "" {
			continue
		}
		if !sale.CreatedAt.Before(createdBefore) {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) SetPaymentReference(ctx context.Context, id string, method string, reference string) (*domain.Sale, error) {
	st, done := s.edit(ctx)
	defer done()

	sale, ok := st.sales[id]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	if sale.Status != domain.SaleStatusPending {
		return nil, store.ErrSaleAlreadyFinalized
	}
	sale.PaymentMethod = method
	sale.PaymentReference = reference
	st.sales[id] = sale

	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) FinalizeSale(ctx context.Context, id string, settlement domain.Settlement) (*domain.Sale, error) {
	st, done := s.edit(ctx)
	defer done()

	sale, ok := st.sales[id]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	if sale.Status != domain.SaleStatusPending {
		return nil, store.ErrSaleAlreadyFinalized
	}
	applySettlement(&sale, settlement)
	st.sales[id] = sale

	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) CreateReceipt(ctx context.Context, receipt domain.Receipt) (*domain.Receipt, error) {
	st, done := s.edit(ctx)
	defer done()

	if _, ok := st.sales[receipt.SaleID]; !ok {
		return nil, store.ErrSaleNotFound
	}
	if receipt.ID == "" {
		receipt.ID = xid.New("rcpt")
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	st.receipts = append(st.receipts, receipt)

	created := receipt
	return &created, nil
}

func (s *Store) ListReceipts(ctx context.Context, saleID string) ([]domain.Receipt, error) {
	st, done := s.view(ctx)
	defer done()

	result := make([]domain.Receipt, 0, 1)
	for _, r := range st.receipts {
		if r.SaleID == saleID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *Store) CreateSaleReturn(ctx context.Context, saleReturn domain.SaleReturn) (*domain.SaleReturn, error) {
	if strings.TrimSpace(saleReturn.OriginalSaleID) == "" || len(saleReturn.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	st, done := s.edit(ctx)
	defer done()

	if _, ok := st.sales[saleReturn.OriginalSaleID]; !ok {
		return nil, store.ErrSaleNotFound
	}
	if saleReturn.ID == "" {
		saleReturn.ID = xid.New("ret")
	}
	if saleReturn.CreatedAt.IsZero() {
		saleReturn.CreatedAt = time.Now().UTC()
	}
	for i := range saleReturn.Items {
		if saleReturn.Items[i].ID == "" {
			saleReturn.Items[i].ID = xid.New("ri")
		}
	}
	stored := cloneSaleReturn(saleReturn)
	st.returns = append(st.returns, stored)

	created := cloneSaleReturn(stored)
	return &created, nil
}

func (s *Store) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	st, done := s.view(ctx)
	defer done()

	result := make([]domain.SaleReturn, 0, 2)
	for _, r := range st.returns {
		if r.OriginalSaleID == saleID {
			result = append(result, cloneSaleReturn(r))
		}
	}
	return result, nil
}

func (s *Store) GetReturnedQtyBySaleItem(ctx context.Context, saleID string) (map[string]int, error) {
	st, done := s.view(ctx)
	defer done()

	result := make(map[string]int)
	for _, r := range st.returns {
		if r.OriginalSaleID != saleID {
			continue
		}
		for _, item := range r.Items {
			result[item.SaleItemID] += item.QuantityReturned
		}
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	st, done := s.edit(ctx)
	defer done()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	st.auditLogs = append(st.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	st, done := s.view(ctx)
	defer done()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, 32)
	for i := len(st.auditLogs) - 1; i >= 0; i-- {
		entry := st.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	st, done := s.view(ctx)
	defer done()

	users := make([]domain.UserAccount, 0, len(st.usersByName))
	for _, user := range st.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	st, done := s.edit(ctx)
	defer done()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := st.usersByName[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	st.usersByName[username] = user
	return nil
}

func applySettlement(sale *domain.Sale, settlement domain.Settlement) {
	at := settlement.FinalizedAt
	sale.Status = settlement.Status
	sale.AmountPaidCents = settlement.AmountPaidCents
	sale.ChangeCents = settlement.ChangeCents
	if settlement.PaymentMethod != "" {
		sale.PaymentMethod = settlement.PaymentMethod
	}
	if settlement.PaymentReference != "" {
		sale.PaymentReference = settlement.PaymentReference
	}
	if settlement.ConfirmationCode != "" {
		sale.ConfirmationCode = settlement.ConfirmationCode
	}
	if settlement.Notes != "" {
		sale.Notes = settlement.Notes
	}
	sale.FinalizedAt = &at
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	if src.FinalizedAt != nil {
		at := *src.FinalizedAt
		dup.FinalizedAt = &at
	}
	return dup
}

func cloneSaleReturn(src domain.SaleReturn) domain.SaleReturn {
	dup := src
	items := make([]domain.ReturnItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
