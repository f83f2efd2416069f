package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/gateway"
	"pharmapos/backend/internal/notify"
	"pharmapos/backend/internal/policy"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	policy        policy.Evaluator
	hub           *notify.Hub
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

// New wires the HTTP surface. hub may be nil, in which case the event
// stream is not served.
func New(svc *service.Service, auth *AuthManager, evaluator policy.Evaluator, hub *notify.Hub, allowedOrigin string) *API {
	if evaluator == nil {
		evaluator = policy.Default()
	}
	return &API{
		service:       svc,
		auth:          auth,
		policy:        evaluator,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("GET /api/v1/variants", a.requireAuth(policy.ActionRead, policy.ResourceVariant, a.handleListVariants))
	mux.HandleFunc("POST /api/v1/variants", a.requireAuth(policy.ActionManage, policy.ResourceVariant, a.handleCreateVariant))

	mux.HandleFunc("GET /api/v1/customers", a.requireAuth(policy.ActionRead, policy.ResourceCustomer, a.handleListCustomers))
	mux.HandleFunc("POST /api/v1/customers", a.requireAuth(policy.ActionCreate, policy.ResourceCustomer, a.handleCreateCustomer))
	mux.HandleFunc("GET /api/v1/customers/{id}", a.requireAuth(policy.ActionRead, policy.ResourceCustomer, a.handleGetCustomer))

	mux.HandleFunc("GET /api/v1/sales", a.requireAuth(policy.ActionRead, policy.ResourceSale, a.handleListSales))
	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(policy.ActionCreate, policy.ResourceSale, a.handleCreateSale))
	mux.HandleFunc("GET /api/v1/sales/{id}", a.requireAuth(policy.ActionRead, policy.ResourceSale, a.handleGetSale))
	mux.HandleFunc("POST /api/v1/sales/{id}/payments", a.requireAuth(policy.ActionPay, policy.ResourceSale, a.handlePay))
	mux.HandleFunc("POST /api/v1/sales/{id}/payments/refresh", a.requireAuth(policy.ActionPay, policy.ResourceSale, a.handleRefreshPayment))
	mux.HandleFunc("GET /api/v1/sales/{id}/returns", a.requireAuth(policy.ActionRead, policy.ResourceSale, a.handleListReturns))
	mux.HandleFunc("POST /api/v1/sales/{id}/returns", a.requireAuth(policy.ActionReturn, policy.ResourceSale, a.handleCreateReturn))
	mux.HandleFunc("GET /api/v1/sales/{id}/receipts", a.requireAuth(policy.ActionRead, policy.ResourceSale, a.handleListReceipts))

	mux.HandleFunc("GET /api/v1/payments/callback", a.handlePaymentCallback)
	mux.HandleFunc("POST /api/v1/payments/callback", a.handlePaymentCallback)

	mux.HandleFunc("GET /api/v1/stock/{variantID}", a.requireAuth(policy.ActionRead, policy.ResourceStock, a.handleGetStock))
	mux.HandleFunc("GET /api/v1/stock/{variantID}/movements", a.requireAuth(policy.ActionRead, policy.ResourceStock, a.handleStockMovements))
	mux.HandleFunc("POST /api/v1/stock/receive", a.requireAuth(policy.ActionManage, policy.ResourceStock, a.handleReceiveStock))
	mux.HandleFunc("POST /api/v1/stock/audit", a.requireAuth(policy.ActionManage, policy.ResourceStock, a.handleStockAudit))

	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(policy.ActionRead, policy.ResourceAudit, a.handleAuditLogs))
	mux.HandleFunc("GET /api/v1/events", a.handleEvents)

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(action string, resource string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !a.policy.Allow(actor, action, resource) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := a.service.ListVariants(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": variants})
}

func (a *API) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	var req domain.VariantCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	variant, err := a.service.CreateVariant(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"variant": variant})
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	customers, err := a.service.ListCustomers(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.GetCustomer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	sales, err := a.service.ListSales(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sale": sale})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handlePay(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Pay(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Sale.Status == domain.SaleStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (a *API) handleRefreshPayment(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.RefreshPaymentStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListReturns(w http.ResponseWriter, r *http.Request) {
	returns, err := a.service.ListSaleReturns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
}

func (a *API) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	saleReturn, err := a.service.ProcessReturn(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": saleReturn})
}

func (a *API) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := a.service.ListReceipts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

type gatewayNotification struct {
	OrderNotificationType  string `json:"OrderNotificationType"`
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
}

// handlePaymentCallback receives the gateway's redirect (GET) and IPN (POST).
// It carries no bearer token; the outcome is always re-queried from the
// gateway before anything is settled.
func (a *API) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var note gatewayNotification
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		query := r.URL.Query()
		note = gatewayNotification{
			OrderNotificationType:  query.Get("OrderNotificationType"),
			OrderTrackingID:        query.Get("OrderTrackingId"),
			OrderMerchantReference: query.Get("OrderMerchantReference"),
		}
	}

	ctx := service.WithActor(r.Context(), domain.Actor{Username: "gateway", Role: "system"})
	resp, err := a.service.HandleGatewayCallback(ctx, domain.GatewayCallback{
		OrderTrackingID:        note.OrderTrackingID,
		OrderMerchantReference: note.OrderMerchantReference,
		NotificationType:       note.OrderNotificationType,
	})

	ack := map[string]any{
		"orderNotificationType":  note.OrderNotificationType,
		"orderTrackingId":        note.OrderTrackingID,
		"orderMerchantReference": note.OrderMerchantReference,
		"status":                 http.StatusOK,
	}
	if err != nil {
		log.Printf("[gateway] WARN: callback tracking=%s reference=%s failed: %v", note.OrderTrackingID, note.OrderMerchantReference, err)
		status, kind := classify(err)
		ack["status"] = status
		ack["kind"] = kind
		writeJSON(w, status, ack)
		return
	}
	ack["sale_status"] = resp.Sale.Status
	ack["duplicate"] = resp.Duplicate
	writeJSON(w, http.StatusOK, ack)
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetStock(r.Context(), r.PathValue("variantID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleStockMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	movements, err := a.service.ListStockMovements(r.Context(), r.PathValue("variantID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.ReceiveStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleStockAudit(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAuditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.StockAudit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 1000)
	logs, err := a.service.ListAuditLogs(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleEvents upgrades to the sale event stream. Browsers cannot set
// headers on a websocket handshake, so the token may also come as ?token=.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, errors.New("event stream disabled"))
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if authorization := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token = strings.TrimSpace(authorization[len("Bearer "):])
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}
	actor, err := a.auth.ParseToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if !a.policy.Allow(actor, policy.ActionRead, policy.ResourceEvents) {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	a.hub.Serve(w, r)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// classify maps a service error onto an HTTP status and a stable kind.
func classify(err error) (int, string) {
	if errors.Is(err, gateway.ErrUnavailable) {
		return http.StatusServiceUnavailable, "gateway_unavailable"
	}

	kind := store.Kind(err)
	switch kind {
	case "invalid_request":
		return http.StatusBadRequest, kind
	case "not_found", "sale_not_found", "product_variant_not_found":
		return http.StatusNotFound, kind
	case "insufficient_stock", "sale_already_finalized", "invalid_return_state", "excessive_return_quantity":
		return http.StatusConflict, kind
	case "insufficient_payment":
		return http.StatusUnprocessableEntity, kind
	}
	return http.StatusInternalServerError, "internal"
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeErrorKind(w, status, kind, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := "invalid_request"
	switch status {
	case http.StatusUnauthorized:
		kind = "unauthorized"
	case http.StatusForbidden:
		kind = "forbidden"
	case http.StatusNotFound:
		kind = "not_found"
	case http.StatusTooManyRequests:
		kind = "rate_limited"
	}
	if status >= 500 {
		kind = "internal"
	}
	writeErrorKind(w, status, kind, err)
}

func writeErrorKind(w http.ResponseWriter, status int, kind string, err error) {
	// 5xx bodies never carry the underlying error; it goes to the log.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"kind":  kind,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
