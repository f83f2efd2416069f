package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/domain"
)

type fakePesapal struct {
	tokenCalls  atomic.Int64
	mu          sync.Mutex
	lastOrder   submitOrderRequest
	rejectFirst atomic.Bool
	status      string
	amount      string
}

func (f *fakePesapal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/Auth/RequestToken", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["consumer_key"] != "key" || body["consumer_secret"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := f.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-" + strconv.FormatInt(n, 10),
			"expiryDate": time.Now().UTC().Add(5 * time.Minute).Format(time.RFC3339Nano),
			"error":      nil,
			"status":     "200",
		})
	})
	mux.HandleFunc("/api/Transactions/SubmitOrderRequest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.rejectFirst.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var order submitOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			t.Errorf("decode order: %v", err)
		}
		f.mu.Lock()
		f.lastOrder = order
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"order_tracking_id":  "trk-123",
			"merchant_reference": order.ID,
			"redirect_url":       "https://pay.example/trk-123",
			"error":              map[string]any{"error_type": nil, "code": nil, "message": nil},
			"status":             "200",
		})
	})
	mux.HandleFunc("/api/Transactions/GetTransactionStatus", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("orderTrackingId") != "trk-123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_method":"MpesaKE","amount":` + f.amount + `,"confirmation_code":"QK12ABC","payment_status_description":"` + f.status + `","merchant_reference":"SL-20261019-AAAA0001","status":"200"}`))
	})
	return mux
}

func newTestPesapal(t *testing.T, fake *fakePesapal, consumerSecret string) *Pesapal {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewPesapal(PesapalConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: consumerSecret,
		IPNID:          "ipn-1",
		CallbackURL:    "https://pos.example/api/v1/payments/callback",
	}, cache.NoopTokenCache{})
}

func TestSubmitOrderSendsFixedPointAmount(t *testing.T) {
	fake := &fakePesapal{}
	p := newTestPesapal(t, fake, "secret")

	result, err := p.SubmitOrder(context.Background(), Order{
		MerchantReference: "SL-20261019-AAAA0001",
		AmountCents:       50050,
		Description:       "Payment for sale SL-20261019-AAAA0001",
		Billing:           BillingAddress{Phone: "+254700000001"},
	})
	if err != nil {
		t.Fatalf("submit order failed: %v", err)
	}
	if result.TrackingID != "trk-123" || result.RedirectURL == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastOrder.Amount.String() != "500.50" {
		t.Fatalf("expected amount 500.50, got %s", fake.lastOrder.Amount)
	}
	if fake.lastOrder.Currency != "KES" || fake.lastOrder.BillingAddress.CountryCode != "KE" {
		t.Fatalf("expected KES/KE defaults, got %s/%s", fake.lastOrder.Currency, fake.lastOrder.BillingAddress.CountryCode)
	}
	if fake.lastOrder.NotificationID != "ipn-1" {
		t.Fatalf("expected notification id, got %q", fake.lastOrder.NotificationID)
	}
}

func TestTokenIsReusedUntilExpiry(t *testing.T) {
	fake := &fakePesapal{status: StatusCompleted, amount: "1.00"}
	p := newTestPesapal(t, fake, "secret")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.TransactionStatus(ctx, "trk-123"); err != nil {
			t.Fatalf("status failed: %v", err)
		}
	}
	if fake.tokenCalls.Load() != 1 {
		t.Fatalf("expected a single token request, got %d", fake.tokenCalls.Load())
	}
}

func TestRejectedTokenIsRefreshedOnce(t *testing.T) {
	fake := &fakePesapal{}
	fake.rejectFirst.Store(true)
	p := newTestPesapal(t, fake, "secret")

	if _, err := p.SubmitOrder(context.Background(), Order{MerchantReference: "SL-1", AmountCents: 100}); err != nil {
		t.Fatalf("submit order failed: %v", err)
	}
	if fake.tokenCalls.Load() != 2 {
		t.Fatalf("expected token refresh after 401, got %d token calls", fake.tokenCalls.Load())
	}
}

func TestTransactionStatusParsesAmount(t *testing.T) {
	fake := &fakePesapal{status: StatusCompleted, amount: "1234.5"}
	p := newTestPesapal(t, fake, "secret")

	status, err := p.TransactionStatus(context.Background(), "trk-123")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Completed() || status.Rejected() {
		t.Fatalf("expected completed status, got %+v", status)
	}
	if status.AmountCents != 123450 {
		t.Fatalf("expected 123450 cents, got %d", status.AmountCents)
	}
	if status.ConfirmationCode != "QK12ABC" || status.MerchantReference != "SL-20261019-AAAA0001" {
		t.Fatalf("unexpected status fields: %+v", status)
	}
}

func TestBadCredentialsAreUnavailable(t *testing.T) {
	fake := &fakePesapal{}
	p := newTestPesapal(t, fake, "wrong")

	_, err := p.SubmitOrder(context.Background(), Order{MerchantReference: "SL-1", AmountCents: 100})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestUnreachableGatewayIsUnavailable(t *testing.T) {
	p := NewPesapal(PesapalConfig{BaseURL: "http://127.0.0.1:1", ConsumerKey: "key", ConsumerSecret: "secret", Timeout: time.Second}, nil)

	_, err := p.TransactionStatus(context.Background(), "trk-123")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestDisabledGateway(t *testing.T) {
	if _, err := (Disabled{}).SubmitOrder(context.Background(), Order{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		desc      string
		completed bool
		rejected  bool
	}{
		{StatusCompleted, true, false},
		{StatusFailed, false, true},
		{StatusReversed, false, true},
		{StatusInvalid, false, true},
		{"Pending", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		s := TransactionStatus{Description: tc.desc}
		if s.Completed() != tc.completed || s.Rejected() != tc.rejected {
			t.Fatalf("%q: completed=%v rejected=%v", tc.desc, s.Completed(), s.Rejected())
		}
	}
}

func TestAmountConversions(t *testing.T) {
	if got := CentsToAmount(100).StringFixed(2); got != "1.00" {
		t.Fatalf("expected 1.00, got %s", got)
	}
	cents, err := AmountToCents("0.005")
	if err != nil || cents != 1 {
		t.Fatalf("expected 1 cent, got %d err=%v", cents, err)
	}
	if _, err := AmountToCents("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
}

type memoryTokenCache struct {
	token *domain.GatewayToken
	sets  int
}

func (m *memoryTokenCache) Get(_ context.Context, _ string) (*domain.GatewayToken, bool, error) {
	return m.token, m.token != nil, nil
}

func (m *memoryTokenCache) Set(_ context.Context, _ string, value *domain.GatewayToken, _ time.Duration) error {
	m.token = value
	m.sets++
	return nil
}

func TestCachedCredentialsSharesAndRefreshes(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	fetches := 0
	shared := &memoryTokenCache{}
	creds := NewCachedCredentials(func(context.Context) (*domain.GatewayToken, error) {
		fetches++
		return &domain.GatewayToken{Value: "fresh", ExpiresAt: now.Add(5 * time.Minute)}, nil
	}, shared, "k")
	creds.now = func() time.Time { return now }

	ctx := context.Background()
	if tok, err := creds.Token(ctx); err != nil || tok != "fresh" {
		t.Fatalf("unexpected token %q err=%v", tok, err)
	}
	if shared.sets != 1 {
		t.Fatalf("expected shared cache write, got %d", shared.sets)
	}

	other := NewCachedCredentials(func(context.Context) (*domain.GatewayToken, error) {
		t.Fatalf("second instance should reuse the shared token")
		return nil, nil
	}, shared, "k")
	other.now = func() time.Time { return now }
	if tok, err := other.Token(ctx); err != nil || tok != "fresh" {
		t.Fatalf("unexpected shared token %q err=%v", tok, err)
	}

	now = now.Add(10 * time.Minute)
	if _, err := creds.Token(ctx); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if fetches != 2 {
		t.Fatalf("expected refetch after expiry, got %d fetches", fetches)
	}
}
