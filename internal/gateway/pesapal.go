package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/domain"
)

type PesapalConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	IPNID          string
	CallbackURL    string
	Currency       string
	CountryCode    string
	Timeout        time.Duration
}

// Pesapal implements Gateway against the Pesapal v3 REST API.
type Pesapal struct {
	cfg   PesapalConfig
	http  *http.Client
	creds CredentialProvider
	now   func() time.Time
}

func NewPesapal(cfg PesapalConfig, tokens cache.TokenCache) *Pesapal {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "KE"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	p := &Pesapal{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  func() time.Time { return time.Now().UTC() },
	}
	p.creds = NewCachedCredentials(p.RequestToken, tokens, "pesapal:"+cfg.ConsumerKey)
	return p
}

type pesapalError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type tokenResponse struct {
	Token      string          `json:"token"`
	ExpiryDate json.RawMessage `json:"expiryDate"`
	Error      *pesapalError   `json:"error"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
}

// RequestToken exchanges the consumer key and secret for a bearer token.
func (p *Pesapal) RequestToken(ctx context.Context) (*domain.GatewayToken, error) {
	var resp tokenResponse
	err := p.do(ctx, http.MethodPost, "/api/Auth/RequestToken", "", map[string]string{
		"consumer_key":    p.cfg.ConsumerKey,
		"consumer_secret": p.cfg.ConsumerSecret,
	}, &resp)
	if errors.Is(err, errUnauthorized) {
		return nil, fmt.Errorf("%w: consumer credentials rejected", ErrUnavailable)
	}
	if err != nil {
		return nil, err
	}
	if resp.Error.failed() || resp.Token == "" {
		return nil, fmt.Errorf("%w: token request rejected: %s", ErrUnavailable, describe(resp.Error, resp.Message))
	}
	return &domain.GatewayToken{Value: resp.Token, ExpiresAt: p.parseExpiry(resp.ExpiryDate)}, nil
}

// parseExpiry accepts either a timestamp or a lifetime in seconds. Anything
// else gets a short default lifetime.
func (p *Pesapal) parseExpiry(raw json.RawMessage) time.Time {
	now := p.now()
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
			if at, err := time.Parse(layout, text); err == nil {
				return at.UTC()
			}
		}
		if secs, err := strconv.Atoi(text); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}
	return now.Add(5 * time.Minute)
}

type submitOrderRequest struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         json.Number    `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id"`
	BillingAddress billingPayload `json:"billing_address"`
}

type billingPayload struct {
	EmailAddress string `json:"email_address"`
	PhoneNumber  string `json:"phone_number"`
	CountryCode  string `json:"country_code"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}

type submitOrderResponse struct {
	OrderTrackingID   string        `json:"order_tracking_id"`
	MerchantReference string        `json:"merchant_reference"`
	RedirectURL       string        `json:"redirect_url"`
	Error             *pesapalError `json:"error"`
	Status            string        `json:"status"`
}

func (p *Pesapal) SubmitOrder(ctx context.Context, order Order) (*OrderResult, error) {
	payload := submitOrderRequest{
		ID:             order.MerchantReference,
		Currency:       p.cfg.Currency,
		Amount:         json.Number(CentsToAmount(order.AmountCents).StringFixed(2)),
		Description:    order.Description,
		CallbackURL:    p.cfg.CallbackURL,
		NotificationID: p.cfg.IPNID,
		BillingAddress: billingPayload{
			EmailAddress: order.Billing.Email,
			PhoneNumber:  order.Billing.Phone,
			CountryCode:  p.cfg.CountryCode,
			FirstName:    order.Billing.FirstName,
			LastName:     order.Billing.LastName,
		},
	}

	var resp submitOrderResponse
	if err := p.authorized(ctx, http.MethodPost, "/api/Transactions/SubmitOrderRequest", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Error.failed() || resp.OrderTrackingID == "" {
		return nil, fmt.Errorf("%w: order rejected: %s", ErrUnavailable, describe(resp.Error, ""))
	}
	return &OrderResult{TrackingID: resp.OrderTrackingID, RedirectURL: resp.RedirectURL}, nil
}

type statusResponse struct {
	PaymentMethod            string        `json:"payment_method"`
	Amount                   json.Number   `json:"amount"`
	ConfirmationCode         string        `json:"confirmation_code"`
	PaymentStatusDescription string        `json:"payment_status_description"`
	Description              string        `json:"description"`
	MerchantReference        string        `json:"merchant_reference"`
	Error                    *pesapalError `json:"error"`
	Status                   string        `json:"status"`
}

func (p *Pesapal) TransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error) {
	path := "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(trackingID)

	var resp statusResponse
	if err := p.authorized(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error.failed() && resp.PaymentStatusDescription == "" {
		return nil, fmt.Errorf("%w: status query rejected: %s", ErrUnavailable, describe(resp.Error, ""))
	}

	cents, err := AmountToCents(resp.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &TransactionStatus{
		Description:       resp.PaymentStatusDescription,
		AmountCents:       cents,
		ConfirmationCode:  resp.ConfirmationCode,
		MerchantReference: resp.MerchantReference,
		PaymentMethod:     resp.PaymentMethod,
	}, nil
}

var errUnauthorized = errors.New("gateway rejected bearer token")

// authorized retries once with a fresh token when the gateway answers 401.
func (p *Pesapal) authorized(ctx context.Context, method string, path string, body any, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := p.creds.Token(ctx)
		if err != nil {
			return err
		}
		err = p.do(ctx, method, path, token, body, out)
		if !errors.Is(err, errUnauthorized) {
			return err
		}
		if inv, ok := p.creds.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, errUnauthorized)
}

func (p *Pesapal) do(ctx context.Context, method string, path string, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	decoder := json.NewDecoder(io.LimitReader(res.Body, 1<<20))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

// failed treats an error object with only null fields as no error; the
// gateway sends one on successful responses too.
func (e *pesapalError) failed() bool {
	return e != nil && (e.ErrorType != "" || e.Code != "" || e.Message != "")
}

func describe(e *pesapalError, fallback string) string {
	if !e.failed() {
		if fallback == "" {
			return "empty response"
		}
		return fallback
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}
