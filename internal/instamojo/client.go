package instamojo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://www.instamojo.com/api/1.1"

// ErrNotConfigured is returned when key or token is missing.
var ErrNotConfigured = errors.New("instamojo credentials are not configured")

// APIError carries the provider's status and body for a failed call.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("instamojo %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the Instamojo v1.1 REST API. It holds no per-call state.
type Client struct {
	APIKey    string
	AuthToken string
	BaseURL   string

	HTTPClient *http.Client
}

// NewClient builds a client with a bounded default timeout.
func NewClient(apiKey, authToken, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		APIKey:    strings.TrimSpace(apiKey),
		AuthToken: strings.TrimSpace(authToken),
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Configured reports whether both credentials are set.
func (c *Client) Configured() bool {
	return c != nil && c.APIKey != "" && c.AuthToken != ""
}

// PaymentRequestInput is the body of a create-payment-request call.
type PaymentRequestInput struct {
	Purpose     string
	Amount      decimal.Decimal
	BuyerName   string
	Email       string
	Phone       string
	RedirectURL string
	Webhook     string // omitted from the request when empty
}

// PaymentRequest is the provider's order object.
type PaymentRequest struct {
	ID          string            `json:"id"`
	Purpose     string            `json:"purpose"`
	Amount      decimal.Decimal   `json:"amount"`
	Status      string            `json:"status"`
	LongURL     string            `json:"longurl"`
	ShortURL    string            `json:"shorturl"`
	RedirectURL string            `json:"redirect_url"`
	Webhook     string            `json:"webhook"`
	Email       string            `json:"email"`
	BuyerName   string            `json:"buyer_name"`
	Payments    []json.RawMessage `json:"payments"`
	CreatedAt   string            `json:"created_at"`
}

// Payment is a single money movement against a payment request.
type Payment struct {
	PaymentID        string                 `json:"payment_id"`
	PaymentRequestID string                 `json:"payment_request"`
	Status           string                 `json:"status"`
	Amount           decimal.Decimal        `json:"amount"`
	Currency         string                 `json:"currency"`
	BuyerEmail       string                 `json:"buyer_email"`
	BuyerName        string                 `json:"buyer_name"`
	Fees             decimal.NullDecimal    `json:"fees"`
	CustomFields     map[string]interface{} `json:"custom_fields"`
	CreatedAt        string                 `json:"created_at"`
}

// Verified is the provider-side truth for one payment or payment request,
// normalized from either lookup.
type Verified struct {
	Status           string
	PaymentID        string
	PaymentRequestID string
	Amount           decimal.NullDecimal
	Currency         string
	Email            string
	Metadata         map[string]interface{}
	Raw              json.RawMessage
}

type envelope struct {
	Success        bool            `json:"success"`
	Message        json.RawMessage `json:"message"`
	PaymentRequest json.RawMessage `json:"payment_request"`
	Payment        json.RawMessage `json:"payment"`
}

// CreatePaymentRequest creates a hosted checkout for the given amount.
func (c *Client) CreatePaymentRequest(ctx context.Context, in PaymentRequestInput) (*PaymentRequest, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	form := url.Values{}
	form.Set("purpose", in.Purpose)
	form.Set("amount", in.Amount.StringFixed(2))
	if in.BuyerName != "" {
		form.Set("buyer_name", in.BuyerName)
	}
	if in.Email != "" {
		form.Set("email", in.Email)
	}
	if in.Phone != "" {
		form.Set("phone", in.Phone)
	}
	if in.RedirectURL != "" {
		form.Set("redirect_url", in.RedirectURL)
	}
	if in.Webhook != "" {
		form.Set("webhook", in.Webhook)
	}
	form.Set("allow_repeated_payments", "False")
	form.Set("send_email", "False")

	env, err := c.do(ctx, "create payment request", http.MethodPost, "/payment-requests/", form)
	if err != nil {
		return nil, err
	}
	var out PaymentRequest
	if err := json.Unmarshal(env.PaymentRequest, &out); err != nil {
		return nil, fmt.Errorf("decode payment_request: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("instamojo create payment request returned empty id")
	}
	return &out, nil
}

// GetPayment fetches a payment by its provider payment id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Verified, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, errors.New("payment id is required")
	}
	env, err := c.do(ctx, "get payment", http.MethodGet, "/payments/"+url.PathEscape(id)+"/", nil)
	if err != nil {
		return nil, err
	}
	var p Payment
	if err := json.Unmarshal(env.Payment, &p); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	v := &Verified{
		Status:           p.Status,
		PaymentID:        p.PaymentID,
		PaymentRequestID: lastPathSegment(p.PaymentRequestID),
		Currency:         p.Currency,
		Email:            p.BuyerEmail,
		Metadata:         p.CustomFields,
		Raw:              env.Payment,
	}
	if !p.Amount.IsZero() {
		v.Amount = decimal.NewNullDecimal(p.Amount)
	}
	return v, nil
}

// GetPaymentRequest fetches a payment request by its provider order id.
func (c *Client) GetPaymentRequest(ctx context.Context, requestID string) (*Verified, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	id := strings.TrimSpace(requestID)
	if id == "" {
		return nil, errors.New("payment request id is required")
	}
	env, err := c.do(ctx, "get payment request", http.MethodGet, "/payment-requests/"+url.PathEscape(id)+"/", nil)
	if err != nil {
		return nil, err
	}
	var pr PaymentRequest
	if err := json.Unmarshal(env.PaymentRequest, &pr); err != nil {
		return nil, fmt.Errorf("decode payment_request: %w", err)
	}
	v := &Verified{
		Status:           pr.Status,
		PaymentRequestID: pr.ID,
		Email:            pr.Email,
		Raw:              env.PaymentRequest,
	}
	if ref, ok := pickPayment(parsePaymentRefs(pr.Payments)); ok {
		v.PaymentID = ref.ID
		if strings.EqualFold(ref.Status, paymentCredited) {
			v.Status = ref.Status
		}
	}
	if !pr.Amount.IsZero() {
		v.Amount = decimal.NewNullDecimal(pr.Amount)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values) (*envelope, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.APIKey)
	req.Header.Set("X-Auth-Token", c.AuthToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instamojo %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("instamojo %s: decode response: %w", op, err)
	}
	if !env.Success {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return &env, nil
}

const paymentCredited = "Credit"

// paymentRef is one entry of a payment request's payments list. API v2 lists
// URLs ending in the payment id; v1.1 embeds payment objects.
type paymentRef struct {
	ID     string
	Status string
}

func parsePaymentRefs(raw []json.RawMessage) []paymentRef {
	refs := make([]paymentRef, 0, len(raw))
	for _, r := range raw {
		var link string
		if err := json.Unmarshal(r, &link); err == nil {
			if id := lastPathSegment(link); id != "" {
				refs = append(refs, paymentRef{ID: id})
			}
			continue
		}
		var obj struct {
			PaymentID string `json:"payment_id"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.PaymentID != "" {
			refs = append(refs, paymentRef{ID: obj.PaymentID, Status: obj.Status})
		}
	}
	return refs
}

// pickPayment prefers the most recent credited payment, else the most recent one.
func pickPayment(refs []paymentRef) (paymentRef, bool) {
	for i := len(refs) - 1; i >= 0; i-- {
		if strings.EqualFold(refs[i].Status, paymentCredited) {
			return refs[i], true
		}
	}
	if len(refs) == 0 {
		return paymentRef{}, false
	}
	return refs[len(refs)-1], true
}

func lastPathSegment(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
