package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/metrics"
	"github.com/aura-events/backend/internal/models"
)

// ErrProviderUnavailable wraps any failure talking to the provider while creating an order.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// WebhookDisabledHint is returned when the provider will not be told about a webhook URL.
const WebhookDisabledHint = "webhook delivery disabled: backend origin is not publicly reachable; poll /payment/status for confirmation"

// OrderConfig holds the origins and defaults used when building provider requests.
type OrderConfig struct {
	PublicWebhookURL string
	BackendOrigin    string
	FrontendOrigin   string
	ReturnPath       string
	Currency         string
	CreateTimeout    time.Duration
}

// CreateOrderInput is a validated create-order request.
type CreateOrderInput struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReferenceID string
	CallbackURL string
	Metadata    map[string]interface{}
	VisitorID   *int64
	EntityType  string
	EntityID    string
	BuyerName   string
	Email       string
	Phone       string
}

// CreateOrderResult is the checkout handle returned to the caller.
type CreateOrderResult struct {
	CheckoutURL     *string
	ProviderOrderID *string
	Hint            string
	Record          *models.PaymentRecord
}

// OrderService creates ledger rows and, when money is due, provider payment requests.
type OrderService struct {
	gateway Gateway
	ledger  LedgerStore
	cfg     OrderConfig
	logger  *zap.Logger
}

// NewOrderService creates an order service.
func NewOrderService(gateway Gateway, ledger LedgerStore, cfg OrderConfig, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.ReturnPath == "" {
		cfg.ReturnPath = "/payment/return"
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 20 * time.Second
	}
	return &OrderService{gateway: gateway, ledger: ledger, cfg: cfg, logger: logger}
}

// CreateOrder persists a created ledger row and returns where to send the buyer.
// Zero amounts and missing credentials never reach the provider.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	in.ReferenceID = strings.TrimSpace(in.ReferenceID)
	if in.ReferenceID == "" {
		return nil, ErrReferenceRequired
	}
	entityType, entityID, err := resolveEntity(in)
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}

	rec := &models.PaymentRecord{
		ReferenceID: in.ReferenceID,
		VisitorID:   in.VisitorID,
		Status:      models.PaymentStatusCreated,
		Amount:      decimal.NewNullDecimal(in.Amount),
		Currency:    &currency,
		EntityType:  entityType,
		EntityID:    entityID,
	}
	if len(in.Metadata) > 0 {
		if b, err := json.Marshal(in.Metadata); err == nil {
			rec.Metadata = b
		}
	}

	if !in.Amount.IsPositive() || s.gateway == nil || !s.gateway.Configured() {
		rec.Provider = models.PaymentProviderLocal
		s.insert(ctx, rec)
		metrics.Orders.WithLabelValues("local").Inc()
		s.logger.Info("local payment recorded",
			zap.String("reference_id", rec.ReferenceID),
			zap.String("amount", in.Amount.String()))
		return &CreateOrderResult{Record: rec}, nil
	}

	webhook, hint := s.webhookURL()
	req := instamojo.PaymentRequestInput{
		Purpose:     s.purpose(in),
		Amount:      in.Amount,
		BuyerName:   in.BuyerName,
		Email:       in.Email,
		Phone:       in.Phone,
		RedirectURL: s.redirectURL(in),
		Webhook:     webhook,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	defer cancel()
	pr, err := s.gateway.CreatePaymentRequest(callCtx, req)
	if err != nil {
		metrics.Orders.WithLabelValues("error").Inc()
		s.logger.Error("create payment request failed", zap.Error(err), zap.String("reference_id", in.ReferenceID))
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	rec.Provider = models.PaymentProviderInstamojo
	rec.ProviderOrderID = &pr.ID
	s.insert(ctx, rec)
	metrics.Orders.WithLabelValues("provider").Inc()

	checkout := pr.LongURL
	if checkout == "" {
		checkout = pr.ShortURL
	}
	s.logger.Info("payment request created",
		zap.String("reference_id", rec.ReferenceID),
		zap.String("provider_order_id", pr.ID),
		zap.Bool("webhook", webhook != ""))
	return &CreateOrderResult{CheckoutURL: &checkout, ProviderOrderID: &pr.ID, Hint: hint, Record: rec}, nil
}

// Bookkeeping failures must not block checkout.
func (s *OrderService) insert(ctx context.Context, rec *models.PaymentRecord) {
	if err := s.ledger.Insert(ctx, rec); err != nil {
		s.logger.Error("ledger insert failed",
			zap.Error(err),
			zap.String("reference_id", rec.ReferenceID),
			zap.String("provider", rec.Provider))
	}
}

func (s *OrderService) webhookURL() (string, string) {
	if u := strings.TrimSpace(s.cfg.PublicWebhookURL); u != "" {
		return u, ""
	}
	origin := strings.TrimRight(strings.TrimSpace(s.cfg.BackendOrigin), "/")
	if IsLoopbackOrigin(origin) {
		return "", WebhookDisabledHint
	}
	return origin + "/payment/webhook", ""
}

func (s *OrderService) redirectURL(in CreateOrderInput) string {
	if u := strings.TrimSpace(in.CallbackURL); u != "" {
		return u
	}
	origin := strings.TrimRight(s.cfg.FrontendOrigin, "/")
	if origin == "" {
		return ""
	}
	return origin + s.cfg.ReturnPath + "?reference_id=" + url.QueryEscape(in.ReferenceID)
}

func (s *OrderService) purpose(in CreateOrderInput) string {
	if d := strings.TrimSpace(in.Description); d != "" {
		return d
	}
	return "Registration " + in.ReferenceID
}

// IsLoopbackOrigin reports whether origin has no host or points at this machine.
func IsLoopbackOrigin(origin string) bool {
	if strings.TrimSpace(origin) == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

// resolveEntity prefers explicit fields over metadata.entity_type/entity_id.
func resolveEntity(in CreateOrderInput) (*string, *string, error) {
	rawType := strings.TrimSpace(in.EntityType)
	explicit := rawType != ""
	if !explicit {
		rawType = stringValue(in.Metadata["entity_type"])
	}
	rawID := strings.TrimSpace(in.EntityID)
	if rawID == "" {
		rawID = stringValue(in.Metadata["entity_id"])
	}

	var entityType, entityID *string
	if rawType != "" {
		t, err := models.ParseEntityType(rawType)
		switch {
		case err != nil && explicit:
			return nil, nil, fmt.Errorf("%w: %s", ErrInvalidEntityType, rawType)
		case err == nil:
			v := string(t)
			entityType = &v
		}
	}
	if rawID != "" {
		entityID = &rawID
	}
	return entityType, entityID, nil
}
