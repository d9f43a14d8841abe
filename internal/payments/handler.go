package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aura-events/backend/pkg/response"
)

const maxWebhookBody = 1 << 20

// OrderCreator is satisfied by *OrderService.
type OrderCreator interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error)
}

// Reconciler is satisfied by *Engine.
type Reconciler interface {
	HandleWebhook(ctx context.Context, body []byte) Result
	ReconcileOrder(ctx context.Context, providerOrderID string) (Result, error)
}

// Handler serves the payment HTTP surface.
type Handler struct {
	orders     OrderCreator
	reconciler Reconciler
	ledger     LedgerStore
	logger     *zap.Logger
}

// NewHandler creates a payments handler.
func NewHandler(orders OrderCreator, reconciler Reconciler, ledger LedgerStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orders: orders, reconciler: reconciler, ledger: ledger, logger: logger}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// CreateOrderRequest is the body for POST /payment/create-order.
type CreateOrderRequest struct {
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency"`
	Description string                 `json:"description"`
	ReferenceID flexString             `json:"reference_id"`
	CallbackURL string                 `json:"callback_url"`
	Metadata    map[string]interface{} `json:"metadata"`
	VisitorID   flexString             `json:"visitor_id"`
	EntityType  string                 `json:"entity_type"`
	EntityID    flexString             `json:"entity_id"`
	BuyerName   string                 `json:"buyer_name"`
	Email       string                 `json:"email"`
	Phone       string                 `json:"phone"`
}

// CreateOrder handles POST /payment/create-order.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(string(req.ReferenceID)) == "" {
		response.BadRequest(c, ErrReferenceRequired.Error())
		return
	}
	in := CreateOrderInput{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		ReferenceID: string(req.ReferenceID),
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
		EntityType:  req.EntityType,
		EntityID:    string(req.EntityID),
		BuyerName:   req.BuyerName,
		Email:       req.Email,
		Phone:       req.Phone,
	}
	if v := strings.TrimSpace(string(req.VisitorID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid visitor_id")
			return
		}
		in.VisitorID = &id
	}

	res, err := h.orders.CreateOrder(c.Request.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, ErrReferenceRequired), errors.Is(err, ErrInvalidEntityType):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ErrProviderUnavailable):
			response.BadGateway(c, "payment provider unavailable")
		default:
			h.logger.Error("create order failed", zap.Error(err))
			response.Internal(c, "failed to create order")
		}
		return
	}

	body := gin.H{
		"success":         true,
		"checkoutUrl":     res.CheckoutURL,
		"providerOrderId": res.ProviderOrderID,
	}
	if res.Hint != "" {
		body["hint"] = res.Hint
	}
	c.JSON(http.StatusOK, body)
}

// Status handles GET /payment/status?reference_id=.
func (h *Handler) Status(c *gin.Context) {
	ref := strings.TrimSpace(c.Query("reference_id"))
	if ref == "" {
		response.BadRequest(c, ErrReferenceRequired.Error())
		return
	}
	status, err := LatestStatus(c.Request.Context(), h.ledger, ref)
	if err != nil {
		h.logger.Error("payment status lookup failed", zap.Error(err), zap.String("reference_id", ref))
		response.Internal(c, "failed to read payment status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}

// LatestStatus returns the newest row's status, or created when none exists yet.
func LatestStatus(ctx context.Context, ledger LedgerStore, referenceID string) (string, error) {
	rec, err := ledger.LatestByReference(ctx, referenceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "created", nil
		}
		return "", err
	}
	return rec.Status, nil
}

// Webhook handles POST /payment/webhook. The provider always gets a 200.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
	}
	res := h.reconciler.HandleWebhook(c.Request.Context(), body)
	h.logger.Info("payment webhook received",
		zap.String("delivery_id", res.DeliveryID),
		zap.String("outcome", res.Outcome),
		zap.String("status", res.Status),
		zap.String("reference_id", res.ReferenceID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// List handles GET /admin/payments.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	list, err := h.ledger.List(c.Request.Context(), ListFilter{
		Status:      strings.TrimSpace(c.Query("status")),
		ReferenceID: strings.TrimSpace(c.Query("reference_id")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.logger.Error("list payments failed", zap.Error(err))
		response.Internal(c, "failed to list payments")
		return
	}
	response.OK(c, list)
}

// ReconcileRequest is the body for POST /admin/payments/reconcile.
type ReconcileRequest struct {
	ProviderOrderID string     `json:"provider_order_id"`
	ReferenceID     flexString `json:"reference_id"`
}

// Reconcile handles POST /admin/payments/reconcile.
func (h *Handler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	orderID := strings.TrimSpace(req.ProviderOrderID)
	if orderID == "" && req.ReferenceID != "" {
		rec, err := h.ledger.LatestByReference(c.Request.Context(), string(req.ReferenceID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				response.NotFound(c, "payment not found")
				return
			}
			h.logger.Error("reconcile lookup failed", zap.Error(err))
			response.Internal(c, "failed to load payment")
			return
		}
		if rec.ProviderOrderID == nil {
			response.BadRequest(c, "payment has no provider order")
			return
		}
		orderID = *rec.ProviderOrderID
	}
	if orderID == "" {
		response.BadRequest(c, "provider_order_id or reference_id required")
		return
	}

	res, err := h.reconciler.ReconcileOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotEnabled) {
			response.ServiceUnavailable(c, err.Error())
			return
		}
		h.logger.Warn("manual reconcile incomplete", zap.Error(err), zap.String("provider_order_id", orderID))
		response.BadGateway(c, "provider verification failed")
		return
	}
	response.OK(c, res)
}
