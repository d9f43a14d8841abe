package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/models"
)

var (
	ErrReferenceRequired  = errors.New("reference_id is required")
	ErrInvalidEntityType  = errors.New("invalid entity_type")
	ErrNotFound           = errors.New("payment not found")
	ErrProviderNotEnabled = errors.New("payment provider is not configured")
)

// Gateway is the provider surface the order service and engine need.
type Gateway interface {
	Configured() bool
	CreatePaymentRequest(ctx context.Context, in instamojo.PaymentRequestInput) (*instamojo.PaymentRequest, error)
	GetPayment(ctx context.Context, paymentID string) (*instamojo.Verified, error)
	GetPaymentRequest(ctx context.Context, requestID string) (*instamojo.Verified, error)
}

// Match names the identifiers a delivery may use to find its ledger row.
type Match struct {
	ProviderOrderID   string
	ProviderPaymentID string
	ReferenceID       string
}

// Fill carries verified provider facts applied only where the row is still null.
type Fill struct {
	ProviderPaymentID string
	Amount            decimal.NullDecimal
	Currency          string
}

// StaleQuery selects created provider orders for out-of-band re-verification.
type StaleQuery struct {
	IdleSince    time.Time // neither created nor touched by a delivery since
	CreatedAfter time.Time // zero means no age limit
	Limit        int
}

// ListFilter narrows the admin listing.
type ListFilter struct {
	Status      string
	ReferenceID string
	Limit       int
	Offset      int
}

// LedgerStore persists payment attempts.
type LedgerStore interface {
	Insert(ctx context.Context, rec *models.PaymentRecord) error
	LatestByReference(ctx context.Context, referenceID string) (*models.PaymentRecord, error)
	FindForDelivery(ctx context.Context, m Match) (*models.PaymentRecord, error)
	// Settle moves a created row to status. It reports false when the row was no longer created.
	Settle(ctx context.Context, id uuid.UUID, status string, payload []byte, fill Fill) (bool, error)
	// Annotate records a delivery without changing status.
	Annotate(ctx context.Context, id uuid.UUID, payload []byte, fill Fill) error
	ListStale(ctx context.Context, q StaleQuery) ([]models.PaymentRecord, error)
	List(ctx context.Context, f ListFilter) ([]models.PaymentRecord, error)
}

// RegistrantStore updates the payment view on the five registrant tables.
type RegistrantStore interface {
	Exists(ctx context.Context, entity models.EntityType, id int64) (bool, error)
	FindIDByEmail(ctx context.Context, entity models.EntityType, email string) (int64, bool, error)
	ApplyPayment(ctx context.Context, entity models.EntityType, id int64, view models.RegistrantPaymentView) (bool, error)
}

// UpgradeRequest is the body of POST /tickets/upgrade.
type UpgradeRequest struct {
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	NewCategory string `json:"new_category"`
	Amount      string `json:"amount,omitempty"`
	ProviderTx  string `json:"provider_tx"`
}

// FanOut issues the downstream calls made after a confirmed payment.
type FanOut interface {
	Upgrade(ctx context.Context, req UpgradeRequest) error
	Confirm(ctx context.Context, entity models.EntityType, id, txID string) error
}

// StatusPublisher pushes ledger transitions to live status listeners.
type StatusPublisher interface {
	PublishPaymentStatus(ctx context.Context, referenceID, status string) error
}

// Archiver keeps the raw body of each delivery.
type Archiver interface {
	ArchiveWebhook(ctx context.Context, deliveryID string, body []byte) error
}
