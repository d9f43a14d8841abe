package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentProvider marks where an order was placed. Local orders never reach the provider.
const (
	PaymentProviderLocal     = "local"
	PaymentProviderInstamojo = "instamojo"
)

// PaymentStatus for ledger rows. Transitions are created -> paid and created -> failed only.
const (
	PaymentStatusCreated = "created"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

// PaymentRecord is one payment attempt in the payments ledger.
type PaymentRecord struct {
	ID                uuid.UUID           `json:"id"`
	ReferenceID       string              `json:"reference_id"`
	VisitorID         *int64              `json:"visitor_id,omitempty"`
	Provider          string              `json:"provider"`
	ProviderOrderID   *string             `json:"provider_order_id,omitempty"`
	ProviderPaymentID *string             `json:"provider_payment_id,omitempty"`
	Amount            decimal.NullDecimal `json:"amount"`
	Currency          *string             `json:"currency,omitempty"`
	Status            string              `json:"status"`
	EntityType        *string             `json:"entity_type,omitempty"`
	EntityID          *string             `json:"entity_id,omitempty"`
	Metadata          json.RawMessage     `json:"metadata,omitempty"`
	WebhookPayload    json.RawMessage     `json:"webhook_payload,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	ReceivedAt        *time.Time          `json:"received_at,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Terminal reports whether the row has settled.
func (p *PaymentRecord) Terminal() bool {
	return p.Status == PaymentStatusPaid || p.Status == PaymentStatusFailed
}
