package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-events/backend/internal/models"
)

// Ledger is the pgx-backed payments table.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a payments ledger repository.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

const paymentColumns = `id, reference_id, visitor_id, provider, provider_order_id, provider_payment_id,
	amount, currency, status, entity_type, entity_id, metadata, webhook_payload, created_at, received_at, updated_at`

func scanPayment(row pgx.Row) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	err := row.Scan(&p.ID, &p.ReferenceID, &p.VisitorID, &p.Provider, &p.ProviderOrderID, &p.ProviderPaymentID,
		&p.Amount, &p.Currency, &p.Status, &p.EntityType, &p.EntityID, &p.Metadata, &p.WebhookPayload,
		&p.CreatedAt, &p.ReceivedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Insert writes a new ledger row.
func (r *Ledger) Insert(ctx context.Context, p *models.PaymentRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PaymentStatusCreated
	}
	const q = `INSERT INTO payments (id, reference_id, visitor_id, provider, provider_order_id, amount, currency, status, entity_type, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, p.ID, p.ReferenceID, p.VisitorID, p.Provider, p.ProviderOrderID,
		p.Amount, p.Currency, p.Status, p.EntityType, p.EntityID, jsonOrNil(p.Metadata)).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

// LatestByReference returns the most recent attempt for a reference id.
func (r *Ledger) LatestByReference(ctx context.Context, referenceID string) (*models.PaymentRecord, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE reference_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanPayment(r.pool.QueryRow(ctx, q, referenceID))
}

// FindForDelivery locates a row by provider order id, then provider payment id,
// then the latest row for the reference id.
func (r *Ledger) FindForDelivery(ctx context.Context, m Match) (*models.PaymentRecord, error) {
	if m.ProviderOrderID != "" {
		q := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_order_id = $1 ORDER BY created_at DESC LIMIT 1`
		p, err := scanPayment(r.pool.QueryRow(ctx, q, m.ProviderOrderID))
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, err
		}
	}
	if m.ProviderPaymentID != "" {
		q := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_payment_id = $1 ORDER BY created_at DESC LIMIT 1`
		p, err := scanPayment(r.pool.QueryRow(ctx, q, m.ProviderPaymentID))
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, err
		}
	}
	if m.ReferenceID != "" {
		return r.LatestByReference(ctx, m.ReferenceID)
	}
	return nil, ErrNotFound
}

// Settle is a compare-and-set from created to a terminal status.
func (r *Ledger) Settle(ctx context.Context, id uuid.UUID, status string, payload []byte, fill Fill) (bool, error) {
	const q = `UPDATE payments SET
			status = $2,
			webhook_payload = $3,
			provider_payment_id = COALESCE(provider_payment_id, NULLIF($4, '')),
			amount = COALESCE(amount, $5),
			currency = COALESCE(currency, NULLIF($6, '')),
			received_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'created'`
	tag, err := r.pool.Exec(ctx, q, id, status, jsonOrNil(payload), fill.ProviderPaymentID, fill.Amount, fill.Currency)
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Annotate stores the delivery payload and fills null provider facts.
func (r *Ledger) Annotate(ctx context.Context, id uuid.UUID, payload []byte, fill Fill) error {
	const q = `UPDATE payments SET
			webhook_payload = $2,
			provider_payment_id = COALESCE(provider_payment_id, NULLIF($3, '')),
			amount = COALESCE(amount, $4),
			currency = COALESCE(currency, NULLIF($5, '')),
			received_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, jsonOrNil(payload), fill.ProviderPaymentID, fill.Amount, fill.Currency)
	return err
}

// ListStale returns provider orders still created and idle since q.IdleSince,
// least recently touched first. Annotate bumps received_at, so rows that stay
// pending rotate to the back instead of starving newer ones.
func (r *Ledger) ListStale(ctx context.Context, sq StaleQuery) ([]models.PaymentRecord, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'created' AND provider = $1 AND provider_order_id IS NOT NULL
			AND COALESCE(received_at, created_at) < $2
			AND ($3::timestamptz IS NULL OR created_at > $3)
		ORDER BY COALESCE(received_at, created_at) ASC LIMIT $4`
	var after *time.Time
	if !sq.CreatedAfter.IsZero() {
		after = &sq.CreatedAfter
	}
	rows, err := r.pool.Query(ctx, q, models.PaymentProviderInstamojo, sq.IdleSince, after, sq.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// List returns rows for the admin view, newest first.
func (r *Ledger) List(ctx context.Context, f ListFilter) ([]models.PaymentRecord, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := `SELECT ` + paymentColumns + ` FROM payments
		WHERE ($1::text = '' OR status = $1) AND ($2::text = '' OR reference_id = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, q, f.Status, f.ReferenceID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]models.PaymentRecord, error) {
	var list []models.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func jsonOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
