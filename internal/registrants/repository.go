package registrants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-events/backend/internal/models"
)

// ErrNotFound is returned when a registrant row does not exist.
var ErrNotFound = errors.New("registrant not found")

// Table names are never taken from input; only these identifiers reach SQL.
var tables = map[models.EntityType]string{
	models.EntityVisitors:   "visitors",
	models.EntityExhibitors: "exhibitors",
	models.EntitySpeakers:   "speakers",
	models.EntityAwardees:   "awardees",
	models.EntityPartners:   "partners",
}

func tableFor(entity models.EntityType) (string, error) {
	t, ok := tables[entity]
	if !ok {
		return "", fmt.Errorf("unknown registrant table %q", entity)
	}
	return t, nil
}

// Repository reads and updates the payment view on registrant tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registrants repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Exists reports whether id is a row of entity's table.
func (r *Repository) Exists(ctx context.Context, entity models.EntityType, id int64) (bool, error) {
	table, err := tableFor(entity)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// FindIDByEmail returns the newest row with a case-insensitive email match.
func (r *Repository) FindIDByEmail(ctx context.Context, entity models.EntityType, email string) (int64, bool, error) {
	table, err := tableFor(entity)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = r.pool.QueryRow(ctx, `SELECT id FROM `+table+` WHERE lower(email) = lower($1) ORDER BY id DESC LIMIT 1`, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ApplyPayment writes view onto the row. A row already marked paid is left alone and
// false is returned. Amount is only filled when the row has none.
func (r *Repository) ApplyPayment(ctx context.Context, entity models.EntityType, id int64, view models.RegistrantPaymentView) (bool, error) {
	table, err := tableFor(entity)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, applyPaymentSQL(table),
		id, view.TxID, view.PaymentProvider, view.PaymentStatus, view.AmountPaid, view.PaidAt, jsonOrNil(view.PaymentMeta))
	if err != nil {
		return false, fmt.Errorf("update %s payment: %w", table, err)
	}
	return tag.RowsAffected() > 0, nil
}

func applyPaymentSQL(table string) string {
	return `UPDATE ` + table + ` SET
		tx_id = NULLIF($2, ''),
		payment_provider = $3,
		payment_status = $4,
		amount_paid = COALESCE(amount_paid, $5),
		paid_at = COALESCE($6, paid_at),
		payment_meta = COALESCE($7::jsonb, payment_meta),
		updated_at = NOW()
		WHERE id = $1 AND payment_status IS DISTINCT FROM 'paid'`
}

// PaymentView returns the denormalized payment columns of one row.
func (r *Repository) PaymentView(ctx context.Context, entity models.EntityType, id int64) (*models.RegistrantPaymentView, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	q := `SELECT COALESCE(tx_id, ''), COALESCE(payment_provider, ''), COALESCE(payment_status, ''), amount_paid, paid_at, payment_meta
		FROM ` + table + ` WHERE id = $1`
	var v models.RegistrantPaymentView
	var meta []byte
	err = r.pool.QueryRow(ctx, q, id).Scan(&v.TxID, &v.PaymentProvider, &v.PaymentStatus, &v.AmountPaid, &v.PaidAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.PaymentMeta = meta
	return &v, nil
}

func jsonOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
