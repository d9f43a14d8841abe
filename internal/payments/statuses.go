package payments

import (
	"strings"

	"github.com/aura-events/backend/internal/models"
)

// StatusVocabulary maps provider status strings onto ledger outcomes.
// Matching is case-insensitive.
type StatusVocabulary struct {
	paid   map[string]struct{}
	failed map[string]struct{}
}

// DefaultPaidStatuses are the provider statuses that mean money was received.
var DefaultPaidStatuses = []string{"credit", "successful", "completed", "paid"}

// DefaultFailedStatuses are the provider statuses that end an attempt without payment.
var DefaultFailedStatuses = []string{"failed", "failure", "cancelled", "canceled", "declined", "expired"}

// NewStatusVocabulary builds a vocabulary, falling back to the defaults for empty lists.
func NewStatusVocabulary(paid, failed []string) StatusVocabulary {
	if len(paid) == 0 {
		paid = DefaultPaidStatuses
	}
	if len(failed) == 0 {
		failed = DefaultFailedStatuses
	}
	return StatusVocabulary{paid: toSet(paid), failed: toSet(failed)}
}

// IsPaid reports whether s confirms payment.
func (v StatusVocabulary) IsPaid(s string) bool {
	_, ok := v.paid[normalizeStatus(s)]
	return ok
}

// Outcome returns the ledger status for a verified provider status.
// Statuses in neither list leave the row in created.
func (v StatusVocabulary) Outcome(s string) string {
	n := normalizeStatus(s)
	if _, ok := v.paid[n]; ok {
		return models.PaymentStatusPaid
	}
	if _, ok := v.failed[n]; ok {
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusCreated
}

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, s := range list {
		if n := normalizeStatus(s); n != "" {
			m[n] = struct{}{}
		}
	}
	return m
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
