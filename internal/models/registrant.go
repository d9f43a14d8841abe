package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType names one of the registrant tables.
type EntityType string

const (
	EntityVisitors   EntityType = "visitors"
	EntityExhibitors EntityType = "exhibitors"
	EntitySpeakers   EntityType = "speakers"
	EntityAwardees   EntityType = "awardees"
	EntityPartners   EntityType = "partners"
)

// EntityTypes is every registrant table, in broadcast order.
var EntityTypes = []EntityType{EntityVisitors, EntityExhibitors, EntitySpeakers, EntityAwardees, EntityPartners}

var entityAliases = map[string]EntityType{
	"visitor":   EntityVisitors,
	"exhibitor": EntityExhibitors,
	"speaker":   EntitySpeakers,
	"awardee":   EntityAwardees,
	"partner":   EntityPartners,
}

// ParseEntityType accepts the table name or its singular form, case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, t := range EntityTypes {
		if string(t) == v {
			return t, nil
		}
	}
	if t, ok := entityAliases[v]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// RegistrantPaymentView is the denormalized payment state projected onto a registrant row.
// The ledger stays authoritative; this copy may lag.
type RegistrantPaymentView struct {
	TxID            string              `json:"txId"`
	PaymentProvider string              `json:"payment_provider"`
	PaymentStatus   string              `json:"payment_status"`
	AmountPaid      decimal.NullDecimal `json:"amount_paid"`
	PaidAt          *time.Time          `json:"paid_at,omitempty"`
	PaymentMeta     json.RawMessage     `json:"payment_meta,omitempty"`
}
