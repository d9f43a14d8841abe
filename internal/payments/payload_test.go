package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-events/backend/internal/models"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		format string
		keys   int
	}{
		{"json object", `{"payment_id":"MOJO1"}`, "json", 1},
		{"form", "payment_id=MOJO1&status=Credit", "form", 2},
		{"json array", `[1,2]`, "", 0},
		{"empty", "   ", "", 0},
		{"form without values", "justakey", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := ParseNotification([]byte(tt.body))
			assert.Equal(t, tt.format, n.Format)
			assert.Len(t, n.Fields, tt.keys)
		})
	}
}

func TestNotificationJSONNeverEmpty(t *testing.T) {
	assert.Equal(t, "{}", string(ParseNotification(nil).JSON()))
	assert.JSONEq(t, `{"a":"1"}`, string(ParseNotification([]byte("a=1")).JSON()))
}

func TestExtractCandidatesTopLevel(t *testing.T) {
	n := ParseNotification([]byte(`payment_id=MOJO1&payment_request_id=PR1&buyer=b%40x.io&status=Credit&metadata=%7B%22entity_type%22%3A%22speakers%22%7D`))
	c := ExtractCandidates(n)
	assert.Equal(t, "MOJO1", c.PaymentID)
	assert.Equal(t, "PR1", c.PaymentRequestID)
	assert.Equal(t, "b@x.io", c.Email)
	assert.Equal(t, "Credit", c.Status)
	require.NotNil(t, c.Metadata)
	assert.Equal(t, "speakers", c.Metadata["entity_type"])
}

func TestExtractCandidatesNested(t *testing.T) {
	body := `{
		"event": "payment.updated",
		"data": {
			"payment": {"id": "MOJO2", "status": "Credit"},
			"payment_request": {"id": "PR2"},
			"metadata": {"reference_id": 1042, "new_category": "vip"}
		}
	}`
	c := ExtractCandidates(ParseNotification([]byte(body)))
	assert.Equal(t, "MOJO2", c.PaymentID)
	assert.Equal(t, "PR2", c.PaymentRequestID)
	assert.Equal(t, "Credit", c.Status)
	assert.Equal(t, "1042", c.ReferenceID)
	assert.Equal(t, "vip", c.Metadata["new_category"])
	assert.False(t, c.Empty())
}

func TestExtractCandidatesNestedPaymentObject(t *testing.T) {
	c := ExtractCandidates(ParseNotification([]byte(`{"payment":{"id":"MOJO3"},"payment_request":{"id":"PR3"}}`)))
	assert.Equal(t, "MOJO3", c.PaymentID)
	assert.Equal(t, "PR3", c.PaymentRequestID)
}

func TestStatusVocabulary(t *testing.T) {
	v := NewStatusVocabulary(nil, nil)
	assert.True(t, v.IsPaid(" CREDIT "))
	assert.Equal(t, models.PaymentStatusPaid, v.Outcome("Successful"))
	assert.Equal(t, models.PaymentStatusFailed, v.Outcome("Canceled"))
	assert.Equal(t, models.PaymentStatusCreated, v.Outcome("Pending"))
	assert.Equal(t, models.PaymentStatusCreated, v.Outcome(""))

	custom := NewStatusVocabulary([]string{"Settled"}, []string{"Bounced"})
	assert.True(t, custom.IsPaid("settled"))
	assert.False(t, custom.IsPaid("credit"))
	assert.Equal(t, models.PaymentStatusFailed, custom.Outcome("BOUNCED"))
}
