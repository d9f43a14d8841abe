package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Notification is an inbound webhook body after lenient decoding.
type Notification struct {
	Fields map[string]interface{}
	Form   url.Values // set only for form-encoded deliveries
	Format string     // json, form or empty
}

// ParseNotification decodes body as a JSON object, then as a form. Anything else
// yields an empty notification rather than an error.
func ParseNotification(body []byte) Notification {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		var obj map[string]interface{}
		if err := json.Unmarshal(trimmed, &obj); err == nil && obj != nil {
			return Notification{Fields: obj, Format: "json"}
		}
		if form, err := url.ParseQuery(string(trimmed)); err == nil && hasValue(form) {
			fields := make(map[string]interface{}, len(form))
			for k, v := range form {
				if len(v) == 1 {
					fields[k] = v[0]
				} else {
					fields[k] = v
				}
			}
			return Notification{Fields: fields, Form: form, Format: "form"}
		}
	}
	return Notification{Fields: map[string]interface{}{}}
}

// JSON returns the notification as a JSON object for storage.
func (n Notification) JSON() []byte {
	b, err := json.Marshal(n.Fields)
	if err != nil || len(n.Fields) == 0 {
		return []byte("{}")
	}
	return b
}

// Candidates are the identifiers a notification may carry.
type Candidates struct {
	PaymentID        string
	PaymentRequestID string
	ReferenceID      string
	Email            string
	Status           string
	Metadata         map[string]interface{}
}

// Empty reports whether nothing usable for provider verification was found.
func (c Candidates) Empty() bool {
	return c.PaymentID == "" && c.PaymentRequestID == ""
}

// nested containers checked after the top level, in order
var nestedKeys = []string{"payment", "payment_request", "data", "payload"}

// ExtractCandidates pulls identifiers from the top level and from common nested shapes.
func ExtractCandidates(n Notification) Candidates {
	scopes := []map[string]interface{}{n.Fields}
	for _, k := range nestedKeys {
		if m, ok := n.Fields[k].(map[string]interface{}); ok {
			scopes = append(scopes, m)
			for _, k2 := range nestedKeys {
				if m2, ok := m[k2].(map[string]interface{}); ok {
					scopes = append(scopes, m2)
				}
			}
		}
	}

	c := Candidates{
		PaymentID:        firstString(scopes, "payment_id", "paymentId"),
		PaymentRequestID: firstString(scopes, "payment_request_id", "paymentRequestId", "payment_request"),
		ReferenceID:      firstString(scopes, "reference_id", "referenceId"),
		Email:            firstString(scopes, "buyer", "buyer_email", "email"),
		Status:           firstString(scopes, "status"),
	}
	// A nested payment object names its own id as "id".
	if c.PaymentID == "" {
		c.PaymentID = nestedID(scopes, "payment")
	}
	if c.PaymentRequestID == "" {
		c.PaymentRequestID = nestedID(scopes, "payment_request")
	}
	for _, s := range scopes {
		if md := metadataValue(s["metadata"]); md != nil {
			c.Metadata = md
			break
		}
	}
	if c.ReferenceID == "" && c.Metadata != nil {
		c.ReferenceID = stringValue(c.Metadata["reference_id"])
	}
	return c
}

func firstString(scopes []map[string]interface{}, keys ...string) string {
	for _, s := range scopes {
		for _, k := range keys {
			if v := stringValue(s[k]); v != "" {
				return v
			}
		}
	}
	return ""
}

func nestedID(scopes []map[string]interface{}, key string) string {
	for _, s := range scopes {
		if m, ok := s[key].(map[string]interface{}); ok {
			if id := stringValue(m["id"]); id != "" {
				return id
			}
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", t))
	case []string:
		if len(t) > 0 {
			return strings.TrimSpace(t[0])
		}
	}
	return ""
}

// Metadata may arrive as an object or as a JSON-encoded string (form deliveries).
func metadataValue(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case string:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(t), &m); err == nil {
			return m
		}
	}
	return nil
}

func hasValue(form url.Values) bool {
	for _, v := range form {
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return true
			}
		}
	}
	return false
}
