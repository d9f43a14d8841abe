package instamojo

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// ComputeWebhookMAC returns the hex HMAC-SHA1 of the "|"-joined values, ordered by
// case-insensitive key, with the mac field itself excluded.
func ComputeWebhookMAC(values url.Values, salt string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.EqualFold(k, "mac") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, values.Get(k))
	}
	m := hmac.New(sha1.New, []byte(salt))
	m.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyWebhookMAC checks the mac field of a form-encoded webhook. An empty salt
// or a missing mac never verifies.
func VerifyWebhookMAC(values url.Values, salt string) bool {
	if salt == "" {
		return false
	}
	got := strings.ToLower(strings.TrimSpace(values.Get("mac")))
	if got == "" {
		return false
	}
	want := ComputeWebhookMAC(values, salt)
	return hmac.Equal([]byte(got), []byte(want))
}
