package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	fastshot "github.com/opus-domini/fast-shot"
	"go.uber.org/zap"

	"github.com/aura-events/backend/internal/metrics"
	"github.com/aura-events/backend/internal/models"
)

// Notifier calls the internal confirm and upgrade endpoints. Each target is expected
// to be idempotent.
type Notifier struct {
	baseURL string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier creates a notifier rooted at the internal API base URL.
func NewNotifier(baseURL string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Notifier{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout, logger: logger}
}

// Upgrade posts a category upgrade for the paid entity.
func (n *Notifier) Upgrade(ctx context.Context, req UpgradeRequest) error {
	return n.post(ctx, "upgrade", "/tickets/upgrade", req)
}

// Confirm marks the entity row confirmed with the provider transaction id.
func (n *Notifier) Confirm(ctx context.Context, entity models.EntityType, id, txID string) error {
	path := fmt.Sprintf("/%s/%s/confirm", entity, url.PathEscape(id))
	return n.post(ctx, "confirm_"+string(entity), path, map[string]string{"txId": txID})
}

func (n *Notifier) post(ctx context.Context, target, path string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		metrics.FanOutCalls.WithLabelValues(target, "skipped").Inc()
		return err
	}
	timeout := n.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	res, err := fastshot.NewClient(n.baseURL).
		Config().SetTimeout(timeout).
		Header().Add("X-Internal-Caller", "payments").
		Build().POST(path).
		Body().AsJSON(payload).
		Send()
	if err != nil {
		metrics.FanOutCalls.WithLabelValues(target, "error").Inc()
		return fmt.Errorf("%s %s: %w", target, path, err)
	}
	defer res.RawResponse.Body.Close()

	if code := res.RawResponse.StatusCode; code < 200 || code >= 300 {
		metrics.FanOutCalls.WithLabelValues(target, "rejected").Inc()
		return fmt.Errorf("%s %s: status=%d", target, path, code)
	}
	metrics.FanOutCalls.WithLabelValues(target, "ok").Inc()
	n.logger.Debug("fan-out call delivered", zap.String("target", target), zap.String("path", path))
	return nil
}
