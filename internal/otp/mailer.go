package otp

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/aura-events/backend/pkg/queue"
)

// EmailEnqueuer is satisfied by *queue.Queue.
type EmailEnqueuer interface {
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// QueueMailer hands codes to the mail worker through the email queue.
type QueueMailer struct {
	queue EmailEnqueuer
}

// NewQueueMailer creates a queue-backed mailer.
func NewQueueMailer(q EmailEnqueuer) *QueueMailer {
	return &QueueMailer{queue: q}
}

func (m *QueueMailer) SendCode(ctx context.Context, email, purpose, code string, ttl time.Duration) error {
	body := fmt.Sprintf(`<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not request it, ignore this email.</p>`,
		html.EscapeString(code), int(ttl.Minutes()))
	return m.queue.EnqueueEmail(ctx, queue.EmailPayload{
		EmailType:      "otp_" + purpose,
		RecipientEmail: email,
		Subject:        "Your verification code",
		BodyHTML:       body,
	})
}
