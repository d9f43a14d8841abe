package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-events/backend/internal/models"
	"github.com/aura-events/backend/internal/payments"
	"github.com/aura-events/backend/pkg/queue"
)

// JobSource is satisfied by *queue.Queue.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Reconciler is satisfied by *payments.Engine.
type Reconciler interface {
	ReconcileOrder(ctx context.Context, providerOrderID string) (payments.Result, error)
}

// ReconcileProcessor re-verifies payments the webhook never settled.
type ReconcileProcessor struct {
	engine  Reconciler
	queue   JobSource
	backoff time.Duration
	logger  *zap.Logger
}

// NewReconcileProcessor creates a reconcile job processor.
func NewReconcileProcessor(engine Reconciler, q JobSource, logger *zap.Logger) *ReconcileProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileProcessor{engine: engine, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one reconcile job.
func (p *ReconcileProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeReconcilePayment {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.ProviderOrderID == "" {
		return fmt.Errorf("job %s has no provider_order_id", job.ID)
	}

	res, err := p.engine.ReconcileOrder(ctx, payload.ProviderOrderID)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", payload.ProviderOrderID, err)
	}
	p.logger.Info("payment reconciled",
		zap.String("provider_order_id", payload.ProviderOrderID),
		zap.String("reference_id", payload.ReferenceID),
		zap.String("outcome", res.Outcome),
		zap.String("status", res.Status))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReconcileProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ReconcileProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// StaleLister is satisfied by *payments.Ledger.
type StaleLister interface {
	ListStale(ctx context.Context, q payments.StaleQuery) ([]models.PaymentRecord, error)
}

// Enqueuer is satisfied by *queue.Queue.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, payload queue.ReconcilePayload) error
}

// SweeperConfig controls how often and how far back the sweeper looks.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	MaxAge     time.Duration // orders older than this are left alone
	Batch      int
}

// Sweeper enqueues reconcile jobs for provider orders still created after StaleAfter.
type Sweeper struct {
	ledger StaleLister
	queue  Enqueuer
	cfg    SweeperConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(ledger StaleLister, q Enqueuer, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return &Sweeper{ledger: ledger, queue: q, cfg: cfg, now: time.Now, logger: logger}
}

// Sweep runs one pass and returns how many jobs were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.ledger.ListStale(ctx, payments.StaleQuery{
		IdleSince:    now.Add(-s.cfg.StaleAfter),
		CreatedAfter: now.Add(-s.cfg.MaxAge),
		Limit:        s.cfg.Batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale payments: %w", err)
	}
	n := 0
	for _, rec := range stale {
		if rec.ProviderOrderID == nil || *rec.ProviderOrderID == "" {
			continue
		}
		err := s.queue.EnqueueReconcile(ctx, queue.ReconcilePayload{
			ProviderOrderID: *rec.ProviderOrderID,
			ReferenceID:     rec.ReferenceID,
		})
		if err != nil {
			s.logger.Warn("enqueue reconcile failed", zap.Error(err), zap.String("provider_order_id", *rec.ProviderOrderID))
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("stale payments queued for reconciliation", zap.Int("count", n))
	}
	return n, nil
}

// Run sweeps once immediately, then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile sweeper stopping")
			return
		case <-ticker.C:
		}
	}
}
