package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/metrics"
	"github.com/aura-events/backend/internal/models"
)

// Webhook outcomes, also used as metric labels.
const (
	OutcomeSettled        = "settled"
	OutcomeAlreadySettled = "already_settled"
	OutcomePending        = "pending"
	OutcomeUnverified     = "unverified"
	OutcomeUnmatched      = "unmatched"
	OutcomeError          = "error"
)

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	Vocabulary    StatusVocabulary
	WebhookSalt   string
	VerifyTimeout time.Duration
	FanOutTimeout time.Duration
}

// Result describes what one delivery did to the ledger.
type Result struct {
	DeliveryID  string `json:"delivery_id"`
	Outcome     string `json:"outcome"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id,omitempty"`
	Verified    bool   `json:"verified"`
}

// Engine converges the ledger and registrant tables with provider truth.
type Engine struct {
	gateway     Gateway
	ledger      LedgerStore
	registrants RegistrantStore
	fanout      FanOut
	publisher   StatusPublisher
	archiver    Archiver
	cfg         EngineConfig
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewEngine creates a reconciliation engine. fanout, publisher and archiver may be nil.
func NewEngine(gateway Gateway, ledger LedgerStore, registrants RegistrantStore, fanout FanOut, publisher StatusPublisher, archiver Archiver, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Vocabulary.paid == nil {
		cfg.Vocabulary = NewStatusVocabulary(nil, nil)
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 15 * time.Second
	}
	if cfg.FanOutTimeout <= 0 {
		cfg.FanOutTimeout = 8 * time.Second
	}
	return &Engine{
		gateway:     gateway,
		ledger:      ledger,
		registrants: registrants,
		fanout:      fanout,
		publisher:   publisher,
		archiver:    archiver,
		cfg:         cfg,
		logger:      logger,
	}
}

// Wait blocks until background fan-out, publish and archive work has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// HandleWebhook processes one provider notification. It never fails: the provider
// only needs to know the delivery was received.
func (e *Engine) HandleWebhook(ctx context.Context, body []byte) Result {
	deliveryID := uuid.New().String()
	if e.archiver != nil && len(body) > 0 {
		raw := append([]byte(nil), body...)
		e.background(ctx, func(bctx context.Context) {
			if err := e.archiver.ArchiveWebhook(bctx, deliveryID, raw); err != nil {
				e.logger.Warn("webhook archive failed", zap.Error(err), zap.String("delivery_id", deliveryID))
			}
		})
	}

	n := ParseNotification(body)
	if n.Form != nil && e.cfg.WebhookSalt != "" {
		// Informational only; provider re-verification decides the outcome.
		e.logger.Info("webhook mac checked",
			zap.String("delivery_id", deliveryID),
			zap.Bool("valid", instamojo.VerifyWebhookMAC(n.Form, e.cfg.WebhookSalt)))
	}

	res, err := e.process(ctx, n)
	res.DeliveryID = deliveryID
	if err != nil {
		e.logger.Warn("webhook processed with errors", zap.Error(err), zap.String("delivery_id", deliveryID), zap.String("outcome", res.Outcome))
	}
	metrics.Webhooks.WithLabelValues(res.Outcome).Inc()
	return res
}

// ReconcileOrder runs the webhook pipeline for a provider order id without a delivery.
// Verification failures are returned so callers can retry.
func (e *Engine) ReconcileOrder(ctx context.Context, providerOrderID string) (Result, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return Result{Outcome: OutcomeUnverified, Status: models.PaymentStatusCreated}, errors.New("provider order id is required")
	}
	if e.gateway == nil || !e.gateway.Configured() {
		return Result{Outcome: OutcomeUnverified, Status: models.PaymentStatusCreated}, ErrProviderNotEnabled
	}
	n := Notification{
		Fields: map[string]interface{}{"payment_request_id": providerOrderID, "source": "reconcile"},
		Format: "reconcile",
	}
	res, err := e.process(ctx, n)
	metrics.Webhooks.WithLabelValues(res.Outcome).Inc()
	if err == nil && !res.Verified {
		err = errors.New("provider verification unavailable")
	}
	return res, err
}

func (e *Engine) process(ctx context.Context, n Notification) (Result, error) {
	cand := ExtractCandidates(n)
	payload := n.JSON()
	res := Result{ReferenceID: cand.ReferenceID, Status: models.PaymentStatusCreated}

	verified, verr := e.verify(ctx, cand)
	if verified != nil {
		res.Verified = true
		if verified.PaymentRequestID != "" && cand.PaymentRequestID != "" && cand.PaymentRequestID != verified.PaymentRequestID {
			e.logger.Warn("webhook payment request differs from provider",
				zap.String("claimed", cand.PaymentRequestID),
				zap.String("verified", verified.PaymentRequestID))
		}
		cand = adoptVerified(cand, verified)
	}

	log := e.logger.With(
		zap.String("reference_id", cand.ReferenceID),
		zap.String("provider_order_id", cand.PaymentRequestID),
		zap.String("provider_payment_id", cand.PaymentID))

	rec, err := e.ledger.FindForDelivery(ctx, Match{
		ProviderOrderID:   cand.PaymentRequestID,
		ProviderPaymentID: cand.PaymentID,
		ReferenceID:       cand.ReferenceID,
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Error("ledger lookup failed", zap.Error(err))
		rec = nil
	}
	if rec != nil && verified != nil && !belongsTo(rec, verified) {
		log.Warn("verified payment belongs to another order",
			zap.String("row_reference_id", rec.ReferenceID),
			zap.String("row_provider_order_id", deref(rec.ProviderOrderID)),
			zap.String("verified_status", verified.Status))
		res.Outcome = OutcomeUnmatched
		res.ReferenceID = ""
		return res, verr
	}
	if rec != nil {
		res.ReferenceID = rec.ReferenceID
	}

	outcome := models.PaymentStatusCreated
	var fill Fill
	if verified != nil {
		outcome = e.cfg.Vocabulary.Outcome(verified.Status)
		fill = Fill{ProviderPaymentID: verified.PaymentID, Amount: verified.Amount, Currency: verified.Currency}
	}

	switch {
	case rec == nil:
		log.Warn("webhook matched no ledger row", zap.String("verified_status", statusOf(verified)))
		if verified == nil {
			res.Outcome = OutcomeUnverified
			return res, verr
		}
		res.Outcome = OutcomeUnmatched
		res.Status = outcome
		// Without a row only provider-held data may pick the registrant.
		ref := stringValue(verified.Metadata["reference_id"])
		res.ReferenceID = ref
		if outcome == models.PaymentStatusCreated || (ref == "" && cand.Email == "") {
			return res, verr
		}
		rec = &models.PaymentRecord{
			ReferenceID: ref,
			Provider:    models.PaymentProviderInstamojo,
			Status:      outcome,
			Amount:      fill.Amount,
		}
		if cand.PaymentRequestID != "" {
			orderID := cand.PaymentRequestID
			rec.ProviderOrderID = &orderID
		}
	case rec.Terminal():
		// Redeliveries after settlement never regress status or repeat side effects.
		log.Info("webhook for settled payment ignored", zap.String("status", rec.Status))
		res.Outcome = OutcomeAlreadySettled
		res.Status = rec.Status
		return res, verr
	case outcome == models.PaymentStatusCreated:
		if err := e.ledger.Annotate(ctx, rec.ID, payload, fill); err != nil {
			log.Error("ledger annotate failed", zap.Error(err))
		}
		res.Outcome = OutcomePending
		if verified == nil {
			res.Outcome = OutcomeUnverified
		}
		return res, verr
	default:
		won, err := e.ledger.Settle(ctx, rec.ID, outcome, payload, fill)
		if err != nil {
			log.Error("ledger settle failed", zap.Error(err), zap.String("status", outcome))
			res.Outcome = OutcomeError
		} else if !won {
			log.Info("concurrent delivery settled payment first")
			res.Outcome = OutcomeAlreadySettled
			if latest, lerr := e.ledger.FindForDelivery(ctx, Match{ProviderOrderID: cand.PaymentRequestID, ProviderPaymentID: cand.PaymentID, ReferenceID: rec.ReferenceID}); lerr == nil {
				res.Status = latest.Status
			}
			return res, verr
		} else {
			res.Outcome = OutcomeSettled
			log.Info("payment settled", zap.String("status", outcome))
		}
		res.Status = outcome
		e.publish(ctx, rec.ReferenceID, outcome)
	}

	if res.Status == models.PaymentStatusCreated {
		return res, verr
	}

	e.updateRegistrant(ctx, log, rec, cand, verified, res.Status)

	if res.Status == models.PaymentStatusPaid {
		e.fanOut(ctx, rec, cand, verified)
	}
	return res, verr
}

// adoptVerified replaces notification identifiers with the provider's answer.
// The body's reference id is kept as a lookup hint only; belongsTo guards its use.
func adoptVerified(cand Candidates, v *instamojo.Verified) Candidates {
	if v.PaymentRequestID != "" {
		cand.PaymentRequestID = v.PaymentRequestID
	}
	if v.PaymentID != "" {
		cand.PaymentID = v.PaymentID
	}
	cand.Email = v.Email
	cand.Status = v.Status
	cand.Metadata = v.Metadata
	return cand
}

// belongsTo reports whether the verified payment was made against rec.
func belongsTo(rec *models.PaymentRecord, v *instamojo.Verified) bool {
	if rec.Provider == models.PaymentProviderLocal {
		return false
	}
	if v.PaymentRequestID != "" {
		return deref(rec.ProviderOrderID) == v.PaymentRequestID
	}
	return v.PaymentID != "" && deref(rec.ProviderPaymentID) == v.PaymentID
}

// verify re-queries the provider. Any failure leaves the payment unconfirmed.
func (e *Engine) verify(ctx context.Context, cand Candidates) (*instamojo.Verified, error) {
	if cand.Empty() {
		metrics.Verifications.WithLabelValues("no_identifier").Inc()
		return nil, nil
	}
	if e.gateway == nil || !e.gateway.Configured() {
		metrics.Verifications.WithLabelValues("not_configured").Inc()
		return nil, ErrProviderNotEnabled
	}
	vctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()

	var v *instamojo.Verified
	var err error
	if cand.PaymentID != "" {
		v, err = e.gateway.GetPayment(vctx, cand.PaymentID)
	} else {
		v, err = e.gateway.GetPaymentRequest(vctx, cand.PaymentRequestID)
	}
	if err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		e.logger.Warn("provider verification failed",
			zap.Error(err),
			zap.String("provider_order_id", cand.PaymentRequestID),
			zap.String("provider_payment_id", cand.PaymentID))
		return nil, err
	}
	metrics.Verifications.WithLabelValues("ok").Inc()
	return v, nil
}

// updateRegistrant projects the verified result onto the first registrant row found.
func (e *Engine) updateRegistrant(ctx context.Context, log *zap.Logger, rec *models.PaymentRecord, cand Candidates, verified *instamojo.Verified, status string) {
	if e.registrants == nil || rec == nil {
		return
	}
	entity, id, ok := e.locateRegistrant(ctx, log, rec, cand)
	if !ok {
		log.Info("no registrant row matched payment")
		return
	}

	view := models.RegistrantPaymentView{
		TxID:            firstNonEmpty(cand.PaymentID, deref(rec.ProviderPaymentID), cand.PaymentRequestID, deref(rec.ProviderOrderID)),
		PaymentProvider: rec.Provider,
		PaymentStatus:   status,
		AmountPaid:      rec.Amount,
	}
	if verified != nil {
		if verified.Amount.Valid {
			view.AmountPaid = verified.Amount
		}
		view.PaymentMeta = verified.Raw
	}
	if status == models.PaymentStatusPaid {
		now := time.Now().UTC()
		view.PaidAt = &now
	}
	if len(view.PaymentMeta) == 0 {
		view.PaymentMeta, _ = json.Marshal(map[string]string{"reference_id": rec.ReferenceID})
	}

	updated, err := e.registrants.ApplyPayment(ctx, entity, id, view)
	if err != nil {
		log.Error("registrant update failed", zap.Error(err), zap.String("entity_type", string(entity)), zap.Int64("entity_id", id))
		return
	}
	log.Info("registrant payment updated",
		zap.String("entity_type", string(entity)),
		zap.Int64("entity_id", id),
		zap.Bool("changed", updated))
}

// locateRegistrant tries a numeric reference id, then the ids stored on the ledger
// row, then the buyer email.
func (e *Engine) locateRegistrant(ctx context.Context, log *zap.Logger, rec *models.PaymentRecord, cand Candidates) (models.EntityType, int64, bool) {
	entity := models.EntityVisitors
	known := false
	if rec.EntityType != nil {
		if t, err := models.ParseEntityType(*rec.EntityType); err == nil {
			entity, known = t, true
		}
	}

	if id, err := strconv.ParseInt(strings.TrimSpace(rec.ReferenceID), 10, 64); err == nil && id > 0 {
		if e.exists(ctx, log, entity, id) {
			return entity, id, true
		}
	}
	if known && rec.EntityID != nil {
		if id, err := strconv.ParseInt(strings.TrimSpace(*rec.EntityID), 10, 64); err == nil && e.exists(ctx, log, entity, id) {
			return entity, id, true
		}
	}
	if rec.VisitorID != nil && e.exists(ctx, log, models.EntityVisitors, *rec.VisitorID) {
		return models.EntityVisitors, *rec.VisitorID, true
	}

	email := strings.TrimSpace(cand.Email)
	if email == "" {
		return "", 0, false
	}
	tables := models.EntityTypes
	if known {
		tables = []models.EntityType{entity}
	}
	for _, t := range tables {
		id, found, err := e.registrants.FindIDByEmail(ctx, t, email)
		if err != nil {
			log.Warn("registrant email lookup failed", zap.Error(err), zap.String("entity_type", string(t)))
			continue
		}
		if found {
			return t, id, true
		}
	}
	return "", 0, false
}

func (e *Engine) exists(ctx context.Context, log *zap.Logger, entity models.EntityType, id int64) bool {
	ok, err := e.registrants.Exists(ctx, entity, id)
	if err != nil {
		log.Warn("registrant lookup failed", zap.Error(err), zap.String("entity_type", string(entity)), zap.Int64("entity_id", id))
		return false
	}
	return ok
}

// fanOut runs confirm/upgrade calls in the background. An upgrade intent wins;
// otherwise the stored entity type is confirmed, or every type when unknown.
func (e *Engine) fanOut(ctx context.Context, rec *models.PaymentRecord, cand Candidates, verified *instamojo.Verified) {
	if e.fanout == nil {
		return
	}
	meta := intentMetadata(rec, verified)
	txID := firstNonEmpty(cand.PaymentID, deref(rec.ProviderPaymentID), cand.PaymentRequestID, deref(rec.ProviderOrderID))
	ref := rec.ReferenceID

	amount := ""
	if verified != nil && verified.Amount.Valid {
		amount = verified.Amount.Decimal.String()
	} else if rec.Amount.Valid {
		amount = rec.Amount.Decimal.String()
	}

	e.background(ctx, func(bctx context.Context) {
		log := e.logger.With(zap.String("reference_id", ref), zap.String("provider_tx", txID))
		if nc := stringValue(meta["new_category"]); nc != "" {
			req := UpgradeRequest{
				EntityType:  stringValue(meta["entity_type"]),
				EntityID:    stringValue(meta["entity_id"]),
				NewCategory: nc,
				Amount:      amount,
				ProviderTx:  txID,
			}
			if req.EntityType == "" {
				req.EntityType = deref(rec.EntityType)
			}
			if req.EntityID == "" {
				req.EntityID = firstNonEmpty(deref(rec.EntityID), ref)
			}
			if err := e.fanout.Upgrade(bctx, req); err != nil {
				log.Warn("upgrade call failed", zap.Error(err), zap.String("entity_type", req.EntityType), zap.String("entity_id", req.EntityID))
			}
			return
		}

		targets := models.EntityTypes
		id := ref
		if rec.EntityType != nil {
			if t, err := models.ParseEntityType(*rec.EntityType); err == nil {
				targets = []models.EntityType{t}
				id = firstNonEmpty(deref(rec.EntityID), ref)
			}
		}
		if id == "" {
			log.Warn("confirm skipped: no reference id")
			return
		}
		for _, t := range targets {
			if err := e.fanout.Confirm(bctx, t, id, txID); err != nil {
				log.Warn("confirm call failed", zap.Error(err), zap.String("entity_type", string(t)), zap.String("entity_id", id))
			}
		}
	})
}

// intentMetadata merges ledger and verified metadata; verified wins.
func intentMetadata(rec *models.PaymentRecord, verified *instamojo.Verified) map[string]interface{} {
	meta := map[string]interface{}{}
	if len(rec.Metadata) > 0 {
		var stored map[string]interface{}
		if err := json.Unmarshal(rec.Metadata, &stored); err == nil {
			for k, v := range stored {
				meta[k] = v
			}
		}
	}
	if verified != nil {
		for k, v := range verified.Metadata {
			meta[k] = v
		}
	}
	return meta
}

func (e *Engine) publish(ctx context.Context, referenceID, status string) {
	if e.publisher == nil || referenceID == "" {
		return
	}
	e.background(ctx, func(bctx context.Context) {
		if err := e.publisher.PublishPaymentStatus(bctx, referenceID, status); err != nil {
			e.logger.Warn("payment status publish failed", zap.Error(err), zap.String("reference_id", referenceID))
		}
	})
}

// background detaches fn from the request lifetime but bounds it by the fan-out timeout.
func (e *Engine) background(ctx context.Context, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FanOutTimeout)
		defer cancel()
		fn(bctx)
	}()
}

func statusOf(v *instamojo.Verified) string {
	if v == nil {
		return ""
	}
	return v.Status
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
