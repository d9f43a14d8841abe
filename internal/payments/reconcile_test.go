package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/models"
)

type engineFixture struct {
	gw        *MockGateway
	ledger    *MemoryLedger
	regs      *MockRegistrants
	fanout    *MockFanOut
	publisher *MockPublisher
	archiver  *MockArchiver
	engine    *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		gw:        &MockGateway{},
		ledger:    NewMemoryLedger(),
		regs:      NewMockRegistrants(),
		fanout:    &MockFanOut{},
		publisher: &MockPublisher{},
		archiver:  &MockArchiver{},
	}
	f.engine = NewEngine(f.gw, f.ledger, f.regs, f.fanout, f.publisher, f.archiver, EngineConfig{
		VerifyTimeout: time.Second,
		FanOutTimeout: time.Second,
	}, nil)
	return f
}

func (f *engineFixture) deliver(t *testing.T, body string) Result {
	t.Helper()
	res := f.engine.HandleWebhook(context.Background(), []byte(body))
	f.engine.Wait()
	return res
}

func verifiedRequest(status string, amount string) func(ctx context.Context, id string) (*instamojo.Verified, error) {
	return func(ctx context.Context, id string) (*instamojo.Verified, error) {
		v := &instamojo.Verified{Status: status, PaymentRequestID: id, PaymentID: "MOJO" + id, Currency: "INR"}
		if amount != "" {
			v.Amount = decimal.NewNullDecimal(decimal.RequireFromString(amount))
		}
		return v, nil
	}
}

func seedCreated(f *engineFixture, ref, orderID string) *models.PaymentRecord {
	return f.ledger.Seed(models.PaymentRecord{
		ReferenceID:     ref,
		Provider:        models.PaymentProviderInstamojo,
		ProviderOrderID: strPtr(orderID),
		Status:          models.PaymentStatusCreated,
		Amount:          decimal.NewNullDecimal(decimal.NewFromInt(500)),
	})
}

func TestWebhookSettlesPaidAndUpdatesRegistrant(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "500.00")
	rec := seedCreated(f, "42", "PR1")
	f.regs.Add(models.EntityVisitors, 42, "v@example.com")

	res := f.deliver(t, `{"payment_request_id":"PR1"}`)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, models.PaymentStatusPaid, res.Status)
	assert.True(t, res.Verified)

	got := f.ledger.Get(rec.ID)
	assert.Equal(t, models.PaymentStatusPaid, got.Status)
	assert.Equal(t, "MOJOPR1", *got.ProviderPaymentID)
	assert.NotNil(t, got.ReceivedAt)
	assert.JSONEq(t, `{"payment_request_id":"PR1"}`, string(got.WebhookPayload))

	view := f.regs.View(models.EntityVisitors, 42)
	require.NotNil(t, view)
	assert.Equal(t, models.PaymentStatusPaid, view.PaymentStatus)
	assert.Equal(t, "MOJOPR1", view.TxID)
	assert.NotNil(t, view.PaidAt)

	// No stored entity type: confirm goes to every registrant table.
	upgrades, confirms := f.fanout.counts()
	assert.Zero(t, upgrades)
	assert.Equal(t, len(models.EntityTypes), confirms)
	for _, c := range f.fanout.Confirms {
		assert.Equal(t, "42", c.ID)
		assert.Equal(t, "MOJOPR1", c.TxID)
	}
	assert.Equal(t, [][2]string{{"42", models.PaymentStatusPaid}}, f.publisher.Events)
	assert.Len(t, f.archiver.Bodies, 1)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "500.00")
	rec := seedCreated(f, "R1", "PR1")

	first := f.deliver(t, `{"payment_request_id":"PR1"}`)
	require.Equal(t, OutcomeSettled, first.Outcome)
	_, confirms := f.fanout.counts()

	// A stale retry that now reads as failed must not regress the row.
	f.gw.GetRequestFunc = verifiedRequest("Failed", "")
	second := f.deliver(t, `{"payment_request_id":"PR1"}`)
	assert.Equal(t, OutcomeAlreadySettled, second.Outcome)
	assert.Equal(t, models.PaymentStatusPaid, second.Status)
	assert.Equal(t, models.PaymentStatusPaid, f.ledger.Get(rec.ID).Status)

	_, again := f.fanout.counts()
	assert.Equal(t, confirms, again, "fan-out must not repeat")
}

func TestWebhookFailClosedOnVerificationError(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetPaymentFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return nil, context.DeadlineExceeded
	}
	rec := seedCreated(f, "R1", "PR1")

	// The body claims success; only the provider's answer counts.
	res := f.deliver(t, `{"payment_id":"MOJO1","payment_request_id":"PR1","status":"Credit"}`)
	assert.Equal(t, OutcomeUnverified, res.Outcome)
	assert.Equal(t, models.PaymentStatusCreated, res.Status)
	assert.False(t, res.Verified)

	got := f.ledger.Get(rec.ID)
	assert.Equal(t, models.PaymentStatusCreated, got.Status)
	assert.Nil(t, got.ProviderPaymentID, "unverified ids are not recorded")
	assert.NotNil(t, got.ReceivedAt)
	assert.Equal(t, 1, f.ledger.Annotated)

	upgrades, confirms := f.fanout.counts()
	assert.Zero(t, upgrades+confirms)
	assert.Equal(t, []string{"MOJO1"}, f.gw.GetPaymentCalls)
	assert.Empty(t, f.gw.GetRequestCalls)
}

func TestWebhookVerifiedFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return &instamojo.Verified{Status: "Expired", PaymentRequestID: id, Email: "buyer@example.com"}, nil
	}
	rec := seedCreated(f, "R1", "PR1")
	f.regs.Add(models.EntityVisitors, 9, "buyer@example.com")
	f.regs.Add(models.EntityVisitors, 10, "other@example.com")

	// The body's buyer is ignored; the provider's email locates the registrant.
	res := f.deliver(t, `payment_request_id=PR1&buyer=other%40example.com`)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, models.PaymentStatusFailed, f.ledger.Get(rec.ID).Status)

	view := f.regs.View(models.EntityVisitors, 9)
	require.NotNil(t, view, "email fallback should locate the visitor")
	assert.Equal(t, models.PaymentStatusFailed, view.PaymentStatus)
	assert.Nil(t, view.PaidAt)
	assert.Nil(t, f.regs.View(models.EntityVisitors, 10))

	upgrades, confirms := f.fanout.counts()
	assert.Zero(t, upgrades+confirms, "no fan-out unless paid")
}

func TestWebhookPendingStatusStaysCreated(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Pending", "")
	rec := seedCreated(f, "R1", "PR1")

	res := f.deliver(t, `{"payment_request_id":"PR1"}`)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, models.PaymentStatusCreated, f.ledger.Get(rec.ID).Status)
}

func TestWebhookAmountNotOverwritten(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "499.00")
	rec := seedCreated(f, "R1", "PR1")

	f.deliver(t, `{"payment_request_id":"PR1"}`)
	got := f.ledger.Get(rec.ID)
	assert.True(t, got.Amount.Decimal.Equal(decimal.NewFromInt(500)))
}

func TestWebhookAmountFilledWhenNull(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "750.00")
	rec := f.ledger.Seed(models.PaymentRecord{
		ReferenceID:     "R1",
		Provider:        models.PaymentProviderInstamojo,
		ProviderOrderID: strPtr("PR1"),
		Status:          models.PaymentStatusCreated,
	})

	f.deliver(t, `{"payment_request_id":"PR1"}`)
	got := f.ledger.Get(rec.ID)
	require.True(t, got.Amount.Valid)
	assert.True(t, got.Amount.Decimal.Equal(decimal.NewFromInt(750)))
	assert.Equal(t, "INR", *got.Currency)
}

func TestWebhookUnknownReferenceStillAccepted(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return nil, &instamojo.APIError{Op: "get payment request", StatusCode: 404, Body: "Not found."}
	}
	rec := seedCreated(f, "R1", "PR1")

	res := f.deliver(t, `{"payment_request_id":"UNKNOWN","reference_id":"nope"}`)
	assert.Equal(t, OutcomeUnverified, res.Outcome)
	assert.Equal(t, 0, f.ledger.Annotated)

	got := f.ledger.Get(rec.ID)
	assert.Equal(t, models.PaymentStatusCreated, got.Status)
	assert.Nil(t, got.ReceivedAt)
}

func TestWebhookVerifiedButUnmatched(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetPaymentFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return &instamojo.Verified{
			Status:           "Credit",
			PaymentID:        id,
			PaymentRequestID: "PR404",
			Metadata:         map[string]interface{}{"reference_id": "77"},
		}, nil
	}
	f.regs.Add(models.EntityVisitors, 77, "")
	f.regs.Add(models.EntityVisitors, 78, "")

	res := f.deliver(t, `{"payment_id":"MOJO404","reference_id":"78"}`)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Equal(t, "77", res.ReferenceID)
	assert.Zero(t, f.ledger.Len())

	view := f.regs.View(models.EntityVisitors, 77)
	require.NotNil(t, view)
	assert.Equal(t, models.PaymentStatusPaid, view.PaymentStatus)
	assert.Nil(t, f.regs.View(models.EntityVisitors, 78), "body reference must not pick the registrant")
}

func TestWebhookUnmatchedWithoutProviderReferenceTouchesNothing(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "100.00")
	f.regs.Add(models.EntityVisitors, 77, "")

	res := f.deliver(t, `{"payment_request_id":"PR404","reference_id":"77","buyer":"v@example.com"}`)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Nil(t, f.regs.View(models.EntityVisitors, 77))
	upgrades, confirms := f.fanout.counts()
	assert.Zero(t, upgrades+confirms)
}

func TestWebhookPaymentFromAnotherOrderDoesNotSettle(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetPaymentFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return &instamojo.Verified{Status: "Credit", PaymentID: id, PaymentRequestID: "PR_ATTACKER"}, nil
	}
	victim := seedCreated(f, "7", "PR_VICTIM")
	f.regs.Add(models.EntityVisitors, 7, "")

	res := f.deliver(t, `{"payment_id":"MOJO_ATT","payment_request_id":"BOGUS","reference_id":"7"}`)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Equal(t, models.PaymentStatusCreated, res.Status)
	assert.Empty(t, res.ReferenceID)

	got := f.ledger.Get(victim.ID)
	assert.Equal(t, models.PaymentStatusCreated, got.Status)
	assert.Nil(t, got.ProviderPaymentID)
	assert.Nil(t, f.regs.View(models.EntityVisitors, 7))
	upgrades, confirms := f.fanout.counts()
	assert.Zero(t, upgrades+confirms)
	assert.Empty(t, f.publisher.Events)
}

func TestWebhookSettlesOrderNamedByProvider(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetPaymentFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return &instamojo.Verified{Status: "Credit", PaymentID: id, PaymentRequestID: "PR_B"}, nil
	}
	a := seedCreated(f, "7", "PR_A")
	b := seedCreated(f, "8", "PR_B")

	res := f.deliver(t, `{"payment_id":"MOJO_B","payment_request_id":"PR_A","reference_id":"7"}`)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, "8", res.ReferenceID)
	assert.Equal(t, models.PaymentStatusCreated, f.ledger.Get(a.ID).Status)
	assert.Equal(t, models.PaymentStatusPaid, f.ledger.Get(b.ID).Status)
}

func TestWebhookNeverSettlesLocalOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetPaymentFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return &instamojo.Verified{Status: "Credit", PaymentID: id, PaymentRequestID: "PR_OTHER"}, nil
	}
	local := f.ledger.Seed(models.PaymentRecord{
		ReferenceID: "L-1",
		Provider:    models.PaymentProviderLocal,
		Status:      models.PaymentStatusCreated,
	})

	res := f.deliver(t, `{"payment_id":"MOJO1","reference_id":"L-1"}`)
	assert.Equal(t, OutcomeUnmatched, res.Outcome)
	assert.Equal(t, models.PaymentStatusCreated, f.ledger.Get(local.ID).Status)
}

func TestWebhookGarbageBody(t *testing.T) {
	f := newEngineFixture(t)
	res := f.deliver(t, "\x00\x01not a payload")
	assert.Equal(t, OutcomeUnverified, res.Outcome)
	assert.Zero(t, f.gw.calls())
}

func TestWebhookUpgradeIntent(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Completed", "1500.00")
	f.ledger.Seed(models.PaymentRecord{
		ReferenceID:     "T-100",
		Provider:        models.PaymentProviderInstamojo,
		ProviderOrderID: strPtr("PR9"),
		Status:          models.PaymentStatusCreated,
		Metadata:        json.RawMessage(`{"new_category":"vip","entity_type":"speakers","entity_id":"7"}`),
	})

	f.deliver(t, `{"payment_request_id":"PR9"}`)
	upgrades, confirms := f.fanout.counts()
	require.Equal(t, 1, upgrades)
	assert.Zero(t, confirms)
	up := f.fanout.Upgrades[0]
	assert.Equal(t, "speakers", up.EntityType)
	assert.Equal(t, "7", up.EntityID)
	assert.Equal(t, "vip", up.NewCategory)
	assert.Equal(t, "1500", up.Amount)
	assert.Equal(t, "MOJOPR9", up.ProviderTx)
}

func TestWebhookStoredEntityConfirmsOnlyThatTable(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "")
	f.ledger.Seed(models.PaymentRecord{
		ReferenceID:     "EX-3",
		Provider:        models.PaymentProviderInstamojo,
		ProviderOrderID: strPtr("PR3"),
		Status:          models.PaymentStatusCreated,
		EntityType:      strPtr("exhibitors"),
		EntityID:        strPtr("3"),
	})
	f.regs.Add(models.EntityExhibitors, 3, "ex@example.com")

	f.deliver(t, `{"payment_request_id":"PR3"}`)
	require.Len(t, f.fanout.Confirms, 1)
	assert.Equal(t, confirmCall{Entity: models.EntityExhibitors, ID: "3", TxID: "MOJOPR3"}, f.fanout.Confirms[0])

	view := f.regs.View(models.EntityExhibitors, 3)
	require.NotNil(t, view)
	assert.Equal(t, models.PaymentStatusPaid, view.PaymentStatus)
}

func TestWebhookRegistrantFailureIsSwallowed(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "")
	rec := seedCreated(f, "42", "PR1")
	f.regs.Add(models.EntityVisitors, 42, "")
	f.regs.ApplyErr = errors.New("deadlock")

	res := f.deliver(t, `{"payment_request_id":"PR1"}`)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, models.PaymentStatusPaid, f.ledger.Get(rec.ID).Status)
	_, confirms := f.fanout.counts()
	assert.Equal(t, len(models.EntityTypes), confirms)
}

func TestConcurrentDeliveriesSettleOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "")
	seedCreated(f, "R1", "PR1")

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.engine.HandleWebhook(context.Background(), []byte(`{"payment_request_id":"PR1"}`))
		}(i)
	}
	wg.Wait()
	f.engine.Wait()

	settled := 0
	for _, r := range results {
		if r.Outcome == OutcomeSettled {
			settled++
		}
		assert.Equal(t, models.PaymentStatusPaid, r.Status)
	}
	assert.Equal(t, 1, settled)
	_, confirms := f.fanout.counts()
	assert.Equal(t, len(models.EntityTypes), confirms)
}

func TestReconcileOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = verifiedRequest("Credit", "")
	rec := seedCreated(f, "R1", "PR1")

	res, err := f.engine.ReconcileOrder(context.Background(), "PR1")
	f.engine.Wait()
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, models.PaymentStatusPaid, f.ledger.Get(rec.ID).Status)
	assert.Empty(t, f.archiver.Bodies, "reconcile runs are not archived")
}

func TestReconcileOrderReportsVerificationFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.gw.GetRequestFunc = func(ctx context.Context, id string) (*instamojo.Verified, error) {
		return nil, errors.New("connection reset")
	}
	seedCreated(f, "R1", "PR1")

	res, err := f.engine.ReconcileOrder(context.Background(), "PR1")
	require.Error(t, err)
	assert.Equal(t, models.PaymentStatusCreated, res.Status)

	f.gw.Disabled = true
	_, err = f.engine.ReconcileOrder(context.Background(), "PR1")
	assert.ErrorIs(t, err, ErrProviderNotEnabled)
}
