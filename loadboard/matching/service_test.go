package matching

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/ledgerclient"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/notify"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	fail   bool
}

func (r *recorder) Publish(ctx context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.fail {
		return errors.New("broker unavailable")
	}
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeLedger struct {
	*ledgerclient.Client
	commits int
	err     error
}

func (f *fakeLedger) CommitConfirmation(ctx context.Context, conf *ledgerclient.Confirmation) (*ledgerclient.CommitResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.commits++
	resp := &ledgerclient.CommitResponse{}
	resp.Data.TxHash = "9F2C4E"
	resp.Data.NegotiationID = conf.NegotiationID
	resp.Meta.BlockHeight = 12
	return resp, nil
}

type harness struct {
	svc   *Service
	repo  *repository.Repository
	sent  *recorder
	clock time.Time
}

func (h *harness) now() time.Time { return h.clock }

func newHarness(t *testing.T, ledger Ledger) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), repository.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{sent: &recorder{}, clock: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	h.repo = repository.NewRepository(logger)
	h.repo.SetClock(h.now)
	require.NoError(t, h.repo.UseDB(db))

	h.svc = NewService(h.repo, h.sent, ledger, logger, 24*time.Hour)
	return h
}

func usd(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (h *harness) offer(t *testing.T, loadID, carrierID, amount string) *repository.Transition {
	t.Helper()
	tr, err := h.svc.SubmitCounterOffer(context.Background(), OfferInput{LoadID: loadID, CarrierID: carrierID, Amount: usd(amount)})
	require.NoError(t, err)
	return tr
}

func (h *harness) dispatcher(t *testing.T, negotiationID string, response negotiation.ResponseType, amount string) (*repository.Transition, error) {
	t.Helper()
	in := ResponseInput{NegotiationID: negotiationID, ActorID: "DSP-001", Response: response}
	if amount != "" {
		in.CounterAmount = usd(amount)
	}
	return h.svc.RespondToOffer(context.Background(), in)
}

func TestScenarioImmediateAccept(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "2000")
	assert.True(t, tr.Created)
	assert.Equal(t, "pending", tr.Negotiation.Status)
	assert.Equal(t, "carrier", tr.Negotiation.CurrentOfferBy)
	assert.Equal(t, notify.OfferSubmitted, h.sent.last().Type)
	assert.Equal(t, "DSP-001", h.sent.last().Recipient)

	accepted, err := h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseAccept, "")
	require.NoError(t, err)
	assert.Equal(t, "accepted", accepted.Negotiation.Status)
	assert.True(t, accepted.Negotiation.AgreedRate.Equal(usd("2000")))
	assert.Equal(t, models.LoadBooked, accepted.LoadStatus)
	assert.Equal(t, notify.OfferAccepted, h.sent.last().Type)
	assert.Equal(t, "CAR-001", h.sent.last().Recipient)

	load, err := h.svc.GetLoad(ctx, "LD-001")
	require.NoError(t, err)
	assert.Equal(t, models.LoadBooked, load.Status)
}

func TestScenarioCounterThenCarrierAccepts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "1800")
	id := tr.Negotiation.ID

	countered, err := h.dispatcher(t, id, negotiation.ResponseCounter, "1900")
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", countered.Negotiation.CurrentOfferBy)
	assert.True(t, countered.Negotiation.CurrentOffer.Equal(usd("1900")))
	assert.Equal(t, notify.OfferCountered, h.sent.last().Type)

	accepted, err := h.svc.RespondToCounter(ctx, ResponseInput{NegotiationID: id, ActorID: "CAR-001", Response: negotiation.ResponseAccept})
	require.NoError(t, err)
	assert.True(t, accepted.Negotiation.AgreedRate.Equal(usd("1900")))
	assert.Equal(t, "DSP-001", h.sent.last().Recipient)

	history, err := h.svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.NotEqual(t, history[i-1].OfferedBy, history[i].OfferedBy, "owners alternate")
	}
	assert.Equal(t, "accept", history[len(history)-1].OfferType)
}

func TestScenarioReject(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "2200")
	rejected, err := h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseReject, "")
	require.NoError(t, err)
	assert.Equal(t, "rejected", rejected.Negotiation.Status)
	assert.Nil(t, rejected.Negotiation.AgreedRate)

	load, _ := h.svc.GetLoad(ctx, "LD-001")
	assert.Equal(t, models.LoadAvailable, load.Status)

	history, _ := h.svc.History(ctx, tr.Negotiation.ID)
	assert.Equal(t, "reject", history[len(history)-1].OfferType)
}

func TestScenarioSiblingsCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := h.offer(t, "LD-001", "CAR-001", "2050")
	b := h.offer(t, "LD-001", "CAR-002", "1990")

	_, err := h.dispatcher(t, a.Negotiation.ID, negotiation.ResponseAccept, "")
	require.NoError(t, err)

	sibling, err := h.svc.GetNegotiation(ctx, b.Negotiation.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", sibling.Status)
	assert.Contains(t, h.sent.types(), notify.NegotiationCancelled)
	assert.Equal(t, "CAR-002", h.sent.last().Recipient)

	load, _ := h.svc.GetLoad(ctx, "LD-001")
	assert.Equal(t, models.LoadBooked, load.Status)
	require.NotNil(t, load.CarrierID)
	assert.Equal(t, "CAR-001", *load.CarrierID)

	// the cancelled carrier cannot revive its negotiation
	_, err = h.svc.SubmitCounterOffer(ctx, OfferInput{LoadID: "LD-001", CarrierID: "CAR-002", Amount: usd("2100")})
	assert.Equal(t, repository.CodeConflict, repository.Code(err))
}

func TestScenarioOwnOfferConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "1800")
	before, _ := h.svc.GetNegotiation(ctx, tr.Negotiation.ID)

	_, err := h.svc.SubmitCounterOffer(ctx, OfferInput{LoadID: "LD-001", CarrierID: "CAR-001", Amount: usd("1750")})
	require.Error(t, err)
	assert.Equal(t, repository.CodeConflict, repository.Code(err))

	after, _ := h.svc.GetNegotiation(ctx, tr.Negotiation.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.CurrentOffer.Equal(usd("1800")))
}

func TestScenarioExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "1800")
	h.clock = h.clock.Add(25 * time.Hour)

	n, err := h.svc.GetNegotiation(ctx, tr.Negotiation.ID)
	require.NoError(t, err)
	assert.Equal(t, "expired", n.Status)

	for _, response := range []negotiation.ResponseType{negotiation.ResponseAccept, negotiation.ResponseReject, negotiation.ResponseCounter} {
		_, err := h.dispatcher(t, tr.Negotiation.ID, response, "1900")
		assert.Equal(t, repository.CodeExpired, repository.Code(err), response)
	}
}

func TestActionOnOverdueNegotiationAnnouncesExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "1800")
	h.clock = h.clock.Add(25 * time.Hour)

	_, err := h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseAccept, "")
	assert.Equal(t, repository.CodeExpired, repository.Code(err))

	last := h.sent.last()
	assert.Equal(t, notify.NegotiationExpired, last.Type)
	assert.Equal(t, tr.Negotiation.ID, last.NegotiationID)
	assert.Equal(t, "CAR-001", last.Recipient)
	assert.Equal(t, "expired", last.Status)

	// already expired: refused again without a second announcement
	sent := len(h.sent.types())
	_, err = h.svc.CancelNegotiation(ctx, tr.Negotiation.ID, "CAR-001")
	assert.Equal(t, repository.CodeExpired, repository.Code(err))
	assert.Len(t, h.sent.types(), sent)
}

func TestReopenAfterOverdueAnnouncesExpiry(t *testing.T) {
	h := newHarness(t, nil)

	stale := h.offer(t, "LD-001", "CAR-001", "1800")
	h.clock = h.clock.Add(25 * time.Hour)

	fresh := h.offer(t, "LD-001", "CAR-001", "1850")
	assert.True(t, fresh.Created)
	assert.NotEqual(t, stale.Negotiation.ID, fresh.Negotiation.ID)
	require.Len(t, fresh.Expired, 1)
	assert.Equal(t, stale.Negotiation.ID, fresh.Expired[0].ID)

	types := h.sent.types()
	assert.Equal(t, []notify.EventType{notify.OfferSubmitted, notify.NegotiationExpired, notify.OfferSubmitted}, types)
}

func TestTerminalReadsAreStable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "1950")
	_, err := h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseAccept, "")
	require.NoError(t, err)

	first, err := h.svc.GetNegotiation(ctx, tr.Negotiation.ID)
	require.NoError(t, err)
	h.clock = h.clock.Add(72 * time.Hour)
	for i := 0; i < 3; i++ {
		again, err := h.svc.GetNegotiation(ctx, tr.Negotiation.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Status, again.Status)
		assert.True(t, first.AgreedRate.Equal(*again.AgreedRate))
		assert.Equal(t, first.Version, again.Version)
	}
}

func TestConcurrentResponsesOnlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.offer(t, "LD-001", "CAR-001", "1900")

	responses := []negotiation.ResponseType{
		negotiation.ResponseAccept, negotiation.ResponseReject, negotiation.ResponseCounter,
		negotiation.ResponseAccept, negotiation.ResponseCounter, negotiation.ResponseReject,
	}

	var wg sync.WaitGroup
	errs := make([]error, len(responses))
	for i, response := range responses {
		wg.Add(1)
		go func(i int, response negotiation.ResponseType) {
			defer wg.Done()
			_, errs[i] = h.svc.RespondToOffer(context.Background(), ResponseInput{
				NegotiationID: tr.Negotiation.ID,
				ActorID:       "DSP-001",
				Response:      response,
				CounterAmount: usd("1950"),
			})
		}(i, response)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, repository.CodeConflict, repository.Code(err))
	}
	assert.Equal(t, 1, succeeded)
}

func TestExpressInterest(t *testing.T) {
	h := newHarness(t, nil)

	tr, err := h.svc.ExpressInterest(context.Background(), "LD-002", "CAR-003", "can cover")
	require.NoError(t, err)
	assert.True(t, tr.Negotiation.CurrentOffer.Equal(usd("3100")))
	assert.Equal(t, "can cover", tr.Negotiation.CarrierMessage)

	_, err = h.svc.ExpressInterest(context.Background(), "LD-404", "CAR-003", "")
	assert.Equal(t, repository.CodeNotFound, repository.Code(err))
}

func TestRespondToCounterRejectsCounterType(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.offer(t, "LD-001", "CAR-001", "1800")

	_, err := h.svc.RespondToCounter(context.Background(), ResponseInput{
		NegotiationID: tr.Negotiation.ID, ActorID: "CAR-001", Response: negotiation.ResponseCounter, CounterAmount: usd("1850"),
	})
	assert.Equal(t, repository.CodeValidation, repository.Code(err))
}

func TestCancelNotifiesOtherParty(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.offer(t, "LD-001", "CAR-001", "1800")

	cancelled, err := h.svc.CancelNegotiation(context.Background(), tr.Negotiation.ID, "CAR-001")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Negotiation.Status)
	assert.Equal(t, notify.NegotiationCancelled, h.sent.last().Type)
	assert.Equal(t, "DSP-001", h.sent.last().Recipient)
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t, nil)
	h.sent.fail = true

	tr, err := h.svc.SubmitCounterOffer(context.Background(), OfferInput{LoadID: "LD-001", CarrierID: "CAR-001", Amount: usd("1800")})
	require.NoError(t, err)
	assert.Equal(t, "pending", tr.Negotiation.Status)
}

func TestPostLoad(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pickup := h.clock.Add(24 * time.Hour)

	load, err := h.svc.PostLoad(ctx, &models.Load{
		OriginCity: "Laredo", OriginState: "tx", DestinationCity: "Nashville", DestinationState: "tn",
		EquipmentType: "reefer", Rate: usd("2400"), Miles: 1000, DispatcherID: "DSP-002",
		PickupDate: pickup, DeliveryDate: pickup.Add(20 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "TX", load.OriginState)
	assert.True(t, load.RatePerMile.Equal(usd("2.4")))

	loads, err := h.svc.AvailableLoads(ctx)
	require.NoError(t, err)
	assert.Len(t, loads, 3)

	_, err = h.svc.PostLoad(ctx, &models.Load{Rate: usd("0"), DispatcherID: "DSP-002"})
	assert.Equal(t, repository.CodeValidation, repository.Code(err))

	_, err = h.svc.PostLoad(ctx, &models.Load{
		Rate: usd("100"), DispatcherID: "DSP-002", PickupDate: pickup, DeliveryDate: pickup.Add(-time.Hour),
	})
	assert.Equal(t, repository.CodeValidation, repository.Code(err))
}

func TestLoadLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "2000")
	_, err := h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseAccept, "")
	require.NoError(t, err)

	_, err = h.svc.UpdateLoadStatus(ctx, "LD-001", "DSP-001", models.LoadBooked)
	assert.Equal(t, repository.CodeValidation, repository.Code(err))

	load, err := h.svc.UpdateLoadStatus(ctx, "LD-001", "DSP-001", models.LoadInTransit)
	require.NoError(t, err)
	assert.Equal(t, models.LoadInTransit, load.Status)

	_, err = h.svc.UpdateLoadStatus(ctx, "LD-001", "DSP-001", models.LoadInTransit)
	assert.Equal(t, repository.CodeConflict, repository.Code(err))
}

func TestCommitConfirmation(t *testing.T) {
	ledger := &fakeLedger{Client: ledgerclient.NewClient("http://unused", "loadboard-test")}
	h := newHarness(t, ledger)
	ctx := context.Background()

	tr := h.offer(t, "LD-001", "CAR-001", "1800")

	_, err := h.svc.CommitConfirmation(ctx, tr.Negotiation.ID)
	assert.Equal(t, repository.CodeConflict, repository.Code(err), "pending negotiations are not confirmed")

	_, err = h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseAccept, "")
	require.NoError(t, err)

	result, err := h.svc.CommitConfirmation(ctx, tr.Negotiation.ID)
	require.NoError(t, err)
	assert.Equal(t, "9F2C4E", result.TxHash)
	assert.Equal(t, int64(12), result.BlockHeight)
	assert.True(t, result.Confirmation.AgreedRate.Equal(usd("1800")))
	assert.Equal(t, "DSP-001", result.Confirmation.DispatcherID)
	assert.Equal(t, 2, result.Confirmation.OfferCount)
	require.NotNil(t, result.Negotiation.LedgerTxHash)

	_, err = h.svc.CommitConfirmation(ctx, tr.Negotiation.ID)
	assert.Equal(t, repository.CodeConflict, repository.Code(err))
	assert.Equal(t, 1, ledger.commits)
}

func TestCommitConfirmationLedgerErrors(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.offer(t, "LD-001", "CAR-001", "2000")
	_, err := h.dispatcher(t, tr.Negotiation.ID, negotiation.ResponseAccept, "")
	require.NoError(t, err)

	_, err = h.svc.CommitConfirmation(context.Background(), tr.Negotiation.ID)
	assert.Equal(t, repository.CodeLedger, repository.Code(err), "no ledger configured")

	failing := &fakeLedger{Client: ledgerclient.NewClient("http://unused", "loadboard-test"), err: errors.New("connection refused")}
	h.svc.ledger = failing
	_, err = h.svc.CommitConfirmation(context.Background(), tr.Negotiation.ID)
	assert.Equal(t, repository.CodeLedger, repository.Code(err))

	n, _ := h.svc.GetNegotiation(context.Background(), tr.Negotiation.ID)
	assert.Nil(t, n.LedgerTxHash)
}

func TestExpirySweeper(t *testing.T) {
	h := newHarness(t, nil)

	tr := h.offer(t, "LD-001", "CAR-001", "1800")
	h.clock = h.clock.Add(25 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.RunExpirySweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, typ := range h.sent.types() {
			if typ == notify.NegotiationExpired {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	n, err := h.repo.GetNegotiation(context.Background(), tr.Negotiation.ID)
	require.Nil(t, err)
	assert.Equal(t, "expired", n.Status)
}
