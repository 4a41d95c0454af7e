package negotiation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	expiry = t0.Add(24 * time.Hour)
)

func usd(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func openAt(t *testing.T, original, offer string) State {
	t.Helper()
	s, ev, err := Open(usd(original), usd(offer), expiry, "")
	require.NoError(t, err)
	require.Equal(t, OfferInitial, ev.Type)
	return s
}

func TestOpen(t *testing.T) {
	s, ev, err := Open(usd("2000"), usd("2000"), expiry, "ready to roll")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, PartyCarrier, s.CurrentOfferBy)
	assert.True(t, s.CurrentOffer.Equal(usd("2000")))
	assert.Nil(t, s.AgreedRate)
	assert.Equal(t, Event{Type: OfferInitial, Amount: usd("2000"), By: PartyCarrier, Message: "ready to roll"}, ev)

	for _, bad := range []string{"0", "-150"} {
		_, _, err := Open(usd("2000"), usd(bad), expiry, "")
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestValidateAmount(t *testing.T) {
	for _, ok := range []string{"0.01", "1850.5", "1850.50", "9999999999.99"} {
		assert.NoError(t, ValidateAmount(usd(ok)), ok)
	}

	for _, bad := range []string{"0", "-1", "0.004", "1850.555", "10000000000", "123456789012345"} {
		assert.ErrorIs(t, ValidateAmount(usd(bad)), ErrInvalidAmount, bad)
	}
}

func TestAcceptCarrierOffer(t *testing.T) {
	s := openAt(t, "2000", "2000")

	next, ev, err := s.Accept(PartyDispatcher, t0, "")
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, next.Status)
	require.NotNil(t, next.AgreedRate)
	assert.True(t, next.AgreedRate.Equal(usd("2000")))
	assert.Equal(t, OfferAccept, ev.Type)
	assert.Equal(t, PartyDispatcher, ev.By)

	// the receiver is a value; the original state is untouched
	assert.Equal(t, StatusPending, s.Status)
}

func TestCounterThenAccept(t *testing.T) {
	s := openAt(t, "2000", "1800")

	s, ev, err := s.Counter(PartyDispatcher, usd("1900"), t0, "meet me halfway")
	require.NoError(t, err)
	assert.Equal(t, OfferCounter, ev.Type)
	assert.Equal(t, PartyDispatcher, s.CurrentOfferBy)
	assert.True(t, s.CurrentOffer.Equal(usd("1900")))

	s, ev, err = s.Accept(PartyCarrier, t0, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, s.Status)
	assert.True(t, s.AgreedRate.Equal(usd("1900")))
	assert.Equal(t, PartyCarrier, ev.By)
	assert.True(t, s.OriginalRate.Equal(usd("2000")))
}

func TestReject(t *testing.T) {
	s := openAt(t, "2000", "2200")

	next, ev, err := s.Reject(PartyDispatcher, t0, "too rich")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, next.Status)
	assert.Nil(t, next.AgreedRate)
	assert.Equal(t, OfferReject, ev.Type)
	assert.True(t, ev.Amount.Equal(usd("2200")))
}

func TestCannotAnswerOwnOffer(t *testing.T) {
	s := openAt(t, "2000", "1800")

	_, _, err := s.Counter(PartyCarrier, usd("1700"), t0, "")
	assert.ErrorIs(t, err, ErrNotYourTurn)
	_, _, err = s.Accept(PartyCarrier, t0, "")
	assert.ErrorIs(t, err, ErrNotYourTurn)
	_, _, err = s.Reject(PartyCarrier, t0, "")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	s, _, err = s.Counter(PartyDispatcher, usd("1900"), t0, "")
	require.NoError(t, err)
	_, _, err = s.Counter(PartyDispatcher, usd("1950"), t0, "")
	assert.ErrorIs(t, err, ErrNotYourTurn)
}

func TestTurnsAlternate(t *testing.T) {
	s := openAt(t, "2000", "1500")
	amounts := []string{"1900", "1600", "1850", "1700"}
	by := PartyDispatcher
	for _, a := range amounts {
		next, ev, err := s.Counter(by, usd(a), t0, "")
		require.NoError(t, err)
		assert.Equal(t, by, next.CurrentOfferBy)
		assert.Equal(t, by, ev.By)
		_, _, err = next.Counter(by, usd(a), t0, "")
		assert.ErrorIs(t, err, ErrNotYourTurn)
		s = next
		by = by.Other()
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	pending := openAt(t, "2000", "1800")
	accepted, _, err := pending.Accept(PartyDispatcher, t0, "")
	require.NoError(t, err)
	rejected, _, err := pending.Reject(PartyDispatcher, t0, "")
	require.NoError(t, err)
	cancelled, err := pending.Cancel(t0)
	require.NoError(t, err)
	expired, changed := pending.Expire(expiry.Add(time.Second))
	require.True(t, changed)

	for _, s := range []State{accepted, rejected, cancelled, expired} {
		t.Run(string(s.Status), func(t *testing.T) {
			assert.True(t, s.Status.IsTerminal())
			for _, p := range []Party{PartyCarrier, PartyDispatcher} {
				_, _, err := s.Counter(p, usd("1000"), t0, "")
				assert.ErrorIs(t, err, ErrNotPending)
				_, _, err = s.Accept(p, t0, "")
				assert.ErrorIs(t, err, ErrNotPending)
				_, _, err = s.Reject(p, t0, "")
				assert.ErrorIs(t, err, ErrNotPending)
			}
			_, err := s.Cancel(t0)
			assert.ErrorIs(t, err, ErrNotPending)
			again, changed := s.Expire(expiry.Add(time.Hour))
			assert.False(t, changed)
			assert.Equal(t, s, again)
		})
	}
}

func TestExpiry(t *testing.T) {
	s := openAt(t, "2000", "1800")

	same, changed := s.Expire(expiry)
	assert.False(t, changed, "expiry is exclusive of the timestamp itself")
	assert.Equal(t, StatusPending, same.Status)

	late := expiry.Add(time.Minute)
	assert.True(t, s.IsOverdue(late))
	_, _, err := s.Accept(PartyDispatcher, late, "")
	assert.ErrorIs(t, err, ErrExpired)
	_, _, err = s.Counter(PartyDispatcher, usd("1900"), late, "")
	assert.ErrorIs(t, err, ErrExpired)
	_, err = s.Cancel(late)
	assert.ErrorIs(t, err, ErrExpired)

	expired, changed := s.Expire(late)
	assert.True(t, changed)
	assert.Equal(t, StatusExpired, expired.Status)
}

func TestCounterValidatesAmount(t *testing.T) {
	s := openAt(t, "2000", "1800")
	_, _, err := s.Counter(PartyDispatcher, decimal.Zero, t0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = s.Counter(Party("broker"), usd("1900"), t0, "")
	assert.ErrorIs(t, err, ErrInvalidParty)
}

func TestRespond(t *testing.T) {
	s := openAt(t, "2000", "1800")

	next, ev, err := s.Respond(PartyDispatcher, ResponseCounter, usd("1900"), t0, "")
	require.NoError(t, err)
	assert.Equal(t, OfferCounter, ev.Type)
	assert.Equal(t, PartyDispatcher, next.CurrentOfferBy)

	next, ev, err = next.Respond(PartyCarrier, ResponseAccept, decimal.Zero, t0, "")
	require.NoError(t, err)
	assert.Equal(t, OfferAccept, ev.Type)
	assert.Equal(t, StatusAccepted, next.Status)

	_, _, err = s.Respond(PartyDispatcher, ResponseType("ignore"), decimal.Zero, t0, "")
	assert.Error(t, err)
}
