// Package negotiation holds the rate negotiation state machine shared by the
// carrier offer composer and the dispatcher responder.
//
// A negotiation is always between one carrier and the dispatcher that posted
// the load. While it is pending the two parties alternate turns: whoever did
// not make the outstanding offer may counter, accept or reject it. Every other
// status is terminal.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a negotiation
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Party identifies one side of a negotiation
type Party string

const (
	PartyCarrier    Party = "carrier"
	PartyDispatcher Party = "dispatcher"
)

// Valid reports whether p is a known party.
func (p Party) Valid() bool {
	return p == PartyCarrier || p == PartyDispatcher
}

// Other returns the opposite party.
func (p Party) Other() Party {
	if p == PartyCarrier {
		return PartyDispatcher
	}
	return PartyCarrier
}

// OfferType classifies a history entry
type OfferType string

const (
	OfferInitial OfferType = "initial"
	OfferCounter OfferType = "counter"
	OfferAccept  OfferType = "accept"
	OfferReject  OfferType = "reject"
)

// ResponseType is what a responding party does with the outstanding offer
type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseReject  ResponseType = "reject"
	ResponseCounter ResponseType = "counter"
)

// Valid reports whether r is a known response type.
func (r ResponseType) Valid() bool {
	return r == ResponseAccept || r == ResponseReject || r == ResponseCounter
}

var (
	ErrInvalidAmount = errors.New("offer amount must be a positive number")
	ErrInvalidParty  = errors.New("unknown negotiating party")
	ErrNotPending    = errors.New("negotiation is no longer pending")
	ErrExpired       = errors.New("negotiation has expired")
	ErrNotYourTurn   = errors.New("cannot respond to your own outstanding offer")
)

// State is the mutable part of a negotiation that the machine reasons about.
type State struct {
	Status         Status
	OriginalRate   decimal.Decimal
	CurrentOffer   decimal.Decimal
	CurrentOfferBy Party
	AgreedRate     *decimal.Decimal
	ExpiresAt      time.Time
}

// Event is the history entry a transition appends to the negotiation ledger.
type Event struct {
	Type    OfferType
	Amount  decimal.Decimal
	By      Party
	Message string
}

// MaxAmount is the first amount that no longer fits a decimal(12,2) column.
var MaxAmount = decimal.New(1, 10)

// ValidateAmount checks that amount is usable as an offer: positive, whole
// cents and below MaxAmount.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	if amount.GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: must be below %s", ErrInvalidAmount, MaxAmount)
	}
	return nil
}

// Open starts a negotiation with the carrier's first offer against a load
// posted at originalRate.
func Open(originalRate, amount decimal.Decimal, expiresAt time.Time, message string) (State, Event, error) {
	if err := ValidateAmount(amount); err != nil {
		return State{}, Event{}, err
	}
	s := State{
		Status:         StatusPending,
		OriginalRate:   originalRate,
		CurrentOffer:   amount,
		CurrentOfferBy: PartyCarrier,
		ExpiresAt:      expiresAt,
	}
	return s, Event{Type: OfferInitial, Amount: amount, By: PartyCarrier, Message: message}, nil
}

// IsOverdue reports whether s is pending past its expiry at now.
func (s State) IsOverdue(now time.Time) bool {
	return s.Status == StatusPending && now.After(s.ExpiresAt)
}

// Expire moves an overdue pending negotiation to expired. The second result is
// false when nothing changed.
func (s State) Expire(now time.Time) (State, bool) {
	if !s.IsOverdue(now) {
		return s, false
	}
	s.Status = StatusExpired
	return s, true
}

// checkTurn enforces the preconditions shared by counter, accept and reject.
func (s State) checkTurn(by Party, now time.Time) error {
	if !by.Valid() {
		return ErrInvalidParty
	}
	if err := s.checkOpen(now); err != nil {
		return err
	}
	if by == s.CurrentOfferBy {
		return ErrNotYourTurn
	}
	return nil
}

func (s State) checkOpen(now time.Time) error {
	if s.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrNotPending, s.Status)
	}
	if now.After(s.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Counter replaces the outstanding offer with a new amount from by.
func (s State) Counter(by Party, amount decimal.Decimal, now time.Time, message string) (State, Event, error) {
	if err := s.checkTurn(by, now); err != nil {
		return s, Event{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return s, Event{}, err
	}
	s.CurrentOffer = amount
	s.CurrentOfferBy = by
	return s, Event{Type: OfferCounter, Amount: amount, By: by, Message: message}, nil
}

// Accept agrees to the other party's outstanding offer.
func (s State) Accept(by Party, now time.Time, message string) (State, Event, error) {
	if err := s.checkTurn(by, now); err != nil {
		return s, Event{}, err
	}
	agreed := s.CurrentOffer
	s.Status = StatusAccepted
	s.AgreedRate = &agreed
	return s, Event{Type: OfferAccept, Amount: agreed, By: by, Message: message}, nil
}

// Reject declines the other party's outstanding offer and ends the negotiation.
func (s State) Reject(by Party, now time.Time, message string) (State, Event, error) {
	if err := s.checkTurn(by, now); err != nil {
		return s, Event{}, err
	}
	s.Status = StatusRejected
	return s, Event{Type: OfferReject, Amount: s.CurrentOffer, By: by, Message: message}, nil
}

// Cancel withdraws a pending negotiation. Either party may cancel regardless
// of whose turn it is.
func (s State) Cancel(now time.Time) (State, error) {
	if err := s.checkOpen(now); err != nil {
		return s, err
	}
	s.Status = StatusCancelled
	return s, nil
}

// Respond applies a response of the given type on behalf of by. amount is
// only read for counters.
func (s State) Respond(by Party, response ResponseType, amount decimal.Decimal, now time.Time, message string) (State, Event, error) {
	switch response {
	case ResponseAccept:
		return s.Accept(by, now, message)
	case ResponseReject:
		return s.Reject(by, now, message)
	case ResponseCounter:
		return s.Counter(by, amount, now, message)
	}
	return s, Event{}, fmt.Errorf("unknown response type %q", response)
}
