// Package matching runs the load board workflows on top of the negotiation
// repository: carriers composing offers, dispatchers responding to them, and
// the bookkeeping that follows an agreement.
package matching

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/ledgerclient"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/notify"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger records rate confirmations of accepted negotiations
type Ledger interface {
	BuildConfirmation(neg *models.Negotiation, load *models.Load, history []models.HistoryEntry) (*ledgerclient.Confirmation, error)
	CommitConfirmation(ctx context.Context, conf *ledgerclient.Confirmation) (*ledgerclient.CommitResponse, error)
}

// Service coordinates negotiations between carriers and dispatchers
type Service struct {
	repo     *repository.Repository
	notifier notify.Notifier
	ledger   Ledger
	logger   logrus.FieldLogger
	ttl      time.Duration
}

// NewService creates a service. ledger may be nil, which disables rate
// confirmations.
func NewService(repo *repository.Repository, notifier notify.Notifier, ledger Ledger, logger logrus.FieldLogger, ttl time.Duration) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		ledger:   ledger,
		logger:   logger,
		ttl:      ttl,
	}
}

// OfferInput is a carrier's proposed rate for a load
type OfferInput struct {
	LoadID    string
	CarrierID string
	Amount    decimal.Decimal
	Message   string
}

// ResponseInput is one party's answer to the outstanding offer
type ResponseInput struct {
	NegotiationID string
	ActorID       string
	Response      negotiation.ResponseType
	CounterAmount decimal.Decimal
	Message       string
}

// CommitResult is the ledger receipt of a rate confirmation
type CommitResult struct {
	Negotiation  *models.Negotiation        `json:"negotiation"`
	Confirmation *ledgerclient.Confirmation `json:"confirmation"`
	TxHash       string                     `json:"tx_hash"`
	BlockHeight  int64                      `json:"block_height"`
}

// PostLoad publishes a new load for carriers to bid on
func (s *Service) PostLoad(ctx context.Context, load *models.Load) (*models.Load, error) {
	if err := negotiation.ValidateAmount(load.Rate); err != nil {
		return nil, repository.NewValidationError("rate: " + err.Error())
	}
	if load.Miles < 0 {
		return nil, repository.NewValidationError("miles cannot be negative")
	}
	if !load.PickupDate.IsZero() && !load.DeliveryDate.IsZero() && load.DeliveryDate.Before(load.PickupDate) {
		return nil, repository.NewValidationError("delivery_date cannot be before pickup_date")
	}
	load.OriginState = strings.ToUpper(load.OriginState)
	load.DestinationState = strings.ToUpper(load.DestinationState)

	created, repoErr := s.repo.CreateLoad(ctx, load)
	if repoErr != nil {
		return nil, repoErr
	}

	s.logger.WithFields(logrus.Fields{
		"load_id":       created.ID,
		"dispatcher_id": created.DispatcherID,
		"rate":          created.Rate.StringFixed(2),
	}).Info("Load posted")
	return created, nil
}

// GetLoad returns a load by ID
func (s *Service) GetLoad(ctx context.Context, loadID string) (*models.Load, error) {
	load, repoErr := s.repo.GetLoad(ctx, loadID)
	if repoErr != nil {
		return nil, repoErr
	}
	return load, nil
}

// AvailableLoads lists loads open for offers
func (s *Service) AvailableLoads(ctx context.Context) ([]models.Load, error) {
	loads, repoErr := s.repo.ListAvailableLoads(ctx)
	if repoErr != nil {
		return nil, repoErr
	}
	return loads, nil
}

// UpdateLoadStatus records pickup and delivery of a booked load
func (s *Service) UpdateLoadStatus(ctx context.Context, loadID, dispatcherID, status string) (*models.Load, error) {
	if status != models.LoadInTransit && status != models.LoadDelivered {
		return nil, repository.NewValidationError(fmt.Sprintf("status must be %s or %s", models.LoadInTransit, models.LoadDelivered))
	}
	load, repoErr := s.repo.UpdateLoadStatus(ctx, loadID, dispatcherID, status)
	if repoErr != nil {
		return nil, repoErr
	}
	s.logger.WithFields(logrus.Fields{"load_id": load.ID, "status": load.Status}).Info("Load status updated")
	return load, nil
}

// GetCarrier returns a carrier profile
func (s *Service) GetCarrier(ctx context.Context, carrierID string) (*models.Carrier, error) {
	carrier, repoErr := s.repo.GetCarrier(ctx, carrierID)
	if repoErr != nil {
		return nil, repoErr
	}
	return carrier, nil
}

// SubmitCounterOffer opens a negotiation with the carrier's first offer, or
// counters the dispatcher's latest offer on the carrier's pending negotiation.
func (s *Service) SubmitCounterOffer(ctx context.Context, in OfferInput) (*repository.Transition, error) {
	tr, repoErr := s.repo.OpenOrCounter(ctx, in.LoadID, in.CarrierID, in.Amount, in.Message, s.ttl)
	if repoErr != nil {
		return nil, repoErr
	}
	s.publishExpired(ctx, tr.Expired)

	eventType := notify.OfferCountered
	if tr.Created {
		eventType = notify.OfferSubmitted
	}
	s.logTransition(tr, "submit_counter_offer")
	s.publish(ctx, eventFor(eventType, tr.Negotiation, tr.Load.DispatcherID, tr.Event))
	return tr, nil
}

// ExpressInterest opens a negotiation at the load's posted rate
func (s *Service) ExpressInterest(ctx context.Context, loadID, carrierID, message string) (*repository.Transition, error) {
	load, repoErr := s.repo.GetLoad(ctx, loadID)
	if repoErr != nil {
		return nil, repoErr
	}
	return s.SubmitCounterOffer(ctx, OfferInput{
		LoadID:    loadID,
		CarrierID: carrierID,
		Amount:    load.Rate,
		Message:   message,
	})
}

// RespondToOffer lets the load's dispatcher accept, reject or counter the
// carrier's outstanding offer.
func (s *Service) RespondToOffer(ctx context.Context, in ResponseInput) (*repository.Transition, error) {
	tr, repoErr := s.repo.Respond(ctx, in.NegotiationID, negotiation.PartyDispatcher, in.ActorID, in.Response, in.CounterAmount, in.Message)
	if repoErr != nil {
		s.afterFailure(ctx, tr)
		return nil, repoErr
	}
	s.afterResponse(ctx, tr, tr.Negotiation.CarrierID, "respond_to_offer")
	return tr, nil
}

// RespondToCounter lets the carrier accept or reject the dispatcher's counter.
// Carrier counters go through SubmitCounterOffer.
func (s *Service) RespondToCounter(ctx context.Context, in ResponseInput) (*repository.Transition, error) {
	if in.Response == negotiation.ResponseCounter {
		return nil, repository.NewValidationError("carriers counter with submit_counter_offer")
	}
	tr, repoErr := s.repo.Respond(ctx, in.NegotiationID, negotiation.PartyCarrier, in.ActorID, in.Response, decimal.Zero, in.Message)
	if repoErr != nil {
		s.afterFailure(ctx, tr)
		return nil, repoErr
	}
	s.afterResponse(ctx, tr, tr.Load.DispatcherID, "respond_to_counter")
	return tr, nil
}

// afterFailure announces what a failed call still committed: an overdue
// negotiation is expired even though the action on it is refused.
func (s *Service) afterFailure(ctx context.Context, tr *repository.Transition) {
	if tr == nil {
		return
	}
	s.publishExpired(ctx, tr.Expired)
}

func (s *Service) afterResponse(ctx context.Context, tr *repository.Transition, recipient, action string) {
	s.logTransition(tr, action)

	var eventType notify.EventType
	switch tr.Event.Type {
	case negotiation.OfferAccept:
		eventType = notify.OfferAccepted
	case negotiation.OfferReject:
		eventType = notify.OfferRejected
	default:
		eventType = notify.OfferCountered
	}
	s.publish(ctx, eventFor(eventType, tr.Negotiation, recipient, tr.Event))

	for i := range tr.CancelledSiblings {
		sibling := &tr.CancelledSiblings[i]
		s.logger.WithFields(logrus.Fields{
			"negotiation_id": sibling.ID,
			"load_id":        sibling.LoadID,
			"carrier_id":     sibling.CarrierID,
		}).Info("Negotiation cancelled, load booked by another carrier")
		s.publish(ctx, eventFor(notify.NegotiationCancelled, sibling, sibling.CarrierID, nil))
	}
}

// CancelNegotiation withdraws a pending negotiation on behalf of either party
func (s *Service) CancelNegotiation(ctx context.Context, negotiationID, actorID string) (*repository.Transition, error) {
	tr, repoErr := s.repo.Cancel(ctx, negotiationID, actorID)
	if repoErr != nil {
		s.afterFailure(ctx, tr)
		return nil, repoErr
	}

	recipient := tr.Negotiation.CarrierID
	if actorID == tr.Negotiation.CarrierID {
		recipient = tr.Load.DispatcherID
	}
	s.logTransition(tr, "cancel_negotiation")
	s.publish(ctx, eventFor(notify.NegotiationCancelled, tr.Negotiation, recipient, nil))
	return tr, nil
}

// GetNegotiation returns one negotiation with its status brought up to date
func (s *Service) GetNegotiation(ctx context.Context, negotiationID string) (*models.Negotiation, error) {
	n, repoErr := s.repo.GetNegotiation(ctx, negotiationID)
	if repoErr != nil {
		return nil, repoErr
	}
	return n, nil
}

// NegotiationsForLoad lists the negotiations a dispatcher reviews for a load
func (s *Service) NegotiationsForLoad(ctx context.Context, loadID string) ([]models.Negotiation, error) {
	list, repoErr := s.repo.ListByLoad(ctx, loadID)
	if repoErr != nil {
		return nil, repoErr
	}
	return list, nil
}

// NegotiationsForCarrier lists every negotiation a carrier takes part in
func (s *Service) NegotiationsForCarrier(ctx context.Context, carrierID string) ([]models.Negotiation, error) {
	list, repoErr := s.repo.ListByCarrier(ctx, carrierID)
	if repoErr != nil {
		return nil, repoErr
	}
	return list, nil
}

// History returns the offer timeline of a negotiation, oldest first
func (s *Service) History(ctx context.Context, negotiationID string) ([]models.HistoryEntry, error) {
	entries, repoErr := s.repo.History(ctx, negotiationID)
	if repoErr != nil {
		return nil, repoErr
	}
	return entries, nil
}

// CommitConfirmation writes the agreed rate of an accepted negotiation to the
// ledger and stores the resulting transaction hash.
func (s *Service) CommitConfirmation(ctx context.Context, negotiationID string) (*CommitResult, error) {
	if s.ledger == nil {
		return nil, &repository.RepositoryError{
			Code:    repository.CodeLedger,
			Message: "Ledger is not configured",
		}
	}

	n, repoErr := s.repo.GetNegotiation(ctx, negotiationID)
	if repoErr != nil {
		return nil, repoErr
	}
	if n.Status != string(negotiation.StatusAccepted) {
		return nil, &repository.RepositoryError{
			Code:    repository.CodeConflict,
			Message: "Only accepted negotiations can be confirmed",
			Detail:  fmt.Sprintf("Negotiation %s is %s", n.ID, n.Status),
		}
	}
	if n.LedgerTxHash != nil {
		return nil, &repository.RepositoryError{
			Code:    repository.CodeConflict,
			Message: "Negotiation is already confirmed",
			Detail:  fmt.Sprintf("Ledger transaction %s", *n.LedgerTxHash),
		}
	}

	load, repoErr := s.repo.GetLoad(ctx, n.LoadID)
	if repoErr != nil {
		return nil, repoErr
	}
	history, repoErr := s.repo.History(ctx, n.ID)
	if repoErr != nil {
		return nil, repoErr
	}

	conf, err := s.ledger.BuildConfirmation(n, load, history)
	if err != nil {
		return nil, &repository.RepositoryError{Code: repository.CodeLedger, Message: "Failed to build confirmation", Detail: err.Error()}
	}
	resp, err := s.ledger.CommitConfirmation(ctx, conf)
	if err != nil {
		s.logger.WithError(err).WithField("negotiation_id", n.ID).Error("Ledger commit failed")
		return nil, &repository.RepositoryError{Code: repository.CodeLedger, Message: "Failed to commit to ledger", Detail: err.Error()}
	}

	committed, repoErr := s.repo.RecordLedgerCommit(ctx, n.ID, resp.Data.TxHash, resp.Meta.BlockHeight)
	if repoErr != nil {
		return nil, repoErr
	}

	s.logger.WithFields(logrus.Fields{
		"negotiation_id": n.ID,
		"tx_hash":        resp.Data.TxHash,
		"block_height":   resp.Meta.BlockHeight,
	}).Info("Rate confirmation committed")

	return &CommitResult{
		Negotiation:  committed,
		Confirmation: conf,
		TxHash:       resp.Data.TxHash,
		BlockHeight:  resp.Meta.BlockHeight,
	}, nil
}

func (s *Service) logTransition(tr *repository.Transition, action string) {
	fields := logrus.Fields{
		"action":         action,
		"negotiation_id": tr.Negotiation.ID,
		"load_id":        tr.Negotiation.LoadID,
		"status":         tr.Negotiation.Status,
		"version":        tr.Negotiation.Version,
	}
	if tr.Event != nil {
		fields["offer_type"] = tr.Event.Type
		fields["offered_by"] = tr.Event.By
		fields["amount"] = tr.Event.Amount.StringFixed(2)
	}
	s.logger.WithFields(fields).Info("Negotiation updated")
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"event":          event.Type,
			"negotiation_id": event.NegotiationID,
		}).Warn("Failed to deliver notification")
	}
}

func eventFor(eventType notify.EventType, n *models.Negotiation, recipient string, ev *negotiation.Event) notify.Event {
	event := notify.Event{
		Type:          eventType,
		NegotiationID: n.ID,
		LoadID:        n.LoadID,
		CarrierID:     n.CarrierID,
		Recipient:     recipient,
		Status:        n.Status,
		OccurredAt:    n.UpdatedAt,
	}
	if ev != nil {
		amount := ev.Amount
		event.Amount = &amount
		event.Message = ev.Message
	}
	return event
}
