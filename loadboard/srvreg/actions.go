package srvreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/shopspring/decimal"
)

// Action names accepted by POST /load-matching
const (
	ActionSubmitCounterOffer     = "submit_counter_offer"
	ActionGetNegotiations        = "get_negotiations"
	ActionGetNegotiationHistory  = "get_negotiation_history"
	ActionRespondToOffer         = "respond_to_offer"
	ActionGetCarrierNegotiations = "get_carrier_negotiations"
	ActionExpressInterest        = "express_interest"
	ActionRespondToCounter       = "respond_to_counter"
	ActionCancelNegotiation      = "cancel_negotiation"
	ActionGetNegotiation         = "get_negotiation"
	ActionPostLoad               = "post_load"
	ActionGetLoad                = "get_load"
	ActionGetAvailableLoads      = "get_available_loads"
	ActionUpdateLoadStatus       = "update_load_status"
	ActionCommitConfirmation     = "commit_confirmation"
	ActionGetCarrier             = "get_carrier"
)

const maxMessageLength = 1000

// Action is one decoded and typed request
type Action interface {
	Name() string
	Validate() error
}

var actionFactories = map[string]func() Action{
	ActionSubmitCounterOffer:     func() Action { return &SubmitCounterOffer{} },
	ActionGetNegotiations:        func() Action { return &GetNegotiations{} },
	ActionGetNegotiationHistory:  func() Action { return &GetNegotiationHistory{} },
	ActionRespondToOffer:         func() Action { return &RespondToOffer{} },
	ActionGetCarrierNegotiations: func() Action { return &GetCarrierNegotiations{} },
	ActionExpressInterest:        func() Action { return &ExpressInterest{} },
	ActionRespondToCounter:       func() Action { return &RespondToCounter{} },
	ActionCancelNegotiation:      func() Action { return &CancelNegotiation{} },
	ActionGetNegotiation:         func() Action { return &GetNegotiation{} },
	ActionPostLoad:               func() Action { return &PostLoad{} },
	ActionGetLoad:                func() Action { return &GetLoad{} },
	ActionGetAvailableLoads:      func() Action { return &GetAvailableLoads{} },
	ActionUpdateLoadStatus:       func() Action { return &UpdateLoadStatus{} },
	ActionCommitConfirmation:     func() Action { return &CommitConfirmation{} },
	ActionGetCarrier:             func() Action { return &GetCarrier{} },
}

// DecodeAction reads the action tag of body and decodes the rest of body into
// the matching request type. The returned name is the tag as sent, even when
// decoding fails.
func DecodeAction(body []byte) (string, Action, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", nil, fmt.Errorf("invalid request body: %w", err)
	}
	if envelope.Action == "" {
		return "", nil, errors.New("action is required")
	}

	factory, ok := actionFactories[envelope.Action]
	if !ok {
		return envelope.Action, nil, fmt.Errorf("unknown action %q", envelope.Action)
	}

	act := factory()
	if err := json.Unmarshal(body, act); err != nil {
		return envelope.Action, nil, fmt.Errorf("invalid %s request: %w", envelope.Action, err)
	}
	if err := act.Validate(); err != nil {
		return envelope.Action, nil, err
	}
	return envelope.Action, act, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func checkMessage(message string) error {
	if len(message) > maxMessageLength {
		return fmt.Errorf("message exceeds %d characters", maxMessageLength)
	}
	return nil
}

func checkAmount(field string, amount *decimal.Decimal) error {
	if amount == nil {
		return fmt.Errorf("%s is required", field)
	}
	if err := negotiation.ValidateAmount(*amount); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// SubmitCounterOffer is a carrier's offer on a load
type SubmitCounterOffer struct {
	LoadID      string           `json:"load_id"`
	CarrierID   string           `json:"carrier_id"`
	OfferAmount *decimal.Decimal `json:"offer_amount"`
	Message     string           `json:"message"`
}

func (a *SubmitCounterOffer) Name() string { return ActionSubmitCounterOffer }

func (a *SubmitCounterOffer) Validate() error {
	return firstError(
		required("load_id", a.LoadID),
		required("carrier_id", a.CarrierID),
		checkAmount("offer_amount", a.OfferAmount),
		checkMessage(a.Message),
	)
}

// GetNegotiations lists the negotiations on a load
type GetNegotiations struct {
	LoadID string `json:"load_id"`
}

func (a *GetNegotiations) Name() string    { return ActionGetNegotiations }
func (a *GetNegotiations) Validate() error { return required("load_id", a.LoadID) }

// GetNegotiationHistory reads the offer timeline of a negotiation
type GetNegotiationHistory struct {
	NegotiationID string `json:"negotiation_id"`
}

func (a *GetNegotiationHistory) Name() string    { return ActionGetNegotiationHistory }
func (a *GetNegotiationHistory) Validate() error { return required("negotiation_id", a.NegotiationID) }

// RespondToOffer is the dispatcher's answer to a carrier offer
type RespondToOffer struct {
	NegotiationID string                   `json:"negotiation_id"`
	DispatcherID  string                   `json:"dispatcher_id"`
	ResponseType  negotiation.ResponseType `json:"response_type"`
	CounterAmount *decimal.Decimal         `json:"counter_amount"`
	Message       string                   `json:"message"`
}

func (a *RespondToOffer) Name() string { return ActionRespondToOffer }

func (a *RespondToOffer) Validate() error {
	if err := firstError(
		required("negotiation_id", a.NegotiationID),
		required("dispatcher_id", a.DispatcherID),
		checkMessage(a.Message),
	); err != nil {
		return err
	}
	if !a.ResponseType.Valid() {
		return fmt.Errorf("response_type must be accept, reject or counter")
	}
	if a.ResponseType == negotiation.ResponseCounter {
		return checkAmount("counter_amount", a.CounterAmount)
	}
	if a.CounterAmount != nil {
		return fmt.Errorf("counter_amount is only allowed with response_type counter")
	}
	return nil
}

// GetCarrierNegotiations lists a carrier's negotiations
type GetCarrierNegotiations struct {
	CarrierID string `json:"carrier_id"`
}

func (a *GetCarrierNegotiations) Name() string    { return ActionGetCarrierNegotiations }
func (a *GetCarrierNegotiations) Validate() error { return required("carrier_id", a.CarrierID) }

// ExpressInterest opens a negotiation at the posted rate
type ExpressInterest struct {
	LoadID    string `json:"load_id"`
	CarrierID string `json:"carrier_id"`
	Message   string `json:"message"`
}

func (a *ExpressInterest) Name() string { return ActionExpressInterest }

func (a *ExpressInterest) Validate() error {
	return firstError(
		required("load_id", a.LoadID),
		required("carrier_id", a.CarrierID),
		checkMessage(a.Message),
	)
}

// RespondToCounter is the carrier's answer to a dispatcher counter
type RespondToCounter struct {
	NegotiationID string                   `json:"negotiation_id"`
	CarrierID     string                   `json:"carrier_id"`
	ResponseType  negotiation.ResponseType `json:"response_type"`
	Message       string                   `json:"message"`
}

func (a *RespondToCounter) Name() string { return ActionRespondToCounter }

func (a *RespondToCounter) Validate() error {
	if err := firstError(
		required("negotiation_id", a.NegotiationID),
		required("carrier_id", a.CarrierID),
		checkMessage(a.Message),
	); err != nil {
		return err
	}
	if a.ResponseType != negotiation.ResponseAccept && a.ResponseType != negotiation.ResponseReject {
		return fmt.Errorf("response_type must be accept or reject")
	}
	return nil
}

// CancelNegotiation withdraws a pending negotiation
type CancelNegotiation struct {
	NegotiationID string `json:"negotiation_id"`
	ActorID       string `json:"actor_id"`
}

func (a *CancelNegotiation) Name() string { return ActionCancelNegotiation }

func (a *CancelNegotiation) Validate() error {
	return firstError(
		required("negotiation_id", a.NegotiationID),
		required("actor_id", a.ActorID),
	)
}

// GetNegotiation reads one negotiation
type GetNegotiation struct {
	NegotiationID string `json:"negotiation_id"`
}

func (a *GetNegotiation) Name() string    { return ActionGetNegotiation }
func (a *GetNegotiation) Validate() error { return required("negotiation_id", a.NegotiationID) }

// PostLoad publishes a load
type PostLoad struct {
	DispatcherID     string           `json:"dispatcher_id"`
	ReferenceCode    string           `json:"reference_code"`
	OriginCity       string           `json:"origin_city"`
	OriginState      string           `json:"origin_state"`
	DestinationCity  string           `json:"destination_city"`
	DestinationState string           `json:"destination_state"`
	EquipmentType    string           `json:"equipment_type"`
	WeightLbs        int              `json:"weight_lbs"`
	Commodity        string           `json:"commodity"`
	Hazmat           bool             `json:"hazmat"`
	TeamRequired     bool             `json:"team_required"`
	PickupDate       time.Time        `json:"pickup_date"`
	DeliveryDate     time.Time        `json:"delivery_date"`
	Rate             *decimal.Decimal `json:"rate"`
	Miles            int              `json:"miles"`
}

func (a *PostLoad) Name() string { return ActionPostLoad }

func (a *PostLoad) Validate() error {
	if err := firstError(
		required("dispatcher_id", a.DispatcherID),
		required("origin_city", a.OriginCity),
		required("destination_city", a.DestinationCity),
		required("equipment_type", a.EquipmentType),
		checkAmount("rate", a.Rate),
	); err != nil {
		return err
	}
	if len(a.OriginState) != 2 || len(a.DestinationState) != 2 {
		return fmt.Errorf("origin_state and destination_state must be two letter codes")
	}
	if a.WeightLbs < 0 || a.Miles < 0 {
		return fmt.Errorf("weight_lbs and miles cannot be negative")
	}
	return nil
}

// Load converts the request into a load record
func (a *PostLoad) Load() *models.Load {
	return &models.Load{
		ReferenceCode:    a.ReferenceCode,
		OriginCity:       a.OriginCity,
		OriginState:      a.OriginState,
		DestinationCity:  a.DestinationCity,
		DestinationState: a.DestinationState,
		EquipmentType:    a.EquipmentType,
		WeightLbs:        a.WeightLbs,
		Commodity:        a.Commodity,
		Hazmat:           a.Hazmat,
		TeamRequired:     a.TeamRequired,
		PickupDate:       a.PickupDate.UTC(),
		DeliveryDate:     a.DeliveryDate.UTC(),
		Rate:             *a.Rate,
		Miles:            a.Miles,
		DispatcherID:     a.DispatcherID,
	}
}

// GetLoad reads one load
type GetLoad struct {
	LoadID string `json:"load_id"`
}

func (a *GetLoad) Name() string    { return ActionGetLoad }
func (a *GetLoad) Validate() error { return required("load_id", a.LoadID) }

// GetAvailableLoads lists loads open for offers
type GetAvailableLoads struct{}

func (a *GetAvailableLoads) Name() string    { return ActionGetAvailableLoads }
func (a *GetAvailableLoads) Validate() error { return nil }

// UpdateLoadStatus advances a booked load
type UpdateLoadStatus struct {
	LoadID       string `json:"load_id"`
	DispatcherID string `json:"dispatcher_id"`
	Status       string `json:"status"`
}

func (a *UpdateLoadStatus) Name() string { return ActionUpdateLoadStatus }

func (a *UpdateLoadStatus) Validate() error {
	return firstError(
		required("load_id", a.LoadID),
		required("dispatcher_id", a.DispatcherID),
		required("status", a.Status),
	)
}

// CommitConfirmation records an accepted rate on the ledger
type CommitConfirmation struct {
	NegotiationID string `json:"negotiation_id"`
}

func (a *CommitConfirmation) Name() string    { return ActionCommitConfirmation }
func (a *CommitConfirmation) Validate() error { return required("negotiation_id", a.NegotiationID) }

// GetCarrier reads a carrier profile
type GetCarrier struct {
	CarrierID string `json:"carrier_id"`
}

func (a *GetCarrier) Name() string    { return ActionGetCarrier }
func (a *GetCarrier) Validate() error { return required("carrier_id", a.CarrierID) }
