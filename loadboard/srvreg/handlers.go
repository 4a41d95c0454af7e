package srvreg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/matching"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/sirupsen/logrus"
)

// statusForCode maps a repository error code to an HTTP status
func statusForCode(code string) int {
	switch code {
	case repository.CodeValidation:
		return http.StatusBadRequest
	case repository.CodeNotFound:
		return http.StatusNotFound
	case repository.CodeForbidden:
		return http.StatusForbidden
	case repository.CodeConflict, repository.CodeExpired:
		return http.StatusConflict
	case repository.CodeLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, payload interface{}) *Response {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"success":false,"error":"Failed to encode response","code":"INTERNAL_ERROR"}`)
	}
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

func successResponse(status int, action string, data interface{}) *Response {
	return jsonResponse(status, map[string]interface{}{
		"success": true,
		"action":  action,
		"data":    data,
	})
}

func (sr *ServiceRegistry) errorResponse(action string, err error) *Response {
	code := repository.Code(err)
	message := err.Error()
	var repoErr *repository.RepositoryError
	if errors.As(err, &repoErr) {
		message = repoErr.Message
		if repoErr.Detail != "" && code != repository.CodeDatabase {
			message = repoErr.Message + ": " + repoErr.Detail
		}
	}

	entry := sr.logger.WithFields(logrus.Fields{"action": action, "code": code})
	if code == repository.CodeDatabase || code == repository.CodeLedger {
		entry.WithError(err).Error("Action failed")
	} else {
		entry.Debug(message)
	}

	return jsonResponse(statusForCode(code), map[string]interface{}{
		"success": false,
		"action":  action,
		"error":   message,
		"code":    code,
	})
}

func (sr *ServiceRegistry) validationResponse(action string, err error) *Response {
	return sr.errorResponse(action, repository.NewValidationError(err.Error()))
}

// run validates act, executes it and renders the result
func (sr *ServiceRegistry) run(req *Request, act Action) *Response {
	if err := act.Validate(); err != nil {
		return sr.validationResponse(act.Name(), err)
	}
	status, data, err := sr.execute(req.ctx(), act)
	if err != nil {
		return sr.errorResponse(act.Name(), err)
	}
	return successResponse(status, act.Name(), data)
}

// negotiationResult is the data of every call that moves a negotiation
type negotiationResult struct {
	Negotiation       *models.Negotiation `json:"negotiation"`
	LoadStatus        string              `json:"load_status"`
	CancelledSiblings []string            `json:"cancelled_negotiations,omitempty"`
}

func resultOf(tr *repository.Transition) negotiationResult {
	out := negotiationResult{Negotiation: tr.Negotiation, LoadStatus: tr.LoadStatus}
	for _, sibling := range tr.CancelledSiblings {
		out.CancelledSiblings = append(out.CancelledSiblings, sibling.ID)
	}
	return out
}

// execute dispatches a decoded action to the matching service
func (sr *ServiceRegistry) execute(ctx context.Context, act Action) (int, interface{}, error) {
	switch a := act.(type) {
	case *SubmitCounterOffer:
		tr, err := sr.service.SubmitCounterOffer(ctx, matching.OfferInput{
			LoadID:    a.LoadID,
			CarrierID: a.CarrierID,
			Amount:    *a.OfferAmount,
			Message:   a.Message,
		})
		if err != nil {
			return 0, nil, err
		}
		if tr.Created {
			return http.StatusCreated, tr.Negotiation, nil
		}
		return http.StatusOK, tr.Negotiation, nil

	case *ExpressInterest:
		tr, err := sr.service.ExpressInterest(ctx, a.LoadID, a.CarrierID, a.Message)
		if err != nil {
			return 0, nil, err
		}
		if tr.Created {
			return http.StatusCreated, tr.Negotiation, nil
		}
		return http.StatusOK, tr.Negotiation, nil

	case *RespondToOffer:
		in := matching.ResponseInput{
			NegotiationID: a.NegotiationID,
			ActorID:       a.DispatcherID,
			Response:      a.ResponseType,
			Message:       a.Message,
		}
		if a.CounterAmount != nil {
			in.CounterAmount = *a.CounterAmount
		}
		tr, err := sr.service.RespondToOffer(ctx, in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, resultOf(tr), nil

	case *RespondToCounter:
		tr, err := sr.service.RespondToCounter(ctx, matching.ResponseInput{
			NegotiationID: a.NegotiationID,
			ActorID:       a.CarrierID,
			Response:      a.ResponseType,
			Message:       a.Message,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, resultOf(tr), nil

	case *CancelNegotiation:
		tr, err := sr.service.CancelNegotiation(ctx, a.NegotiationID, a.ActorID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, tr.Negotiation, nil

	case *GetNegotiation:
		n, err := sr.service.GetNegotiation(ctx, a.NegotiationID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, n, nil

	case *GetNegotiations:
		list, err := sr.service.NegotiationsForLoad(ctx, a.LoadID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, list, nil

	case *GetCarrierNegotiations:
		list, err := sr.service.NegotiationsForCarrier(ctx, a.CarrierID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, list, nil

	case *GetNegotiationHistory:
		entries, err := sr.service.History(ctx, a.NegotiationID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, entries, nil

	case *PostLoad:
		load, err := sr.service.PostLoad(ctx, a.Load())
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, load, nil

	case *GetLoad:
		load, err := sr.service.GetLoad(ctx, a.LoadID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, load, nil

	case *GetAvailableLoads:
		loads, err := sr.service.AvailableLoads(ctx)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, loads, nil

	case *UpdateLoadStatus:
		load, err := sr.service.UpdateLoadStatus(ctx, a.LoadID, a.DispatcherID, a.Status)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, load, nil

	case *CommitConfirmation:
		result, err := sr.service.CommitConfirmation(ctx, a.NegotiationID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, result, nil

	case *GetCarrier:
		carrier, err := sr.service.GetCarrier(ctx, a.CarrierID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, carrier, nil
	}

	return 0, nil, repository.NewValidationError("unsupported action " + act.Name())
}

// LoadMatchingHandler serves the action-tagged endpoint
func (sr *ServiceRegistry) LoadMatchingHandler(req *Request) (*Response, error) {
	name, act, err := DecodeAction([]byte(req.Body))
	if err != nil {
		return sr.validationResponse(name, err), nil
	}
	return sr.run(req, act), nil
}

// decodeBody fills act from a REST request body. An empty body is allowed.
func (sr *ServiceRegistry) decodeBody(req *Request, act Action) *Response {
	if strings.TrimSpace(req.Body) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(req.Body), act); err != nil {
		return sr.validationResponse(act.Name(), err)
	}
	return nil
}

// InfoHandler returns node information
func (sr *ServiceRegistry) InfoHandler(req *Request) (*Response, error) {
	actions := make([]string, 0, len(actionFactories))
	for name := range actionFactories {
		actions = append(actions, name)
	}
	sort.Strings(actions)
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"node_id": sr.nodeID,
		"type":    "Load Board Node",
		"status":  "active",
		"routes":  sr.Routes(),
		"actions": actions,
	}), nil
}

// PostLoadHandler creates a load from the request body
func (sr *ServiceRegistry) PostLoadHandler(req *Request) (*Response, error) {
	act := &PostLoad{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	return sr.run(req, act), nil
}

// AvailableLoadsHandler lists loads open for offers
func (sr *ServiceRegistry) AvailableLoadsHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetAvailableLoads{}), nil
}

// GetLoadHandler returns one load
func (sr *ServiceRegistry) GetLoadHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetLoad{LoadID: pathSegment(req.Path, 2)}), nil
}

// LoadNegotiationsHandler lists the negotiations on a load
func (sr *ServiceRegistry) LoadNegotiationsHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetNegotiations{LoadID: pathSegment(req.Path, 2)}), nil
}

// SubmitOfferHandler records a carrier offer on a load
func (sr *ServiceRegistry) SubmitOfferHandler(req *Request) (*Response, error) {
	act := &SubmitCounterOffer{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	act.LoadID = pathSegment(req.Path, 2)
	return sr.run(req, act), nil
}

// ExpressInterestHandler opens a negotiation at the posted rate
func (sr *ServiceRegistry) ExpressInterestHandler(req *Request) (*Response, error) {
	act := &ExpressInterest{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	act.LoadID = pathSegment(req.Path, 2)
	return sr.run(req, act), nil
}

// UpdateLoadStatusHandler advances a booked load
func (sr *ServiceRegistry) UpdateLoadStatusHandler(req *Request) (*Response, error) {
	act := &UpdateLoadStatus{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	act.LoadID = pathSegment(req.Path, 2)
	return sr.run(req, act), nil
}

// GetNegotiationHandler returns one negotiation
func (sr *ServiceRegistry) GetNegotiationHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetNegotiation{NegotiationID: pathSegment(req.Path, 2)}), nil
}

// HistoryHandler returns the offer timeline of a negotiation
func (sr *ServiceRegistry) HistoryHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetNegotiationHistory{NegotiationID: pathSegment(req.Path, 2)}), nil
}

// RespondToOfferHandler applies the dispatcher's response
func (sr *ServiceRegistry) RespondToOfferHandler(req *Request) (*Response, error) {
	act := &RespondToOffer{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	act.NegotiationID = pathSegment(req.Path, 2)
	return sr.run(req, act), nil
}

// RespondToCounterHandler applies the carrier's response to a counter
func (sr *ServiceRegistry) RespondToCounterHandler(req *Request) (*Response, error) {
	act := &RespondToCounter{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	act.NegotiationID = pathSegment(req.Path, 2)
	return sr.run(req, act), nil
}

// CancelNegotiationHandler withdraws a pending negotiation
func (sr *ServiceRegistry) CancelNegotiationHandler(req *Request) (*Response, error) {
	act := &CancelNegotiation{}
	if resp := sr.decodeBody(req, act); resp != nil {
		return resp, nil
	}
	act.NegotiationID = pathSegment(req.Path, 2)
	return sr.run(req, act), nil
}

// CommitConfirmationHandler writes an accepted rate to the ledger
func (sr *ServiceRegistry) CommitConfirmationHandler(req *Request) (*Response, error) {
	return sr.run(req, &CommitConfirmation{NegotiationID: pathSegment(req.Path, 2)}), nil
}

// GetCarrierHandler returns a carrier profile
func (sr *ServiceRegistry) GetCarrierHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetCarrier{CarrierID: pathSegment(req.Path, 2)}), nil
}

// CarrierNegotiationsHandler lists a carrier's negotiations
func (sr *ServiceRegistry) CarrierNegotiationsHandler(req *Request) (*Response, error) {
	return sr.run(req, &GetCarrierNegotiations{CarrierID: pathSegment(req.Path, 2)}), nil
}
