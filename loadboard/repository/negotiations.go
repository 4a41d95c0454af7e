package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transition is the outcome of a call that changed a negotiation
type Transition struct {
	Negotiation       *models.Negotiation
	Event             *negotiation.Event
	Created           bool
	Load              *models.Load
	LoadStatus        string
	CancelledSiblings []models.Negotiation
	// Expired holds the negotiations this call moved to expired. It is set
	// even when the call itself fails because the negotiation was overdue.
	Expired []models.Negotiation
}

func toState(n *models.Negotiation) negotiation.State {
	return negotiation.State{
		Status:         negotiation.Status(n.Status),
		OriginalRate:   n.OriginalRate,
		CurrentOffer:   n.CurrentOffer,
		CurrentOfferBy: negotiation.Party(n.CurrentOfferBy),
		AgreedRate:     n.AgreedRate,
		ExpiresAt:      n.ExpiresAt,
	}
}

// machineError maps a state machine error onto a repository error code
func machineError(err error) *RepositoryError {
	switch {
	case errors.Is(err, negotiation.ErrExpired):
		return &RepositoryError{Code: CodeExpired, Message: "Negotiation has expired", Detail: err.Error()}
	case errors.Is(err, negotiation.ErrNotPending):
		return &RepositoryError{Code: CodeConflict, Message: "Negotiation is already closed", Detail: err.Error()}
	case errors.Is(err, negotiation.ErrNotYourTurn):
		return &RepositoryError{Code: CodeConflict, Message: "Waiting for the other party to respond", Detail: err.Error()}
	default:
		return &RepositoryError{Code: CodeValidation, Message: err.Error()}
	}
}

func expiredError(negotiationID string) *RepositoryError {
	return &RepositoryError{
		Code:    CodeExpired,
		Message: "Negotiation has expired",
		Detail:  fmt.Sprintf("Negotiation %s is no longer open", negotiationID),
	}
}

func forbidden(actorID, negotiationID string) *RepositoryError {
	return &RepositoryError{
		Code:    CodeForbidden,
		Message: "Actor is not a party to this negotiation",
		Detail:  fmt.Sprintf("%s may not act on negotiation %s", actorID, negotiationID),
	}
}

// applyTransition writes next over n with a compare-and-swap on the version
// and pending status that n was read with.
func (r *Repository) applyTransition(tx *gorm.DB, n *models.Negotiation, next negotiation.State, ev *negotiation.Event, now time.Time) *RepositoryError {
	updates := map[string]interface{}{
		"status":           string(next.Status),
		"current_offer":    next.CurrentOffer,
		"current_offer_by": string(next.CurrentOfferBy),
		"agreed_rate":      next.AgreedRate,
		"version":          gorm.Expr("version + 1"),
		"updated_at":       now,
	}
	if ev != nil && ev.Message != "" {
		if ev.By == negotiation.PartyCarrier {
			updates["carrier_message"] = ev.Message
		} else {
			updates["dispatcher_message"] = ev.Message
		}
	}

	res := tx.Model(&models.Negotiation{}).
		Where("negotiation_id = ? AND version = ? AND status = ?", n.ID, n.Version, string(negotiation.StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return databaseError("Failed to update negotiation", res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    CodeConflict,
			Message: "Negotiation was modified concurrently",
			Detail:  fmt.Sprintf("Negotiation %s changed since version %d", n.ID, n.Version),
		}
	}

	n.Status = string(next.Status)
	n.CurrentOffer = next.CurrentOffer
	n.CurrentOfferBy = string(next.CurrentOfferBy)
	n.AgreedRate = next.AgreedRate
	n.Version++
	n.UpdatedAt = now
	n.Derive()
	if msg, ok := updates["carrier_message"]; ok {
		n.CarrierMessage = msg.(string)
	}
	if msg, ok := updates["dispatcher_message"]; ok {
		n.DispatcherMessage = msg.(string)
	}
	return nil
}

// appendHistory adds one immutable entry for ev to the negotiation ledger
func (r *Repository) appendHistory(tx *gorm.DB, negotiationID string, miles int, ev negotiation.Event, now time.Time) *RepositoryError {
	entry := models.HistoryEntry{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		NegotiationID: negotiationID,
		OfferAmount:   ev.Amount,
		OfferedBy:     string(ev.By),
		OfferType:     string(ev.Type),
		Message:       ev.Message,
		CreatedAt:     now,
	}
	if rpm, ok := negotiation.RatePerMile(ev.Amount, miles); ok {
		entry.RatePerMile = &rpm
	}
	if err := tx.Create(&entry).Error; err != nil {
		return databaseError("Failed to record negotiation history", err)
	}
	return nil
}

// settleExpiry moves n to expired when it is overdue and reports whether it
// did.
func (r *Repository) settleExpiry(tx *gorm.DB, n *models.Negotiation, now time.Time) (bool, *RepositoryError) {
	next, changed := toState(n).Expire(now)
	if !changed {
		return false, nil
	}
	if repoErr := r.applyTransition(tx, n, next, nil, now); repoErr != nil {
		return false, repoErr
	}
	r.logger.WithFields(logrus.Fields{
		"negotiation_id": n.ID,
		"load_id":        n.LoadID,
	}).Info("Negotiation expired")
	return true, nil
}

// refresh applies lazy expiry to a negotiation read outside a transaction. A
// lost race means someone else already moved it, so the row is re-read.
func (r *Repository) refresh(ctx context.Context, n *models.Negotiation) *RepositoryError {
	_, repoErr := r.settleExpiry(r.db.WithContext(ctx), n, r.now())
	if repoErr == nil {
		return nil
	}
	if repoErr.Code != CodeConflict {
		return repoErr
	}
	if err := r.db.WithContext(ctx).Where("negotiation_id = ?", n.ID).First(n).Error; err != nil {
		return databaseError("Database error", err)
	}
	return nil
}

func (r *Repository) findNegotiation(tx *gorm.DB, negotiationID string) (*models.Negotiation, *RepositoryError) {
	var n models.Negotiation
	if err := tx.Where("negotiation_id = ?", negotiationID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Negotiation", negotiationID)
		}
		return nil, databaseError("Database error", err)
	}
	return &n, nil
}

func (r *Repository) findLoad(tx *gorm.DB, loadID string) (*models.Load, *RepositoryError) {
	var load models.Load
	if err := tx.Where("load_id = ?", loadID).First(&load).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Load", loadID)
		}
		return nil, databaseError("Database error", err)
	}
	return &load, nil
}

func lockedLoad(tx *gorm.DB, loadID string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("load_id = ?", loadID)
}

// lockLoad reads a load holding its row lock until tx ends. Every
// negotiation transition takes this lock first, so transitions on one load
// run one at a time.
func (r *Repository) lockLoad(tx *gorm.DB, loadID string) (*models.Load, *RepositoryError) {
	var load models.Load
	if err := lockedLoad(tx, loadID).First(&load).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Load", loadID)
		}
		return nil, databaseError("Database error", err)
	}
	return &load, nil
}

// lockNegotiation locks the negotiation's load, then reads the negotiation
// again since it may have moved while waiting for the lock.
func (r *Repository) lockNegotiation(tx *gorm.DB, negotiationID string) (*models.Negotiation, *models.Load, *RepositoryError) {
	n, repoErr := r.findNegotiation(tx, negotiationID)
	if repoErr != nil {
		return nil, nil, repoErr
	}
	load, repoErr := r.lockLoad(tx, n.LoadID)
	if repoErr != nil {
		return nil, nil, repoErr
	}
	n, repoErr = r.findNegotiation(tx, negotiationID)
	if repoErr != nil {
		return nil, nil, repoErr
	}
	return n, load, nil
}

// settleOverdue expires n when it is overdue. When that happens the expiry is
// committed and the returned error is EXPIRED; the caller must not use tx
// afterwards in that case.
func (r *Repository) settleOverdue(tx *gorm.DB, n *models.Negotiation, load *models.Load, now time.Time) (*Transition, *RepositoryError) {
	moved, repoErr := r.settleExpiry(tx, n, now)
	if repoErr != nil {
		tx.Rollback()
		return nil, repoErr
	}
	if moved {
		if err := tx.Commit().Error; err != nil {
			return nil, databaseError("Failed to commit transaction", err)
		}
		return &Transition{Negotiation: n, Load: load, LoadStatus: load.Status, Expired: []models.Negotiation{*n}}, expiredError(n.ID)
	}
	if n.Status == string(negotiation.StatusExpired) {
		tx.Rollback()
		return nil, expiredError(n.ID)
	}
	return nil, nil
}

// OpenOrCounter records a carrier offer on a load. It advances the carrier's
// pending negotiation when one exists and otherwise opens a new one.
func (r *Repository) OpenOrCounter(ctx context.Context, loadID, carrierID string, amount decimal.Decimal, message string, ttl time.Duration) (*Transition, *RepositoryError) {
	if err := negotiation.ValidateAmount(amount); err != nil {
		return nil, machineError(err)
	}
	now := r.now()

	dbTx := r.db.WithContext(ctx).Begin()

	load, repoErr := r.lockLoad(dbTx, loadID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}

	var stale []models.Negotiation
	var existing models.Negotiation
	err := dbTx.Where("load_id = ? AND carrier_id = ? AND status = ?", loadID, carrierID, string(negotiation.StatusPending)).
		First(&existing).Error
	switch {
	case err == nil:
		expired, repoErr := r.settleExpiry(dbTx, &existing, now)
		if repoErr != nil {
			dbTx.Rollback()
			return nil, repoErr
		}
		if !expired {
			next, ev, err := toState(&existing).Counter(negotiation.PartyCarrier, amount, now, message)
			if err != nil {
				dbTx.Rollback()
				return nil, machineError(err)
			}
			if repoErr := r.applyTransition(dbTx, &existing, next, &ev, now); repoErr != nil {
				dbTx.Rollback()
				return nil, repoErr
			}
			if repoErr := r.appendHistory(dbTx, existing.ID, load.Miles, ev, now); repoErr != nil {
				dbTx.Rollback()
				return nil, repoErr
			}
			if err := dbTx.Commit().Error; err != nil {
				return nil, databaseError("Failed to commit transaction", err)
			}
			return &Transition{Negotiation: &existing, Event: &ev, Load: load, LoadStatus: load.Status}, nil
		}
		// the stale negotiation is closed; fall through and open a fresh one
		stale = append(stale, existing)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		dbTx.Rollback()
		return nil, databaseError("Database error", err)
	}

	var carrier models.Carrier
	if err := dbTx.Where("carrier_id = ?", carrierID).First(&carrier).Error; err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Carrier", carrierID)
		}
		return nil, databaseError("Database error", err)
	}

	if load.Status != models.LoadAvailable && load.Status != models.LoadPending {
		dbTx.Rollback()
		return nil, &RepositoryError{
			Code:    CodeConflict,
			Message: "Load is not open for offers",
			Detail:  fmt.Sprintf("Load %s is %s", load.ID, load.Status),
		}
	}

	state, ev, err := negotiation.Open(load.Rate, amount, now.Add(ttl), message)
	if err != nil {
		dbTx.Rollback()
		return nil, machineError(err)
	}

	neg := &models.Negotiation{
		ID:             fmt.Sprintf("NEG-%s", uuid.New().String()[:8]),
		LoadID:         load.ID,
		CarrierID:      carrierID,
		OriginalRate:   state.OriginalRate,
		CurrentOffer:   state.CurrentOffer,
		CurrentOfferBy: string(state.CurrentOfferBy),
		Status:         string(state.Status),
		ExpiresAt:      state.ExpiresAt,
		CarrierMessage: message,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := dbTx.Create(neg).Error; err != nil {
		dbTx.Rollback()
		return nil, asRepositoryError(err, "Failed to create negotiation")
	}
	neg.Derive()
	if repoErr := r.appendHistory(dbTx, neg.ID, load.Miles, ev, now); repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, asRepositoryError(err, "Failed to commit transaction")
	}

	return &Transition{Negotiation: neg, Event: &ev, Created: true, Load: load, LoadStatus: load.Status, Expired: stale}, nil
}

// Respond applies an accept, reject or counter from by against the other
// party's outstanding offer. actorID must be the negotiation's carrier or the
// dispatcher that posted the load, matching by. Accepting books the load and
// cancels every other pending negotiation on it in the same transaction.
func (r *Repository) Respond(
	ctx context.Context,
	negotiationID string,
	by negotiation.Party,
	actorID string,
	response negotiation.ResponseType,
	counterAmount decimal.Decimal,
	message string,
) (*Transition, *RepositoryError) {
	if !response.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown response type %q", response))
	}
	if response == negotiation.ResponseCounter {
		if err := negotiation.ValidateAmount(counterAmount); err != nil {
			return nil, machineError(err)
		}
	}
	now := r.now()

	dbTx := r.db.WithContext(ctx).Begin()

	n, load, repoErr := r.lockNegotiation(dbTx, negotiationID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}

	switch by {
	case negotiation.PartyDispatcher:
		if load.DispatcherID != actorID {
			dbTx.Rollback()
			return nil, forbidden(actorID, n.ID)
		}
	case negotiation.PartyCarrier:
		if n.CarrierID != actorID {
			dbTx.Rollback()
			return nil, forbidden(actorID, n.ID)
		}
	default:
		dbTx.Rollback()
		return nil, machineError(negotiation.ErrInvalidParty)
	}

	if tr, repoErr := r.settleOverdue(dbTx, n, load, now); repoErr != nil {
		return tr, repoErr
	}

	next, ev, err := toState(n).Respond(by, response, counterAmount, now, message)
	if err != nil {
		dbTx.Rollback()
		return nil, machineError(err)
	}
	if repoErr := r.applyTransition(dbTx, n, next, &ev, now); repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}
	if repoErr := r.appendHistory(dbTx, n.ID, load.Miles, ev, now); repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}

	result := &Transition{Negotiation: n, Event: &ev, Load: load, LoadStatus: load.Status}

	if next.Status == negotiation.StatusAccepted {
		if repoErr := r.bookLoad(dbTx, load.ID, n.CarrierID); repoErr != nil {
			dbTx.Rollback()
			return nil, repoErr
		}
		siblings, repoErr := r.cancelSiblings(dbTx, load.ID, n.ID, now)
		if repoErr != nil {
			dbTx.Rollback()
			return nil, repoErr
		}
		load.Status = models.LoadBooked
		load.CarrierID = &n.CarrierID
		load.Version++
		result.LoadStatus = load.Status
		result.CancelledSiblings = siblings
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, databaseError("Failed to commit transaction", err)
	}

	return result, nil
}

// cancelSiblings cancels every other pending negotiation on a booked load
func (r *Repository) cancelSiblings(tx *gorm.DB, loadID, keepID string, now time.Time) ([]models.Negotiation, *RepositoryError) {
	var siblings []models.Negotiation
	err := tx.Where("load_id = ? AND negotiation_id <> ? AND status = ?", loadID, keepID, string(negotiation.StatusPending)).
		Find(&siblings).Error
	if err != nil {
		return nil, databaseError("Failed to query sibling negotiations", err)
	}
	if len(siblings) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(siblings))
	for _, s := range siblings {
		ids = append(ids, s.ID)
	}
	err = tx.Model(&models.Negotiation{}).
		Where("negotiation_id IN ? AND status = ?", ids, string(negotiation.StatusPending)).
		Updates(map[string]interface{}{
			"status":     string(negotiation.StatusCancelled),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, databaseError("Failed to cancel sibling negotiations", err)
	}

	for i := range siblings {
		siblings[i].Status = string(negotiation.StatusCancelled)
		siblings[i].Version++
		siblings[i].UpdatedAt = now
	}
	return siblings, nil
}

// Cancel withdraws a pending negotiation on behalf of its carrier or the
// dispatcher that posted the load. No history entry is written.
func (r *Repository) Cancel(ctx context.Context, negotiationID, actorID string) (*Transition, *RepositoryError) {
	now := r.now()

	dbTx := r.db.WithContext(ctx).Begin()

	n, load, repoErr := r.lockNegotiation(dbTx, negotiationID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}
	if actorID != n.CarrierID && actorID != load.DispatcherID {
		dbTx.Rollback()
		return nil, forbidden(actorID, n.ID)
	}

	if tr, repoErr := r.settleOverdue(dbTx, n, load, now); repoErr != nil {
		return tr, repoErr
	}

	next, err := toState(n).Cancel(now)
	if err != nil {
		dbTx.Rollback()
		return nil, machineError(err)
	}
	if repoErr := r.applyTransition(dbTx, n, next, nil, now); repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, databaseError("Failed to commit transaction", err)
	}

	return &Transition{Negotiation: n, Load: load, LoadStatus: load.Status}, nil
}

// GetNegotiation retrieves a negotiation, expiring it first when overdue
func (r *Repository) GetNegotiation(ctx context.Context, negotiationID string) (*models.Negotiation, *RepositoryError) {
	n, repoErr := r.findNegotiation(r.db.WithContext(ctx), negotiationID)
	if repoErr != nil {
		return nil, repoErr
	}
	if repoErr := r.refresh(ctx, n); repoErr != nil {
		return nil, repoErr
	}
	return n, nil
}

// ListByLoad returns every negotiation on a load, newest first
func (r *Repository) ListByLoad(ctx context.Context, loadID string) ([]models.Negotiation, *RepositoryError) {
	if _, repoErr := r.findLoad(r.db.WithContext(ctx), loadID); repoErr != nil {
		return nil, repoErr
	}
	return r.listNegotiations(ctx, "load_id = ?", loadID)
}

// ListByCarrier returns every negotiation a carrier takes part in, newest first
func (r *Repository) ListByCarrier(ctx context.Context, carrierID string) ([]models.Negotiation, *RepositoryError) {
	if _, repoErr := r.GetCarrier(ctx, carrierID); repoErr != nil {
		return nil, repoErr
	}
	return r.listNegotiations(ctx, "carrier_id = ?", carrierID)
}

func (r *Repository) listNegotiations(ctx context.Context, query string, arg string) ([]models.Negotiation, *RepositoryError) {
	var negotiations []models.Negotiation
	err := r.db.WithContext(ctx).
		Preload("Load").
		Where(query, arg).
		Order("created_at DESC").
		Order("negotiation_id ASC").
		Find(&negotiations).Error
	if err != nil {
		return nil, databaseError("Failed to query negotiations", err)
	}
	for i := range negotiations {
		if repoErr := r.refresh(ctx, &negotiations[i]); repoErr != nil {
			return nil, repoErr
		}
	}
	return negotiations, nil
}

// History returns the negotiation ledger in chronological order
func (r *Repository) History(ctx context.Context, negotiationID string) ([]models.HistoryEntry, *RepositoryError) {
	if _, repoErr := r.findNegotiation(r.db.WithContext(ctx), negotiationID); repoErr != nil {
		return nil, repoErr
	}

	var entries []models.HistoryEntry
	err := r.db.WithContext(ctx).
		Where("negotiation_id = ?", negotiationID).
		Order("created_at ASC").
		Order("history_id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, databaseError("Failed to query negotiation history", err)
	}
	return entries, nil
}

// ExpireOverdue expires every pending negotiation past its deadline and
// returns the ones it moved.
func (r *Repository) ExpireOverdue(ctx context.Context) ([]models.Negotiation, *RepositoryError) {
	now := r.now()

	var overdue []models.Negotiation
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(negotiation.StatusPending), now).
		Find(&overdue).Error
	if err != nil {
		return nil, databaseError("Failed to query overdue negotiations", err)
	}

	expired := make([]models.Negotiation, 0, len(overdue))
	for i := range overdue {
		n := &overdue[i]
		changed, repoErr := r.settleExpiry(r.db.WithContext(ctx), n, now)
		if repoErr != nil {
			if repoErr.Code == CodeConflict {
				continue
			}
			return expired, repoErr
		}
		if changed {
			expired = append(expired, *n)
		}
	}
	return expired, nil
}

// RecordLedgerCommit stores the ledger transaction that confirmed an accepted
// negotiation. A negotiation is committed at most once.
func (r *Repository) RecordLedgerCommit(ctx context.Context, negotiationID, txHash string, height int64) (*models.Negotiation, *RepositoryError) {
	res := r.db.WithContext(ctx).Model(&models.Negotiation{}).
		Where("negotiation_id = ? AND status = ? AND ledger_tx_hash IS NULL", negotiationID, string(negotiation.StatusAccepted)).
		Updates(map[string]interface{}{
			"ledger_tx_hash":      txHash,
			"ledger_block_height": height,
			"updated_at":          r.now(),
		})
	if res.Error != nil {
		return nil, databaseError("Failed to record ledger commit", res.Error)
	}
	if res.RowsAffected == 0 {
		n, repoErr := r.findNegotiation(r.db.WithContext(ctx), negotiationID)
		if repoErr != nil {
			return nil, repoErr
		}
		detail := fmt.Sprintf("Negotiation %s is %s", n.ID, n.Status)
		if n.LedgerTxHash != nil {
			detail = fmt.Sprintf("Negotiation %s is already committed in tx %s", n.ID, *n.LedgerTxHash)
		}
		return nil, &RepositoryError{
			Code:    CodeConflict,
			Message: "Negotiation cannot be committed",
			Detail:  detail,
		}
	}
	return r.GetNegotiation(ctx, negotiationID)
}
