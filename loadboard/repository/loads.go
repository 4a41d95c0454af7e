package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// loadTransitions lists the status changes a dispatcher may make after booking
var loadTransitions = map[string]string{
	models.LoadBooked:    models.LoadInTransit,
	models.LoadInTransit: models.LoadDelivered,
}

// CreateLoad posts a new load in the available state
func (r *Repository) CreateLoad(ctx context.Context, load *models.Load) (*models.Load, *RepositoryError) {
	dbTx := r.db.WithContext(ctx).Begin()

	var dispatcher models.Dispatcher
	if err := dbTx.Where("dispatcher_id = ?", load.DispatcherID).First(&dispatcher).Error; err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Dispatcher", load.DispatcherID)
		}
		return nil, databaseError("Database error", err)
	}

	load.ID = fmt.Sprintf("LD-%s", uuid.New().String()[:8])
	if load.ReferenceCode == "" {
		load.ReferenceCode = strings.ToUpper(fmt.Sprintf("REF-%s", uuid.New().String()[:6]))
	}
	load.Status = models.LoadAvailable
	load.CarrierID = nil
	load.Version = 1
	load.RatePerMile = nil
	if rpm, ok := negotiation.RatePerMile(load.Rate, load.Miles); ok {
		load.RatePerMile = &rpm
	}

	if err := dbTx.Create(load).Error; err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &RepositoryError{
				Code:    CodeConflict,
				Message: "Reference code already in use",
				Detail:  fmt.Sprintf("Load reference %s already exists", load.ReferenceCode),
			}
		}
		return nil, databaseError("Failed to create load", err)
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, databaseError("Failed to commit transaction", err)
	}

	return load, nil
}

// GetLoad retrieves a load by ID
func (r *Repository) GetLoad(ctx context.Context, loadID string) (*models.Load, *RepositoryError) {
	var load models.Load
	err := r.db.WithContext(ctx).Where("load_id = ?", loadID).First(&load).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Load", loadID)
		}
		return nil, databaseError("Database error", err)
	}
	return &load, nil
}

// ListAvailableLoads returns loads open for offers, soonest pickup first
func (r *Repository) ListAvailableLoads(ctx context.Context) ([]models.Load, *RepositoryError) {
	var loads []models.Load
	err := r.db.WithContext(ctx).
		Where("status = ?", models.LoadAvailable).
		Order("pickup_date ASC").
		Find(&loads).Error
	if err != nil {
		return nil, databaseError("Failed to query loads", err)
	}
	return loads, nil
}

// UpdateLoadStatus moves a booked load along booked -> in_transit -> delivered
func (r *Repository) UpdateLoadStatus(ctx context.Context, loadID, dispatcherID, status string) (*models.Load, *RepositoryError) {
	load, repoErr := r.GetLoad(ctx, loadID)
	if repoErr != nil {
		return nil, repoErr
	}
	if load.DispatcherID != dispatcherID {
		return nil, &RepositoryError{
			Code:    CodeForbidden,
			Message: "Only the posting dispatcher may update this load",
			Detail:  fmt.Sprintf("Load %s belongs to %s", loadID, load.DispatcherID),
		}
	}
	if next, ok := loadTransitions[load.Status]; !ok || next != status {
		return nil, &RepositoryError{
			Code:    CodeConflict,
			Message: "Illegal load status change",
			Detail:  fmt.Sprintf("Load %s cannot move from %s to %s", loadID, load.Status, status),
		}
	}

	res := r.db.WithContext(ctx).Model(&models.Load{}).
		Where("load_id = ? AND version = ?", load.ID, load.Version).
		Updates(map[string]interface{}{
			"status":     status,
			"version":    gorm.Expr("version + 1"),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return nil, databaseError("Failed to update load", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &RepositoryError{
			Code:    CodeConflict,
			Message: "Load was modified concurrently",
			Detail:  "Refresh the load and retry",
		}
	}

	return r.GetLoad(ctx, loadID)
}

// GetCarrier retrieves a carrier profile
func (r *Repository) GetCarrier(ctx context.Context, carrierID string) (*models.Carrier, *RepositoryError) {
	var carrier models.Carrier
	err := r.db.WithContext(ctx).Where("carrier_id = ?", carrierID).First(&carrier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("Carrier", carrierID)
		}
		return nil, databaseError("Database error", err)
	}
	return &carrier, nil
}

// bookLoad assigns the carrier and moves the load to booked. The status guard
// makes a second booking of the same load fail inside its transaction.
func (r *Repository) bookLoad(tx *gorm.DB, loadID, carrierID string) *RepositoryError {
	res := tx.Model(&models.Load{}).
		Where("load_id = ? AND status IN ?", loadID, []string{models.LoadAvailable, models.LoadPending}).
		Updates(map[string]interface{}{
			"status":     models.LoadBooked,
			"carrier_id": carrierID,
			"version":    gorm.Expr("version + 1"),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return databaseError("Failed to book load", res.Error)
	}
	if res.RowsAffected == 0 {
		return &RepositoryError{
			Code:    CodeConflict,
			Message: "Load is no longer available",
			Detail:  fmt.Sprintf("Load %s has already been booked", loadID),
		}
	}
	return nil
}
