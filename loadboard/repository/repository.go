package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Error codes carried by RepositoryError
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeConflict   = "CONFLICT"
	CodeExpired    = "EXPIRED"
	CodeNotFound   = "NOT_FOUND"
	CodeForbidden  = "FORBIDDEN"
	CodeDatabase   = "DATABASE_ERROR"
	CodeLedger     = "LEDGER_ERROR"
)

// RepositoryError represents repository layer errors
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

// Code extracts the RepositoryError code from err, or CodeDatabase for any
// other non-nil error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.Code
	}
	return CodeDatabase
}

// NewValidationError reports malformed or out of range input
func NewValidationError(message string) *RepositoryError {
	return &RepositoryError{Code: CodeValidation, Message: message}
}

func notFound(what, id string) *RepositoryError {
	return &RepositoryError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", what),
		Detail:  fmt.Sprintf("%s %s does not exist", what, id),
	}
}

func databaseError(message string, err error) *RepositoryError {
	return &RepositoryError{
		Code:    CodeDatabase,
		Message: message,
		Detail:  err.Error(),
	}
}

// asRepositoryError turns an error returned from a transaction closure back
// into a RepositoryError.
func asRepositoryError(err error, message string) *RepositoryError {
	if err == nil {
		return nil
	}
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &RepositoryError{
			Code:    CodeConflict,
			Message: "A pending negotiation already exists for this load and carrier",
			Detail:  err.Error(),
		}
	}
	return databaseError(message, err)
}

// Repository handles all database operations for the load board
type Repository struct {
	db     *gorm.DB
	logger logrus.FieldLogger
	clock  func() time.Time
}

// NewRepository creates a new repository instance
func NewRepository(logger logrus.FieldLogger) *Repository {
	return &Repository{
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for expiry and timestamps
func (r *Repository) SetClock(clock func() time.Time) {
	r.clock = clock
}

func (r *Repository) now() time.Time {
	return r.clock().UTC()
}

// ConnectDB establishes a postgres connection and performs migrations
func (r *Repository) ConnectDB(dsn string) error {
	for i := 0; i < 10; i++ {
		r.logger.Infof("Database connection attempt %d...", i+1)
		db, err := gorm.Open(postgres.Open(dsn), GormConfig())
		if err != nil {
			r.logger.WithError(err).Warnf("Connection attempt %d failed", i+1)
			time.Sleep(2 * time.Second)
			continue
		}
		return r.UseDB(db)
	}
	return fmt.Errorf("failed to connect to database after 10 attempts")
}

// ConnectSQLite opens a sqlite database file for single node deployments
func (r *Repository) ConnectSQLite(path string) error {
	db, err := gorm.Open(sqlite.Open(path), GormConfig())
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)
	return r.UseDB(db)
}

// GormConfig is the gorm configuration shared by every dialect. Driver errors
// are translated so a duplicate pending pair surfaces as gorm.ErrDuplicatedKey.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// UseDB adopts an open connection, migrates it and seeds demo data
func (r *Repository) UseDB(db *gorm.DB) error {
	r.db = db
	r.logger.Info("Connected to database")

	if err := r.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	r.Seed()
	return nil
}

// Migrate performs database schema migrations
func (r *Repository) Migrate() error {
	r.logger.Info("Running database migrations...")

	migrator := r.db.Migrator()

	// Order matters due to foreign keys
	tables := []interface{}{
		&models.Dispatcher{},
		&models.Carrier{},
		&models.Load{},
		&models.Negotiation{},
		&models.HistoryEntry{},
	}

	for _, table := range tables {
		if !migrator.HasTable(table) {
			if err := migrator.CreateTable(table); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
	}

	r.logger.Info("Database migrations completed")
	return nil
}

// Seed initializes database with demo directory data
func (r *Repository) Seed() {
	var carrierCount int64
	r.db.Model(&models.Carrier{}).Count(&carrierCount)
	if carrierCount > 0 {
		r.logger.Debug("Seed data already exists, skipping")
		return
	}

	r.logger.Info("Seeding database with demo data...")

	dispatchers := []models.Dispatcher{
		{ID: "DSP-001", Name: "Dana Whitfield", Company: "Lone Star Logistics"},
		{ID: "DSP-002", Name: "Marcus Oyelaran", Company: "Great Lakes Freight"},
	}
	for _, dispatcher := range dispatchers {
		r.db.Create(&dispatcher)
	}

	carriers := []models.Carrier{
		{ID: "CAR-001", LegalName: "Red River Transport LLC", MCNumber: "MC-784512", DOTNumber: "2894561", EquipmentTypes: "dry_van,reefer", Rating: 4.8},
		{ID: "CAR-002", LegalName: "Blue Ridge Carriers Inc", MCNumber: "MC-902341", DOTNumber: "3120987", EquipmentTypes: "flatbed", Rating: 4.5},
		{ID: "CAR-003", LegalName: "Prairie Wind Trucking", MCNumber: "MC-655109", DOTNumber: "2456710", EquipmentTypes: "dry_van", Rating: 4.2},
	}
	for _, carrier := range carriers {
		r.db.Create(&carrier)
	}

	pickup := r.now().Add(48 * time.Hour).Truncate(time.Hour)
	loads := []models.Load{
		{
			ID: "LD-001", ReferenceCode: "LSL-24031", OriginCity: "Dallas", OriginState: "TX",
			DestinationCity: "Atlanta", DestinationState: "GA", EquipmentType: "dry_van",
			WeightLbs: 42000, Commodity: "Packaged beverages", PickupDate: pickup,
			DeliveryDate: pickup.Add(36 * time.Hour), Rate: decimal.NewFromInt(2000), Miles: 800,
			Status: models.LoadAvailable, DispatcherID: "DSP-001",
		},
		{
			ID: "LD-002", ReferenceCode: "GLF-11872", OriginCity: "Chicago", OriginState: "IL",
			DestinationCity: "Denver", DestinationState: "CO", EquipmentType: "reefer",
			WeightLbs: 38000, Commodity: "Frozen produce", PickupDate: pickup,
			DeliveryDate: pickup.Add(30 * time.Hour), Rate: decimal.NewFromInt(3100), Miles: 1003,
			Status: models.LoadAvailable, DispatcherID: "DSP-002",
		},
	}
	for _, load := range loads {
		if rpm, ok := negotiation.RatePerMile(load.Rate, load.Miles); ok {
			load.RatePerMile = &rpm
		}
		r.db.Create(&load)
	}

	r.logger.Info("Database seeding completed")
}
