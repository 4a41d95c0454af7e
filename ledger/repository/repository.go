package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/ledger/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgreSQL error codes
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// Error codes carried by RepositoryError
const (
	CodeInvalidConfirmation = "INVALID_CONFIRMATION"
	CodeSourceNotRegistered = "SOURCE_NOT_REGISTERED"
	CodeConfirmationExists  = "CONFIRMATION_EXISTS"
	CodeNotFound            = "NOT_FOUND"
	CodeSerialization       = "SERIALIZATION_ERROR"
	CodeConsensusTimeout    = "CONSENSUS_TIMEOUT"
	CodeConsensusError      = "CONSENSUS_ERROR"
	CodeDatabase            = "DATABASE_ERROR"
)

// Confirmation statuses
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

// ConsensusResult contains the result of BFT consensus
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
}

// RepositoryError represents repository layer errors
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// ConfirmationRequest is a rate confirmation sent by a load board node
type ConfirmationRequest struct {
	NegotiationID string          `json:"negotiation_id"`
	LoadID        string          `json:"load_id"`
	ReferenceCode string          `json:"reference_code"`
	CarrierID     string          `json:"carrier_id"`
	DispatcherID  string          `json:"dispatcher_id"`
	OriginalRate  decimal.Decimal `json:"original_rate"`
	AgreedRate    decimal.Decimal `json:"agreed_rate"`
	Origin        string          `json:"origin"`
	Destination   string          `json:"destination"`
	EquipmentType string          `json:"equipment_type"`
	Miles         int             `json:"miles"`
	OfferCount    int             `json:"offer_count"`
	HistoryDigest string          `json:"history_digest"`
	AgreedAt      time.Time       `json:"agreed_at"`
	SourceNodeID  string          `json:"source_node_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Validate checks the fields every ledger node requires before a
// confirmation may enter a block
func (c *ConfirmationRequest) Validate() error {
	var missing []string
	for field, value := range map[string]string{
		"negotiation_id": c.NegotiationID,
		"load_id":        c.LoadID,
		"carrier_id":     c.CarrierID,
		"dispatcher_id":  c.DispatcherID,
		"source_node_id": c.SourceNodeID,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !c.AgreedRate.IsPositive() {
		return fmt.Errorf("agreed_rate must be positive")
	}
	if c.OfferCount < 1 {
		return fmt.Errorf("offer_count must be at least 1")
	}
	if digest, err := hex.DecodeString(c.HistoryDigest); err != nil || len(digest) != 32 {
		return fmt.Errorf("history_digest must be a hex encoded sha256")
	}
	if c.AgreedAt.IsZero() {
		return fmt.Errorf("agreed_at is required")
	}
	return nil
}

// Broadcaster submits a transaction and waits for it to be committed.
// The local CometBFT RPC client satisfies it.
type Broadcaster interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
}

type Repository struct {
	db               *gorm.DB
	rpcClient        Broadcaster
	logger           cmtlog.Logger
	consensusTimeout time.Duration
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{
		logger:           logger,
		consensusTimeout: 30 * time.Second,
	}
}

// ConnectDB establishes database connection and performs migrations
func (r *Repository) ConnectDB(dsn string) error {
	for i := range 10 {
		r.logger.Info("Database connection attempt", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err != nil {
			r.logger.Error("Database connection attempt failed", "attempt", i+1, "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		return r.UseDB(db)
	}
	return fmt.Errorf("failed to connect to database after 10 attempts")
}

// UseDB adopts an open connection, migrates it and seeds source nodes
func (r *Repository) UseDB(db *gorm.DB) error {
	r.db = db
	if err := r.Migrate(); err != nil {
		return err
	}
	r.Seed()
	r.logger.Info("Connected to DB and completed setup")
	return nil
}

// Migrate performs database schema migrations
func (r *Repository) Migrate() error {
	migrator := r.db.Migrator()

	// Confirmation must exist before Transaction references it
	tables := []struct {
		name  string
		model interface{}
	}{
		{"SourceNode", &models.SourceNode{}},
		{"Confirmation", &models.Confirmation{}},
		{"Transaction", &models.Transaction{}},
	}
	for _, table := range tables {
		if migrator.HasTable(table.model) {
			r.logger.Debug("Table already exists", "table", table.name)
			continue
		}
		if err := migrator.CreateTable(table.model); err != nil {
			return fmt.Errorf("creating %s table: %w", table.name, err)
		}
		r.logger.Info("Table created", "table", table.name)
	}

	r.logger.Info("Database migration completed successfully")
	return nil
}

// Seed registers the demo load board nodes
func (r *Repository) Seed() {
	var nodeCount int64
	r.db.Model(&models.SourceNode{}).Count(&nodeCount)
	if nodeCount > 0 {
		r.logger.Debug("Seed data already exists, skipping")
		return
	}

	nodes := []models.SourceNode{
		{NodeID: "loadboard-1", Operator: "Lone Star Logistics", Status: "active"},
		{NodeID: "loadboard-2", Operator: "Great Lakes Freight", Status: "active"},
	}
	for _, node := range nodes {
		if err := r.db.Create(&node).Error; err != nil {
			r.logger.Error("Error creating source node", "node_id", node.NodeID, "err", err)
		}
	}
	r.logger.Info("Database seeding completed successfully")
}

// SetupRpcClient configures the client used to reach BFT consensus
func (r *Repository) SetupRpcClient(rpcClient Broadcaster) {
	r.rpcClient = rpcClient
}

// SetConsensusTimeout bounds how long a confirmation waits for its block
func (r *Repository) SetConsensusTimeout(timeout time.Duration) {
	r.consensusTimeout = timeout
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
}

func databaseError(message string, err error) *RepositoryError {
	return &RepositoryError{Code: CodeDatabase, Message: message, Detail: err.Error()}
}

// ReceiveConfirmation records a confirmation, runs it through consensus and
// stores the resulting transaction. A negotiation can be confirmed once.
func (r *Repository) ReceiveConfirmation(ctx context.Context, req *ConfirmationRequest) (*models.Transaction, *RepositoryError) {
	if err := req.Validate(); err != nil {
		return nil, &RepositoryError{
			Code:    CodeInvalidConfirmation,
			Message: "Invalid confirmation",
			Detail:  err.Error(),
		}
	}

	dbTx := r.db.WithContext(ctx).Begin()
	if dbTx.Error != nil {
		return nil, databaseError("Failed to start transaction", dbTx.Error)
	}

	// Verify the submitting node is registered
	var node models.SourceNode
	err := dbTx.Where("node_id = ? AND status = ?", req.SourceNodeID, "active").First(&node).Error
	if err != nil {
		dbTx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    CodeSourceNotRegistered,
				Message: "Unknown source node",
				Detail:  fmt.Sprintf("Node %s is not registered with the ledger", req.SourceNodeID),
			}
		}
		return nil, databaseError("Database error", err)
	}

	confirmation := models.Confirmation{
		NegotiationID: req.NegotiationID,
		LoadID:        req.LoadID,
		ReferenceCode: req.ReferenceCode,
		CarrierID:     req.CarrierID,
		DispatcherID:  req.DispatcherID,
		OriginalRate:  req.OriginalRate,
		AgreedRate:    req.AgreedRate,
		Origin:        req.Origin,
		Destination:   req.Destination,
		EquipmentType: req.EquipmentType,
		Miles:         req.Miles,
		OfferCount:    req.OfferCount,
		HistoryDigest: strings.ToLower(req.HistoryDigest),
		AgreedAt:      req.AgreedAt.UTC(),
		SourceNodeID:  req.SourceNodeID,
		Status:        StatusPending,
	}

	err = dbTx.Create(&confirmation).Error
	if err != nil {
		dbTx.Rollback()
		if isUniqueViolation(err) {
			return nil, &RepositoryError{
				Code:    CodeConfirmationExists,
				Message: "Confirmation already exists",
				Detail:  fmt.Sprintf("Negotiation %s already confirmed", req.NegotiationID),
			}
		}
		return nil, databaseError("Failed to create confirmation", err)
	}

	err = dbTx.Commit().Error
	if err != nil {
		return nil, databaseError("Failed to commit database transaction", err)
	}

	consensusCtx, cancel := context.WithTimeout(ctx, r.consensusTimeout)
	defer cancel()

	consensusResult, repoErr := r.RunConsensus(consensusCtx, req)
	if repoErr != nil {
		// Release the negotiation so it can be submitted again
		r.db.Delete(&confirmation)
		return nil, repoErr
	}

	dbTx = r.db.WithContext(ctx).Begin()

	err = dbTx.Model(&confirmation).Updates(map[string]interface{}{
		"tx_hash": consensusResult.TxHash,
		"status":  StatusConfirmed,
	}).Error
	if err != nil {
		dbTx.Rollback()
		return nil, databaseError("Failed to update confirmation with tx hash", err)
	}

	transaction := models.Transaction{
		TxHash:        consensusResult.TxHash,
		NegotiationID: req.NegotiationID,
		SourceNodeID:  req.SourceNodeID,
		BlockHeight:   consensusResult.BlockHeight,
		Status:        StatusConfirmed,
		Timestamp:     time.Now().UTC(),
	}

	err = dbTx.Create(&transaction).Error
	if err != nil {
		dbTx.Rollback()
		return nil, databaseError("Failed to create transaction record", err)
	}

	err = dbTx.Commit().Error
	if err != nil {
		return nil, databaseError("Failed to commit final transaction", err)
	}

	r.logger.Info("Confirmation committed",
		"negotiation_id", req.NegotiationID,
		"tx_hash", transaction.TxHash,
		"height", transaction.BlockHeight,
	)
	return &transaction, nil
}

// RunConsensus submits a confirmation to BFT consensus
func (r *Repository) RunConsensus(ctx context.Context, req *ConfirmationRequest) (*ConsensusResult, *RepositoryError) {
	if r.rpcClient == nil {
		return nil, &RepositoryError{
			Code:    CodeConsensusError,
			Message: "Consensus client is not configured",
		}
	}

	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return nil, &RepositoryError{
			Code:    CodeSerialization,
			Message: "Failed to serialize consensus payload",
			Detail:  err.Error(),
		}
	}

	type broadcastResult struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}
	done := make(chan broadcastResult, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, cmttypes.Tx(payloadBytes))
		done <- broadcastResult{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    CodeConsensusTimeout,
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case res := <-done:
		if res.err != nil {
			return nil, &RepositoryError{
				Code:    CodeConsensusError,
				Message: "Failed to commit to blockchain",
				Detail:  res.err.Error(),
			}
		}
		if res.result.CheckTx.Code != 0 {
			return nil, &RepositoryError{
				Code:    CodeConsensusError,
				Message: "Blockchain rejected transaction",
				Detail:  fmt.Sprintf("CheckTx code %d: %s", res.result.CheckTx.Code, res.result.CheckTx.Log),
			}
		}
		if res.result.TxResult.Code != 0 {
			return nil, &RepositoryError{
				Code:    CodeConsensusError,
				Message: "Blockchain rejected transaction",
				Detail:  fmt.Sprintf("FinalizeBlock code %d: %s", res.result.TxResult.Code, res.result.TxResult.Log),
			}
		}

		return &ConsensusResult{
			TxHash:      hex.EncodeToString(res.result.Hash),
			BlockHeight: res.result.Height,
			Code:        res.result.CheckTx.Code,
		}, nil
	}
}

// GetConfirmation retrieves one confirmation by negotiation id
func (r *Repository) GetConfirmation(ctx context.Context, negotiationID string) (*models.Confirmation, *RepositoryError) {
	var confirmation models.Confirmation
	err := r.db.WithContext(ctx).Preload("Transaction").
		Where("negotiation_id = ?", negotiationID).First(&confirmation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    CodeNotFound,
				Message: "Confirmation not found",
				Detail:  fmt.Sprintf("No confirmation for negotiation %s", negotiationID),
			}
		}
		return nil, databaseError("Failed to query confirmation", err)
	}
	return &confirmation, nil
}

// GetConfirmationsByLoad retrieves every confirmation recorded for a load
func (r *Repository) GetConfirmationsByLoad(ctx context.Context, loadID string) ([]models.Confirmation, *RepositoryError) {
	return r.listConfirmations(ctx, "load_id = ?", loadID)
}

// GetConfirmationsByCarrier retrieves every confirmation a carrier agreed to
func (r *Repository) GetConfirmationsByCarrier(ctx context.Context, carrierID string) ([]models.Confirmation, *RepositoryError) {
	return r.listConfirmations(ctx, "carrier_id = ?", carrierID)
}

func (r *Repository) listConfirmations(ctx context.Context, where string, arg string) ([]models.Confirmation, *RepositoryError) {
	confirmations := []models.Confirmation{}
	err := r.db.WithContext(ctx).Preload("Transaction").
		Where(where, arg).Where("status = ?", StatusConfirmed).
		Order("agreed_at ASC").Order("negotiation_id ASC").
		Find(&confirmations).Error
	if err != nil {
		return nil, databaseError("Failed to query confirmations", err)
	}
	return confirmations, nil
}

// GetTransactionByHash retrieves a transaction by hash
func (r *Repository) GetTransactionByHash(ctx context.Context, txHash string) (*models.Transaction, *RepositoryError) {
	var transaction models.Transaction
	err := r.db.WithContext(ctx).Preload("Confirmation").
		Where("tx_hash = ?", strings.ToLower(txHash)).First(&transaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    CodeNotFound,
				Message: "Transaction not found",
				Detail:  fmt.Sprintf("Transaction with hash %s not found", txHash),
			}
		}
		return nil, databaseError("Failed to query transaction", err)
	}
	return &transaction, nil
}

// GetSourceNodes lists the registered load board nodes
func (r *Repository) GetSourceNodes(ctx context.Context) ([]models.SourceNode, *RepositoryError) {
	nodes := []models.SourceNode{}
	if err := r.db.WithContext(ctx).Order("node_id ASC").Find(&nodes).Error; err != nil {
		return nil, databaseError("Failed to query source nodes", err)
	}
	return nodes, nil
}

// CountConfirmations returns how many confirmations are committed
func (r *Repository) CountConfirmations(ctx context.Context) (int64, *RepositoryError) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Confirmation{}).
		Where("status = ?", StatusConfirmed).Count(&count).Error
	if err != nil {
		return 0, databaseError("Failed to count confirmations", err)
	}
	return count, nil
}
