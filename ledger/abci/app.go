package abci

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ahmadzakiakmal/freight-negotiation/ledger/repository"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// Result codes returned by CheckTx and FinalizeBlock
const (
	CodeOK uint32 = iota
	CodeMalformed
	CodeInvalid
	CodeDuplicate
	CodeStorage
)

var (
	keyLastBlockHeight  = []byte("last_block_height")
	keyLastBlockAppHash = []byte("last_block_app_hash")
)

func confirmationKey(negotiationID string) []byte {
	return []byte("confirmation:" + negotiationID)
}

func loadIndexKey(loadID, negotiationID string) []byte {
	return []byte(fmt.Sprintf("load:%s:negotiation:%s", loadID, negotiationID))
}

func carrierIndexKey(carrierID, negotiationID string) []byte {
	return []byte(fmt.Sprintf("carrier:%s:negotiation:%s", carrierID, negotiationID))
}

var _ abcitypes.Application = (*Application)(nil)

// Application implements the ABCI interface for the rate-confirmation ledger
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
}

// AppConfig contains configuration for the ledger application
type AppConfig struct {
	NodeID    string
	LogAllTxs bool
}

// NewABCIApplication creates a new ledger ABCI application
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		nodeID:   config.NodeID,
		config:   config,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.nodeID = id
}

func (app *Application) NodeID() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.nodeID
}

// decodeConfirmation parses and validates a transaction
func decodeConfirmation(txBytes []byte) (*repository.ConfirmationRequest, uint32, error) {
	var conf repository.ConfirmationRequest
	if err := json.Unmarshal(txBytes, &conf); err != nil {
		return nil, CodeMalformed, fmt.Errorf("malformed confirmation transaction: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, CodeInvalid, err
	}
	return &conf, CodeOK, nil
}

// confirmed reports whether the negotiation already has a committed confirmation
func (app *Application) confirmed(negotiationID string) (bool, error) {
	found := false
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(confirmationKey(negotiationID))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, err
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastBlockHeight)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(keyLastBlockAppHash)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		lastBlockAppHash, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. Supported forms:
//
//	confirmation:<negotiation id>   the stored confirmation
//	load:<load id>                  confirmations for a load, as a JSON array
//	carrier:<carrier id>            confirmations for a carrier, as a JSON array
//
// Anything else is treated as a raw key.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: CodeMalformed,
			Log:  "Empty query data",
		}, nil
	}

	switch {
	case bytes.HasPrefix(req.Data, []byte("load:")):
		return app.queryIndex([]byte(fmt.Sprintf("load:%s:negotiation:", req.Data[len("load:"):]))), nil
	case bytes.HasPrefix(req.Data, []byte("carrier:")):
		return app.queryIndex([]byte(fmt.Sprintf("carrier:%s:negotiation:", req.Data[len("carrier:"):]))), nil
	}

	resp := abcitypes.QueryResponse{Key: req.Data}
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(req.Data)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Code = CodeInvalid
			resp.Log = "key doesn't exist"
			return nil
		}
		resp.Log = "exists"
		resp.Value, err = item.ValueCopy(nil)
		return err
	})
	if dbErr != nil {
		app.logger.Error("Error reading database", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeStorage,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// queryIndex collects the confirmations referenced by every key under prefix
func (app *Application) queryIndex(prefix []byte) *abcitypes.QueryResponse {
	confirmations := []json.RawMessage{}

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			negotiationID := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(confirmationKey(negotiationID))
			if err != nil {
				return fmt.Errorf("index entry %s: %w", it.Item().Key(), err)
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			confirmations = append(confirmations, val)
		}
		return nil
	})
	if err != nil {
		return &abcitypes.QueryResponse{
			Code: CodeStorage,
			Log:  fmt.Sprintf("Database error: %v", err),
		}
	}

	value, err := json.Marshal(confirmations)
	if err != nil {
		return &abcitypes.QueryResponse{Code: CodeStorage, Log: err.Error()}
	}
	return &abcitypes.QueryResponse{
		Key:   prefix,
		Value: value,
		Log:   fmt.Sprintf("%d confirmations", len(confirmations)),
	}
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	conf, code, err := decodeConfirmation(check.Tx)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: code, Log: err.Error()}, nil
	}

	exists, err := app.confirmed(conf.NegotiationID)
	if err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeStorage, Log: err.Error()}, nil
	}
	if exists {
		return &abcitypes.CheckTxResponse{
			Code: CodeDuplicate,
			Log:  fmt.Sprintf("negotiation %s is already confirmed", conf.NegotiationID),
		}, nil
	}

	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. A proposal
// carrying a malformed confirmation, or two for the same negotiation, is
// rejected as a whole.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	app.logger.Debug("Processing proposal", "count", len(proposal.Txs))

	reject := &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT}
	seen := make(map[string]bool, len(proposal.Txs))

	for i, txBytes := range proposal.Txs {
		conf, _, err := decodeConfirmation(txBytes)
		if err != nil {
			app.logger.Error("Invalid confirmation in proposal", "index", i, "err", err)
			return reject, nil
		}
		if seen[conf.NegotiationID] {
			app.logger.Error("Duplicate confirmation in proposal", "index", i, "negotiation_id", conf.NegotiationID)
			return reject, nil
		}
		seen[conf.NegotiationID] = true
	}

	return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		conf, code, err := decodeConfirmation(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{Code: code, Log: err.Error()}
			continue
		}
		txResults[i] = app.storeConfirmation(conf, txBytes)
	}

	appHash := calculateAppHash(txResults)

	if err := app.onGoingBlock.Set(keyLastBlockHeight, int64ToBytes(req.Height)); err != nil {
		app.logger.Error("Error storing block height", "err", err)
	}
	if err := app.onGoingBlock.Set(keyLastBlockAppHash, appHash); err != nil {
		app.logger.Error("Error storing app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// storeConfirmation writes a confirmation and its indexes into the ongoing
// block. Reads go through the same badger txn, so a duplicate earlier in the
// block is seen.
func (app *Application) storeConfirmation(conf *repository.ConfirmationRequest, rawTx []byte) *abcitypes.ExecTxResult {
	key := confirmationKey(conf.NegotiationID)
	if _, err := app.onGoingBlock.Get(key); err == nil {
		return &abcitypes.ExecTxResult{
			Code: CodeDuplicate,
			Log:  fmt.Sprintf("negotiation %s is already confirmed", conf.NegotiationID),
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return &abcitypes.ExecTxResult{Code: CodeStorage, Log: fmt.Sprintf("Database error: %v", err)}
	}

	txID := generateTxID(conf.NegotiationID, conf.HistoryDigest)
	writes := []struct {
		key   []byte
		value []byte
	}{
		{key, rawTx},
		{append([]byte("tx:"), txID...), []byte(conf.NegotiationID)},
		{loadIndexKey(conf.LoadID, conf.NegotiationID), []byte(conf.NegotiationID)},
		{carrierIndexKey(conf.CarrierID, conf.NegotiationID), []byte(conf.NegotiationID)},
	}
	for _, w := range writes {
		if err := app.onGoingBlock.Set(w.key, w.value); err != nil {
			app.logger.Error("Error storing confirmation", "key", string(w.key), "err", err)
			return &abcitypes.ExecTxResult{Code: CodeStorage, Log: fmt.Sprintf("Database error: %v", err)}
		}
	}

	if app.config.LogAllTxs {
		app.logger.Info("Confirmation stored",
			"negotiation_id", conf.NegotiationID,
			"load_id", conf.LoadID,
			"agreed_rate", conf.AgreedRate.StringFixed(2),
		)
	}

	events := []abcitypes.Event{
		{
			Type: "rate_confirmation",
			Attributes: []abcitypes.EventAttribute{
				{Key: "negotiation_id", Value: conf.NegotiationID, Index: true},
				{Key: "load_id", Value: conf.LoadID, Index: true},
				{Key: "carrier_id", Value: conf.CarrierID, Index: true},
				{Key: "dispatcher_id", Value: conf.DispatcherID, Index: true},
				{Key: "agreed_rate", Value: conf.AgreedRate.StringFixed(2), Index: false},
				{Key: "tx_id", Value: txID, Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   []byte(txID),
		Log:    repository.StatusConfirmed,
		Events: events,
	}
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	if err := app.onGoingBlock.Commit(); err != nil {
		app.logger.Error("Error committing block", "err", err)
		return nil, err
	}
	app.onGoingBlock = nil
	return &abcitypes.CommitResponse{}, nil
}

// Placeholder implementations for other ABCI methods
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// generateTxID derives a stable id for a confirmation
func generateTxID(negotiationID, historyDigest string) string {
	hash := sha256.Sum256([]byte(negotiationID + "|" + historyDigest))
	return hex.EncodeToString(hash[:])
}

// calculateAppHash calculates the application hash for the current block
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	for _, result := range txResults {
		h.Write(result.Data)
	}
	return h.Sum(nil)
}

func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
