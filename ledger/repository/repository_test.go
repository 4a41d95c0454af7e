package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	height int64
	txs    []cmttypes.Tx
	err    error
	code   uint32
	block  chan struct{}
}

func (f *fakeBroadcaster) BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.height++
	f.txs = append(f.txs, tx)
	return &cmtrpctypes.ResultBroadcastTxCommit{
		CheckTx:  abcitypes.CheckTxResponse{Code: f.code, Log: "rejected"},
		TxResult: abcitypes.ExecTxResult{},
		Hash:     tx.Hash(),
		Height:   f.height,
	}, nil
}

func newTestRepository(t *testing.T) (*Repository, *fakeBroadcaster) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewRepository(cmtlog.NewNopLogger())
	require.NoError(t, repo.UseDB(db))

	broadcaster := &fakeBroadcaster{}
	repo.SetupRpcClient(broadcaster)
	return repo, broadcaster
}

func sampleRequest(negotiationID string) *ConfirmationRequest {
	return &ConfirmationRequest{
		NegotiationID: negotiationID,
		LoadID:        "LD-001",
		ReferenceCode: "LSL-24031",
		CarrierID:     "CAR-001",
		DispatcherID:  "DSP-001",
		OriginalRate:  decimal.NewFromInt(2000),
		AgreedRate:    decimal.NewFromInt(1900),
		Origin:        "Dallas, TX",
		Destination:   "Atlanta, GA",
		EquipmentType: "dry_van",
		Miles:         800,
		OfferCount:    3,
		HistoryDigest: strings.Repeat("ab", 32),
		AgreedAt:      time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC),
		SourceNodeID:  "loadboard-1",
	}
}

func TestConfirmationValidate(t *testing.T) {
	require.NoError(t, sampleRequest("NEG-1").Validate())

	tests := []struct {
		name    string
		mutate  func(*ConfirmationRequest)
		wantErr string
	}{
		{"missing ids", func(c *ConfirmationRequest) { c.LoadID = ""; c.CarrierID = " " }, "carrier_id, load_id"},
		{"zero rate", func(c *ConfirmationRequest) { c.AgreedRate = decimal.Zero }, "agreed_rate"},
		{"no offers", func(c *ConfirmationRequest) { c.OfferCount = 0 }, "offer_count"},
		{"short digest", func(c *ConfirmationRequest) { c.HistoryDigest = "abcd" }, "history_digest"},
		{"not hex", func(c *ConfirmationRequest) { c.HistoryDigest = strings.Repeat("zz", 32) }, "history_digest"},
		{"no agreed time", func(c *ConfirmationRequest) { c.AgreedAt = time.Time{} }, "agreed_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest("NEG-1")
			tt.mutate(req)
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReceiveConfirmation(t *testing.T) {
	repo, broadcaster := newTestRepository(t)
	ctx := context.Background()

	tx, repoErr := repo.ReceiveConfirmation(ctx, sampleRequest("NEG-1"))
	require.Nil(t, repoErr)
	assert.Equal(t, int64(1), tx.BlockHeight)
	assert.Len(t, tx.TxHash, 64)
	assert.Len(t, broadcaster.txs, 1)

	confirmation, repoErr := repo.GetConfirmation(ctx, "NEG-1")
	require.Nil(t, repoErr)
	assert.Equal(t, StatusConfirmed, confirmation.Status)
	require.NotNil(t, confirmation.TxHash)
	assert.Equal(t, tx.TxHash, *confirmation.TxHash)
	require.NotNil(t, confirmation.Transaction)
	assert.True(t, confirmation.AgreedRate.Equal(decimal.NewFromInt(1900)))

	stored, repoErr := repo.GetTransactionByHash(ctx, strings.ToUpper(tx.TxHash))
	require.Nil(t, repoErr)
	assert.Equal(t, "NEG-1", stored.NegotiationID)
	require.NotNil(t, stored.Confirmation)

	count, repoErr := repo.CountConfirmations(ctx)
	require.Nil(t, repoErr)
	assert.Equal(t, int64(1), count)
}

func TestReceiveConfirmationTwiceConflicts(t *testing.T) {
	repo, broadcaster := newTestRepository(t)
	ctx := context.Background()

	_, repoErr := repo.ReceiveConfirmation(ctx, sampleRequest("NEG-1"))
	require.Nil(t, repoErr)

	_, repoErr = repo.ReceiveConfirmation(ctx, sampleRequest("NEG-1"))
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeConfirmationExists, repoErr.Code)
	assert.Len(t, broadcaster.txs, 1, "a duplicate never reaches consensus")
}

func TestReceiveConfirmationRejects(t *testing.T) {
	repo, broadcaster := newTestRepository(t)
	ctx := context.Background()

	req := sampleRequest("NEG-1")
	req.SourceNodeID = "loadboard-9"
	_, repoErr := repo.ReceiveConfirmation(ctx, req)
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeSourceNotRegistered, repoErr.Code)

	req = sampleRequest("NEG-1")
	req.AgreedRate = decimal.NewFromInt(-1)
	_, repoErr = repo.ReceiveConfirmation(ctx, req)
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeInvalidConfirmation, repoErr.Code)

	assert.Empty(t, broadcaster.txs)
}

func TestConsensusFailureReleasesNegotiation(t *testing.T) {
	repo, broadcaster := newTestRepository(t)
	ctx := context.Background()

	broadcaster.err = errors.New("no validators online")
	_, repoErr := repo.ReceiveConfirmation(ctx, sampleRequest("NEG-1"))
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeConsensusError, repoErr.Code)

	_, repoErr = repo.GetConfirmation(ctx, "NEG-1")
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeNotFound, repoErr.Code)

	broadcaster.err = nil
	broadcaster.code = 2
	_, repoErr = repo.ReceiveConfirmation(ctx, sampleRequest("NEG-1"))
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeConsensusError, repoErr.Code)

	broadcaster.code = 0
	_, repoErr = repo.ReceiveConfirmation(ctx, sampleRequest("NEG-1"))
	assert.Nil(t, repoErr)
}

func TestConsensusTimeout(t *testing.T) {
	repo, broadcaster := newTestRepository(t)
	broadcaster.block = make(chan struct{})
	defer close(broadcaster.block)
	repo.SetConsensusTimeout(20 * time.Millisecond)

	_, repoErr := repo.ReceiveConfirmation(context.Background(), sampleRequest("NEG-1"))
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeConsensusTimeout, repoErr.Code)
}

func TestConfirmationQueries(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	first := sampleRequest("NEG-1")
	second := sampleRequest("NEG-2")
	second.LoadID = "LD-002"
	second.AgreedAt = first.AgreedAt.Add(time.Hour)
	third := sampleRequest("NEG-3")
	third.CarrierID = "CAR-002"
	third.LoadID = "LD-002"

	for _, req := range []*ConfirmationRequest{first, second, third} {
		_, repoErr := repo.ReceiveConfirmation(ctx, req)
		require.Nil(t, repoErr)
	}

	byCarrier, repoErr := repo.GetConfirmationsByCarrier(ctx, "CAR-001")
	require.Nil(t, repoErr)
	require.Len(t, byCarrier, 2)
	assert.Equal(t, "NEG-1", byCarrier[0].NegotiationID)
	assert.Equal(t, "NEG-2", byCarrier[1].NegotiationID)

	byLoad, repoErr := repo.GetConfirmationsByLoad(ctx, "LD-002")
	require.Nil(t, repoErr)
	assert.Len(t, byLoad, 2)

	none, repoErr := repo.GetConfirmationsByLoad(ctx, "LD-404")
	require.Nil(t, repoErr)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	nodes, repoErr := repo.GetSourceNodes(ctx)
	require.Nil(t, repoErr)
	assert.Len(t, nodes, 2)

	_, repoErr = repo.GetTransactionByHash(ctx, "deadbeef")
	require.NotNil(t, repoErr)
	assert.Equal(t, CodeNotFound, repoErr.Code)
}
