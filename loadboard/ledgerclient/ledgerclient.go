package ledgerclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/repository/models"
	"github.com/shopspring/decimal"
)

// Client submits rate confirmations to the ledger network
type Client struct {
	endpoint   string
	httpClient *http.Client
	nodeID     string
}

// Confirmation is the agreed rate of a booked load as recorded on the ledger
type Confirmation struct {
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

// CommitResponse represents the response from the ledger node
type CommitResponse struct {
	Data struct {
		Message       string `json:"message"`
		TxHash        string `json:"tx_hash"`
		NegotiationID string `json:"negotiation_id"`
	} `json:"data"`
	Meta struct {
		TxID        string    `json:"tx_id"`
		Status      string    `json:"status"`
		BlockHeight int64     `json:"block_height"`
		ConfirmTime time.Time `json:"confirm_time"`
	} `json:"meta"`
	NodeID string `json:"node_id"`
}

// NewClient creates a new ledger client
func NewClient(endpoint, nodeID string) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		nodeID: nodeID,
	}
}

// BuildConfirmation assembles the ledger record of an accepted negotiation
func (c *Client) BuildConfirmation(neg *models.Negotiation, load *models.Load, history []models.HistoryEntry) (*Confirmation, error) {
	if neg.AgreedRate == nil {
		return nil, fmt.Errorf("negotiation %s has no agreed rate", neg.ID)
	}

	conf := &Confirmation{
		NegotiationID: neg.ID,
		LoadID:        load.ID,
		ReferenceCode: load.ReferenceCode,
		CarrierID:     neg.CarrierID,
		DispatcherID:  load.DispatcherID,
		OriginalRate:  neg.OriginalRate,
		AgreedRate:    *neg.AgreedRate,
		Origin:        fmt.Sprintf("%s, %s", load.OriginCity, load.OriginState),
		Destination:   fmt.Sprintf("%s, %s", load.DestinationCity, load.DestinationState),
		EquipmentType: load.EquipmentType,
		Miles:         load.Miles,
		OfferCount:    len(history),
		HistoryDigest: HistoryDigest(history),
		AgreedAt:      neg.UpdatedAt.UTC(),
		SourceNodeID:  c.nodeID,
	}
	return conf, nil
}

// HistoryDigest hashes the negotiation history in order, so the ledger entry
// pins the exact sequence of offers that led to the agreed rate.
func HistoryDigest(history []models.HistoryEntry) string {
	h := sha256.New()
	for _, entry := range history {
		fmt.Fprintf(h, "%s|%s|%s|%s|%d\n",
			entry.ID,
			entry.OfferType,
			entry.OfferedBy,
			entry.OfferAmount.StringFixed(2),
			entry.CreatedAt.UTC().UnixMilli(),
		)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CommitConfirmation submits a confirmation and waits for it to be committed
func (c *Client) CommitConfirmation(ctx context.Context, conf *Confirmation) (*CommitResponse, error) {
	conf.Timestamp = time.Now().UTC()

	jsonData, err := json.Marshal(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal confirmation: %w", err)
	}

	url := fmt.Sprintf("%s/ledger/confirmations", c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to ledger: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("ledger returned error status %d: %s", resp.StatusCode, string(body))
	}

	var commitResp CommitResponse
	if err := json.Unmarshal(body, &commitResp); err != nil {
		return nil, fmt.Errorf("failed to parse ledger response: %w", err)
	}
	if commitResp.Data.TxHash == "" {
		return nil, fmt.Errorf("ledger response carries no transaction hash")
	}

	return &commitResp, nil
}

// HealthCheck checks if the ledger node is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/ledger/status", c.endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger is unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger health check failed with status: %d", resp.StatusCode)
	}

	return nil
}
