package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/ledger/abci"
	"github.com/ahmadzakiakmal/freight-negotiation/ledger/srvreg"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
)

// NodeClient reports consensus state. The local CometBFT RPC client
// satisfies it.
type NodeClient interface {
	Status(ctx context.Context) (*cmtrpctypes.ResultStatus, error)
	ABCIInfo(ctx context.Context) (*cmtrpctypes.ResultABCIInfo, error)
	NetInfo(ctx context.Context) (*cmtrpctypes.ResultNetInfo, error)
}

// WebServer handles HTTP requests for the ledger node
type WebServer struct {
	app             *abci.Application
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	nodeClient      NodeClient
	rpcAddress      string
	startTime       time.Time
	serviceRegistry *srvreg.ServiceRegistry
}

// LedgerResponse is the response format for ledger API calls
type LedgerResponse struct {
	Data   interface{}       `json:"data"`
	Meta   TransactionStatus `json:"meta"`
	NodeID string            `json:"node_id"`
}

// TransactionStatus represents the status of a ledger transaction
type TransactionStatus struct {
	TxID        string    `json:"tx_id,omitempty"`
	Status      string    `json:"status"`
	BlockHeight int64     `json:"block_height,omitempty"`
	ConfirmTime time.Time `json:"confirm_time,omitempty"`
}

// NewWebServer creates a new ledger web server
func NewWebServer(app *abci.Application, httpPort string, logger cmtlog.Logger, nodeClient NodeClient, rpcAddress string, serviceRegistry *srvreg.ServiceRegistry) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		app:      app,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger,
		nodeClient:      nodeClient,
		rpcAddress:      rpcAddress,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/ledger/", server.handleLedgerAPI)

	return server
}

// Handler returns the root HTTP handler
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the ledger web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting ledger web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("Ledger web server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down ledger web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot shows ledger node information
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<h1>Rate Confirmation Ledger Node</h1>"))
	w.Write([]byte("<p>Node ID: " + ws.app.NodeID() + "</p>"))
	w.Write([]byte("<p>Type: BFT Consensus Ledger</p>"))

	rpcPort := extractPortFromAddress(ws.rpcAddress)
	rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a></p>", rpcPort, rpcPort)
	w.Write([]byte(rpcAddrHtml))

	apiDocs := `
	<h2>Ledger API Endpoints</h2>
	<ul>
		<li><strong>POST /ledger/confirmations</strong> - Commit a rate confirmation</li>
		<li><strong>GET /ledger/confirmations/{negotiation}</strong> - Get the confirmation of a negotiation</li>
		<li><strong>GET /ledger/confirmations/load/{load}</strong> - Get confirmations by load</li>
		<li><strong>GET /ledger/confirmations/carrier/{carrier}</strong> - Get confirmations by carrier</li>
		<li><strong>GET /ledger/transaction/{hash}</strong> - Get transaction by hash</li>
		<li><strong>GET /ledger/status</strong> - Get ledger status</li>
		<li><strong>GET /ledger/nodes</strong> - Get registered load board nodes</li>
	</ul>
	`
	w.Write([]byte(apiDocs))
}

// handleDebug provides consensus debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugInfo := map[string]interface{}{
		"type":        "Rate Confirmation Ledger",
		"node_id":     ws.app.NodeID(),
		"rpc_address": ws.rpcAddress,
		"uptime":      time.Since(ws.startTime).String(),
	}

	ctx := r.Context()

	status, err := ws.nodeClient.Status(ctx)
	if err != nil {
		debugInfo["consensus_error"] = err.Error()
	} else {
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	netInfo, err := ws.nodeClient.NetInfo(ctx)
	if err != nil {
		debugInfo["net_error"] = err.Error()
	} else {
		debugInfo["listening"] = netInfo.Listening
		debugInfo["num_peers"] = netInfo.NPeers
	}

	abciInfo, err := ws.nodeClient.ABCIInfo(ctx)
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		ws.logger.Error("Error encoding debug response", "err", err)
	}
}

// handleLedgerAPI handles all ledger API requests
func (ws *WebServer) handleLedgerAPI(w http.ResponseWriter, r *http.Request) {
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	request, err := srvreg.ConvertHttpRequestToConsensusRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		JSONError(w, "Failed to generate response: "+err.Error(), http.StatusInternalServerError)
		ws.logger.Error("Failed to generate response", "err", err)
		return
	}

	var responseData map[string]interface{}
	var data interface{}
	if json.Unmarshal([]byte(response.Body), &responseData) == nil {
		data = responseData
	} else {
		json.Unmarshal([]byte(response.Body), &data)
	}

	envelope := LedgerResponse{
		Data:   data,
		Meta:   TransactionStatus{Status: "processed"},
		NodeID: ws.app.NodeID(),
	}

	// Only confirmations go through consensus
	if r.Method == http.MethodPost && response.StatusCode == http.StatusAccepted && responseData != nil {
		height, _ := responseData["block_height"].(float64)
		envelope.Meta = TransactionStatus{
			TxID:        fmt.Sprintf("%v", responseData["tx_hash"]),
			Status:      "confirmed",
			BlockHeight: int64(height),
			ConfirmTime: time.Now().UTC(),
		}
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.StatusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(envelope); err != nil {
		ws.logger.Error("Failed to encode ledger response", "err", err)
	}

	ws.logger.Info("Ledger API request processed",
		"request_id", requestID,
		"path", request.Path,
		"method", request.Method,
		"status", response.StatusCode,
	)
}

// Helper functions

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
