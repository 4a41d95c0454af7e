package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/ledger/repository"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Request represents the client's HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`

	ctx context.Context
}

// Context returns the request context, or a background context when the
// request was built without one
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Response represents the computed response from server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey uniquely identifies a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers of the ledger node
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool
	mu          sync.RWMutex
	repository  *repository.Repository
	logger      cmtlog.Logger
	startTime   time.Time
}

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// NewServiceRegistry creates a new service registry for the ledger node
func NewServiceRegistry(repository *repository.Repository, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		repository:  repository,
		logger:      logger,
		startTime:   time.Now(),
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}

		if sr.exactRoutes[routeKey] {
			continue
		}

		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes. A parameter never
// matches an empty segment.
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// RegisterDefaultServices sets up default services for the ledger node
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Main endpoint: receive rate confirmations from load board nodes
	sr.RegisterHandler("POST", "/ledger/confirmations", true, sr.ReceiveConfirmationHandler)

	// Query endpoints
	sr.RegisterHandler("GET", "/ledger/confirmations/:negotiation", false, sr.GetConfirmationHandler)
	sr.RegisterHandler("GET", "/ledger/confirmations/load/:load", false, sr.GetConfirmationsByLoadHandler)
	sr.RegisterHandler("GET", "/ledger/confirmations/carrier/:carrier", false, sr.GetConfirmationsByCarrierHandler)
	sr.RegisterHandler("GET", "/ledger/transaction/:hash", false, sr.GetTransactionHandler)

	// System endpoints
	sr.RegisterHandler("GET", "/ledger/status", true, sr.StatusHandler)
	sr.RegisterHandler("GET", "/ledger/nodes", true, sr.GetSourceNodesHandler)
}

func jsonResponse(status int, payload interface{}) *Response {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize response"}`,
		}
	}
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

func errorResponse(status int, code, message string) *Response {
	return jsonResponse(status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// repositoryErrorResponse maps a repository error to its HTTP status
func (sr *ServiceRegistry) repositoryErrorResponse(repoErr *repository.RepositoryError) (*Response, error) {
	switch repoErr.Code {
	case repository.CodeInvalidConfirmation, repository.CodeSourceNotRegistered:
		return errorResponse(http.StatusBadRequest, repoErr.Code, repoErr.Error()), nil
	case repository.CodeConfirmationExists:
		return errorResponse(http.StatusConflict, repoErr.Code, repoErr.Error()), nil
	case repository.CodeNotFound:
		return errorResponse(http.StatusNotFound, repoErr.Code, repoErr.Error()), nil
	case repository.CodeConsensusTimeout:
		return errorResponse(http.StatusGatewayTimeout, repoErr.Code, repoErr.Message), nil
	case repository.CodeConsensusError:
		sr.logger.Error("Consensus failed", "detail", repoErr.Detail)
		return errorResponse(http.StatusServiceUnavailable, repoErr.Code, repoErr.Error()), nil
	default:
		sr.logger.Error("Repository error", "code", repoErr.Code, "detail", repoErr.Detail)
		return errorResponse(http.StatusInternalServerError, repoErr.Code, "Internal server error"), nil
	}
}

// ReceiveConfirmationHandler handles rate confirmations from load board nodes
func (sr *ServiceRegistry) ReceiveConfirmationHandler(req *Request) (*Response, error) {
	var confirmation repository.ConfirmationRequest
	if err := json.Unmarshal([]byte(req.Body), &confirmation); err != nil {
		sr.logger.Error("Failed to parse confirmation request", "error", err.Error())
		return errorResponse(http.StatusBadRequest, repository.CodeInvalidConfirmation,
			"Invalid request format: "+err.Error()), nil
	}

	transaction, repoErr := sr.repository.ReceiveConfirmation(req.Context(), &confirmation)
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}

	return jsonResponse(http.StatusAccepted, map[string]interface{}{
		"message":        "Confirmation committed successfully",
		"tx_hash":        transaction.TxHash,
		"negotiation_id": transaction.NegotiationID,
		"block_height":   transaction.BlockHeight,
	}), nil
}

// GetConfirmationHandler retrieves the confirmation of one negotiation
func (sr *ServiceRegistry) GetConfirmationHandler(req *Request) (*Response, error) {
	negotiationID := strings.Split(req.Path, "/")[3]

	confirmation, repoErr := sr.repository.GetConfirmation(req.Context(), negotiationID)
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, confirmation), nil
}

// GetConfirmationsByLoadHandler retrieves confirmations by load
func (sr *ServiceRegistry) GetConfirmationsByLoadHandler(req *Request) (*Response, error) {
	loadID := strings.Split(req.Path, "/")[4]

	confirmations, repoErr := sr.repository.GetConfirmationsByLoad(req.Context(), loadID)
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, confirmations), nil
}

// GetConfirmationsByCarrierHandler retrieves confirmations by carrier
func (sr *ServiceRegistry) GetConfirmationsByCarrierHandler(req *Request) (*Response, error) {
	carrierID := strings.Split(req.Path, "/")[4]

	confirmations, repoErr := sr.repository.GetConfirmationsByCarrier(req.Context(), carrierID)
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, confirmations), nil
}

// GetTransactionHandler retrieves transaction by hash
func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	txHash := strings.Split(req.Path, "/")[3]

	transaction, repoErr := sr.repository.GetTransactionByHash(req.Context(), txHash)
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, transaction), nil
}

// StatusHandler provides ledger system status
func (sr *ServiceRegistry) StatusHandler(req *Request) (*Response, error) {
	count, repoErr := sr.repository.CountConfirmations(req.Context())
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"status":        "active",
		"type":          "Rate Confirmation Ledger",
		"confirmations": count,
		"uptime":        time.Since(sr.startTime).Round(time.Second).String(),
		"time":          time.Now().UTC(),
	}), nil
}

// GetSourceNodesHandler returns the load board nodes allowed to submit
func (sr *ServiceRegistry) GetSourceNodesHandler(req *Request) (*Response, error) {
	nodes, repoErr := sr.repository.GetSourceNodes(req.Context())
	if repoErr != nil {
		return sr.repositoryErrorResponse(repoErr)
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	}), nil
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       strings.TrimSuffix(r.URL.Path, "/"),
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
		ctx:        r.Context(),
	}, nil
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return errorResponse(http.StatusNotFound, repository.CodeNotFound,
			fmt.Sprintf("Service not found for %s %s", req.Method, req.Path)), nil
	}

	return handler(req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}
