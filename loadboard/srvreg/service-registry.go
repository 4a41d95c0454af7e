package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/matching"
	"github.com/sirupsen/logrus"
)

// Request represents an incoming HTTP request
type Request struct {
	Method  string
	Path    string
	Body    string
	Context context.Context
}

func (req *Request) ctx() context.Context {
	if req.Context == nil {
		return context.Background()
	}
	return req.Context
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// HandlerFunc is a function that handles a request
type HandlerFunc func(*Request) (*Response, error)

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers map[string]map[string]HandlerFunc
	service  *matching.Service
	logger   logrus.FieldLogger
	nodeID   string
}

var defaultHeaders = map[string]string{
	"Content-Type": "application/json",
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(service *matching.Service, logger logrus.FieldLogger, nodeID string) *ServiceRegistry {
	return &ServiceRegistry{
		handlers: make(map[string]map[string]HandlerFunc),
		service:  service,
		logger:   logger,
		nodeID:   nodeID,
	}
}

// RegisterHandler registers a handler for a specific method and path
func (sr *ServiceRegistry) RegisterHandler(method, path string, handler HandlerFunc) {
	if sr.handlers[method] == nil {
		sr.handlers[method] = make(map[string]HandlerFunc)
	}
	sr.handlers[method][path] = handler
	sr.logger.Debugf("Registered handler: %s %s", method, path)
}

// GetHandlerForPath finds the handler for a given method and path
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (HandlerFunc, bool) {
	methodHandlers, exists := sr.handlers[method]
	if !exists {
		return nil, false
	}

	// Try exact match first
	if handler, exists := methodHandlers[path]; exists {
		return handler, true
	}

	for pattern, handler := range methodHandlers {
		if matchPath(pattern, path) {
			return handler, true
		}
	}

	return nil, false
}

// Routes lists the registered "METHOD path" pairs in a stable order
func (sr *ServiceRegistry) Routes() []string {
	var routes []string
	for method, handlers := range sr.handlers {
		for path := range handlers {
			routes = append(routes, method+" "+path)
		}
	}
	sort.Strings(routes)
	return routes
}

// matchPath checks if a path matches a pattern with parameters
// It supports patterns like "/loads/:id" matching "/loads/LD-001"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := 0; i < len(patternParts); i++ {
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

// pathSegment returns the i-th segment of path, so "/loads/LD-001" yields
// "LD-001" for i = 2.
func pathSegment(path string, i int) string {
	parts := strings.Split(path, "/")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}

// RegisterDefaultServices sets up all default endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.logger.Info("Registering load board services...")

	// Action endpoint
	sr.RegisterHandler(http.MethodPost, "/load-matching", sr.LoadMatchingHandler)

	// Load endpoints
	sr.RegisterHandler(http.MethodPost, "/loads", sr.PostLoadHandler)
	sr.RegisterHandler(http.MethodGet, "/loads", sr.AvailableLoadsHandler)
	sr.RegisterHandler(http.MethodGet, "/loads/:id", sr.GetLoadHandler)
	sr.RegisterHandler(http.MethodGet, "/loads/:id/negotiations", sr.LoadNegotiationsHandler)
	sr.RegisterHandler(http.MethodPost, "/loads/:id/offers", sr.SubmitOfferHandler)
	sr.RegisterHandler(http.MethodPost, "/loads/:id/interest", sr.ExpressInterestHandler)
	sr.RegisterHandler(http.MethodPost, "/loads/:id/status", sr.UpdateLoadStatusHandler)

	// Negotiation endpoints
	sr.RegisterHandler(http.MethodGet, "/negotiations/:id", sr.GetNegotiationHandler)
	sr.RegisterHandler(http.MethodGet, "/negotiations/:id/history", sr.HistoryHandler)
	sr.RegisterHandler(http.MethodPost, "/negotiations/:id/respond", sr.RespondToOfferHandler)
	sr.RegisterHandler(http.MethodPost, "/negotiations/:id/counter-response", sr.RespondToCounterHandler)
	sr.RegisterHandler(http.MethodPost, "/negotiations/:id/cancel", sr.CancelNegotiationHandler)
	sr.RegisterHandler(http.MethodPost, "/negotiations/:id/commit", sr.CommitConfirmationHandler)

	// Carrier endpoints
	sr.RegisterHandler(http.MethodGet, "/carriers/:id", sr.GetCarrierHandler)
	sr.RegisterHandler(http.MethodGet, "/carriers/:id/negotiations", sr.CarrierNegotiationsHandler)

	// Info endpoints
	sr.RegisterHandler(http.MethodGet, "/info", sr.InfoHandler)

	sr.logger.WithField("routes", len(sr.Routes())).Info("All services registered")
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)

	if !found {
		body, _ := json.Marshal(map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
			"code":    "NOT_FOUND",
		})
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    defaultHeaders,
			Body:       string(body),
		}, nil
	}

	return handler(req)
}
