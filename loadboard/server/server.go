package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/srvreg"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// WebServer handles HTTP requests for the load board
type WebServer struct {
	httpAddr        string
	server          *http.Server
	handler         http.Handler
	serviceRegistry *srvreg.ServiceRegistry
	logger          logrus.FieldLogger
	startTime       time.Time
	nodeID          string
}

// NewWebServer creates a new load board web server. allowedOrigins feeds
// the CORS policy for browser clients.
func NewWebServer(httpPort string, serviceRegistry *srvreg.ServiceRegistry, logger logrus.FieldLogger, nodeID string, allowedOrigins []string) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr:        ":" + httpPort,
		serviceRegistry: serviceRegistry,
		logger:          logger,
		startTime:       time.Now(),
		nodeID:          nodeID,
	}

	// Register routes
	mux.HandleFunc("/", ws.handleRoot)
	mux.HandleFunc("/info", ws.handleRegistry)
	mux.HandleFunc("/load-matching", ws.handleRegistry)
	mux.HandleFunc("/loads", ws.handleRegistry)
	mux.HandleFunc("/loads/", ws.handleRegistry)
	mux.HandleFunc("/negotiations/", ws.handleRegistry)
	mux.HandleFunc("/carriers/", ws.handleRegistry)

	ws.handler = cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}).Handler(mux)

	ws.server = &http.Server{
		Addr:              ws.httpAddr,
		Handler:           ws.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return ws
}

// Handler returns the root handler with CORS applied
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.WithFields(logrus.Fields{
		"node_id": ws.nodeID,
		"address": ws.httpAddr,
	}).Info("Starting load board web server")

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.WithError(err).Error("Web server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server...")
	return ws.server.Shutdown(ctx)
}

// handleRoot shows node information
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		jsonError(w, fmt.Sprintf("Service not found for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
		return
	}

	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(ws.startTime).Round(time.Second)

	var endpoints strings.Builder
	for _, route := range ws.serviceRegistry.Routes() {
		method, path, _ := strings.Cut(route, " ")
		fmt.Fprintf(&endpoints, `<div class="endpoint"><span class="method">%s</span>%s</div>`+"\n",
			html.EscapeString(method), html.EscapeString(path))
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Load Board - %s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background: #f5f5f5; }
        .container { background: white; padding: 30px; border-radius: 8px; }
        .endpoint { background: #f8f9fa; padding: 8px; margin: 6px 0; font-family: monospace; }
        .method { font-weight: bold; color: #007bff; margin-right: 10px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Load Board Node</h1>
        <div>Node ID: %s</div>
        <div>Uptime: %s</div>
        <h3>Available Endpoints:</h3>
%s    </div>
</body>
</html>
`, html.EscapeString(ws.nodeID), html.EscapeString(ws.nodeID), uptime, endpoints.String())
}

// handleRegistry forwards a request to the service registry
func (ws *WebServer) handleRegistry(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		jsonError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	req := &srvreg.Request{
		Method:  r.Method,
		Path:    strings.TrimSuffix(r.URL.Path, "/"),
		Body:    string(bodyBytes),
		Context: r.Context(),
	}

	response, err := req.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		ws.logger.WithError(err).Error("Error generating response")
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeResponse(w, response)
}

// writeResponse writes a Response to http.ResponseWriter
func writeResponse(w http.ResponseWriter, resp *srvreg.Response) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

// jsonError writes a JSON error response
func jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
