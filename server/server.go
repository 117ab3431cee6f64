package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/loader"
	"github.com/gigapi/gigapi-ingest/service"
	"github.com/gorilla/mux"
	"github.com/spf13/afero"
)

// StatusProvider reports the state of a running ingest service.
type StatusProvider interface {
	Status() service.Status
}

// Server serves the operator endpoints of the ingest service.
type Server struct {
	status StatusProvider
	query  core.QueryClient
	fs     afero.Fs
	root   string
}

// New creates a Server. query may be nil, then /query answers 503.
func New(status StatusProvider, query core.QueryClient, fs afero.Fs, root string) *Server {
	return &Server{
		status: status,
		query:  query,
		fs:     fs,
		root:   root,
	}
}

// QueryRequest represents a query API request
type QueryRequest struct {
	Query  string `json:"query"`
	Format string `json:"format,omitempty"`
}

// QueryResponse represents a query API response
type QueryResponse struct {
	Results []map[string]interface{} `json:"results"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqId int32

// Router returns the routes mounted under prefix.
func (s *Server) Router(prefix string) *mux.Router {
	r := mux.NewRouter()
	if prefix == "" {
		s.RegisterRoutes(r)
		return r
	}
	s.RegisterRoutes(r.PathPrefix(prefix).Subrouter())
	return r
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.HandleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.HandleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/query", s.HandleQuery).Methods("POST", "OPTIONS")
	r.HandleFunc("/tables/{table}/files", s.HandleTableFiles).Methods("GET")
}

// addCORSHeaders adds CORS headers to the response
func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// HandleHealth answers liveness probes.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleStatus reports counters, the current partition and recent
// notifications.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.status == nil {
		sendErrorResponse(w, "ingest service is not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status.Status())
}

// HandleQuery runs a query over the loaded tables.
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.query == nil {
		sendErrorResponse(w, "query client is not configured", http.StatusServiceUnavailable)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		sendErrorResponse(w, "Missing query parameter", http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = req.Format
	}
	if format == "" {
		format = "json"
	}
	formatter, ok := formatters[format]
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("Unknown format %q", format), http.StatusBadRequest)
		return
	}

	results, err := s.query.Query(ctx, req.Query)
	if err != nil {
		core.Warnf(ctx, "Query failed: %v", err)
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := formatter(results, w); err != nil {
		core.Errorf(ctx, "Failed to write response: %v", err)
	}
}

// HandleTableFiles lists the manifest entries of a table.
func (s *Server) HandleTableFiles(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	table := mux.Vars(r)["table"]
	if table == "" || filepath.Base(table) != table || table == "." || table == ".." {
		sendErrorResponse(w, "Invalid table name", http.StatusBadRequest)
		return
	}
	meta, err := loader.ReadMetadata(s.fs, filepath.Join(s.root, table))
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(meta.Files) == 0 {
		sendErrorResponse(w, "Table not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
	})
}
