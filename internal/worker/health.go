package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StatusReporter supplies the per-worker snapshots served on /status.
type StatusReporter interface {
	Status() []WorkerHealth
}

// HealthServer exposes /healthz (store reachability) and /status (worker snapshots).
type HealthServer struct {
	addr     string
	store    Pinger
	reporter StatusReporter
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
}

// NewHealthServer creates a health server listening on addr once started.
func NewHealthServer(addr string, store Pinger, reporter StatusReporter, logger *zap.Logger) *HealthServer {
	return &HealthServer{
		addr:     addr,
		store:    store,
		reporter: reporter,
		logger:   logger.Named("health"),
	}
}

// Handler returns the routes without binding a listener.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.HandleFunc("/status", h.statusHandler)
	return mux
}

// Start binds the listener and serves in the background.
// A bind failure such as an address in use is returned to the caller.
func (h *HealthServer) Start() error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to start health server on %s: %w", h.addr, err)
	}

	h.listener = listener
	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Health server error", zap.Error(err))
		}
	}()

	h.logger.Info("Health server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started, or the configured one before.
func (h *HealthServer) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler returns 200 when the store answers a ping, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Store: "connected"}
	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "disconnected"
		response.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, response)
}

func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Workers: h.reporter.Status()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the JSON body of /status.
type StatusResponse struct {
	Workers []WorkerHealth `json:"workers"`
}
