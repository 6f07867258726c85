package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AdminConfig describes the local diagnostics endpoint.
type AdminConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
}

// AdminServer exposes metrics, health probes and the websocket event bridge
// on a loopback-only HTTP listener.
type AdminServer struct {
	log    *zap.Logger
	node   *Node
	server *http.Server
	ready  atomic.Bool
}

// NewAdminServer builds the diagnostics server for a node.
func NewAdminServer(log *zap.Logger, node *Node, reg *prometheus.Registry, cfg AdminConfig) *AdminServer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	a := &AdminServer{log: log, node: node}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if a.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	mux.HandleFunc("/v1/devices", a.handleDevices)
	mux.HandleFunc("/v1/sessions", a.handleSessions)
	mux.HandleFunc("/ws/events", a.handleEvents)

	a.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return a
}

// Start serves in the background until Shutdown.
func (a *AdminServer) Start() {
	if a.server.Addr == "" {
		return
	}
	a.ready.Store(true)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	a.log.Info("admin server listening", zap.String("address", a.server.Addr))
}

// Shutdown stops the listener gracefully.
func (a *AdminServer) Shutdown(ctx context.Context) {
	a.ready.Store(false)
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("admin server shutdown", zap.Error(err))
	}
}

func (a *AdminServer) handleDevices(w http.ResponseWriter, _ *http.Request) {
	type deviceView struct {
		Address  string `json:"address"`
		Name     string `json:"name,omitempty"`
		Direct   bool   `json:"direct"`
		HopCount int    `json:"hop_count"`
	}
	var out []deviceView
	for _, dev := range a.node.ConnectedDevices() {
		out = append(out, deviceView{Address: dev.Address, Name: dev.DisplayName, Direct: true})
	}
	for _, entry := range a.node.MeshDevices() {
		out = append(out, deviceView{Address: entry.DeviceAddress, HopCount: entry.HopCount})
	}
	writeJSON(w, out)
}

func (a *AdminServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.node.Sessions())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
