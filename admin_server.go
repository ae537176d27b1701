package treescale

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes operational endpoints for a Network over HTTP.
// All responses are JSON except /metrics, which speaks Prometheus text
// format. Intended for admin/internal networks only.
type AdminServer struct {
	net      *Network
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(n *Network, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		net:      n,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/peers", as.handlePeers)
	mux.Handle("/metrics", promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Token    string           `json:"token"`
	Value    string           `json:"value"`
	Addr     string           `json:"addr"`
	State    string           `json:"state"` // "running", "stopped", "failed"
	Workers  int              `json:"workers"`
	Peers    int              `json:"peers"`
	Pending  int64            `json:"pending"`
	UptimeMs int64            `json:"uptime_ms,omitempty"`
	LastErr  string           `json:"last_error,omitempty"`
	Metrics  map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := as.net
	state := "running"
	if err := n.Err(); err != nil {
		state = "failed"
	} else {
		select {
		case <-n.Done():
			state = "stopped"
		default:
		}
	}

	resp := statusResponse{
		Token:   n.identity.Token,
		Value:   n.identity.ValueText(),
		Addr:    n.Addr(),
		State:   state,
		Workers: n.cfg.workers,
		Peers:   n.PeerCount(),
		Pending: n.metrics.PendingOpen.Load(),
		Metrics: n.Snapshot(),
	}
	if startedAt := n.startedAt.Load(); startedAt > 0 {
		resp.UptimeMs = time.Since(time.Unix(startedAt, 0)).Milliseconds()
	}
	if err := n.Err(); err != nil {
		resp.LastErr = err.Error()
	}

	writeJSON(w, resp)
}

// peersResponse is the JSON structure for GET /peers.
type peersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := as.net.Peers()
	if peers == nil {
		peers = []PeerInfo{}
	}
	writeJSON(w, peersResponse{Peers: peers})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
