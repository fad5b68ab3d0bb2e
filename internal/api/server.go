// Package api exposes the control surface: REST overrides and trades, a
// status snapshot, and the server-push websocket stream. The dashboard
// consuming it is an external collaborator.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-hq/kestrel/internal/override"
	"github.com/kestrel-hq/kestrel/internal/position"
	"github.com/kestrel-hq/kestrel/internal/rpcpool"
	"github.com/kestrel-hq/kestrel/internal/strategy"
	"github.com/kestrel-hq/kestrel/pkg/types"
)

// Server hosts the control API.
type Server struct {
	logger  *zap.Logger
	cfg     types.ServerConfig
	console *override.Console
	manager *position.Manager
	client  *rpcpool.Client
	stats   *strategy.StatsBook
	hub     *Hub

	httpSrv    *http.Server
	metricsSrv *http.Server
	router     *mux.Router
}

// NewServer wires the router.
func NewServer(
	logger *zap.Logger,
	cfg types.ServerConfig,
	console *override.Console,
	manager *position.Manager,
	client *rpcpool.Client,
	stats *strategy.StatsBook,
	hub *Hub,
	gatherer prometheus.Gatherer,
) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		console: console,
		manager: manager,
		client:  client,
		stats:   stats,
		hub:     hub,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/override/{action}", s.handleOverride).Methods(http.MethodPost)
	api.HandleFunc("/trade/buy", s.handleBuy).Methods(http.MethodPost)
	api.HandleFunc("/trade/sell", s.handleSell).Methods(http.MethodPost)
	api.HandleFunc("/strategy/override", s.handleStrategyOverride).Methods(http.MethodPost)
	api.HandleFunc("/strategy/reset", s.handleStrategyReset).Methods(http.MethodPost)
	r.HandleFunc(cfg.WebSocketPath, hub.ServeWS)
	s.router = r

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.EnableMetrics && gatherer != nil {
		mr := http.NewServeMux()
		mr.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
			Handler: mr,
		}
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Start serves until Stop.
func (s *Server) Start() error {
	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the servers down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// statusResponse is the non-blocking snapshot the dashboard polls.
type statusResponse struct {
	State       string                 `json:"state"`
	Simulation  bool                   `json:"simulation,omitempty"`
	Positions   []types.Position       `json:"positions"`
	Strategies  []types.StrategyStats  `json:"strategies"`
	Providers   []types.ProviderHealth `json:"providers"`
	CapitalFree string                 `json:"capitalAvailable"`
	CapitalUsed string                 `json:"capitalCommitted"`
	Time        time.Time              `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:       s.console.State(),
		Positions:   s.manager.Positions(),
		Strategies:  s.stats.Snapshot(),
		Providers:   s.client.ProviderHealth(),
		CapitalFree: s.manager.Capital().Available().String(),
		CapitalUsed: s.manager.Capital().Exposure().String(),
		Time:        time.Now(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var cmdType override.CommandType
	switch action {
	case "emergency_stop":
		cmdType = override.CmdEmergencyStop
	case "pause":
		cmdType = override.CmdPause
	case "resume":
		cmdType = override.CmdResume
	case "reset":
		cmdType = override.CmdReset
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown override %q", action))
		return
	}

	if err := s.console.Execute(override.Command{Type: cmdType}); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tradeRequest struct {
	Mint     string  `json:"mint"`
	Size     string  `json:"size,omitempty"`
	Slippage float64 `json:"slippage,omitempty"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	mint, err := types.ParseMintAddress(req.Mint)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mint")
		return
	}

	cmd := override.Command{Type: override.CmdManualBuy, Mint: mint}
	if req.Size != "" {
		size, err := decimal.NewFromString(req.Size)
		if err != nil || !size.IsPositive() {
			writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
		cmd.Size = size
	}
	if req.Slippage > 0 {
		cmd.Slippage = decimal.NewFromFloat(req.Slippage)
	}

	if err := s.console.Execute(cmd); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "submitted"})
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	mint, err := types.ParseMintAddress(req.Mint)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mint")
		return
	}

	cmd := override.Command{Type: override.CmdManualSell, Mint: mint}
	if req.Slippage > 0 {
		cmd.Slippage = decimal.NewFromFloat(req.Slippage)
	}
	if err := s.console.Execute(cmd); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "submitted"})
}

func (s *Server) handleStrategyOverride(w http.ResponseWriter, r *http.Request) {
	var params map[string]types.StrategyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.console.Execute(override.Command{Type: override.CmdStrategyOverride, Params: params}); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStrategyReset(w http.ResponseWriter, r *http.Request) {
	if err := s.console.Execute(override.Command{Type: override.CmdStrategyReset}); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeCommandError maps console errors onto HTTP statuses: capacity to 429,
// policy rejections to 409, the rest to 500.
func writeCommandError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "capacity"):
		writeError(w, http.StatusTooManyRequests, msg)
	case strings.HasPrefix(msg, "policy"):
		writeError(w, http.StatusConflict, msg)
	default:
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
