// Package server exposes the optional /healthz and /metrics endpoint of
// a running backtest. Counters come from the audit recorder; the
// endpoint is observational only and never influences the run.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy/internal/audit"
	"github.com/Marcux777/kairos-alloy/internal/logger"
)

// Server serves run health and counters over HTTP.
type Server struct {
	recorder *audit.Recorder
	runID    string
	log      *logger.Logger
	httpSrv  *http.Server
}

// New creates the server for one run.
func New(listen, runID string, recorder *audit.Recorder, log *logger.Logger) *Server {
	s := &Server{
		recorder: recorder,
		runID:    runID,
		log:      log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start listens in the background. Returns the bound address.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return "", err
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	return listener.Addr().String(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "run_id": s.runID})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	counters := s.recorder.Counters()

	payload := map[string]any{
		"run_id":          s.runID,
		"events_total":    s.recorder.Seq(),
		"bars_processed":  counters["equity."+audit.ActionEquityRecorded],
		"trades":          counters["trade.BUY"] + counters["trade.SELL"],
		"agent_calls":     counters["agent."+audit.ActionAgentCall],
		"agent_fallbacks": counters["agent."+audit.ActionAgentFallback],
		"risk_halts":      counters["risk."+audit.ActionRiskHalt],
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
