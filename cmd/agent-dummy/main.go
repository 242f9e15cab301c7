// Command agent-dummy is a deterministic stand-in for the remote
// inference service. It speaks the v1 wire protocol and decides from
// the first observation value (the per-bar return): momentum up buys,
// momentum down sells. Useful for paper runs and end-to-end tests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Marcux777/kairos-alloy/internal/agent"
	"github.com/Marcux777/kairos-alloy/internal/logger"
)

const modelVersion = "dummy-momentum-1"

type server struct {
	log       *logger.Logger
	latency   time.Duration
	threshold float64
	size      float64
}

func (s *server) decide(req *agent.ActRequest) agent.ActResponse {
	response := agent.ActResponse{
		ActionType:   "HOLD",
		Size:         0,
		ModelVersion: modelVersion,
	}

	if len(req.Observation) == 0 {
		response.Reason = "empty_observation"

		return response
	}

	ret := req.Observation[0]

	switch {
	case ret > s.threshold && req.PortfolioState.Cash > 0:
		response.ActionType = "BUY"
		response.Size = s.size
		response.Reason = "momentum_up"
	case ret < -s.threshold && req.PortfolioState.PositionQty > 0:
		response.ActionType = "SELL"
		response.Size = s.size
		response.Reason = "momentum_down"
	default:
		response.Reason = "flat"
	}

	return response
}

func (s *server) handleAct(w http.ResponseWriter, r *http.Request) {
	var req agent.ActRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.APIVersion != "v1" {
		http.Error(w, fmt.Sprintf("unsupported api_version %q", req.APIVersion), http.StatusUnprocessableEntity)

		return
	}

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	response := s.decide(&req)
	response.LatencyMs = s.latency.Milliseconds()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *server) handleActBatch(w http.ResponseWriter, r *http.Request) {
	var req agent.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	responses := make([]agent.ActResponse, len(req.Requests))
	for i := range req.Requests {
		responses[i] = s.decide(&req.Requests[i])
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agent.BatchResponse{Responses: responses})
}

func main() {
	listen := flag.String("listen", ":8000", "address to listen on")
	latencyMs := flag.Int("latency-ms", 0, "artificial per-request latency")
	threshold := flag.Float64("threshold", 0.0005, "return threshold for momentum decisions")
	size := flag.Float64("size", 1.0, "action size returned with BUY/SELL")
	flag.Parse()

	log, err := logger.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	s := &server{
		log:       log,
		latency:   time.Duration(*latencyMs) * time.Millisecond,
		threshold: *threshold,
		size:      *size,
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/act", s.handleAct).Methods(http.MethodPost)
	router.HandleFunc("/v1/act_batch", s.handleActBatch).Methods(http.MethodPost)

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("agent-dummy listening",
		zap.String("addr", *listen),
		zap.Int("latency_ms", *latencyMs),
	)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", zap.Error(err))
		os.Exit(2)
	}
}
