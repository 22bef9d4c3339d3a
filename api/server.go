// Package api is the adapted HTTP status/read API (SPEC_FULL.md §4),
// grounded on gregtusar-Basis/api/server.go: the same mux/CORS-middleware/
// writeJSON shape, its endpoints renamed to the funding-basis domain. Every
// handler is read-only, consistent with spec.md §3's ownership rules — the
// API never calls a mutating method on any owning component.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kestrel-quant/fundingarb/pkg/marketdata"
	"github.com/kestrel-quant/fundingarb/pkg/position"
	"github.com/kestrel-quant/fundingarb/pkg/risk"
	"github.com/kestrel-quant/fundingarb/pkg/strategy"
	"github.com/sirupsen/logrus"
)

// Server exposes read-only snapshots of core state over HTTP.
type Server struct {
	cache     *marketdata.Cache
	strategy  *strategy.Engine
	positions *position.Manager
	risk      *risk.Controller
	logger    *logrus.Entry
	addr      string
}

func NewServer(cache *marketdata.Cache, engine *strategy.Engine, positions *position.Manager,
	riskCtl *risk.Controller, logger *logrus.Entry, addr string) *Server {
	return &Server{cache: cache, strategy: engine, positions: positions, risk: riskCtl, logger: logger, addr: addr}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/instruments", s.handleInstruments)
	mux.HandleFunc("/api/pairs", s.handlePairs)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/risk/report", s.handleRiskReport)

	handler := corsMiddleware(mux)

	s.logger.WithField("addr", s.addr).Info("starting status API server")
	return http.ListenAndServe(s.addr, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cache.All())
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.strategy.Pairs())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.positions.All())
}

func (s *Server) handleRiskReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.risk.Report())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("failed to encode JSON response")
	}
}
