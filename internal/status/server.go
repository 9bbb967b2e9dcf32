// Package status serves run health and metrics over HTTP while a crawl is
// in flight.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/metrics"
)

// Snapshot is the live view of a run reported by /status.
type Snapshot struct {
	RunID               string `json:"run_id"`
	SearchDate          string `json:"search_date"`
	PagesCrawled        int    `json:"pages_crawled"`
	NoticesProcessed    int    `json:"notices_processed"`
	RecordsWritten      int    `json:"records_written"`
	ChallengesSolved    int    `json:"challenges_solved"`
	ChallengesAbandoned int    `json:"challenges_abandoned"`
}

// SnapshotFunc supplies the current run view. It is called per request.
type SnapshotFunc func() Snapshot

// Server exposes /healthz, /status, and /metrics.
type Server struct {
	srv      *http.Server
	snapshot SnapshotFunc
	logger   *zap.Logger
}

// NewServer builds the status server. snapshot may be nil; /status then
// returns an empty object.
func NewServer(port int, snapshot SnapshotFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{snapshot: snapshot, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	var snap Snapshot
	if s.snapshot != nil {
		snap = s.snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("encode status snapshot", zap.Error(err))
	}
}
