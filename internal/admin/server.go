// Package admin implements the admin & health surface (C8): a minimal
// chi-routed HTTP server exposing health/status probes and an
// authenticated rewind endpoint.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/crypto/bcrypt"

	"github.com/chainrelay/eventrelayer/internal/checkpoint"
	"github.com/chainrelay/eventrelayer/internal/logging"
	"github.com/chainrelay/eventrelayer/internal/relay"
)

// Config configures the admin Server.
type Config struct {
	Addr                string
	ChainID             string
	RootContractAddress string
	AdminSecretHash     []byte // bcrypt hash, nil if no secret configured
	Logger              *logging.Logger
}

// BlockSource is the subset of *chain.Client the admin surface needs: the
// current chain height, used for blocks_behind and rewind's future-block
// rejection.
type BlockSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// Server exposes C8's operations over HTTP.
type Server struct {
	cfg     Config
	metrics *relay.Metrics
	store   checkpoint.Store
	rpc     BlockSource
	http    *http.Server
	logger  *logging.Logger
}

// New builds a Server. HashAdminSecret should be used by the caller to
// produce cfg.AdminSecretHash from the plaintext configured admin_secret.
func New(cfg Config, metrics *relay.Metrics, store checkpoint.Store, rpc BlockSource) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv("admin")
	}
	s := &Server{cfg: cfg, metrics: metrics, store: store, rpc: rpc, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/admin/rewind", s.handleRewind)

	s.http = &http.Server{Addr: cfg.Addr, Handler: r}
	return s
}

// HashAdminSecret bcrypt-hashes a plaintext admin secret for use as
// Config.AdminSecretHash.
func HashAdminSecret(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// ListenAndServe starts the HTTP server, blocking until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(map[string]interface{}{"addr": s.cfg.Addr}).Info("admin surface listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status             string `json:"status"`
	IsRunning          bool   `json:"is_running"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	CurrentBlock       uint64 `json:"current_block"`
	BlocksBehind       uint64 `json:"blocks_behind"`
	EventsProcessed    uint64 `json:"events_processed"`
	ErrorsCount        uint64 `json:"errors_count"`
	ChainID            string `json:"chain_id"`
	RootContract       string `json:"root_contract"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()

	latest, err := s.rpc.LatestBlock(r.Context())
	if err != nil {
		latest = snap.LastProcessedBlock
	}

	var behind uint64
	if latest > snap.LastProcessedBlock {
		behind = latest - snap.LastProcessedBlock
	}

	status := "healthy"
	if !snap.IsRunning {
		status = "not_running"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:             status,
		IsRunning:          snap.IsRunning,
		LastProcessedBlock: snap.LastProcessedBlock,
		CurrentBlock:       latest,
		BlocksBehind:       behind,
		EventsProcessed:    snap.TotalEventsProcessed,
		ErrorsCount:        snap.ErrorsCount,
		ChainID:            s.cfg.ChainID,
		RootContract:       s.cfg.RootContractAddress,
	})
}

type statusResponse struct {
	healthResponse
	StartedAt            time.Time `json:"started_at"`
	TotalEventsPublished uint64    `json:"total_events_published"`
	LastCheckpointTime   time.Time `json:"last_checkpoint_time"`
	UptimeSeconds        float64   `json:"uptime_seconds"`
	ProcessCPUPercent    float64   `json:"process_cpu_percent"`
	ProcessRSSBytes      uint64    `json:"process_rss_bytes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()

	latest, err := s.rpc.LatestBlock(r.Context())
	if err != nil {
		latest = snap.LastProcessedBlock
	}
	var behind uint64
	if latest > snap.LastProcessedBlock {
		behind = latest - snap.LastProcessedBlock
	}

	var cpuPercent float64
	var rssBytes uint64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			cpuPercent = pct
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			rssBytes = mem.RSS
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		healthResponse: healthResponse{
			Status:             "healthy",
			IsRunning:          snap.IsRunning,
			LastProcessedBlock: snap.LastProcessedBlock,
			CurrentBlock:       latest,
			BlocksBehind:       behind,
			EventsProcessed:    snap.TotalEventsProcessed,
			ErrorsCount:        snap.ErrorsCount,
			ChainID:            s.cfg.ChainID,
			RootContract:       s.cfg.RootContractAddress,
		},
		StartedAt:            snap.StartedAt,
		TotalEventsPublished: snap.TotalEventsPublished,
		LastCheckpointTime:   snap.LastCheckpointTime,
		UptimeSeconds:        snap.Uptime.Seconds(),
		ProcessCPUPercent:    cpuPercent,
		ProcessRSSBytes:      rssBytes,
	})
}

type rewindRequest struct {
	StartBlock  uint64 `json:"start_block"`
	AdminSecret string `json:"admin_secret"`
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req rewindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(s.cfg.AdminSecretHash) > 0 {
		if bcrypt.CompareHashAndPassword(s.cfg.AdminSecretHash, []byte(req.AdminSecret)) != nil {
			s.logger.Warn("rewind rejected: invalid admin secret")
			writeError(w, http.StatusUnauthorized, "invalid admin secret")
			return
		}
	}

	latest, err := s.rpc.LatestBlock(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "could not determine current block")
		return
	}
	if req.StartBlock > latest {
		writeError(w, http.StatusBadRequest, "start_block is in the future")
		return
	}

	err = s.store.SaveCheckpoint(r.Context(), checkpoint.Checkpoint{
		ChainID:            s.cfg.ChainID,
		ContractAddress:    s.cfg.RootContractAddress,
		LastProcessedBlock: req.StartBlock,
		LastProcessedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.WithError(err).Error("rewind: failed to save checkpoint")
		writeError(w, http.StatusInternalServerError, "failed to rewind checkpoint")
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"new_start_block": req.StartBlock,
	}).Warn("admin rewind applied")

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "start_block": req.StartBlock})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
