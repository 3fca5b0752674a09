package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sshsentry/internal/alerts"
	"sshsentry/internal/config"
	"sshsentry/internal/metrics"
	"sshsentry/internal/model"
)

type DetectorView interface {
	Stats() model.DetectorStats
	Blocked() []string
	Threshold() int
	Interval() time.Duration
	WhitelistSize() int
}

type MonitorView interface {
	Running() bool
	Err() error
	SourceKind() model.SourceKind
}

// Info is fixed at startup.
type Info struct {
	Version  string
	Firewall string
	DryRun   bool
}

type Server struct {
	detector DetectorView
	monitor  MonitorView
	metrics  *metrics.Store
	alerts   *alerts.Store
	info     Info
	logger   *slog.Logger
	started  time.Time
}

type statusResponse struct {
	Status    string          `json:"status"`
	Time      string          `json:"time"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	Source    string          `json:"source"`
	Firewall  firewallStatus  `json:"firewall"`
	Detection detectionStatus `json:"detection"`
}

type firewallStatus struct {
	Backend string `json:"backend"`
	DryRun  bool   `json:"dry_run"`
}

type detectionStatus struct {
	Threshold     int                 `json:"threshold"`
	IntervalSec   int                 `json:"interval_sec"`
	WhitelistSize int                 `json:"whitelist_size"`
	Stats         model.DetectorStats `json:"stats"`
}

func NewServer(detector DetectorView, monitor MonitorView, metricsStore *metrics.Store, alertsStore *alerts.Store, info Info, logger *slog.Logger) *Server {
	return &Server{
		detector: detector,
		monitor:  monitor,
		metrics:  metricsStore,
		alerts:   alertsStore,
		info:     info,
		logger:   logger,
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/blocked", s.handleBlocked)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start serves the API until ctx is cancelled. It returns nil when the API is
// disabled.
func Start(ctx context.Context, cfg config.APIConfig, server *Server, logger *slog.Logger) *http.Server {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", cfg.Addr)
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.monitor != nil {
		if err := s.monitor.Err(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "source_lost",
				"error":  err.Error(),
			})
			return
		}
		if !s.monitor.Running() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopped"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status:   "ok",
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  s.info.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Firewall: firewallStatus{Backend: s.info.Firewall, DryRun: s.info.DryRun},
	}
	if s.monitor != nil {
		resp.Source = s.monitor.SourceKind().String()
		if s.monitor.Err() != nil {
			resp.Status = "source_lost"
		}
	}
	if s.detector != nil {
		resp.Detection = detectionStatus{
			Threshold:     s.detector.Threshold(),
			IntervalSec:   int(s.detector.Interval().Seconds()),
			WhitelistSize: s.detector.WhitelistSize(),
			Stats:         s.detector.Stats(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	var records []model.BlockRecord
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		records = s.alerts.Since(ts)
	} else {
		records = s.alerts.List(limit)
	}
	var addresses []string
	if s.detector != nil {
		addresses = s.detector.Blocked()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": addresses,
		"records":   records,
		"count":     len(records),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
