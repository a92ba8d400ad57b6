package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"neowatch/internal/config"
	"neowatch/internal/ingest"
	"neowatch/internal/notify"
	"neowatch/internal/storage"
	"neowatch/internal/stream"
)

// Ingestor is the part of the orchestrator the HTTP layer drives.
type Ingestor interface {
	Trigger() bool
	LastCycle() (ingest.CycleReport, bool)
	InFlight() int
}

type Server struct {
	cfg      *config.Manager
	store    storage.Store
	ingest   Ingestor
	hub      *stream.Hub
	history  *notify.History
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
	started  time.Time
}

type statusResponse struct {
	Status     string              `json:"status"`
	Time       string              `json:"time"`
	Uptime     string              `json:"uptime"`
	Version    string              `json:"version"`
	ConfigPath string              `json:"config_path"`
	Storage    string              `json:"storage"`
	Schedule   scheduleStatus      `json:"schedule"`
	Notify     notifyStatus        `json:"notify"`
	Stream     streamStatus        `json:"stream"`
	Ingest     ingestStatus        `json:"ingest"`
	API        apiStatus           `json:"api"`
	LastCycle  *ingest.CycleReport `json:"last_cycle,omitempty"`
}

type scheduleStatus struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec"`
	Timezone string `json:"timezone"`
}

type notifyStatus struct {
	ThresholdAU float64 `json:"threshold_au"`
	Attempts    int     `json:"attempts"`
}

type streamStatus struct {
	Readers int  `json:"readers"`
	Kafka   bool `json:"kafka"`
}

type ingestStatus struct {
	InFlight int `json:"in_flight"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func New(cfg *config.Manager, store storage.Store, ing Ingestor, hub *stream.Hub, history *notify.History, gatherer prometheus.Gatherer, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		ingest:   ing,
		hub:      hub,
		history:  history,
		gatherer: gatherer,
		logger:   logger,
		version:  version,
		started:  time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/neos", s.handleRecords)
	mux.HandleFunc("/neos/", s.handleRecord)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/subscribers", s.handleSubscribers)
	mux.HandleFunc("/subscribers/", s.handleSubscriber)
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/deliveries", s.handleDeliveries)
	mux.HandleFunc("/stream/neos", s.handleSSE)
	mux.HandleFunc("/ws/neos", s.handleWebsocket)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return withCORS(mux)
}

// Start serves the API until ctx is cancelled. It returns nil when the API
// is disabled.
func (s *Server) Start(ctx context.Context) *http.Server {
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	now := time.Now().UTC()
	resp := statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Uptime:     now.Sub(s.started).Truncate(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    cfg.Storage.Driver,
		Schedule: scheduleStatus{
			Enabled:  cfg.Schedule.Enabled,
			Spec:     cfg.Schedule.Spec,
			Timezone: cfg.Schedule.Timezone,
		},
		Notify: notifyStatus{ThresholdAU: cfg.Notify.ThresholdAU, Attempts: cfg.Notify.Attempts},
		Stream: streamStatus{Kafka: cfg.Stream.Kafka.Enabled},
		API:    apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	if s.hub != nil {
		resp.Stream.Readers = s.hub.Readers()
	}
	if s.ingest != nil {
		resp.Ingest.InFlight = s.ingest.InFlight()
		if last, ok := s.ingest.LastCycle(); ok {
			resp.LastCycle = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ingest == nil || !s.ingest.Trigger() {
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := []notify.Outcome{}
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": list, "count": 0})
		return
	}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.history.Since(ts)
	} else {
		list = s.history.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": list,
		"count":      len(list),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
