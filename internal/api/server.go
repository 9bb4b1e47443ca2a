// Package api implements the local HTTP control surface: device
// snapshots, one-shot commands, live options updates, and captcha
// continuation for the login flow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/magicstartrace/micloud-bridge/internal/buildinfo"
	"github.com/magicstartrace/micloud-bridge/internal/config"
	"github.com/magicstartrace/micloud-bridge/internal/connwatch"
	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

// Bridge is the coordinator surface the API exposes. It is an
// interface so handler tests can run against a stub.
type Bridge interface {
	Snapshots() []micloud.Snapshot
	Interval() time.Duration
	LowBattery() bool
	LastUpdate() (time.Time, error)
	Options() micloud.Options
	UpdateOptions(micloud.Options) bool
	Dispatch(micloud.Command) error
	SetCaptchaCode(code string)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	bridge      Bridge
	cloudStatus func() connwatch.Status
	logger      *slog.Logger
	server      *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCloudStatus wires a reachability status source into the health
// endpoint.
func WithCloudStatus(fn func() connwatch.Status) ServerOption {
	return func(s *Server) { s.cloudStatus = fn }
}

// NewServer creates a new API server.
func NewServer(address string, port int, bridge Bridge, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		bridge:  bridge,
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)

	mux.HandleFunc("POST /api/command/find", s.handleCommand(micloud.KindFind))
	mux.HandleFunc("POST /api/command/noise", s.handleCommand(micloud.KindNoise))
	mux.HandleFunc("POST /api/command/lost", s.handleCommand(micloud.KindLost))
	mux.HandleFunc("POST /api/command/clipboard", s.handleCommand(micloud.KindClipboard))

	mux.HandleFunc("PUT /api/options", s.handleOptionsUpdate)
	mux.HandleFunc("POST /api/captcha", s.handleCaptcha)

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found", s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "micloud-bridge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"status": "healthy"}
	if s.cloudStatus != nil {
		resp["cloud"] = s.cloudStatus()
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// statusResponse summarizes the poll loop for dashboards and probes.
type statusResponse struct {
	Devices         int    `json:"devices"`
	IntervalSeconds int    `json:"interval_seconds"`
	LowBattery      bool   `json:"low_battery"`
	LastUpdate      string `json:"last_update,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	CoordinateType  string `json:"coordinate_type"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastUpdate, lastErr := s.bridge.LastUpdate()

	resp := statusResponse{
		Devices:         len(s.bridge.Snapshots()),
		IntervalSeconds: int(s.bridge.Interval().Seconds()),
		LowBattery:      s.bridge.LowBattery(),
		CoordinateType:  s.bridge.Options().CoordinateType,
	}
	if !lastUpdate.IsZero() {
		resp.LastUpdate = lastUpdate.UTC().Format(time.RFC3339)
	}
	if lastErr != nil {
		resp.LastError = lastErr.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"devices": s.bridge.Snapshots(),
	}, s.logger)
}

// commandRequest is the JSON body accepted by the command endpoints.
// Which fields matter depends on the command kind.
type commandRequest struct {
	IMEI         string `json:"imei"`
	Content      string `json:"content"`
	Phone        string `json:"phone"`
	OnlineNotify bool   `json:"online_notify"`
	Text         string `json:"text"`
}

func (s *Server) handleCommand(kind micloud.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
			return
		}

		err := s.bridge.Dispatch(micloud.Command{
			Kind:         kind,
			IMEI:         req.IMEI,
			Content:      req.Content,
			Phone:        req.Phone,
			OnlineNotify: req.OnlineNotify,
			Text:         req.Text,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), s.logger)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{
			"status":  "queued",
			"command": string(kind),
		}, s.logger)
	}
}

// optionsRequest carries a partial options update. Absent fields keep
// their current values; credentials cannot be changed at runtime.
type optionsRequest struct {
	UpdateInterval      *int    `json:"update_interval"` // minutes
	CoordinateType      *string `json:"coordinate_type"`
	LowBatteryPolling   *bool   `json:"low_battery_polling"`
	LowBatteryThreshold *int    `json:"low_battery_threshold"`
	LowBatteryInterval  *int    `json:"low_battery_interval"` // minutes
}

func (s *Server) handleOptionsUpdate(w http.ResponseWriter, r *http.Request) {
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}

	next := s.bridge.Options()
	if req.UpdateInterval != nil {
		if *req.UpdateInterval < 1 {
			writeError(w, http.StatusBadRequest, "update_interval must be at least 1 minute", s.logger)
			return
		}
		next.UpdateInterval = time.Duration(*req.UpdateInterval) * time.Minute
	}
	if req.CoordinateType != nil {
		switch *req.CoordinateType {
		case config.CoordinateOriginal, config.CoordinateGoogle, config.CoordinateBaidu:
			next.CoordinateType = *req.CoordinateType
		default:
			writeError(w, http.StatusBadRequest, "coordinate_type must be one of original, google, baidu", s.logger)
			return
		}
	}
	if req.LowBatteryPolling != nil {
		next.LowBatteryPolling = *req.LowBatteryPolling
	}
	if req.LowBatteryThreshold != nil {
		if *req.LowBatteryThreshold < 1 || *req.LowBatteryThreshold > 100 {
			writeError(w, http.StatusBadRequest, "low_battery_threshold must be 1-100", s.logger)
			return
		}
		next.LowBatteryThreshold = *req.LowBatteryThreshold
	}
	if req.LowBatteryInterval != nil {
		if *req.LowBatteryInterval < 1 {
			writeError(w, http.StatusBadRequest, "low_battery_interval must be at least 1 minute", s.logger)
			return
		}
		next.LowBatteryInterval = time.Duration(*req.LowBatteryInterval) * time.Minute
	}

	changed := s.bridge.UpdateOptions(next)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"changed":          changed,
		"interval_seconds": int(s.bridge.Interval().Seconds()),
	}, s.logger)
}

type captchaRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	var req captchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required", s.logger)
		return
	}

	s.bridge.SetCaptchaCode(req.Code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"}, s.logger)
}

// IsServerClosed reports whether err is the normal ListenAndServe
// return after Shutdown.
func IsServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
