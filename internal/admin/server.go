// Package admin is the thin operations surface: bearer-token HTTP
// handlers that only ever read state and write system_config with paired
// audit rows. The engine observes flag changes on its next tick; nothing
// here touches orders or positions directly.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/idgen"
	"github.com/tommyca/opensqt-trading-engine/internal/notify"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
)

// Reason codes accepted from admin callers (closed set).
const (
	ReasonAdminHalt         = "ADMIN_HALT"
	ReasonAdminResume       = "ADMIN_RESUME"
	ReasonAdminUpdateConfig = "ADMIN_UPDATE_CONFIG"
	ReasonEmergencyExit     = "EMERGENCY_EXIT"
)

// Server is the admin HTTP surface.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	logger core.ILogger
	alerts *notify.AlertManager
	srv    *http.Server
}

// NewServer wires the admin surface on cfg.AdminAddr.
func NewServer(cfg *config.Config, st *store.Store, logger core.ILogger, alerts *notify.AlertManager) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: logger.WithField("component", "admin_server"),
		alerts: alerts,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /admin/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /admin/halt", s.auth(s.handleHalt))
	mux.HandleFunc("POST /admin/resume", s.auth(s.handleResume))
	mux.HandleFunc("POST /admin/emergency_exit", s.auth(s.handleEmergencyExit))
	mux.HandleFunc("POST /admin/update_config", s.auth(s.handleUpdateConfig))

	s.srv = &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.cfg.AdminAddr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// auth enforces the bearer token with a constant-time comparison.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(string(s.cfg.AdminToken))) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

// mutateRequest is the body every mutating endpoint accepts.
type mutateRequest struct {
	Actor      string `json:"actor"`
	ReasonCode string `json:"reason_code"`
	Reason     string `json:"reason"`
	Key        string `json:"key,omitempty"`
	Value      string `json:"value,omitempty"`
}

func (m *mutateRequest) validate(wantReasonCode string) string {
	if m.Actor == "" {
		return "actor is required"
	}
	if m.ReasonCode != wantReasonCode {
		return "reason_code must be " + wantReasonCode
	}
	if m.Reason == "" {
		return "reason is required"
	}
	return ""
}

func decodeBody(r *http.Request, into *mutateRequest) string {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return "invalid JSON body: " + err.Error()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	halted, _ := s.store.GetFlag(ctx, store.KeyHaltTrading, false)
	emergency, _ := s.store.GetFlag(ctx, store.KeyEmergencyExit, false)
	openSymbols, _ := s.store.OpenPositionSymbols(ctx)
	cfgRows, _ := s.store.ListConfig(ctx)

	services := map[string]interface{}{}
	for _, svc := range []string{"data-syncer", "strategy-engine"} {
		if age, ok, err := s.store.HeartbeatAge(ctx, svc); err == nil && ok {
			services[svc] = map[string]interface{}{"heartbeat_age_seconds": int(age.Seconds())}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"halt_trading":   halted,
		"emergency_exit": emergency,
		"open_positions": openSymbols,
		"services":       services,
		"config":         cfgRows,
	})
}

// applyFlag handles the shared write-flag-and-notify flow.
func (s *Server) applyFlag(w http.ResponseWriter, r *http.Request, key, value, wantReasonCode string) {
	var req mutateRequest
	if msg := decodeBody(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(wantReasonCode); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	traceID := idgen.NewTraceID("admin")
	if err := s.store.SetConfigValue(r.Context(), req.Actor, key, value,
		traceID, req.ReasonCode, req.Reason); err != nil {
		s.logger.Error("config write failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "config write failed")
		return
	}

	s.logger.Info("admin flag set",
		"actor", req.Actor, "key", key, "value", value,
		"reason_code", req.ReasonCode, "trace_id", traceID)
	if s.alerts != nil {
		s.alerts.AlertReasonCode(r.Context(), req.ReasonCode, req.Reason, map[string]string{
			"actor": req.Actor, "key": key, "value": value, "trace_id": traceID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "trace_id": traceID})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	s.applyFlag(w, r, store.KeyHaltTrading, "true", ReasonAdminHalt)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.applyFlag(w, r, store.KeyHaltTrading, "false", ReasonAdminResume)
}

func (s *Server) handleEmergencyExit(w http.ResponseWriter, r *http.Request) {
	s.applyFlag(w, r, store.KeyEmergencyExit, "true", ReasonEmergencyExit)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req mutateRequest
	if msg := decodeBody(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(ReasonAdminUpdateConfig); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	traceID := idgen.NewTraceID("admin")
	if err := s.store.SetConfigValue(r.Context(), req.Actor, req.Key, req.Value,
		traceID, req.ReasonCode, req.Reason); err != nil {
		s.logger.Error("config write failed", "key", req.Key, "error", err)
		writeError(w, http.StatusInternalServerError, "config write failed")
		return
	}
	if s.alerts != nil {
		s.alerts.AlertReasonCode(r.Context(), req.ReasonCode, req.Reason, map[string]string{
			"actor": req.Actor, "key": req.Key, "value": req.Value, "trace_id": traceID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "trace_id": traceID})
}
