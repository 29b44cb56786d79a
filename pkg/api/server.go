// Package api is the HTTP boundary of the gateway. Call-control nodes post
// billing events here, and interim timers fire back into the same route.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/billing"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
	"github.com/codelaboratoryltd/rfgw/pkg/timer"
)

const (
	// HeaderTrailID carries the SAS-style trail id used to correlate logs.
	HeaderTrailID = "X-Trail-ID"

	timerQuery = "timer-interim"
)

// Handler processes billing requests. billing.Manager implements it.
type Handler interface {
	HandleEvent(ctx context.Context, req *billing.Request) billing.Outcome
	HandleTimerFired(ctx context.Context, f billing.TimerFiring) billing.Outcome
}

// HealthSource reports the dependencies whose communication alarm is raised.
type HealthSource interface {
	Raised() []string
}

// Recorder receives per-request metrics.
type Recorder interface {
	RecordRequest(recordType, outcome string, duration time.Duration)
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr   string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "0.0.0.0:10888",
		MaxBodyBytes: 1 << 20,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server serves the billing, health and metrics routes.
type Server struct {
	config   Config
	handler  Handler
	health   HealthSource
	recorder Recorder
	metrics  http.Handler
	logger   *zap.Logger

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server. health, recorder and metrics may be nil.
func NewServer(config Config, h Handler, health HealthSource, recorder Recorder, metrics http.Handler, logger *zap.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		config:   config,
		handler:  h,
		health:   health,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /call-id/{callID}", s.handleCall)
	s.mux.HandleFunc("PUT /call-id/{callID}", s.handleCall)
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("HTTP server stopped")
	return err
}

// handleCall accepts a billing event or an interim timer firing.
// POST|PUT /call-id/{callID}
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	callID := r.PathValue("callID")
	trailID := r.Header.Get(HeaderTrailID)
	if trailID == "" {
		trailID = uuid.NewString()
	}
	w.Header().Set(HeaderTrailID, trailID)

	if r.URL.Query().Get(timerQuery) == "true" {
		out := s.handler.HandleTimerFired(r.Context(), billing.TimerFiring{
			CallID:    callID,
			TimerID:   r.Header.Get(timer.HeaderTimerID),
			SessionID: r.URL.Query().Get(timer.QuerySessionID),
			TrailID:   trailID,
		})
		s.respond(w, session.RecordInterim.String(), out, started)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.malformed(w, callID, trailID, err, started)
		return
	}
	req, err := billing.ParseRequest(callID, data)
	if err != nil {
		s.malformed(w, callID, trailID, err, started)
		return
	}
	req.TrailID = trailID

	out := s.handler.HandleEvent(r.Context(), req)
	s.respond(w, req.Kind.String(), out, started)
}

func (s *Server) respond(w http.ResponseWriter, recordType string, out billing.Outcome, started time.Time) {
	if s.recorder != nil {
		s.recorder.RecordRequest(recordType, out.String(), time.Since(started))
	}
	status := StatusFor(out)
	if status == http.StatusOK {
		w.WriteHeader(status)
		return
	}
	http.Error(w, out.String(), status)
}

func (s *Server) malformed(w http.ResponseWriter, callID, trailID string, err error, started time.Time) {
	s.logger.Info("Rejecting malformed billing request",
		zap.String("call_id", callID),
		zap.String("trail_id", trailID),
		zap.Error(err))
	if s.recorder != nil {
		s.recorder.RecordRequest("UNKNOWN", "malformed", time.Since(started))
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// StatusFor maps a billing outcome to its HTTP status.
func StatusFor(out billing.Outcome) int {
	switch out {
	case billing.OK, billing.Ignored:
		return http.StatusOK
	case billing.NotFound:
		return http.StatusNotFound
	case billing.AlreadyExists:
		return http.StatusConflict
	case billing.Rejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "OK")
}

// handleHealth reports raised communication alarms. Any raised alarm is a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var raised []string
	if s.health != nil {
		raised = s.health.Raised()
	}
	status, code := "healthy", http.StatusOK
	if len(raised) > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if raised == nil {
		raised = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"alarms": raised,
	})
}
