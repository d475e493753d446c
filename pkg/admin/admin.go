package admin

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-wald/pkg/engine"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
)

// Server is the control-plane HTTP surface: node status, slot management,
// checkpoints, restore points, promotion, health probes, and metrics.
// It serves operators, not replication traffic.
type Server struct {
	engine  *engine.Engine
	logger  logging.Logger
	metrics *metrics.Registry
}

// New creates the admin server around a running engine
func New(e *engine.Engine, logger logging.Logger, reg *metrics.Registry) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	return &Server{
		engine:  e,
		logger:  logger.With(logging.Component("admin")),
		metrics: reg,
	}
}

// Handler builds the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/slots", s.handleSlots)
	mux.HandleFunc("/v1/slots/", s.handleSlotDrop)
	mux.HandleFunc("/v1/checkpoint", s.handleCheckpoint)
	mux.HandleFunc("/v1/restore-point", s.handleRestorePoint)
	mux.HandleFunc("/v1/promote", s.handlePromote)

	checker := s.engine.Health()
	mux.HandleFunc("/healthz", checker.HTTPHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/livez", checker.LivenessHandler())

	mux.Handle("/metrics", promhttp.HandlerFor(
		s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))

	return mux
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// errorResponse is the uniform error body
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
