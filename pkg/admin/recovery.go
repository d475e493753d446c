package admin

import (
	"net/http"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/recovery"
)

// RecoveryServer is the control surface of a recovering node. It exposes
// the coordinator's progress and, when recovery pauses at its target,
// lets the operator decide between promotion and shutdown.
type RecoveryServer struct {
	coord  *recovery.Coordinator
	logger logging.Logger
}

// NewRecoveryServer wraps a coordinator for HTTP control
func NewRecoveryServer(c *recovery.Coordinator, logger logging.Logger) *RecoveryServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RecoveryServer{
		coord:  c,
		logger: logger.With(logging.Component("recovery-admin")),
	}
}

// Handler builds the recovery route table
func (s *RecoveryServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/recovery/status", s.handleStatus)
	mux.HandleFunc("/v1/recovery/promote", s.handlePromote)
	mux.HandleFunc("/v1/recovery/shutdown", s.handleShutdown)
	return mux
}

func (s *RecoveryServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *RecoveryServer) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.coord.Promote(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("paused recovery promoted via admin")
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *RecoveryServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.coord.Shutdown(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("paused recovery shut down via admin")
	writeJSON(w, http.StatusOK, s.coord.Status())
}
