package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dd0wney/cluso-wald/pkg/engine"
	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/replication"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// SlotCreateRequest pre-creates a slot so retention is pinned before the
// standby first connects
type SlotCreateRequest struct {
	Name string `json:"name"`
	// Kind is "physical" or "logical"; empty means physical
	Kind string `json:"kind"`
	Sync bool   `json:"sync"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	slots := s.engine.Slots()
	if slots == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("node has no replication slots"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, slots.List())

	case http.MethodPost:
		var req SlotCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("slot name required"))
			return
		}
		slot, err := slots.Create(req.Name, req.Kind, s.engine.Manager().NextLSN(), req.Sync)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.logger.Info("slot created via admin", logging.Slot(req.Name))
		writeJSON(w, http.StatusCreated, slot)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSlotDrop serves DELETE /v1/slots/{name}
func (s *Server) handleSlotDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/slots/")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("slot name required"))
		return
	}
	slots := s.engine.Slots()
	if slots == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("node has no replication slots"))
		return
	}
	if err := slots.Drop(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, replication.ErrSlotNotFound) {
			code = http.StatusNotFound
		} else if errors.Is(err, replication.ErrSlotInUse) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	s.logger.Info("slot dropped via admin", logging.Slot(name))
	w.WriteHeader(http.StatusNoContent)
}

// CheckpointResponse reports the result of a forced checkpoint
type CheckpointResponse struct {
	RedoLSN  string `json:"redo_lsn"`
	Recycled int    `json:"segments_recycled"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	redo, recycled, err := s.engine.Checkpoint()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotPrimary) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckpointResponse{
		RedoLSN:  redo.String(),
		Recycled: recycled,
	})
}

// RestorePointRequest names a recovery target at the current position
type RestorePointRequest struct {
	Name string `json:"name"`
}

// RestorePointResponse returns where the marker landed
type RestorePointResponse struct {
	Name string `json:"name"`
	LSN  string `json:"lsn"`
}

func (s *Server) handleRestorePoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RestorePointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("restore point name required"))
		return
	}
	lsn, err := s.engine.CreateRestorePoint(req.Name)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotPrimary) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	s.logger.Info("restore point created via admin",
		logging.String("name", req.Name), logging.LSN(lsn))
	writeJSON(w, http.StatusOK, RestorePointResponse{Name: req.Name, LSN: lsn.String()})
}

// PromoteResponse reports the node's state after promotion
type PromoteResponse struct {
	Role     string `json:"role"`
	Timeline uint32 `json:"timeline"`
	LastLSN  string `json:"last_lsn"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.Promote(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	status := s.engine.Status()
	writeJSON(w, http.StatusOK, PromoteResponse{
		Role:     status.Role,
		Timeline: status.Timeline,
		LastLSN:  status.LastLSN,
	})
}
