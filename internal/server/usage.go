package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/permview/permview/internal/controller"
	"github.com/permview/permview/internal/usage"
)

// sseHeartbeat is how often a keepalive is sent on watch streams.
const sseHeartbeat = 30 * time.Second

// usageResponse is the body of GET /api/v1/usage. View is nil while
// the first derivation is still in flight; the client shows a
// loading or empty state, never an error.
type usageResponse struct {
	Phase               controller.Phase `json:"phase"`
	FinishedInitialLoad bool             `json:"finished_initial_load"`
	View                *usage.ViewModel `json:"view"`
}

func (s *Server) currentUsage() usageResponse {
	return usageResponse{
		Phase:               s.ctrl.Phase(),
		FinishedInitialLoad: s.ctrl.FinishedInitialLoad(),
		View:                s.ctrl.ViewModel(),
	}
}

func (s *Server) handleGetUsage(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.currentUsage())
}

func (s *Server) handleGetMenu(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.ctrl.Menu())
}

func (s *Server) handlePermissionFilterOptions(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, map[string]any{
		"options": s.ctrl.PermissionFilterOptions(),
	})
}

func (s *Server) handleTimeFilterOptions(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, map[string]any{
		"options": s.ctrl.TimeFilterOptions(),
	})
}

// paramsRequest carries partial view-parameter updates. Absent
// fields leave the current value untouched.
type paramsRequest struct {
	Sort       *usage.SortMode `json:"sort"`
	Group      *string         `json:"group"`
	ShowSystem *bool           `json:"show_system"`
	TimeIndex  *int            `json:"time_index"`
}

func (s *Server) handleUpdateParams(
	w http.ResponseWriter, r *http.Request,
) {
	var req paramsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.Sort != nil {
		if err := s.ctrl.SetSort(*req.Sort); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.ShowSystem != nil {
		s.ctrl.SetShowSystem(*req.ShowSystem)
	}
	if req.Group != nil {
		s.ctrl.SetGroupFilter(*req.Group)
	}
	if req.TimeIndex != nil {
		if err := s.ctrl.SetTimeIndex(*req.TimeIndex); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, s.ctrl.Params())
}

func (s *Server) handleRefresh(
	w http.ResponseWriter, _ *http.Request,
) {
	s.ctrl.Reload()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "reloading",
	})
}

func (s *Server) handleWatchUsage(
	w http.ResponseWriter, r *http.Request,
) {
	stream, err := NewSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"streaming not supported")
		return
	}

	updates, cancel := s.subscribe()
	defer cancel()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	stream.SendJSON("usage", s.currentUsage())
	for {
		select {
		case <-r.Context().Done():
			return
		case <-updates:
			if !stream.SendJSON("usage", s.currentUsage()) {
				return
			}
		case <-heartbeat.C:
			stream.Send("heartbeat", time.Now().Format(time.RFC3339))
		}
	}
}

func (s *Server) handleGetStats(
	w http.ResponseWriter, r *http.Request,
) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
