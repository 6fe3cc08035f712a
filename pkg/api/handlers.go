package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/capacityd/capacityd/pkg/pool"
)

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, pool.NewValidationError("failed to read request body", nil))
		return
	}

	if err := validateAllocateBody(body); err != nil {
		s.writeError(w, pool.NewValidationError(err.Error(), nil))
		return
	}

	var req AllocateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, pool.NewValidationError("malformed JSON body", nil))
		return
	}

	res, err := s.pool.Allocate(pool.Request{
		ID:           req.ID,
		Type:         pool.ResourceType(req.Type),
		Priority:     pool.Priority(req.Priority),
		Requirements: req.Requirements,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, leaseResponse(res))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.pool.Release(pool.Resource{ID: id}); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"released": id})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	view := s.pool.Monitor()
	state := s.pool.Health()

	s.writeJSON(w, http.StatusOK, PoolStatusResponse{
		Health:      view.Health,
		Utilization: view.Utilization,
		Score:       state.Score,
		Stats:       s.pool.Stats(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.ForceUpdate(); err != nil {
		// The previous health reading is retained; surface the sampling
		// failure to the caller.
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: Error{
			Kind:    "DETECTOR_ERROR",
			Message: err.Error(),
		}})
		return
	}

	s.writeJSON(w, http.StatusOK, healthStateResponse(s.pool.Health()))
}

func (s *Server) handleHealthState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthStateResponse(s.healthMgr.Current()))
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)

	transitions, err := s.store.Transitions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]TransitionEvent, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, transitionEvent(t))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		s.writeError(w, pool.NewValidationError("reset reason must not be empty", nil))
		return
	}

	if !s.healthMgr.Reset(body.Reason) {
		s.writeError(w, pool.NewValidationError("reset applies only to an unhealthy system", map[string]string{
			"status": string(s.healthMgr.Status()),
		}))
		return
	}

	s.writeJSON(w, http.StatusOK, healthStateResponse(s.healthMgr.Current()))
}

func (s *Server) handleLeaseEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)

	events, err := s.store.LeaseEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealthWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.watchers[conn] = true
	s.mu.Unlock()

	s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Health watch connected")

	// Reads only serve to detect the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.watchers, conn)
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
