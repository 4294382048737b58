package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/perchwatch/perch/internal/config"
	"github.com/perchwatch/perch/internal/events"
	"github.com/perchwatch/perch/internal/store"
)

type createTargetRequest struct {
	Type                string `json:"type"`
	Value               string `json:"value"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

func validateTarget(req createTargetRequest) (createTargetRequest, error) {
	req.Value = strings.TrimSpace(req.Value)
	if req.Type != config.TargetKindUser && req.Type != config.TargetKindHashtag {
		return req, fmt.Errorf("type must be %q or %q", config.TargetKindUser, config.TargetKindHashtag)
	}
	if req.Value == "" {
		return req, fmt.Errorf("value must not be empty")
	}
	if req.PollIntervalSeconds < config.MinPollInterval {
		return req, fmt.Errorf("poll_interval_seconds must be >= %d", config.MinPollInterval)
	}
	return req, nil
}

// HandleListTargets returns a handler for GET /api/targets.
func HandleListTargets(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets, err := st.GetTargets()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if targets == nil {
			targets = []store.Target{}
		}
		WriteJSON(w, http.StatusOK, targets)
	}
}

// HandleCreateTarget returns a handler for POST /api/targets. A created
// target is announced with a tick event so the UI can show it as pending.
func HandleCreateTarget(st *store.Store, broker *events.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTargetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req, err := validateTarget(req)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		id, err := st.AddTarget(req.Type, req.Value, req.PollIntervalSeconds)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		created, err := st.GetTarget(id)
		if err != nil || created == nil {
			WriteError(w, http.StatusInternalServerError, "target not readable after insert")
			return
		}

		if broker != nil {
			broker.Publish("tick", map[string]any{
				"target":       created.Value,
				"target_id":    created.ID,
				"scheduled_at": time.Now().UTC().Format(time.RFC3339),
			})
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

// HandleDeleteTarget returns a handler for DELETE /api/targets/{id}.
func HandleDeleteTarget(st *store.Store, broker *events.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "id must be an integer")
			return
		}
		existing, err := st.GetTarget(id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if existing == nil {
			WriteError(w, http.StatusNotFound, "target not found")
			return
		}
		if _, err := st.DeleteTarget(id); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if broker != nil {
			broker.Publish("cooldown", map[string]any{
				"target":  id,
				"deleted": true,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}
