package api

import (
	"net/http"

	"github.com/perchwatch/perch/internal/config"
	"github.com/perchwatch/perch/internal/fetch"
	"github.com/perchwatch/perch/internal/gateway"
	"github.com/perchwatch/perch/internal/scheduler"
)

type healthResponse struct {
	Status        string           `json:"status"`
	RTTByInstance []gateway.Health `json:"rttByInstance"`
	QueueSize     int64            `json:"queueSize"`
	LastRun       string           `json:"lastRun"`
}

// HandleHealth returns a handler for GET /api/health.
func HandleHealth(pool *gateway.Pool, sched *scheduler.Scheduler, pipeline *fetch.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:        "ok",
			RTTByInstance: pool.Snapshot(),
		}
		if sched != nil {
			resp.QueueSize = sched.QueueSize()
		}
		if pipeline != nil {
			resp.LastRun = pipeline.LastRun()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleConfig returns a handler for GET /api/config exposing the loaded
// configuration.
func HandleConfig(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg)
	}
}
