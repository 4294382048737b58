package api

import (
	"net/http"

	"github.com/perchwatch/perch/internal/fetch"
)

// HandleFetchOnce returns a handler for POST /api/fetch/once. It drives the
// pipeline synchronously over every registered target and reports the
// aggregate.
func HandleFetchOnce(pipeline *fetch.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agg, err := pipeline.FetchAll(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, agg)
	}
}
