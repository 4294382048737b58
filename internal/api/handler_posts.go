package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/maypok86/otter"

	"github.com/perchwatch/perch/internal/store"
)

const (
	defaultPostLimit  = 50
	postCacheCapacity = 256
	postCacheTTL      = 2 * time.Second
)

func newPostCache() otter.Cache[string, []byte] {
	cache, err := otter.MustBuilder[string, []byte](postCacheCapacity).
		WithTTL(postCacheTTL).
		Build()
	if err != nil {
		panic(err)
	}
	return cache
}

// postView materializes a post for API responses with raw re-parsed into a
// structured object.
func postView(p store.Post) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"target":     p.Target,
		"content":    p.Content,
		"created_at": p.CreatedAt,
		"raw":        p.RawObject(),
		"fetched_at": p.FetchedAt,
		"instance":   p.Instance,
	}
}

// HandleListPosts returns a handler for GET /api/tweets. Responses are served
// through a short-TTL cache keyed by the query parameters, so repeated polls
// from the UI see at most postCacheTTL of staleness.
func HandleListPosts(st *store.Store, cache otter.Cache[string, []byte]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		target := q.Get("target")
		query := q.Get("q")
		limit := defaultPostLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		key := fmt.Sprintf("%s\x00%d\x00%s", target, limit, query)
		if body, ok := cache.Get(key); ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Write(body)
			return
		}

		posts, err := st.GetPosts(target, limit, query)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]map[string]any, 0, len(posts))
		for _, p := range posts {
			views = append(views, postView(p))
		}
		body, err := json.Marshal(views)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		cache.Set(key, body)

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(body)
	}
}

// HandleExport returns a handler for GET /api/export.jsonl. Posts stream out
// one JSON object per line, newest first.
func HandleExport(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jsonl")
		w.Header().Set("Content-Disposition", `attachment; filename=export.jsonl`)

		err := st.ExportPosts(func(line []byte) error {
			if _, err := w.Write(line); err != nil {
				return err
			}
			_, err := w.Write([]byte("\n"))
			return err
		})
		if err != nil {
			// Headers are already out; all we can do is log and cut the stream.
			log.Printf("[api] export aborted: %v", err)
		}
	}
}
