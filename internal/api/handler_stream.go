package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/perchwatch/perch/internal/events"
)

// heartbeatInterval is how long the stream may stay silent before a
// heartbeat frame is synthesized.
const heartbeatInterval = 15 * time.Second

// HandleStream returns a handler for GET /api/stream, the SSE transport over
// the event broker. Each connection gets its own subscriber; falling behind
// the queue bound ends the stream.
func HandleStream(broker *events.Broker) http.HandlerFunc {
	return handleStream(broker, heartbeatInterval)
}

func handleStream(broker *events.Broker, heartbeatEvery time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if broker == nil {
			WriteError(w, http.StatusServiceUnavailable, "event stream disabled")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		fmt.Fprint(w, "event: hello\ndata: {}\n\n")
		flusher.Flush()

		heartbeat := time.NewTimer(heartbeatEvery)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case payload, open := <-sub.C():
				if !open {
					// Dropped as a slow consumer.
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
			case <-heartbeat.C:
				fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			}
			flusher.Flush()
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(heartbeatEvery)
		}
	}
}
