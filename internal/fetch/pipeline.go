// Package fetch implements the per-target fetch pipeline: acquire a gateway
// instance, issue the request, parse the response, write survivors through
// the store, and emit lifecycle events.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/perchwatch/perch/internal/events"
	"github.com/perchwatch/perch/internal/feed"
	"github.com/perchwatch/perch/internal/gateway"
	"github.com/perchwatch/perch/internal/metrics"
	"github.com/perchwatch/perch/internal/store"
)

// HTTPStatusError reports an upstream response with status >= 400.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Result summarizes one pipeline run for a single target.
type Result struct {
	Target   string
	New      int
	Error    string
	Instance string
}

// FailedInstance is one failure entry in the on-demand aggregate.
type FailedInstance struct {
	Instance string `json:"instance"`
	Error    string `json:"error"`
	Target   string `json:"target"`
}

// Aggregate is the summary returned by FetchAll.
type Aggregate struct {
	NewCountsByTarget map[string]int   `json:"newCountsByTarget"`
	FailedInstances   []FailedInstance `json:"failedInstances"`
}

// Options tune the pipeline.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	// KeepLast > 0 prunes each target down to that many posts after a fetch.
	KeepLast int
	// SkipUnchanged short-circuits parse+store when the response body hash
	// matches the previous fetch of the same target.
	SkipUnchanged bool
}

// Pipeline drives fetches for individual targets. Safe for concurrent use;
// the scheduler worker and on-demand HTTP requests share one instance.
type Pipeline struct {
	store   *store.Store
	pool    *gateway.Pool
	parser  *feed.Parser
	broker  *events.Broker // nil when the event channel is disabled
	metrics *metrics.Metrics
	client  *http.Client
	opts    Options

	// Body hash of the last fetch per target id.
	fingerprints *xsync.Map[int64, uint64]

	lastRun atomic.Pointer[string]
	now     func() time.Time
}

// New wires a pipeline. broker may be nil.
func New(
	st *store.Store,
	pool *gateway.Pool,
	parser *feed.Parser,
	broker *events.Broker,
	m *metrics.Metrics,
	opts Options,
) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Pipeline{
		store:        st,
		pool:         pool,
		parser:       parser,
		broker:       broker,
		metrics:      m,
		client:       &http.Client{},
		opts:         opts,
		fingerprints: xsync.NewMap[int64, uint64](),
		now:          time.Now,
	}
}

// LastRun returns the wall-clock time of the most recent completed fetch, as
// an ISO-8601 string, or "" if none has completed yet.
func (p *Pipeline) LastRun() string {
	if s := p.lastRun.Load(); s != nil {
		return *s
	}
	return ""
}

// BuildURL constructs the fetch URL for a target on the given base.
func BuildURL(base, kind, value string) string {
	if kind == "hashtag" {
		return base + "/search/rss?f=tweets&q=%23" + url.QueryEscape(value)
	}
	return base + "/" + value + "/rss"
}

// FetchTarget runs the full pipeline for one target synchronously.
func (p *Pipeline) FetchTarget(ctx context.Context, t store.Target) Result {
	inst, err := p.pool.Acquire()
	if err != nil {
		p.metrics.FetchesTotal.WithLabelValues(metrics.OutcomeNoInstance).Inc()
		p.publishError(t.Value, err.Error(), "")
		return Result{Target: t.Value, Error: err.Error()}
	}

	fetchURL := BuildURL(inst.BaseURL, t.Type, t.Value)
	body, contentType, rtt, err := p.get(ctx, fetchURL)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			p.pool.ReleaseFailure(inst, statusErr.StatusCode)
			p.metrics.FetchesTotal.WithLabelValues(metrics.OutcomeHTTPError).Inc()
		} else {
			p.pool.ReleaseFailure(inst, 0)
			p.metrics.FetchesTotal.WithLabelValues(metrics.OutcomeTransportError).Inc()
		}
		log.Printf("[fetch] %s via %s: %v", t.Key(), inst.BaseURL, err)
		p.publishError(t.Value, err.Error(), inst.BaseURL)
		return Result{Target: t.Value, Error: err.Error(), Instance: inst.BaseURL}
	}

	nowISO := p.now().UTC().Format(time.RFC3339)

	fingerprint := xxh3.Hash(body)
	previous, seen := p.fingerprints.Load(t.ID)
	if p.opts.SkipUnchanged && seen && previous == fingerprint {
		// Identical body: nothing new to parse or store.
		if err := p.store.UpdateTargetFetchState(t.ID, t.LastFetchedID, nowISO); err != nil {
			log.Printf("[fetch] %s: update fetch state: %v", t.Key(), err)
		}
		p.publishCooldown(t)
		p.finish(inst, rtt, nowISO)
		return Result{Target: t.Value, Instance: inst.BaseURL}
	}

	entries := p.parser.Parse(body, contentType)

	newCount, storeErr := p.storeEntries(t, entries, inst.BaseURL, nowISO)
	if storeErr != nil {
		// The instance served us fine; the failure is local. The target's
		// fetch state and fingerprint are left untouched so the next cycle
		// re-parses and re-stores even an identical body.
		log.Printf("[fetch] %s: store: %v", t.Key(), storeErr)
		p.metrics.FetchesTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
		p.publishError(t.Value, storeErr.Error(), inst.BaseURL)
		p.pool.ReleaseSuccess(inst, rtt)
		return Result{Target: t.Value, New: newCount, Error: storeErr.Error(), Instance: inst.BaseURL}
	}
	p.fingerprints.Store(t.ID, fingerprint)

	if p.opts.KeepLast > 0 {
		if err := p.store.Prune(p.opts.KeepLast); err != nil {
			log.Printf("[fetch] prune: %v", err)
		}
	}

	firstID := ""
	if len(entries) > 0 {
		firstID = entryID(entries[0])
	}
	if err := p.store.UpdateTargetFetchState(t.ID, firstID, nowISO); err != nil {
		log.Printf("[fetch] %s: update fetch state: %v", t.Key(), err)
	}

	p.publishCooldown(t)
	p.finish(inst, rtt, nowISO)
	return Result{Target: t.Value, New: newCount, Instance: inst.BaseURL}
}

// FetchAll drives the pipeline once over every registered target,
// sequentially, sharing rate-limit and backoff state with the scheduler.
func (p *Pipeline) FetchAll(ctx context.Context) (Aggregate, error) {
	targets, err := p.store.GetTargets()
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{
		NewCountsByTarget: make(map[string]int, len(targets)),
		FailedInstances:   []FailedInstance{},
	}
	for _, t := range targets {
		res := p.FetchTarget(ctx, t)
		agg.NewCountsByTarget[t.Value] = res.New
		if res.Error != "" {
			agg.FailedInstances = append(agg.FailedInstances, FailedInstance{
				Instance: res.Instance,
				Error:    res.Error,
				Target:   t.Value,
			})
		}
	}
	return agg, nil
}

// get issues the HTTP GET with the configured timeout and user agent and
// returns the body, content type, and round-trip time.
func (p *Pipeline) get(ctx context.Context, fetchURL string) ([]byte, string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build request: %w", err)
	}
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return nil, "", rtt, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", rtt, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", rtt, fmt.Errorf("read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), rtt, nil
}

// storeEntries writes parsed entries through the dedupe layer and emits a
// new_post event per stored row. Returns the number of new rows.
func (p *Pipeline) storeEntries(t store.Target, entries []feed.Entry, instance, nowISO string) (int, error) {
	newCount := 0
	for _, e := range entries {
		id := entryID(e)
		if id == "" {
			continue
		}
		content := e.Title
		if content == "" {
			content = e.Summary
		}
		createdAt := e.Published
		if createdAt == "" {
			createdAt = nowISO
		}
		raw := string(e.Raw)
		if raw == "" {
			raw = "{}"
		}

		inserted, err := p.store.UpsertPost(store.Post{
			ID:        id,
			Target:    t.Key(),
			Content:   feed.Plaintext(content),
			CreatedAt: createdAt,
			Raw:       raw,
			FetchedAt: nowISO,
			Instance:  instance,
		})
		if err != nil {
			return newCount, err
		}
		if inserted {
			newCount++
			p.metrics.PostsStoredTotal.Inc()
			if p.broker != nil {
				p.broker.Publish("new_post", map[string]any{
					"target":     t.Value,
					"target_id":  t.ID,
					"post_id":    id,
					"created_at": createdAt,
				})
			}
		}
	}
	return newCount, nil
}

func (p *Pipeline) finish(inst *gateway.Instance, rtt time.Duration, nowISO string) {
	p.pool.ReleaseSuccess(inst, rtt)
	p.metrics.FetchesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	p.metrics.FetchDuration.Observe(rtt.Seconds())
	p.lastRun.Store(&nowISO)
}

func (p *Pipeline) publishCooldown(t store.Target) {
	if p.broker == nil {
		return
	}
	p.broker.Publish("cooldown", map[string]any{
		"target":      t.Value,
		"next_run_in": t.PollIntervalSeconds,
	})
}

func (p *Pipeline) publishError(target, message, instance string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish("error", map[string]any{
		"target":   target,
		"message":  message,
		"instance": instance,
	})
}

// entryID prefers the feed identifier and falls back to the link.
func entryID(e feed.Entry) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Link
}
