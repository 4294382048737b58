// Package scheduler runs the periodic polling loop. Every quantum it scans
// the registered targets and fetches the ones whose poll interval has lapsed.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perchwatch/perch/internal/events"
	"github.com/perchwatch/perch/internal/fetch"
	"github.com/perchwatch/perch/internal/metrics"
	"github.com/perchwatch/perch/internal/store"
)

// Quantum is the scan cadence. Effective poll intervals round up to it.
const Quantum = 5 * time.Second

// Fetcher is the slice of the fetch pipeline the scheduler drives.
type Fetcher interface {
	FetchTarget(ctx context.Context, t store.Target) fetch.Result
}

// Scheduler owns the background polling goroutine.
type Scheduler struct {
	store   *store.Store
	fetcher Fetcher
	broker  *events.Broker // nil when the event channel is disabled
	metrics *metrics.Metrics

	quantum   time.Duration
	queueSize atomic.Int64
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

// New wires a scheduler. broker may be nil.
func New(st *store.Store, fetcher Fetcher, broker *events.Broker, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:   st,
		fetcher: fetcher,
		broker:  broker,
		metrics: m,
		quantum: Quantum,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the polling loop in its own goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	log.Printf("[scheduler] started (quantum %s)", s.quantum)
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// QueueSize reports how many due targets the current cycle has left to
// process.
func (s *Scheduler) QueueSize() int64 {
	return s.queueSize.Load()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.quantum)
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			s.runCycle()
			timer.Reset(s.quantum)
		}
	}
}

// runCycle scans all targets once and fetches the due ones sequentially.
// A panic in one cycle is contained; the loop keeps running.
func (s *Scheduler) runCycle() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] cycle panic: %v", r)
			if s.broker != nil {
				s.broker.Publish("error", map[string]any{
					"target":   "",
					"message":  "scheduler cycle panic",
					"instance": "",
				})
			}
			s.queueSize.Store(0)
			s.metrics.SchedulerQueueSize.Set(0)
		}
	}()

	targets, err := s.store.GetTargets()
	if err != nil {
		log.Printf("[scheduler] list targets: %v", err)
		return
	}

	now := s.now()
	var due []store.Target
	for _, t := range targets {
		if s.isDue(t, now) {
			due = append(due, t)
		}
	}

	s.queueSize.Store(int64(len(due)))
	s.metrics.SchedulerQueueSize.Set(float64(len(due)))
	for _, t := range due {
		if s.broker != nil {
			s.broker.Publish("tick", map[string]any{
				"target":       t.Value,
				"target_id":    t.ID,
				"scheduled_at": now.UTC().Format(time.RFC3339),
			})
		}
		s.fetcher.FetchTarget(context.Background(), t)
		s.queueSize.Add(-1)
		s.metrics.SchedulerQueueSize.Dec()
	}
	s.queueSize.Store(0)
	s.metrics.SchedulerQueueSize.Set(0)
}

// isDue reports whether the target's poll interval has lapsed. A target that
// has never been fetched, or whose recorded time does not parse, is due now.
func (s *Scheduler) isDue(t store.Target, now time.Time) bool {
	if t.LastFetchedAt == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, t.LastFetchedAt)
	if err != nil {
		return true
	}
	return now.Sub(last) >= time.Duration(t.PollIntervalSeconds)*time.Second
}
