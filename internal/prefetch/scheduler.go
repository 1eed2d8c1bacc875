// Package prefetch downloads blocks of open files ahead of client reads.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/objectfs/pfcache/pkg/utils"
)

// Status is a Source's answer to a request for its next block.
type Status int

const (
	// Ready means a block was reserved and the returned task fetches it.
	Ready Status = iota
	// Busy means nothing can start now: the per-file cap or RAM is exhausted.
	Busy
	// Exhausted means the source has nothing left to prefetch.
	Exhausted
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Task downloads one reserved block.
type Task func(ctx context.Context)

// Source is a file that can be prefetched.
type Source interface {
	PrefetchPath() string
	// NextPrefetch reserves the next block to fetch. It must not block.
	NextPrefetch() (Task, Status)
}

// Config represents prefetch scheduler configuration
type Config struct {
	// MaxInFlight caps prefetch downloads across all files
	MaxInFlight int64
	// Interval is the idle poll period; the scheduler also runs whenever
	// Wake is called or a download finishes.
	Interval time.Duration
	Logger   *slog.Logger
}

// Stats tracks scheduler activity
type Stats struct {
	Registered   int   `json:"registered"`
	InFlight     int64 `json:"in_flight"`
	Started      int64 `json:"started"`
	Deregistered int64 `json:"deregistered"`
}

// Scheduler hands out prefetch downloads to registered files in
// round-robin order under a global in-flight cap.
type Scheduler struct {
	mu      sync.Mutex
	sources []Source
	next    int
	stats   Stats

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	wake     chan struct{}
	wg       sync.WaitGroup

	config Config
	logger *slog.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Scheduler{
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		wake:   make(chan struct{}, 1),
		config: cfg,
		logger: utils.ComponentLogger(cfg.Logger, "prefetch"),
	}
}

// Register adds s to the rotation. Registering twice is a no-op.
func (s *Scheduler) Register(src Source) {
	s.mu.Lock()
	for _, existing := range s.sources {
		if existing == src {
			s.mu.Unlock()
			return
		}
	}
	s.sources = append(s.sources, src)
	s.mu.Unlock()

	s.logger.Debug("registered for prefetch", "path", src.PrefetchPath())
	s.Wake()
}

// Deregister removes s from the rotation
func (s *Scheduler) Deregister(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(src)
}

func (s *Scheduler) removeLocked(src Source) bool {
	for i, existing := range s.sources {
		if existing != src {
			continue
		}
		s.sources = append(s.sources[:i], s.sources[i+1:]...)
		if s.next > i {
			s.next--
		}
		if s.next >= len(s.sources) {
			s.next = 0
		}
		s.stats.Deregistered++
		return true
	}
	return false
}

// Wake asks the scheduler to run a cycle soon
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run schedules prefetches until ctx is done, then waits for downloads in
// flight to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.Cycle(ctx)
	}
}

// Cycle starts as many downloads as the global cap and the sources allow
// and returns how many it started.
func (s *Scheduler) Cycle(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		if !s.sem.TryAcquire(1) {
			return started
		}
		task := s.pick()
		if task == nil {
			s.sem.Release(1)
			return started
		}

		started++
		s.inFlight.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			task(ctx)
			s.inFlight.Add(-1)
			s.sem.Release(1)
			s.Wake()
		}()
	}
	return started
}

// pick asks sources in round-robin order for a block, dropping exhausted
// ones, until one is ready or every source has been asked once.
func (s *Scheduler) pick() Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for asked, n := 0, len(s.sources); asked < n && len(s.sources) > 0; asked++ {
		if s.next >= len(s.sources) {
			s.next = 0
		}
		src := s.sources[s.next]
		task, status := src.NextPrefetch()
		switch status {
		case Ready:
			s.next++
			s.stats.Started++
			return task
		case Exhausted:
			s.removeLocked(src)
			s.logger.Debug("prefetch complete", "path", src.PrefetchPath())
		default:
			s.next++
		}
	}
	return nil
}

// InFlight returns the number of running downloads
func (s *Scheduler) InFlight() int64 { return s.inFlight.Load() }

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Registered = len(s.sources)
	stats.InFlight = s.inFlight.Load()
	return stats
}
