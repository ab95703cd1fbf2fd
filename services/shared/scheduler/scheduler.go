// Package scheduler runs periodic background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is a scheduled unit of work. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// ErrorHandler receives errors returned by jobs.
type ErrorHandler func(name string, err error)

// Job describes a registered job.
type Job struct {
	Name     string
	Schedule string
	EntryID  cron.EntryID
	Next     time.Time
}

// Scheduler manages scheduled jobs.
type Scheduler struct {
	cron    *cron.Cron
	onError ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]cron.EntryID
}

// New creates a new scheduler. Schedules use the six-field cron format with
// seconds, and descriptors such as "@every 15m".
func New(onError ErrorHandler) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]cron.EntryID),
	}
}

// AddJob registers a job under a unique name.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		if err := fn(s.ctx); err != nil {
			s.onError(name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling job %q: %w", name, err)
	}

	s.jobs[name] = id
	return nil
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for name, id := range s.jobs {
		entry := s.cron.Entry(id)
		jobs = append(jobs, Job{Name: name, EntryID: id, Next: entry.Next})
	}
	return jobs
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
