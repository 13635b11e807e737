// Package scheduler runs the gateway's housekeeping on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bskylink/bskylink/internal/logger"
)

// Job is a scheduled task
type Job func(ctx context.Context) error

type Options struct {
	Location *time.Location
	// Timeout bounds each run. Defaults to one minute.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnRun is called after every run with the job's error, if any.
	OnRun func(name string, err error)
}

type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	log     *slog.Logger
	onRun   func(name string, err error)

	mu   sync.Mutex
	jobs map[string]entry
}

type entry struct {
	id       cron.EntryID
	schedule string
	job      Job
}

type JobInfo struct {
	Name     string
	Schedule string
	NextRun  time.Time
	LastRun  time.Time
}

func New(opts Options) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		timeout: opts.Timeout,
		log:     opts.Logger,
		onRun:   opts.OnRun,
		jobs:    make(map[string]entry),
	}
	if s.timeout <= 0 {
		s.timeout = time.Minute
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

// AddJob registers job under name. schedule is a standard five-field cron
// spec or a descriptor such as "@hourly" or "@every 1m". Re-adding a name
// replaces the earlier job.
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() { _ = s.run(name, job) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}

	s.mu.Lock()
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.id)
	}
	s.jobs[name] = entry{id: id, schedule: schedule, job: job}
	s.mu.Unlock()

	s.log.Info("job added", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[name]; ok {
		s.cron.Remove(e.id)
		delete(s.jobs, name)
		s.log.Info("job removed", "job", name)
	}
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.run(name, e.job)
}

func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	if err != nil {
		s.log.Warn("job failed", "job", name, "err", err)
	} else {
		s.log.Debug("job done", "job", name, "took", time.Since(start))
	}
	if s.onRun != nil {
		s.onRun(name, err)
	}
	return err
}

func (s *Scheduler) Start() {
	s.log.Info("scheduler starting")
	s.cron.Start()
}

// Stop halts scheduling. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.log.Info("scheduler stopping")
	return s.cron.Stop()
}

// Jobs lists registered jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		ce := s.cron.Entry(e.id)
		infos = append(infos, JobInfo{
			Name:     name,
			Schedule: e.schedule,
			NextRun:  ce.Next,
			LastRun:  ce.Prev,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
