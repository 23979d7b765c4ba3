// Package cron runs governance tasks (table refresh, scheduled sweeps) on
// cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a cron expression or descriptor
// such as "@every 10s".
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Job is one scheduled task. A tick is skipped while the previous run of the
// same job is still active.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	mu      sync.Mutex
	status  JobStatus
	entry   cron.EntryID
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Runs     int       `json:"runs"`
	Skipped  int       `json:"skipped"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}

// Scheduler runs jobs on a shared robfig/cron instance.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*Job
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler; an empty timezone uses local time.
func NewScheduler(timezone string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	opts := []cron.Option{cron.WithParser(parser)}
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			opts = append(opts, cron.WithLocation(loc))
		} else {
			log.Warn("Invalid timezone, using local", "timezone", timezone, "error", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: cron.New(opts...), jobs: map[string]*Job{}, log: log, ctx: ctx, cancel: cancel}
}

// Add registers j. Names must be unique.
func (s *Scheduler) Add(j *Job) error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no run function", j.Name)
	}
	if err := ValidateSchedule(j.Schedule); err != nil {
		return fmt.Errorf("cron job %s: %w", j.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("cron job %s already exists", j.Name)
	}
	id, err := s.cron.AddFunc(j.Schedule, func() { s.tick(j) })
	if err != nil {
		return err
	}
	j.entry = id
	j.status = JobStatus{Name: j.Name, Schedule: j.Schedule}
	s.jobs[j.Name] = j
	return nil
}

// Remove unregisters the named job; unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.entry)
		delete(s.jobs, name)
	}
}

func (s *Scheduler) tick(j *Job) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.status.Skipped++
		j.mu.Unlock()
		s.log.Debug("cron tick skipped, previous run active", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	err := j.Run(s.ctx)
	j.mu.Lock()
	j.status.Runs++
	j.status.LastRun = time.Now()
	j.status.LastErr = ""
	if err != nil {
		j.status.LastErr = err.Error()
	}
	j.mu.Unlock()
	if err != nil {
		s.log.Warn("cron job failed", "job", j.Name, "error", err)
	}
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %s not found", name)
	}
	s.tick(j)
	return nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	s.cancel()
	if started {
		<-s.cron.Stop().Done()
	}
}

// Status returns every job's status sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		st.Next = s.cron.Entry(j.entry).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
