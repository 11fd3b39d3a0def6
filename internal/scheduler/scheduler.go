package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// JobFunc is the work a job performs on each run.
type JobFunc func(ctx context.Context) error

// Job is a named unit of recurring work.
type Job struct {
	Name     string
	Schedule string // standard cron or descriptor, e.g. "@every 1m"
	Run      JobFunc
	Timeout  time.Duration
}

// Status represents scheduler status
type Status struct {
	Running bool          `json:"running"`
	Jobs    []JobStatus   `json:"jobs"`
	Uptime  time.Duration `json:"uptime"`
}

// JobStatus is the per-job view of Status.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *JobResult `json:"last_run,omitempty"`
	Successes int        `json:"successes"`
	Failures  int        `json:"failures"`
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

type jobState struct {
	job       Job
	entryID   cron.EntryID
	last      *JobResult
	successes int
	failures  int
}

// Scheduler runs registered jobs on their cron schedules. Overlapping runs
// of the same job are skipped.
type Scheduler struct {
	cron *cron.Cron

	mu        sync.Mutex
	jobs      map[string]*jobState
	running   bool
	startTime time.Time
	base      context.Context
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		jobs: make(map[string]*jobState),
		base: context.Background(),
	}
}

// Register adds a job. It fails on duplicate names or invalid schedules.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job requires a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	name := job.Name
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if _, err := s.RunJob(s.context(), name); err != nil {
			log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.jobs[job.Name] = &jobState{job: job, entryID: id}
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Start runs the scheduler until ctx is cancelled, then waits for running
// jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.base = ctx
	s.startTime = time.Now()
	s.cron.Start()
	s.running = true
	jobs := len(s.jobs)
	s.mu.Unlock()

	log.Info().Int("jobs", jobs).Msg("Scheduler started")

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	log.Info().Msg("Scheduler stopped")
	return ctx.Err()
}

// RunJob executes a job immediately and records its result.
func (s *Scheduler) RunJob(ctx context.Context, name string) (*JobResult, error) {
	s.mu.Lock()
	state, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}

	if state.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, state.job.Timeout)
		defer cancel()
	}

	result := &JobResult{JobName: name, StartTime: time.Now()}
	err := state.job.Run(ctx)
	result.Duration = time.Since(result.StartTime)
	result.Success = err == nil
	if err != nil {
		result.Error = err.Error()
	}

	s.mu.Lock()
	state.last = result
	if err != nil {
		state.failures++
	} else {
		state.successes++
	}
	s.mu.Unlock()

	log.Debug().Str("job", name).Dur("duration", result.Duration).Bool("success", result.Success).Msg("Job finished")
	if err != nil {
		return result, fmt.Errorf("job %s: %w", name, err)
	}
	return result, nil
}

// GetStatus returns current scheduler status
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.running}
	if s.running {
		status.Uptime = time.Since(s.startTime)
	}
	for _, state := range s.jobs {
		js := JobStatus{
			Name:      state.job.Name,
			Schedule:  state.job.Schedule,
			NextRun:   s.cron.Entry(state.entryID).Next,
			Successes: state.successes,
			Failures:  state.failures,
		}
		if state.last != nil {
			last := *state.last
			js.LastRun = &last
		}
		status.Jobs = append(status.Jobs, js)
	}
	sort.Slice(status.Jobs, func(i, j int) bool { return status.Jobs[i].Name < status.Jobs[j].Name })
	return status
}

// cronLogger adapts cron's logger to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
