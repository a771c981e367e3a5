package imputation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
)

// Job is a recurring imputation run for one target set
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	EntityType  string     `json:"entity_type"`
	Targets     []string   `json:"targets"`
	Schedule    string     `json:"schedule"`
	CreatedAt   time.Time  `json:"created_at"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastSummary *Summary   `json:"last_summary,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Scheduler runs imputation jobs on cron schedules
type Scheduler struct {
	runner  *Runner
	cron    *cron.Cron
	logger  *logging.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID // Maps job ID to cron entry ID
}

// NewScheduler creates a scheduler. timeout bounds each run; zero means no
// limit.
func NewScheduler(runner *Runner, timeout time.Duration, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		runner:  runner,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.WithFields(logging.Component("scheduler")),
		timeout: timeout,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Imputation scheduler started", logging.Int("jobs", len(s.List())))
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Imputation scheduler stopped")
}

// Add schedules a new job
func (s *Scheduler) Add(name, entityType string, targets []string, spec string) (*Job, error) {
	if entityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	next := schedule.Next(now)
	job := &Job{
		ID:         uuid.New().String(),
		Name:       name,
		EntityType: entityType,
		Targets:    slices.Clone(targets),
		Schedule:   spec,
		CreatedAt:  now,
		NextRun:    &next,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.entries[job.ID] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.execute(job.ID, schedule)
	}))

	s.logger.Info("Scheduled imputation job",
		logging.String("job_id", job.ID),
		logging.String("name", job.Name),
		logging.String("schedule", job.Schedule))
	return s.snapshot(job), nil
}

// Remove unschedules a job
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	delete(s.jobs, id)
	return nil
}

// Get returns a copy of one job
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return s.snapshot(job), nil
}

// List returns copies of all jobs ordered by name
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, s.snapshot(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, id string) (*Summary, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	summary, err := s.run(ctx, job)
	s.record(id, summary, err, nil)
	return summary, err
}

// execute is the cron callback for a job
func (s *Scheduler) execute(id string, schedule cron.Schedule) {
	job, err := s.Get(id)
	if err != nil {
		return
	}
	s.logger.Info("Executing scheduled imputation", logging.String("name", job.Name))

	summary, err := s.run(context.Background(), job)
	next := schedule.Next(time.Now())
	s.record(id, summary, err, &next)
}

func (s *Scheduler) run(ctx context.Context, job *Job) (*Summary, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	summary, err := s.runner.Run(ctx, job.EntityType, job.Targets)
	if err != nil {
		s.logger.Error("Scheduled imputation failed", err, logging.String("name", job.Name))
	}
	return summary, err
}

func (s *Scheduler) record(id string, summary *Summary, err error, next *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	now := time.Now()
	job.LastRun = &now
	if next != nil {
		job.NextRun = next
	}
	job.LastSummary = summary
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
}

func (s *Scheduler) snapshot(job *Job) *Job {
	copied := *job
	copied.Targets = slices.Clone(job.Targets)
	return &copied
}
