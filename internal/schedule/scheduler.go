// Package schedule runs recurring exports on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/justapithecus/sluice/sluice"
)

// Job is one recurring export.
type Job struct {
	// Name identifies the job in logs.
	Name string `yaml:"name"`

	// Spec is a standard five-field cron expression, or a descriptor such
	// as "@daily".
	Spec string `yaml:"spec"`

	Query  string   `yaml:"query"`
	Format string   `yaml:"format"`
	Sort   string   `yaml:"sort"`
	Fields []string `yaml:"fields"`
}

// Request converts the job into an export request.
func (j Job) Request() (sluice.ExportRequest, error) {
	format, err := sluice.ParseFormat(j.Format)
	if err != nil {
		return sluice.ExportRequest{}, err
	}
	req := sluice.ExportRequest{
		Query:    j.Query,
		Format:   format,
		SortHint: j.Sort,
		Fields:   j.Fields,
	}
	return req, req.Validate()
}

// Validate checks the cron expression and the export request.
func (j Job) Validate() error {
	if _, err := cron.ParseStandard(j.Spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", j.Spec, err)
	}
	_, err := j.Request()
	return err
}

// Runner runs one export. *sluice.Exporter satisfies it.
type Runner interface {
	Run(ctx context.Context, req sluice.ExportRequest) (sluice.ExportResult, error)
}

// Scheduler runs jobs through a Runner. A job still running when its next
// tick arrives is skipped for that tick.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for runner.
func NewScheduler(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "schedule")
	return &Scheduler{
		runner: runner,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
}

// Add registers a job. Jobs run with ctx, so canceling it aborts
// in-flight exports.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}
	req, _ := job.Request()

	_, err := s.cron.AddFunc(job.Spec, func() {
		s.run(ctx, job.Name, req)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", job.Name, err)
	}
	s.logger.Info("export scheduled", "job", job.Name, "spec", job.Spec, "format", req.Format)
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, req sluice.ExportRequest) {
	s.logger.Info("starting scheduled export", "job", name)

	result, err := s.runner.Run(ctx, req)
	if err != nil {
		s.logger.Error("scheduled export failed", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled export completed",
		"job", name,
		"name", result.Name,
		"locator", result.Locator,
		"records", result.RecordCount,
	)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
