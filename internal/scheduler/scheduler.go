package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/worklog/guard/internal/logger"
)

// JobFunc is a unit of scheduled work
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	fn      JobFunc
	timeout time.Duration
}

// Scheduler runs maintenance jobs on cron schedules.
// A job never overlaps with itself and a panicking job does not stop the others.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	mu   sync.Mutex
	jobs map[string]*job
	base context.Context
}

// New creates a stopped scheduler. Schedules use the standard five-field syntax
// plus descriptors such as "@every 5m".
func New(log *logger.Logger) *Scheduler {
	l := log.WithComponent("scheduler")
	adapter := cronLogger{log: l}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log:  l,
		jobs: make(map[string]*job),
		base: context.Background(),
	}
}

// Add registers fn under name. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	j := &job{name: name, fn: fn, timeout: timeout}

	s.mu.Lock()
	if _, exists := s.jobs[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = j
	s.mu.Unlock()

	if spec == "" {
		s.log.Info().Str("job", name).Msg("job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	return nil
}

// Run executes a registered job immediately
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	_ = s.run(base, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.fn(ctx)
	event := s.log.Info()
	if err != nil {
		event = s.log.Error().Err(err)
	}
	event.Str("job", j.name).Dur("duration", time.Since(start)).Msg("job finished")
	return err
}

// Start begins running jobs. Jobs get contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx ends
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop: %w", ctx.Err())
	}
}

// cronLogger adapts the zerolog logger to cron.Logger
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
