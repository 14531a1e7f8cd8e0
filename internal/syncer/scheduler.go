package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the nightly pass at 23:30 server time.
const DefaultSchedule = "30 23 * * *"

// Scheduler triggers Runner.RunPass on a cron spec, off the request path.
// A pass still running when the next tick fires makes that tick a no-op.
type Scheduler struct {
	runner *Runner
	spec   string
	logger *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	// base is the parent context of every pass; Stop cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last *PassResult
}

func NewScheduler(runner *Runner, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}

	cronLogger := cronLogAdapter{logger: logger}
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner: runner,
		spec:   spec,
		logger: logger,
		cron:   c,
		base:   base,
		cancel: cancel,
	}

	id, err := c.AddJob(spec, cron.FuncJob(s.run))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("syncer: parsing schedule %q: %w", spec, err)
	}
	s.entryID = id
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("sync scheduler started",
		slog.String("schedule", s.spec),
		slog.Time("nextRun", s.NextRun()),
	)
}

// Stop prevents new passes, cancels a running one and waits for it to return
// or for ctx to end, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("syncer: waiting for running pass: %w", ctx.Err())
	}
}

// NextRun is the zero time until Start has been called.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// LastResult returns the most recent scheduled pass, or nil before the first.
func (s *Scheduler) LastResult() *PassResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run() {
	res := s.runner.RunPass(s.base)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
}

// cronLogAdapter sends robfig/cron's internal logging to slog.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
