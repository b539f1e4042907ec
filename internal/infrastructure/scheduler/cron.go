package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"NewsScanner/internal/ports"
)

// EntryInfo describes a registered job.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// CronScheduler runs named jobs on cron expressions; a job never overlaps itself.
type CronScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]entry
	running bool
}

type entry struct {
	id   cron.EntryID
	spec string
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler accepts five-field specs, optional seconds, and @descriptors.
func NewCronScheduler(loc *time.Location, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &CronScheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     context.Background(),
		entries: map[string]entry{},
	}
}

// Schedule registers job under name, replacing an earlier job with the same name.
func (s *CronScheduler) Schedule(name, spec string, job func(ctx context.Context)) error {
	if job == nil {
		return fmt.Errorf("job %s: nil function", name)
	}

	id, err := s.cron.AddFunc(spec, func() {
		ctx := s.jobContext()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		s.logger.Info("job started", "job", name)
		job(ctx)
		s.logger.Info("job finished", "job", name, "duration", time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old.id)
	}
	s.entries[name] = entry{id: id, spec: spec}
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// Start begins dispatching; jobs receive a context cancelled by Stop.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop halts dispatching and waits for running jobs until ctx expires.
func (s *CronScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

// Entries lists registered jobs by name.
func (s *CronScheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, EntryInfo{Name: name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *CronScheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
