// Package cron schedules one-shot and recurring jobs on top of robfig/cron.
// Every run goes through the runner so jobs get the same timeout, retry and
// panic handling as saga handlers.
package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-migration/runner"
)

// Logger is the subset of migration.Logger the scheduler needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	policy       runner.Policy

	logger   Logger
	parser   Parser
	logLevel LogLevel

	nextHandleID int64
	handles      map[int64]*handle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*handle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job on every tick of expression until cancelled.
func (s *Scheduler) ScheduleCron(name, expression string, job Job) (Handle, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}

	h := s.newHandle(name)
	entry := rcron.FuncJob(func() {
		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(ScheduleStatusRunning, nil)
		if err := s.run(h, job); err != nil {
			h.setStatus(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		if !isTerminalStatus(h.Status()) {
			h.setStatus(ScheduleStatusIdle, nil)
		}
	})

	entryID, err := s.cron.AddJob(expression, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// ScheduleAt schedules one execution at a specific time. A time in the past
// runs immediately.
func (s *Scheduler) ScheduleAt(name string, at time.Time, job Job) (Handle, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}

	h := s.newHandle(name)
	h.at = at
	s.storeHandle(h)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.Done():
			return
		}

		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(ScheduleStatusRunning, nil)
		err := s.run(h, job)
		s.removeStoredHandle(h.id)
		if err != nil {
			h.setTerminal(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.setTerminal(ScheduleStatusCompleted, nil)
	}()

	return h, nil
}

func (s *Scheduler) run(h *handle, job Job) error {
	out := runner.Invoke(h.ctx, s.policy, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, job(ctx)
	})
	if out.OK() {
		if s.logger != nil && s.logLevel >= LogLevelInfo {
			s.logger.Info("scheduled job %s finished attempts=%d", h.name, out.Attempts)
		}
		return nil
	}
	return fmt.Errorf("scheduled job %s: %w", h.name, out.Err)
}

// Handles returns the live handles ordered by id.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for id := int64(1); id <= s.nextHandleID; id++ {
		if h, ok := s.handles[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs and marks active handles as stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	<-s.cron.Stop().Done()

	var handles []*handle
	s.mu.Lock()
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h == nil {
			continue
		}
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		if isTerminalStatus(h.Status()) {
			continue
		}
		h.setTerminal(ScheduleStatusStopped, nil)
	}
	return nil
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h == nil {
		return
	}
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *handle {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logLevel > LogLevelSilent:
		cronLogger = makeLogger(os.Stderr, s.logLevel)
	}

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
