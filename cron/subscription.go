package cron

import (
	"context"
	"sync"
	"time"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls one scheduled job.
type Handle interface {
	ID() int64
	Name() string
	// At is the planned run time of a one-shot job; zero for cron jobs.
	At() time.Time
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
}

type handle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	name      string
	at        time.Time
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	once   sync.Once
}

func (h *handle) ID() int64     { return h.id }
func (h *handle) Name() string  { return h.name }
func (h *handle) At() time.Time { return h.at }

// Cancel stops future runs. A run already in progress sees its context
// cancelled only between retry attempts.
func (h *handle) Cancel() {
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *handle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *handle) setTerminal(status ScheduleStatus, err error) {
	h.setStatus(status, err)
	select {
	case <-h.done:
	default:
		close(h.done)
		if h.cancel != nil {
			h.cancel()
		}
	}
}
