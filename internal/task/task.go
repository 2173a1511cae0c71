package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyStarted is returned by Start on a running task
var ErrAlreadyStarted = errors.New("task already started")

// Func is one cycle of a task
type Func func(ctx context.Context) error

// Schedule decides when the next cycle starts
type Schedule interface {
	Next(now time.Time) time.Time
	String() string
}

// Every runs a cycle at a fixed interval
type Every time.Duration

func (e Every) Next(now time.Time) time.Time {
	return now.Add(time.Duration(e))
}

func (e Every) String() string {
	return time.Duration(e).String()
}

// Daily runs a cycle once a day at a wall-clock time
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// DailyAt creates a daily schedule; a nil location means UTC
func DailyAt(hour, minute int, loc *time.Location) Daily {
	if loc == nil {
		loc = time.UTC
	}
	return Daily{Hour: hour, Minute: minute, Location: loc}
}

// Next returns the first occurrence strictly after now
func (d Daily) Next(now time.Time) time.Time {
	local := now.In(d.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, d.Location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, d.Location)
	}
	return next
}

func (d Daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", d.Hour, d.Minute, d.Location)
}

// Options tune a task
type Options struct {
	// RunOnStart runs a cycle as soon as the task starts
	RunOnStart bool
	// Timeout bounds a single cycle; zero means unbounded
	Timeout time.Duration
}

// Status is a snapshot of a task for the status query
type Status struct {
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	Busy       bool   `json:"busy"`
	Schedule   string `json:"schedule"`
	Interval   string `json:"interval,omitempty"`
	LastStart  int64  `json:"last_start,omitempty"`
	LastFinish int64  `json:"last_finish,omitempty"`
	NextRun    int64  `json:"next_run,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Runs       int64  `json:"runs"`
	Failures   int64  `json:"failures"`
}

// Task is a periodically scheduled loop. Cycles never overlap: a manual run waits for the
// cycle in progress, and stopping the task lets the current cycle finish.
type Task struct {
	name     string
	schedule Schedule
	fn       Func
	opts     Options
	log      *logrus.Logger
	now      func() time.Time

	run sync.Mutex // held for the duration of a cycle

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// New creates a stopped task
func New(name string, schedule Schedule, fn Func, opts Options, log *logrus.Logger) *Task {
	t := &Task{
		name:     name,
		schedule: schedule,
		fn:       fn,
		opts:     opts,
		log:      log,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	t.status = Status{Name: name, Schedule: schedule.String()}
	if every, ok := schedule.(Every); ok {
		t.status.Interval = time.Duration(every).String()
	}
	return t
}

// Name returns the task name
func (t *Task) Name() string {
	return t.name
}

// Start launches the loop. It returns at once; the loop ends when ctx is done or Stop is called.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.status.Running = true

	go t.loop(ctx, t.done)

	t.log.WithFields(logrus.Fields{
		"task":     t.name,
		"schedule": t.schedule.String(),
	}).Info("Task started")
	return nil
}

// Stop ends the loop and waits for the current cycle, or for ctx
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		t.log.WithField("task", t.name).Info("Task stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the loop has exited
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Trigger asks the loop for an extra cycle without waiting for it
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// RunNow runs one cycle synchronously, after any cycle already in progress
func (t *Task) RunNow(ctx context.Context) error {
	return t.runOnce(ctx)
}

// Status returns a snapshot of the task
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.status.Running = false
		t.status.NextRun = 0
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
		t.mu.Unlock()
		close(done)
	}()

	if t.opts.RunOnStart {
		t.runOnce(ctx)
	}

	for {
		next := t.schedule.Next(t.now())
		t.mu.Lock()
		t.status.NextRun = next.Unix()
		t.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.trigger:
			timer.Stop()
		case <-timer.C:
		}

		if ctx.Err() != nil {
			return
		}
		t.runOnce(ctx)
	}
}

func (t *Task) runOnce(ctx context.Context) error {
	t.run.Lock()
	defer t.run.Unlock()

	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	start := t.now()
	t.mu.Lock()
	t.status.Busy = true
	t.status.LastStart = start.Unix()
	t.mu.Unlock()

	err := t.fn(ctx)

	finish := t.now()
	t.mu.Lock()
	t.status.Busy = false
	t.status.LastFinish = finish.Unix()
	t.status.Runs++
	if err != nil {
		t.status.Failures++
		t.status.LastError = err.Error()
	} else {
		t.status.LastError = ""
	}
	t.mu.Unlock()

	entry := t.log.WithFields(logrus.Fields{
		"task":     t.name,
		"duration": finish.Sub(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("Task cycle failed")
	} else {
		entry.Debug("Task cycle complete")
	}
	return err
}
