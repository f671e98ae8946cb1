// Package scheduling runs engine maintenance (registry reloads, history
// pruning) on cron expressions or fixed intervals.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionRegistryReload ScheduledAction = "registry_reload"
	ActionHistoryPrune   ScheduledAction = "history_prune"
	ActionAuditRetention ScheduledAction = "audit_retention"
)

// DefaultTaskTimeout bounds a single run of a scheduled action.
const DefaultTaskTimeout = 5 * time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
	OneShot  bool
}

// EntryStatus describes one scheduled task for the status endpoint.
type EntryStatus struct {
	Name     string          `json:"name"`
	Action   ScheduledAction `json:"action"`
	Schedule string          `json:"schedule"`
	Next     time.Time       `json:"next"`
	Prev     time.Time       `json:"prev,omitzero"`
}

type entry struct {
	id   cron.EntryID
	task ScheduledTask
}

// Scheduler runs tasks on a recurring schedule using cron expressions or
// durations. A run that is still going when its next tick arrives is skipped.
type Scheduler struct {
	cron        *cron.Cron
	actions     map[ScheduledAction]func(ctx context.Context) error
	entries     map[string]entry
	logger      *slog.Logger
	taskTimeout time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	// Recover must sit inside SkipIfStillRunning so a panic still releases
	// the running token.
	cl := cronLogger{logger}
	return &Scheduler{
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl))),
		actions:     make(map[ScheduledAction]func(ctx context.Context) error),
		entries:     make(map[string]entry),
		logger:      logger,
		taskTimeout: DefaultTaskTimeout,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. Task names are unique.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, dup := s.entries[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already scheduled", task.Name)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(task, fn) }))
	s.entries[task.Name] = entry{id: id, task: task}
	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(task ScheduledTask, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(taskCtx); err != nil {
		s.logger.Warn("scheduled task failed", "task", task.Name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Info("scheduled task completed", "task", task.Name, "duration", time.Since(start))
	}

	if task.OneShot {
		s.remove(task.Name)
	}
}

// RemoveTask unschedules a task by name.
func (s *Scheduler) RemoveTask(name string) error {
	if !s.remove(name) {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	return nil
}

func (s *Scheduler) remove(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	delete(s.entries, name)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(e.id)
	}
	return ok
}

// Entries returns the scheduled tasks sorted by name.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	list := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.Unlock()

	out := make([]EntryStatus, 0, len(list))
	for _, e := range list {
		ce := s.cron.Entry(e.id)
		out = append(out, EntryStatus{
			Name:     e.task.Name,
			Action:   e.task.Action,
			Schedule: e.task.Schedule,
			Next:     ce.Next,
			Prev:     ce.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule parses a cron expression (with descriptors such as @hourly)
// or, failing that, a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
