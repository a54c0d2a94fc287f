package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/config"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionHistoryPrune   ScheduledAction = "history_prune"
	ActionAuditRetention ScheduledAction = "audit_retention"
	ActionTabReap        ScheduledAction = "tab_reap"
)

// taskTimeout bounds a single run of any maintenance action.
const taskTimeout = 5 * time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
	OneShot  bool
}

// TaskStatus reports the state of one registered task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

type taskState struct {
	status  TaskStatus
	entryID cron.EntryID
}

// TaskDonePayload is published with scheduler.task.done.
type TaskDonePayload struct {
	Task     string `json:"task"`
	Action   string `json:"action"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// Scheduler runs maintenance tasks on a recurring schedule using cron
// expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	actions map[ScheduledAction]func(ctx context.Context) error
	tasks   map[string]*taskState
	bus     domain.EventBus
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(logger *slog.Logger, bus domain.EventBus) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		tasks:   make(map[string]*taskState),
		bus:     bus,
		logger:  logger,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTasks registers every configured task. It stops at the first failure.
func (s *Scheduler) AddTasks(tasks []config.ScheduledTaskConfig) error {
	for _, t := range tasks {
		if err := s.AddTask(ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   ScheduledAction(t.Action),
			OneShot:  t.OneShot,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, dup := s.tasks[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q: %w", task.Name, domain.ErrDuplicate)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	state := &taskState{status: TaskStatus{
		Name:     task.Name,
		Action:   string(task.Action),
		Schedule: task.Schedule,
	}}
	state.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(task, fn, state)
	}))
	s.tasks[task.Name] = state

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(task ScheduledTask, fn func(context.Context) error, state *taskState) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	err := fn(taskCtx)
	elapsed := time.Since(start)

	payload := TaskDonePayload{Task: task.Name, Action: string(task.Action), Duration: elapsed.String()}
	if err != nil {
		payload.Error = err.Error()
		s.logger.Warn("scheduled task failed", "task", task.Name, "error", err, "duration", elapsed)
	} else {
		s.logger.Info("scheduled task completed", "task", task.Name, "duration", elapsed)
	}

	s.mu.Lock()
	state.status.LastRun = start
	state.status.LastError = payload.Error
	state.status.Runs++
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(ctx, domain.NewEvent(ctx, domain.EventSchedulerTaskDone, payload))
	}

	if task.OneShot {
		s.cron.Remove(state.entryID)
	}
}

// Tasks returns the status of every registered task, sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		status := st.status
		if entry := s.cron.Entry(st.entryID); entry.ID != 0 {
			status.NextRun = entry.Next
		}
		out = append(out, status)
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
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu to record their status, so wait unlocked.
	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
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
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
