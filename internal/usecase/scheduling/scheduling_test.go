package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/config"
	"lia-terminal/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionHistoryPrune, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{Name: "prune", Schedule: "50ms", Action: ActionHistoryPrune}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].Runs < 1 || tasks[0].LastRun.IsZero() {
		t.Errorf("status = %+v", tasks)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	if err := s.AddTask(ScheduledTask{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"}); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerDuplicateName(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionTabReap, func(context.Context) error { return nil })

	if err := s.AddTask(ScheduledTask{Name: "reap", Schedule: "1h", Action: ActionTabReap}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	err := s.AddTask(ScheduledTask{Name: "reap", Schedule: "2h", Action: ActionTabReap})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestSchedulerAddTasksFromConfig(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	for _, a := range []ScheduledAction{ActionHistoryPrune, ActionAuditRetention, ActionTabReap} {
		s.RegisterAction(a, func(context.Context) error { return nil })
	}

	err := s.AddTasks([]config.ScheduledTaskConfig{
		{Name: "prune", Schedule: "@daily", Action: "history_prune"},
		{Name: "audit", Schedule: "0 3 * * *", Action: "audit_retention"},
		{Name: "reap", Schedule: "10m", Action: "tab_reap"},
	})
	if err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	tasks := s.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].Name != "audit" || tasks[1].Name != "prune" || tasks[2].Name != "reap" {
		t.Errorf("tasks not sorted by name: %+v", tasks)
	}
	for _, ts := range tasks {
		if ts.NextRun.IsZero() {
			t.Errorf("task %q has no next run", ts.Name)
		}
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionTabReap, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(ScheduledTask{Name: "reap", Schedule: "50ms", Action: ActionTabReap})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("task continued after context cancellation")
	}
}

func TestSchedulerActionErrorRecorded(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	done := make(chan domain.Event, 8)
	bus.Subscribe(domain.EventSchedulerTaskDone, func(_ context.Context, e domain.Event) {
		done <- e
	})

	s := NewScheduler(newTestLogger(), bus)
	s.RegisterAction(ActionAuditRetention, func(ctx context.Context) error {
		return fmt.Errorf("simulated error")
	})
	s.AddTask(ScheduledTask{Name: "failing", Schedule: "50ms", Action: ActionAuditRetention, OneShot: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var ev domain.Event
	select {
	case ev = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no scheduler.task.done event")
	}
	s.Stop()
	bus.Close()

	var payload TaskDonePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Task != "failing" || payload.Error != "simulated error" {
		t.Errorf("payload = %+v", payload)
	}
	if got := s.Tasks()[0].LastError; got != "simulated error" {
		t.Errorf("LastError = %q", got)
	}
}

func TestSchedulerDoubleStop(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without start: %v", err)
	}
}

func TestSchedulerOneShot(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionHistoryPrune, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(ScheduledTask{Name: "one-shot", Schedule: "50ms", Action: ActionHistoryPrune, OneShot: true}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(300 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c != 1 {
		t.Errorf("one-shot fired %d times, expected exactly 1", c)
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	s.RegisterAction(ActionHistoryPrune, func(ctx context.Context) error { return nil })

	if err := s.AddTask(ScheduledTask{Name: "bad", Schedule: "not-valid", Action: ActionHistoryPrune}); err == nil {
		t.Error("expected error for invalid schedule string")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30m", false},
		{"10ms", false},
		{"not-valid", true},
		{"", true},
		{"-5m", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sched, err := parseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSchedule: %v", err)
			}
			now := time.Now()
			if next := sched.Next(now); !next.After(now) {
				t.Errorf("Next(%v) = %v", now, next)
			}
		})
	}
}

func TestConstantDelay(t *testing.T) {
	sched, err := parseSchedule("10ms")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if got := sched.Next(now).Sub(now); got != 10*time.Millisecond {
		t.Errorf("delay = %v", got)
	}
}
