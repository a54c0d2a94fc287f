package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTabOpened         EventType = "tab.opened"
	EventTabClosed         EventType = "tab.closed"
	EventCommandStarted    EventType = "command.started"
	EventCommandCompleted  EventType = "command.completed"
	EventDirectoryChanged  EventType = "directory.changed"
	EventOutputCleared     EventType = "output.cleared"
	EventHistoryPruned     EventType = "history.pruned"
	EventSchedulerTaskDone EventType = "scheduler.task.done"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TabID     string          `json:"tab_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// CommandEventPayload is the payload of command.started / command.completed.
type CommandEventPayload struct {
	Program  string   `json:"program"`
	Args     []string `json:"args,omitempty"`
	WorkDir  string   `json:"work_dir"`
	ExitCode int      `json:"exit_code,omitempty"`
	Duration string   `json:"duration,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// DirectoryEventPayload is the payload of directory.changed.
type DirectoryEventPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewEvent builds an event with a JSON payload. A payload that fails to
// marshal is dropped rather than failing the publish.
func NewEvent(ctx context.Context, t EventType, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), TabID: TabIDFromContext(ctx)}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
