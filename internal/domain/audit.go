package domain

import (
	"context"
	"strconv"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditCommandExec     AuditEventType = "command_exec"
	AuditDirectoryChange AuditEventType = "directory_change"
	AuditTabOpen         AuditEventType = "tab_open"
	AuditTabClose        AuditEventType = "tab_close"
	AuditAccessDenied    AuditEventType = "access_denied"
	AuditHistoryPrune    AuditEventType = "history_prune"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }
func (NopAuditLogger) Close() error                          { return nil }

func outcomeOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// CommandAudit records one command run. res may be nil when the process
// never started.
func CommandAudit(ctx context.Context, inv Invocation, res *CommandResult, err error) AuditEvent {
	detail := map[string]string{
		"program": inv.Program,
		"argc":    strconv.Itoa(len(inv.Args)),
	}
	if tab := TabIDFromContext(ctx); tab != "" {
		detail["tab"] = tab
	}
	if res != nil {
		detail["exit_code"] = strconv.Itoa(res.ExitCode)
		detail["duration_ms"] = strconv.FormatInt(res.Duration.Milliseconds(), 10)
	}
	if err != nil {
		detail["error_code"] = string(ErrorCodeOf(err))
	}
	return AuditEvent{
		Type:     AuditCommandExec,
		Actor:    ClientFromContext(ctx),
		Resource: inv.WorkDir,
		Action:   "execute",
		Outcome:  outcomeOf(err),
		Detail:   detail,
	}
}

// DirectoryAudit records a change_directory attempt.
func DirectoryAudit(ctx context.Context, from, requested string, err error) AuditEvent {
	detail := map[string]string{"from": from, "requested": requested}
	if tab := TabIDFromContext(ctx); tab != "" {
		detail["tab"] = tab
	}
	if err != nil {
		detail["error_code"] = string(ErrorCodeOf(err))
	}
	return AuditEvent{
		Type:     AuditDirectoryChange,
		Actor:    ClientFromContext(ctx),
		Resource: requested,
		Action:   "chdir",
		Outcome:  outcomeOf(err),
		Detail:   detail,
	}
}
