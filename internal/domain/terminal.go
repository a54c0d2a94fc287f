package domain

import (
	"context"
	"time"
)

// TabInfo is the summary of one terminal tab.
type TabInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Directory   string    `json:"directory"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	HistoryLen  int       `json:"history_len"`
	OutputLines int       `json:"output_lines"`
}

// TabSnapshot is a tab's full visible state.
type TabSnapshot struct {
	TabInfo
	Output  []string `json:"output"`
	History []string `json:"history"`
}

// SubmitKind classifies how a submitted input line was handled.
type SubmitKind string

const (
	SubmitNoop      SubmitKind = "noop"
	SubmitClear     SubmitKind = "clear"
	SubmitChangeDir SubmitKind = "cd"
	SubmitCommand   SubmitKind = "command"
)

// SubmitResult is returned for every line submitted to a tab.
type SubmitResult struct {
	TabID     string         `json:"tab_id"`
	Kind      SubmitKind     `json:"kind"`
	Prompt    string         `json:"prompt,omitempty"`
	Output    string         `json:"output,omitempty"`
	Directory string         `json:"directory"`
	Command   *CommandResult `json:"command,omitempty"`
	ErrorCode ErrorCode      `json:"error_code,omitempty"`
}

// HistoryEntry is one persisted command line.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	TabID     string    `json:"tab_id"`
	Input     string    `json:"input"`
	Directory string    `json:"directory"`
	ExitCode  int       `json:"exit_code"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore persists command history across runs.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
	// Recent returns up to limit entries, oldest first.
	Recent(ctx context.Context, limit int) ([]HistoryEntry, error)
	// ForTab returns up to limit entries recorded by one tab, oldest first.
	ForTab(ctx context.Context, tabID string, limit int) ([]HistoryEntry, error)
	// Prune deletes entries created before olderThan and reports how many went.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
