package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Invocation is a single program spawn request: program name, argument list
// and the directory the program runs in. It is consumed once per call.
type Invocation struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir"`
}

// CommandResult is the outcome of a program that was spawned successfully.
// A non-zero exit code is not an error: the program ran.
type CommandResult struct {
	Program  string        `json:"program"`
	Args     []string      `json:"args,omitempty"`
	WorkDir  string        `json:"work_dir"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration_ns"`
}

// Success reports whether the program exited with status 0.
func (r *CommandResult) Success() bool { return r.ExitCode == 0 }

// CommandRunner spawns programs. Implementations return ErrCommandSpawn
// (wrapped in a DomainError with the OS cause) when the program could not be
// started at all.
type CommandRunner interface {
	Run(ctx context.Context, inv Invocation) (*CommandResult, error)
}

// OutputPolicy decides how a CommandResult collapses into a single string.
type OutputPolicy string

const (
	// OutputStderrPreempts returns stderr whenever it is non-empty, otherwise stdout.
	OutputStderrPreempts OutputPolicy = "stderr_preempts"
	// OutputCombined returns stdout followed by stderr.
	OutputCombined OutputPolicy = "combined"
)

// ParseOutputPolicy validates a configured policy name. Empty selects
// OutputStderrPreempts.
func ParseOutputPolicy(s string) (OutputPolicy, error) {
	switch OutputPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputStderrPreempts:
		return OutputStderrPreempts, nil
	case OutputCombined:
		return OutputCombined, nil
	default:
		return "", fmt.Errorf("unknown output policy %q", s)
	}
}

// Render collapses r according to the policy.
func (p OutputPolicy) Render(r *CommandResult) string {
	if r == nil {
		return ""
	}
	switch p {
	case OutputCombined:
		return r.Stdout + r.Stderr
	default:
		if r.Stderr != "" {
			return r.Stderr
		}
		return r.Stdout
	}
}
