package surface

import (
	"context"
	"errors"

	"lia-terminal/internal/domain"
)

// Message prefixes of the string-returning host contract.
const (
	ChangeDirectoryFailurePrefix = "Failed to change directory: "
	ExecuteFailurePrefix         = "Error executing command: "
)

// Legacy exposes a Surface through the string-only host contract, where every
// failure collapses into the returned text.
type Legacy struct {
	s *Surface
}

// NewLegacy wraps s.
func NewLegacy(s *Surface) *Legacy {
	return &Legacy{s: s}
}

// GetCurrentDirectory returns the working directory, or "" when it cannot be
// determined.
func (l *Legacy) GetCurrentDirectory(ctx context.Context) string {
	dir, err := l.s.CurrentDirectory(ctx)
	if err != nil {
		return ""
	}
	return dir
}

// ChangeDirectory returns the new working directory or a message starting
// with ChangeDirectoryFailurePrefix.
func (l *Legacy) ChangeDirectory(ctx context.Context, path string) string {
	dir, err := l.s.ChangeDirectory(ctx, path)
	switch {
	case err == nil:
		return dir
	case errors.Is(err, domain.ErrChangeDirectory):
		return ChangeDirectoryFailure(err)
	default:
		// The move happened but the directory could not be read back.
		return ""
	}
}

// ExecuteCommand runs program and returns its rendered output, or a message
// starting with ExecuteFailurePrefix when it could not be run.
func (l *Legacy) ExecuteCommand(ctx context.Context, program string, args []string, workingDir string) string {
	res, err := l.s.Execute(ctx, domain.Invocation{Program: program, Args: args, WorkDir: workingDir})
	if err != nil {
		return ExecuteFailure(err)
	}
	return l.s.Render(res)
}

// ChangeDirectoryFailure formats a ChangeDirectory error the way the host
// contract reports it.
func ChangeDirectoryFailure(err error) string {
	return ChangeDirectoryFailurePrefix + domain.CauseOf(err).Error()
}

// ExecuteFailure formats an Execute error the way the host contract reports it.
func ExecuteFailure(err error) string {
	return ExecuteFailurePrefix + failureText(err)
}

// failureText prefers the OS error for spawn failures and the detail for
// everything else.
func failureText(err error) string {
	var de *domain.DomainError
	if !errors.As(err, &de) {
		return err.Error()
	}
	if errors.Is(err, domain.ErrCommandSpawn) && de.Cause != nil {
		return de.Cause.Error()
	}
	if de.Detail != "" {
		return de.Detail
	}
	return de.Err.Error()
}
