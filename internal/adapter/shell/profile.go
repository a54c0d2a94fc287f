package shell

import (
	"runtime"
	"strings"

	"lia-terminal/internal/domain"
)

// Profile turns a terminal input line into a program invocation.
type Profile struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"` // prepended before the input
	// SplitInput passes the line split on single spaces instead of as one
	// argument. Lines starting with "powershell " are then rewritten into a
	// non-interactive PowerShell -Command call.
	SplitInput bool `json:"split_input,omitempty"`
}

// DefaultProfile returns the profile for goos: PowerShell with split input on
// windows, "bash -c" everywhere else.
func DefaultProfile(goos string) Profile {
	if goos == "windows" {
		return Profile{Program: "powershell", SplitInput: true}
	}
	return Profile{Program: "bash", Args: []string{"-c"}}
}

// HostProfile is DefaultProfile for the running OS.
func HostProfile() Profile { return DefaultProfile(runtime.GOOS) }

// Invocation builds the invocation for line run in dir.
func (p Profile) Invocation(line, dir string) domain.Invocation {
	args := make([]string, 0, len(p.Args)+5)
	args = append(args, p.Args...)

	if !p.SplitInput {
		return domain.Invocation{Program: p.Program, Args: append(args, line), WorkDir: dir}
	}

	const psPrefix = "powershell "
	if strings.HasPrefix(strings.ToLower(line), psPrefix) {
		args = append(args, "-NoProfile", "-ExecutionPolicy", "Bypass", "-Command", line[len(psPrefix):])
		return domain.Invocation{Program: "powershell", Args: args, WorkDir: dir}
	}
	return domain.Invocation{Program: p.Program, Args: append(args, strings.Split(line, " ")...), WorkDir: dir}
}
