package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"lia-terminal/internal/domain"
)

// Options configures a LocalRunner.
type Options struct {
	// Timeout bounds each spawned program. 0 waits for the program to exit.
	Timeout time.Duration
	// HideWindow suppresses the console window of spawned programs (Windows only).
	HideWindow bool
}

// LocalRunner executes programs on the local system. It implements
// domain.CommandRunner.
type LocalRunner struct {
	opts Options
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(opts Options) *LocalRunner {
	return &LocalRunner{opts: opts}
}

func (r *LocalRunner) Name() string { return "local" }

// Run spawns inv.Program with inv.Args in inv.WorkDir and waits for it.
// stdout and stderr are captured separately and decoded lossily as UTF-8.
// A non-zero exit status is reported through CommandResult.ExitCode, not as an
// error. On timeout the partial result is returned together with the error.
func (r *LocalRunner) Run(ctx context.Context, inv domain.Invocation) (*domain.CommandResult, error) {
	const op = "LocalRunner.Run"

	if strings.TrimSpace(inv.Program) == "" {
		return nil, domain.NewSubSystemError("command", op, domain.ErrInvalidInput, "program name is empty")
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.WorkDir
	applyProcAttr(cmd, r.opts.HideWindow)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	res := &domain.CommandResult{
		Program:  inv.Program,
		Args:     inv.Args,
		WorkDir:  inv.WorkDir,
		Stdout:   decodeLossy(stdout.Bytes()),
		Stderr:   decodeLossy(stderr.Bytes()),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		de := domain.NewSubSystemError("command", op, domain.ErrTimeout,
			fmt.Sprintf("%s did not exit within %s", inv.Program, r.opts.Timeout))
		de.Cause = ctx.Err()
		return res, de
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	// exec.Error (not found / not executable), fs.PathError (bad work dir)
	// and everything else from Start means the program never ran.
	return nil, domain.NewCausedError(op, domain.ErrCommandSpawn, err)
}

// decodeLossy converts b to a string, replacing each maximal invalid UTF-8
// subsequence with a single U+FFFD. A truncated sequence such as E2 82 is one
// replacement, a stray continuation byte is one per byte.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			size = invalidPrefix(b)
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}

// invalidPrefix returns the length of the invalid sequence at the start of b:
// the lead byte plus every continuation byte that could still have completed
// it. Always at least 1.
func invalidPrefix(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		need, lo = 2, 0xA0
	case c == 0xED:
		need, hi = 2, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		need = 2
	case c == 0xF0:
		need, lo = 3, 0x90
	case c == 0xF4:
		need, hi = 3, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	default:
		return 1
	}
	n := 1
	for n <= need && n < len(b) && b[n] >= lo && b[n] <= hi {
		lo, hi = 0x80, 0xBF
		n++
	}
	return n
}
