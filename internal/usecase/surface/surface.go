package surface

import (
	"context"
	"log/slog"
	"time"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/tracer"
)

// Options wires a Surface. Bus, Audit and Logger are optional.
type Options struct {
	Runner  domain.CommandRunner
	Workdir Workdir
	Policy  domain.OutputPolicy
	Bus     domain.EventBus
	Audit   domain.AuditLogger
	Logger  *slog.Logger
}

// Surface implements the three host operations with typed results.
type Surface struct {
	runner  domain.CommandRunner
	workdir Workdir
	policy  domain.OutputPolicy
	bus     domain.EventBus
	audit   domain.AuditLogger
	logger  *slog.Logger
}

// New creates a Surface.
func New(opts Options) *Surface {
	if opts.Audit == nil {
		opts.Audit = domain.NopAuditLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = domain.OutputStderrPreempts
	}
	return &Surface{
		runner:  opts.Runner,
		workdir: opts.Workdir,
		policy:  opts.Policy,
		bus:     opts.Bus,
		audit:   opts.Audit,
		logger:  opts.Logger,
	}
}

// WithWorkdir returns a copy of s bound to w. Everything else is shared.
func (s *Surface) WithWorkdir(w Workdir) *Surface {
	c := *s
	c.workdir = w
	return &c
}

// Workdir returns the directory state s operates on.
func (s *Surface) Workdir() Workdir { return s.workdir }

// Policy returns the configured output policy.
func (s *Surface) Policy() domain.OutputPolicy { return s.policy }

// CurrentDirectory returns the working directory.
func (s *Surface) CurrentDirectory(_ context.Context) (string, error) {
	dir, err := s.workdir.Get()
	if err != nil {
		return "", domain.NewCausedError("Surface.CurrentDirectory", domain.ErrDirectoryQuery, err)
	}
	return dir, nil
}

// ChangeDirectory resolves path against the working directory, moves there and
// returns the resulting directory.
func (s *Surface) ChangeDirectory(ctx context.Context, path string) (string, error) {
	const op = "Surface.ChangeDirectory"

	from, _ := s.workdir.Get()
	target := ResolvePath(from, path)

	if err := s.workdir.Set(target); err != nil {
		de := domain.NewCausedError(op, domain.ErrChangeDirectory, err)
		s.logger.Debug("change directory failed", "from", from, "path", path, "error", err)
		s.writeAudit(ctx, domain.DirectoryAudit(ctx, from, path, de))
		return "", de
	}

	dir, err := s.CurrentDirectory(ctx)
	s.writeAudit(ctx, domain.DirectoryAudit(ctx, from, path, err))
	if err != nil {
		return "", err
	}

	s.publish(ctx, domain.EventDirectoryChanged, domain.DirectoryEventPayload{From: from, To: dir})
	return dir, nil
}

// Execute runs inv. An empty inv.WorkDir runs in the current working
// directory and a relative one resolves against it. A program that ran
// returns its result even when it exited non-zero; an error means it could
// not be started or timed out.
func (s *Surface) Execute(ctx context.Context, inv domain.Invocation) (*domain.CommandResult, error) {
	if dir, err := s.workdir.Get(); err == nil {
		if inv.WorkDir == "" {
			inv.WorkDir = dir
		} else {
			inv.WorkDir = relativeTo(dir, inv.WorkDir)
		}
	}

	ctx, span := tracer.StartSpan(ctx, "surface.execute")
	defer span.End()

	s.publish(ctx, domain.EventCommandStarted, domain.CommandEventPayload{
		Program: inv.Program,
		Args:    inv.Args,
		WorkDir: inv.WorkDir,
	})

	start := time.Now()
	res, err := s.runner.Run(ctx, inv)

	done := domain.CommandEventPayload{Program: inv.Program, Args: inv.Args, WorkDir: inv.WorkDir}
	if res != nil {
		done.ExitCode = res.ExitCode
		done.Duration = res.Duration.String()
		span.SetAttributes(tracer.CommandAttrs(inv.Program, inv.WorkDir, res.ExitCode, res.Duration)...)
	}
	if err != nil {
		done.Error = err.Error()
		tracer.RecordError(span, err)
		s.logger.Warn("command failed",
			"program", inv.Program,
			"workdir", inv.WorkDir,
			"code", string(domain.ErrorCodeOf(err)),
			"error", err,
		)
	} else {
		tracer.SetOK(span)
		s.logger.Debug("command finished",
			"program", inv.Program,
			"workdir", inv.WorkDir,
			"exit_code", res.ExitCode,
			"duration", time.Since(start),
		)
	}

	s.writeAudit(ctx, domain.CommandAudit(ctx, inv, res, err))
	s.publish(ctx, domain.EventCommandCompleted, done)
	return res, err
}

// Render collapses a result with the configured output policy.
func (s *Surface) Render(res *domain.CommandResult) string {
	return s.policy.Render(res)
}

func (s *Surface) publish(ctx context.Context, t domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(ctx, t, payload))
}

func (s *Surface) writeAudit(ctx context.Context, ev domain.AuditEvent) {
	if err := s.audit.Log(ctx, ev); err != nil {
		s.logger.Warn("audit write failed", "type", string(ev.Type), "error", err)
	}
}
