package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"lia-terminal/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Is makes errors.Is(err, domain.ErrConfigLoad) hold for validation failures.
func (v *ValidationError) Is(target error) bool {
	return target == domain.ErrConfigLoad
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSurface(cfg, ve)
	validateTerminal(cfg, ve)
	validateHistory(cfg, ve)
	validateGateway(cfg, ve)
	validateScheduler(cfg, ve)
	validateSecurity(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSurface(cfg *Config, ve *ValidationError) {
	switch cfg.Surface.WorkdirMode {
	case "session", "process":
	default:
		ve.Add("surface.workdir_mode %q must be \"session\" or \"process\"", cfg.Surface.WorkdirMode)
	}
	switch strings.ToLower(cfg.Surface.OutputPolicy) {
	case "", "stderr_preempts", "combined":
	default:
		ve.Add("surface.output_policy %q must be \"stderr_preempts\" or \"combined\"", cfg.Surface.OutputPolicy)
	}
	if cfg.Surface.CommandTimeout < 0 {
		ve.Add("surface.command_timeout must be >= 0")
	}
}

func validateTerminal(cfg *Config, ve *ValidationError) {
	if cfg.Terminal.MaxTabs <= 0 {
		ve.Add("terminal.max_tabs must be > 0")
	}
	if cfg.Terminal.MaxOutputLines <= 0 {
		ve.Add("terminal.max_output_lines must be > 0")
	}
	if cfg.Terminal.HistorySize <= 0 {
		ve.Add("terminal.history_size must be > 0")
	}
	if cfg.Terminal.IdleTTL < 0 {
		ve.Add("terminal.idle_ttl must be >= 0")
	}
	if cfg.Terminal.Shell == "" && len(cfg.Terminal.ShellArgs) > 0 {
		ve.Add("terminal.shell_args requires terminal.shell")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if !cfg.History.Enabled {
		return
	}
	if cfg.History.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
	if cfg.History.Retention < 0 {
		ve.Add("history.retention must be >= 0")
	}
	if cfg.History.SeedSize < 0 {
		ve.Add("history.seed_size must be >= 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.Addr)
	if err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
		return
	}

	switch cfg.Gateway.Auth.Type {
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token is required", i)
			}
			for _, r := range tok.Roles {
				if !domain.IsValidAuthRole(r) {
					ve.Add("gateway.auth.tokens[%d].roles: unknown role %q", i, r)
				}
			}
		}
	case "none", "":
		if !isLoopbackHost(host) {
			ve.Add("gateway.auth.type \"none\" is only allowed on a loopback address, got %q", cfg.Gateway.Addr)
		}
	default:
		ve.Add("gateway.auth.type %q must be \"static\" or \"none\"", cfg.Gateway.Auth.Type)
	}

	rl := cfg.Gateway.RateLimit
	if rl.ExecPerMinute < 0 || rl.ExecBurst < 0 || rl.HTTPPerMinute < 0 || rl.HTTPBurst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
}

// isLoopbackHost reports whether host is localhost or a loopback IP.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var validActions = map[string]bool{
	"history_prune":   true,
	"audit_retention": true,
	"tab_reap":        true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if t.Action == "" {
			ve.Add("scheduler.tasks[%d].action is required", i)
		} else if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is unknown", i, t.Action)
		}
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	audit := cfg.Security.Audit
	if audit.Enabled && audit.Path == "" {
		ve.Add("security.audit.path is required when audit is enabled")
	}
	if audit.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(audit.Retention.MaxAge); err != nil {
			ve.Add("security.audit.retention.max_age %q is not a valid duration", audit.Retention.MaxAge)
		}
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be \"text\" or \"json\"", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "", "noop", "stdout":
		default:
			ve.Add("tracer.exporter %q must be \"stdout\" or \"noop\"", cfg.Tracer.Exporter)
		}
	}
}
