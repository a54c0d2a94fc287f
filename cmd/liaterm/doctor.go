package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lia-terminal/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Shell", Fn: checkShell},
		{Name: "Working directory", Fn: checkWorkingDirectory},
		{Name: "History store", Fn: checkHistoryDir},
		{Name: "Audit log", Fn: checkAuditDir},
		{Name: "Gateway port", Fn: checkGatewayPort},
	}

	fmt.Println("liaterm doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure liaterm runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nliaterm should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! liaterm is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile verifies the config file parses. A missing file is only a
// warning because defaults are usable.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax of %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create liaterm.yaml or pass --config",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkShell verifies the program tabs run their input through is on PATH.
func checkShell(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	program := shellProfile(cfg.Terminal).Program
	path, err := exec.LookPath(program)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found on PATH", program),
			Fix:     "Install it or set terminal.shell",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

// checkWorkingDirectory verifies the process directory, the initial value for
// every owner, is readable.
func checkWorkingDirectory(_ *config.Config) CheckResult {
	wd, err := os.Getwd()
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot read working directory: %v", err),
			Fix:     "Start liaterm from an existing directory",
		}
	}
	return CheckResult{Status: StatusPass, Message: wd}
}

func checkHistoryDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.History.Enabled {
		return CheckResult{Status: StatusPass, Message: "persisted history disabled"}
	}
	return checkWritableDir(filepath.Dir(cfg.History.Path), "history.path")
}

func checkAuditDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Security.Audit.Enabled {
		return CheckResult{Status: StatusWarn, Message: "audit logging disabled"}
	}
	return checkWritableDir(filepath.Dir(cfg.Security.Audit.Path), "security.audit.path")
}

// checkWritableDir creates dir if needed and checks it with a temp file.
func checkWritableDir(dir, key string) CheckResult {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     fmt.Sprintf("Point %s at a writable location", key),
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Point %s at a writable location", key),
		}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is writable", dir)}
}

// checkGatewayPort verifies the gateway address can be bound.
func checkGatewayPort(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process holding the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.Gateway.Addr)}
}
