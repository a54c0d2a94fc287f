package integration

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	Shell       string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	shell := os.Getenv("LIATERM_TEST_SHELL")
	if shell == "" {
		shell = "bash"
	}
	return &Config{
		Shell:       shell,
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoProgram skips the test if program is not on PATH
func SkipIfNoProgram(t *testing.T, program string) {
	t.Helper()
	if _, err := exec.LookPath(program); err != nil {
		t.Skipf("Skipping integration test: %s not on PATH", program)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
