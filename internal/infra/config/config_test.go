package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lia-terminal/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Surface.WorkdirMode != "session" {
		t.Errorf("WorkdirMode = %q, want %q", cfg.Surface.WorkdirMode, "session")
	}
	if cfg.Surface.OutputPolicy != "stderr_preempts" {
		t.Errorf("OutputPolicy = %q, want %q", cfg.Surface.OutputPolicy, "stderr_preempts")
	}
	if cfg.Surface.CommandTimeout != 0 {
		t.Errorf("CommandTimeout = %v, want 0", cfg.Surface.CommandTimeout)
	}
	if cfg.Terminal.MaxTabs != 16 {
		t.Errorf("MaxTabs = %d, want 16", cfg.Terminal.MaxTabs)
	}
	if cfg.Gateway.Addr != "127.0.0.1:8790" {
		t.Errorf("Gateway.Addr = %q", cfg.Gateway.Addr)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Terminal.MaxTabs != 16 {
		t.Errorf("expected defaults, got MaxTabs=%d", cfg.Terminal.MaxTabs)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.yaml")
	content := `
surface:
  workdir_mode: process
  output_policy: combined
  command_timeout: 30s
terminal:
  shell: zsh
  shell_args: ["-c"]
  max_tabs: 4
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Surface.WorkdirMode != "process" {
		t.Errorf("WorkdirMode = %q, want process", cfg.Surface.WorkdirMode)
	}
	if cfg.Surface.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.Surface.CommandTimeout)
	}
	if cfg.Terminal.Shell != "zsh" || len(cfg.Terminal.ShellArgs) != 1 {
		t.Errorf("shell = %q %v", cfg.Terminal.Shell, cfg.Terminal.ShellArgs)
	}
	if cfg.Terminal.MaxTabs != 4 {
		t.Errorf("MaxTabs = %d, want 4", cfg.Terminal.MaxTabs)
	}
	// Untouched sections keep their defaults.
	if cfg.Terminal.MaxOutputLines != 5000 {
		t.Errorf("MaxOutputLines = %d, want default 5000", cfg.Terminal.MaxOutputLines)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.toml")
	content := `
[surface]
output_policy = "combined"
command_timeout = "2m"

[terminal]
max_output_lines = 100

[gateway]
addr = "127.0.0.1:9999"

[gateway.auth]
type = "static"

[[gateway.auth.tokens]]
name = "desktop"
token = "t0k"

[[scheduler.tasks]]
name = "prune"
schedule = "@daily"
action = "history_prune"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Surface.OutputPolicy != "combined" {
		t.Errorf("OutputPolicy = %q", cfg.Surface.OutputPolicy)
	}
	if cfg.Surface.CommandTimeout != 2*time.Minute {
		t.Errorf("CommandTimeout = %v, want 2m", cfg.Surface.CommandTimeout)
	}
	if cfg.Terminal.MaxOutputLines != 100 {
		t.Errorf("MaxOutputLines = %d", cfg.Terminal.MaxOutputLines)
	}
	if len(cfg.Gateway.Auth.Tokens) != 1 || cfg.Gateway.Auth.Tokens[0].Name != "desktop" {
		t.Errorf("tokens = %+v", cfg.Gateway.Auth.Tokens)
	}
	if len(cfg.Scheduler.Tasks) != 1 || cfg.Scheduler.Tasks[0].Action != "history_prune" {
		t.Errorf("tasks = %+v", cfg.Scheduler.Tasks)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.toml")
	if err := os.WriteFile(path, []byte("[surface\nbroken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LIATERM_LOGGER_LEVEL", "debug")
	t.Setenv("LIATERM_SURFACE_WORKDIR_MODE", "process")
	t.Setenv("LIATERM_SURFACE_COMMAND_TIMEOUT", "5s")
	t.Setenv("LIATERM_TERMINAL_SHELL_ARGS", "-l, -c")
	t.Setenv("LIATERM_TERMINAL_MAX_TABS", "3")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Surface.WorkdirMode != "process" {
		t.Errorf("WorkdirMode = %q", cfg.Surface.WorkdirMode)
	}
	if cfg.Surface.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout = %v", cfg.Surface.CommandTimeout)
	}
	if len(cfg.Terminal.ShellArgs) != 2 || cfg.Terminal.ShellArgs[1] != "-c" {
		t.Errorf("ShellArgs = %q", cfg.Terminal.ShellArgs)
	}
	if cfg.Terminal.MaxTabs != 3 {
		t.Errorf("MaxTabs = %d", cfg.Terminal.MaxTabs)
	}
}

func TestEnvOverridesInvalidDurationIgnored(t *testing.T) {
	t.Setenv("LIATERM_SURFACE_COMMAND_TIMEOUT", "soon")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Surface.CommandTimeout != 0 {
		t.Errorf("CommandTimeout = %v, want unchanged 0", cfg.Surface.CommandTimeout)
	}
}

func TestApplyEnvOverridesTracerEnabled(t *testing.T) {
	t.Setenv("LIATERM_TRACER_ENABLED", "true")
	t.Setenv("LIATERM_TRACER_EXPORTER", "stdout")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" {
		t.Errorf("tracer = %+v", cfg.Tracer)
	}
}

func TestApplyEnvOverridesHistoryDisabled(t *testing.T) {
	t.Setenv("LIATERM_HISTORY_ENABLED", "false")
	t.Setenv("LIATERM_HISTORY_PATH", "/tmp/h.db")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.History.Enabled {
		t.Error("History.Enabled should be false")
	}
	if cfg.History.Path != "/tmp/h.db" {
		t.Errorf("History.Path = %q", cfg.History.Path)
	}
}

func TestApplyEnvOverridesGatewayToken(t *testing.T) {
	t.Setenv("LIATERM_GATEWAY_TOKEN", "env-secret")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if len(cfg.Gateway.Auth.Tokens) != 1 {
		t.Fatalf("tokens = %+v", cfg.Gateway.Auth.Tokens)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "env-secret" || cfg.Gateway.Auth.Tokens[0].Name != "env" {
		t.Errorf("token = %+v", cfg.Gateway.Auth.Tokens[0])
	}
	if cfg.Gateway.Auth.Type != "static" {
		t.Errorf("Auth.Type = %q, want static once a token is set", cfg.Gateway.Auth.Type)
	}
}

func TestLoadMissingFileEnvTokenEnablesStaticAuth(t *testing.T) {
	t.Setenv("LIATERM_GATEWAY_TOKEN", "s3cret")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Auth.Type != "static" {
		t.Errorf("Auth.Type = %q, want static", cfg.Gateway.Auth.Type)
	}
	if len(cfg.Gateway.Auth.Tokens) != 1 || cfg.Gateway.Auth.Tokens[0].Token != "s3cret" {
		t.Errorf("tokens = %+v", cfg.Gateway.Auth.Tokens)
	}
}

func TestLoadMissingFileDecryptsEnvToken(t *testing.T) {
	passphrase := "env-config-key"
	encrypted, err := EncryptValue("from-env", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	t.Setenv("LIATERM_CONFIG_KEY", passphrase)
	t.Setenv("LIATERM_GATEWAY_TOKEN", "enc:"+encrypted)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Gateway.Auth.Tokens[0].Token; got != "from-env" {
		t.Errorf("Token = %q, want decrypted value", got)
	}
}

func TestLoadErrorsWrapConfigLoad(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("invalid: [yaml: bad"), 0600); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("terminal:\n  max_tabs: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{bad, invalid} {
		_, err := Load(path)
		if !errors.Is(err, domain.ErrConfigLoad) {
			t.Errorf("Load(%s) error %v does not wrap ErrConfigLoad", filepath.Base(path), err)
		}
		if domain.ErrorCodeOf(err) != domain.CodeConfigLoad {
			t.Errorf("Load(%s) code = %s", filepath.Base(path), domain.ErrorCodeOf(err))
		}
	}
}

func TestDecryptValueWrapsErrDecryption(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}
	for _, input := range []string{encrypted, "deadbeef", "zz:00"} {
		_, err := DecryptValue(input, "wrong-pass")
		if !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("DecryptValue(%.12s) error %v does not wrap ErrDecryption", input, err)
		}
	}
}

func TestApplyEnvOverridesAudit(t *testing.T) {
	t.Setenv("LIATERM_SECURITY_AUDIT", "true")
	t.Setenv("LIATERM_SECURITY_AUDIT_PATH", "/tmp/audit.jsonl")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if !cfg.Security.Audit.Enabled || cfg.Security.Audit.Path != "/tmp/audit.jsonl" {
		t.Errorf("audit = %+v", cfg.Security.Audit)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "gateway-token-abcdef"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecretsGatewayTokens(t *testing.T) {
	passphrase := "test-config-key"
	encrypted, err := EncryptValue("plain-token", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.Gateway.Auth.Tokens = []TokenConfig{
		{Name: "desktop", Token: "enc:" + encrypted},
		{Name: "script", Token: "not-encrypted"},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "plain-token" {
		t.Errorf("token[0] = %q", cfg.Gateway.Auth.Tokens[0].Token)
	}
	if cfg.Gateway.Auth.Tokens[1].Token != "not-encrypted" {
		t.Errorf("token[1] = %q", cfg.Gateway.Auth.Tokens[1].Token)
	}
}

func TestDecryptValueInvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "deadbeef"},
		{"bad salt hex", "zz:00"},
		{"bad ciphertext hex", "00:zz"},
		{"too short", "00112233445566778899aabbccddeeff:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptValue(tt.input, "pass"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("terminal:\n  max_tabs: 5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	encrypted, err := EncryptValue("desktop-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.yaml")
	content := `
gateway:
  auth:
    type: static
    tokens:
      - name: "desktop"
        token: "enc:` + encrypted + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LIATERM_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "desktop-secret" {
		t.Errorf("Token = %q", cfg.Gateway.Auth.Tokens[0].Token)
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.yaml")
	content := `
gateway:
  auth:
    type: static
    tokens:
      - name: "desktop"
        token: "enc:invalid-not-hex"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LIATERM_CONFIG_KEY", "some-passphrase")
	if _, err := Load(path); err == nil {
		t.Error("expected error from decrypt secrets")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.yaml")
	if err := os.WriteFile(path, []byte("invalid: [yaml: bad"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "liaterm.yaml")
	if err := os.WriteFile(path, []byte("surface:\n  workdir_mode: global\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("test"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(good); err != nil {
		t.Errorf("0600 should pass: %v", err)
	}

	readable := filepath.Join(dir, "readable.yaml")
	if err := os.WriteFile(readable, []byte("test"), 0600); err != nil {
		t.Fatal(err)
	}
	os.Chmod(readable, 0644)
	if err := validatePermissions(readable); err != nil {
		t.Errorf("0644 should pass: %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("test"), 0600); err != nil {
		t.Fatal(err)
	}
	os.Chmod(bad, 0666)
	if err := validatePermissions(bad); err == nil {
		t.Error("0666 should fail")
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	if err := validatePermissions("/tmp/nonexistent-file-for-stat-test-xyz.yaml"); err == nil {
		t.Error("expected error for non-existent file")
	}
}
