package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"lia-terminal/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Surface   SurfaceConfig   `yaml:"surface" toml:"surface"`
	Terminal  TerminalConfig  `yaml:"terminal" toml:"terminal"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger" toml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer" toml:"tracer"`
	Security  SecurityConfig  `yaml:"security" toml:"security"`
	Includes  []string        `yaml:"includes,omitempty" toml:"includes,omitempty"`
}

// SurfaceConfig controls the three host operations.
type SurfaceConfig struct {
	// WorkdirMode is "session" (explicit per-owner directory state) or
	// "process" (the OS working directory of this process).
	WorkdirMode    string        `yaml:"workdir_mode" toml:"workdir_mode"`
	OutputPolicy   string        `yaml:"output_policy" toml:"output_policy"`     // stderr_preempts | combined
	CommandTimeout time.Duration `yaml:"command_timeout" toml:"command_timeout"` // 0 = wait forever
	StartDir       string        `yaml:"start_dir" toml:"start_dir"`             // empty = process cwd
	HideWindow     bool          `yaml:"hide_window" toml:"hide_window"`
}

// TerminalConfig holds tab manager settings.
type TerminalConfig struct {
	Shell          string        `yaml:"shell" toml:"shell"` // empty = bash -c / powershell
	ShellArgs      []string      `yaml:"shell_args" toml:"shell_args"`
	SplitInput     bool          `yaml:"split_input" toml:"split_input"`
	MaxTabs        int           `yaml:"max_tabs" toml:"max_tabs"`
	MaxOutputLines int           `yaml:"max_output_lines" toml:"max_output_lines"`
	HistorySize    int           `yaml:"history_size" toml:"history_size"`
	IdleTTL        time.Duration `yaml:"idle_ttl" toml:"idle_ttl"` // 0 = never reap
}

// HistoryConfig holds persistent command history settings.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Path      string        `yaml:"path" toml:"path"`
	Retention time.Duration `yaml:"retention" toml:"retention"`
	SeedSize  int           `yaml:"seed_size" toml:"seed_size"` // entries preloaded into new tabs
	Breaker   BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the history store.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" toml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Interval    time.Duration `yaml:"interval" toml:"interval"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool            `yaml:"enabled" toml:"enabled"`
	Addr           string          `yaml:"addr" toml:"addr"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	OriginPatterns []string        `yaml:"origin_patterns" toml:"origin_patterns"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type" toml:"type"` // "static" or "none"
	Tokens []TokenConfig `yaml:"tokens,omitempty" toml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token" toml:"token"`
	Name  string   `yaml:"name" toml:"name"`
	Roles []string `yaml:"roles,omitempty" toml:"roles,omitempty"` // admin, operator, viewer; empty = admin
}

// RateLimitConfig bounds how fast clients may run commands and hit REST routes.
type RateLimitConfig struct {
	ExecPerMinute  int      `yaml:"exec_per_minute" toml:"exec_per_minute"` // per WebSocket connection
	ExecBurst      int      `yaml:"exec_burst" toml:"exec_burst"`
	HTTPPerMinute  int      `yaml:"http_per_minute" toml:"http_per_minute"` // per client IP
	HTTPBurst      int      `yaml:"http_burst" toml:"http_burst"`
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// MCPConfig holds Model Context Protocol server settings.
type MCPConfig struct {
	ServerName string `yaml:"server_name" toml:"server_name"`
}

// SchedulerConfig holds maintenance scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled" toml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks" toml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Schedule string `yaml:"schedule" toml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action" toml:"action"`
	OneShot  bool   `yaml:"one_shot,omitempty" toml:"one_shot,omitempty"`
}

// SecurityConfig groups security settings.
type SecurityConfig struct {
	Audit AuditConfig `yaml:"audit" toml:"audit"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled" toml:"enabled"`
	Path      string          `yaml:"path" toml:"path"`
	Retention RetentionConfig `yaml:"retention" toml:"retention"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age" toml:"max_age"`   // duration string, e.g. "2160h" (90 days)
	MaxSize string `yaml:"max_size" toml:"max_size"` // e.g. "100MB"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.liaterm/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".liaterm", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Surface: SurfaceConfig{
			WorkdirMode:  "session",
			OutputPolicy: "stderr_preempts",
			HideWindow:   true,
		},
		Terminal: TerminalConfig{
			MaxTabs:        16,
			MaxOutputLines: 5000,
			HistorySize:    500,
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      filepath.Join(dataDir, "history.db"),
			Retention: 30 * 24 * time.Hour,
			SeedSize:  50,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    time.Minute,
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8790",
			Auth:    AuthConfig{Type: "none"},
			RateLimit: RateLimitConfig{
				ExecPerMinute: 120,
				ExecBurst:     20,
				HTTPPerMinute: 60,
				HTTPBurst:     10,
			},
		},
		MCP: MCPConfig{ServerName: "liaterm"},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled: false,
				Path:    filepath.Join(dataDir, "audit.jsonl"),
				Retention: RetentionConfig{
					MaxAge: "2160h",
				},
			},
		},
	}
}

// Load reads a YAML or TOML config file (chosen by extension), merges its
// includes, applies env var overrides, and decrypts secrets. A missing file
// yields the defaults; env overrides and secrets still apply to them.
// Read and parse failures wrap domain.ErrConfigLoad.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := loadFile(cfg, path, data); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("LIATERM_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("%w: decrypt secrets: %w", domain.ErrConfigLoad, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes data and its includes onto cfg.
func loadFile(cfg *Config, path string, data []byte) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: resolve config path: %w", domain.ErrConfigLoad, err)
	}

	if err := validatePermissions(absPath); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	// The first decode only needs the includes list.
	if err := decode(absPath, data, cfg); err != nil {
		return fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	visited := map[string]bool{absPath: true}
	if err := expandIncludes(cfg, filepath.Dir(absPath), visited); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	// Decode the main file again so it wins over its includes.
	if err := decode(absPath, data, cfg); err != nil {
		return fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}
	cfg.Includes = nil
	return nil
}

// decode unmarshals data onto cfg, picking the format from path's extension.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// ApplyEnvOverrides maps LIATERM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIATERM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LIATERM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LIATERM_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("LIATERM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LIATERM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("LIATERM_SURFACE_WORKDIR_MODE"); v != "" {
		cfg.Surface.WorkdirMode = v
	}
	if v := os.Getenv("LIATERM_SURFACE_OUTPUT_POLICY"); v != "" {
		cfg.Surface.OutputPolicy = v
	}
	if v := os.Getenv("LIATERM_SURFACE_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Surface.CommandTimeout = d
		}
	}
	if v := os.Getenv("LIATERM_SURFACE_START_DIR"); v != "" {
		cfg.Surface.StartDir = v
	}
	if v := os.Getenv("LIATERM_TERMINAL_SHELL"); v != "" {
		cfg.Terminal.Shell = v
	}
	if v := os.Getenv("LIATERM_TERMINAL_SHELL_ARGS"); v != "" {
		cfg.Terminal.ShellArgs = splitAndTrim(v, ",")
	}
	if v := os.Getenv("LIATERM_TERMINAL_MAX_TABS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Terminal.MaxTabs = n
		}
	}
	if v := os.Getenv("LIATERM_HISTORY_ENABLED"); v != "" {
		cfg.History.Enabled = v == "true"
	}
	if v := os.Getenv("LIATERM_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("LIATERM_GATEWAY_ENABLED"); v != "" {
		cfg.Gateway.Enabled = v == "true"
	}
	if v := os.Getenv("LIATERM_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("LIATERM_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
		// A token only protects anything when static auth is on.
		cfg.Gateway.Auth.Type = "static"
	}
	if v := os.Getenv("LIATERM_SECURITY_AUDIT"); v != "" {
		cfg.Security.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("LIATERM_SECURITY_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." gateway tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value. Every failure wraps
// domain.ErrDecryption.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: create cipher: %w", domain.ErrDecryption, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: create gcm: %w", domain.ErrDecryption, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %w", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
