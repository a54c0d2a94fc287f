// Package service installs the liaterm gateway as a user-level background
// service: a systemd unit on Linux, a launchd agent on macOS.
package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

const launchdPrefix = "dev.liaterm."

// Config describes the service to install.
type Config struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string // initial directory of the terminal surface
	User       string
	LogDir     string
	HomeDir    string
}

// Status reports whether an installed service is running.
type Status struct {
	Running bool
	PID     int
}

// DefaultConfig returns a Config for the running binary and current user.
func DefaultConfig() Config {
	const name = "liaterm"
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/" + name
	}

	username, homeDir := "root", "/root"
	if u, err := user.Current(); err == nil {
		username, homeDir = u.Username, u.HomeDir
	}

	return Config{
		Name:       name,
		BinaryPath: binary,
		ConfigPath: filepath.Join(homeDir, ".liaterm", "liaterm.yaml"),
		WorkDir:    homeDir,
		User:       username,
		LogDir:     filepath.Join(homeDir, ".liaterm", "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks that the binary exists and is executable.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	return nil
}

// Install writes and starts the service for goos.
func Install(cfg Config) error {
	return installFor(runtime.GOOS, cfg)
}

func installFor(goos string, cfg Config) error {
	switch goos {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", goos)
	}
}

// Uninstall stops and removes the service. Missing services are not an error.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Query returns the service status.
func Query(name string) (*Status, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func render(name, src string, cfg Config) (string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func prepareDirs(cfg Config) error {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return nil
}

// --- systemd ---

const systemdUnit = `[Unit]
Description={{.Name}} terminal gateway
After=network.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogDir}}/{{.Name}}.log
StandardError=append:{{.LogDir}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit returns the unit file for cfg.
func RenderSystemdUnit(cfg Config) (string, error) {
	return render("systemd", systemdUnit, cfg)
}

func unitPath(name string) string {
	return filepath.Join("/etc/systemd/system", name+".service")
}

func installSystemd(cfg Config) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := prepareDirs(cfg); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath(cfg.Name), []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return runAll(
		[]string{"systemctl", "daemon-reload"},
		[]string{"systemctl", "enable", cfg.Name},
		[]string{"systemctl", "start", cfg.Name},
	)
}

func uninstallSystemd(name string) error {
	exec.Command("systemctl", "stop", name).Run()    // best effort
	exec.Command("systemctl", "disable", name).Run() // best effort
	os.Remove(unitPath(name))
	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func statusSystemd(name string) (*Status, error) {
	out, _ := exec.Command("systemctl", "is-active", name).Output()
	st := &Status{Running: strings.TrimSpace(string(out)) == "active"}
	if !st.Running {
		return st, nil
	}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", name).Output(); err == nil {
		if _, v, ok := strings.Cut(strings.TrimSpace(string(pidOut)), "="); ok {
			st.PID, _ = strconv.Atoi(v)
		}
	}
	return st, nil
}

// --- launchd ---

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdPrefix + `{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist returns the launch agent plist for cfg.
func RenderLaunchdPlist(cfg Config) (string, error) {
	return render("launchd", launchdPlist, cfg)
}

func plistPath(home, name string) string {
	return filepath.Join(home, "Library", "LaunchAgents", launchdPrefix+name+".plist")
}

func installLaunchd(cfg Config) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}
	if err := prepareDirs(cfg); err != nil {
		return err
	}
	path := plistPath(cfg.HomeDir, cfg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return runAll([]string{"launchctl", "load", path})
}

func uninstallLaunchd(name string) error {
	home, _ := os.UserHomeDir()
	path := plistPath(home, name)
	exec.Command("launchctl", "unload", path).Run() // best effort
	os.Remove(path)
	return nil
}

func statusLaunchd(name string) (*Status, error) {
	out, err := exec.Command("launchctl", "list", launchdPrefix+name).CombinedOutput()
	if err != nil {
		return &Status{}, nil
	}
	st := &Status{Running: true}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, `"PID"`) {
			fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
			st.PID, _ = strconv.Atoi(fields[len(fields)-1])
		}
	}
	return st, nil
}

func runAll(cmds ...[]string) error {
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	return nil
}
