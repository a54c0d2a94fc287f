package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lia-terminal/cmd/liaterm/service"
	"lia-terminal/internal/adapter/mcpserver"
	"lia-terminal/internal/infra/config"
	"lia-terminal/internal/infra/logger"
	"lia-terminal/internal/infra/tracer"
	"lia-terminal/internal/usecase/surface"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if len(os.Args) >= 2 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
			showUsage()
			return
		}
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "help":
		showUsage()
	case "version":
		fmt.Println("liaterm", version)
	case "mcp":
		err = runMCP()
	case "exec":
		err = runExec(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "doctor":
		err = runDoctor()
	case "service":
		err = runService(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'liaterm --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`liaterm - terminal backend for desktop hosts

USAGE:
    liaterm [COMMAND] [FLAGS]

COMMANDS:
    (none)      Run the gateway daemon
    mcp         Serve get_current_directory, change_directory and
                execute_command as MCP tools on stdio
    exec        Run one program the way execute_command does
                Usage: liaterm exec <program> [args...]
    encrypt     Encrypt a gateway token for the config file
                Usage: LIATERM_CONFIG_KEY=... liaterm encrypt <value>
    doctor      Run health checks on your setup
    service     Manage liaterm as a background service
                Subcommands: install, uninstall, status
    version     Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ./liaterm.yaml, YAML or TOML)

CONFIGURATION:
    Environment: LIATERM_* variables override config
    Secrets:     "enc:" values are decrypted with LIATERM_CONFIG_KEY`)
}

// configPath returns the --config flag, $LIATERM_CONFIG or ./liaterm.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("LIATERM_CONFIG"); p != "" {
		return p
	}
	return "liaterm.yaml"
}

// stripConfigFlag drops --config and its value from args.
func stripConfigFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

// bootstrap loads config and builds the logger. The returned closer flushes
// the logger output.
func bootstrap() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, closer, nil
}

func run() error {
	// 1. Config & logger
	cfg, log, logCloser, err := bootstrap()
	if err != nil {
		return err
	}
	defer logCloser()

	// 2. Tracer
	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Runtime
	rt, cleanup, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 5. Scheduler
	if rt.Scheduler != nil {
		if err := rt.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	log.Info("liaterm starting",
		"version", version,
		"workdir_mode", cfg.Surface.WorkdirMode,
		"output_policy", string(rt.Surface.Policy()),
		"history", rt.History != nil,
		"audit", rt.FileAudit != nil,
		"gateway", cfg.Gateway.Addr,
	)

	// 6. Gateway (blocks until ctx is cancelled)
	if rt.Gateway == nil {
		log.Warn("gateway disabled; nothing to serve until shutdown")
		<-ctx.Done()
		return nil
	}
	return rt.Gateway.Start(ctx)
}

func runMCP() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// stdout carries the protocol.
	if strings.EqualFold(cfg.Logger.Output, "stdout") {
		cfg.Logger.Output = "stderr"
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	rt, cleanup, err := initCore(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := mcpserver.New(surface.NewLegacy(rt.Surface), mcpserver.Options{
		Name:    cfg.MCP.ServerName,
		Version: version,
		Logger:  logger.Component(log, "mcp"),
	})
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func runExec(args []string) error {
	args = stripConfigFlag(args)
	if len(args) == 0 {
		return fmt.Errorf("usage: liaterm exec <program> [args...]")
	}
	cfg, log, logCloser, err := bootstrap()
	if err != nil {
		return err
	}
	defer logCloser()

	rt, cleanup, err := initCore(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Print(surface.NewLegacy(rt.Surface).ExecuteCommand(context.Background(), args[0], args[1:], ""))
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: LIATERM_CONFIG_KEY=... liaterm encrypt <value>")
	}
	passphrase := os.Getenv("LIATERM_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("LIATERM_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func runService(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: liaterm service <install|uninstall|status>")
	}
	cfg := service.DefaultConfig()
	switch args[0] {
	case "install":
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return service.Install(cfg)
	case "uninstall":
		return service.Uninstall(cfg.Name)
	case "status":
		st, err := service.Query(cfg.Name)
		if err != nil {
			return err
		}
		if st.Running {
			fmt.Printf("%s is running (PID %d)\n", cfg.Name, st.PID)
		} else {
			fmt.Printf("%s is not running\n", cfg.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown service command: %s (want: install, uninstall, status)", args[0])
	}
}
