package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/channels"
	"github.com/hearth-agent/hearth/internal/config"
	"github.com/hearth-agent/hearth/internal/core"
	"github.com/hearth-agent/hearth/internal/gateway"
	otelPkg "github.com/hearth-agent/hearth/internal/otel"
	"github.com/hearth-agent/hearth/internal/persistence"
	"github.com/hearth-agent/hearth/internal/schedules"
	"github.com/hearth-agent/hearth/internal/telemetry"
	"github.com/hearth-agent/hearth/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the gateway and the chat TUI

DAEMON MODE:
  %s -daemon                  Start the gateway only (logs to stdout)

SUBCOMMANDS:
  %s chat                     Connect the chat TUI to a running gateway
  %s status                   Show gateway health (/healthz)
  %s doctor [-json]           Run local environment diagnostics
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HEARTH_HOME             Data directory (default: ~/.hearth)
  HEARTH_AUTH_TOKEN       Gateway auth token (default: ~/.hearth/auth.token)
  HEARTH_NO_TUI           Set to 1 to disable the TUI (use with -daemon)
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("HEARTH_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run the gateway only (no chat TUI, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "chat":
			os.Exit(runChatCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) in interactive mode so the chat stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)",
				"bind_addr", cfg.Gateway.BindAddr)
		}
	}

	// Event bus first so every subsystem can be handed the same one.
	eventBus := bus.New()

	// OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "hearth.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	approvalQueue := approvals.New(approvals.Config{
		Store:   store,
		Bus:     eventBus,
		Logger:  logger,
		Mode:    cfg.Approvals.Mode,
		Timeout: cfg.ApprovalTimeout(),
	})
	// Deny anything that outlived its deadline while the process was
	// down, and re-arm timers for the rest.
	recovered, err := approvalQueue.Recover(ctx)
	if err != nil {
		fatalStartup(logger, "E_APPROVAL_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "approval_recovery_completed", "denied_stale", recovered)

	agentCore := core.NewLoopback(core.Config{
		Bus:        eventBus,
		Approvals:  approvalQueue,
		Logger:     logger,
		ChunkDelay: 30 * time.Millisecond,
	})

	authToken := strings.TrimSpace(cfg.Gateway.AuthToken)
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	gw := gateway.NewServer(gateway.Config{
		Store:             store,
		Approvals:         approvalQueue,
		Bus:               eventBus,
		Core:              agentCore,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         authToken,
		MaxSessions:       cfg.Gateway.MaxSessions,
		Unified:           cfg.Sessions.Unified,
		HistoryLimit:      cfg.Sessions.HistoryLimit,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		HomeDir:           cfg.HomeDir,
		IdleSweepInterval: cfg.IdleSweepInterval(),
		IdleThreshold:     cfg.IdleThreshold(),
	})
	gw.Start(ctx)
	defer gw.Stop()

	server := &http.Server{
		Addr:    cfg.Gateway.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Gateway.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.Gateway.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sched := schedules.NewScheduler(schedules.Config{
		Store:  store,
		Core:   agentCore,
		Logger: logger,
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Channels.Telegram.Enabled {
		allowedIDs := cfg.Channels.Telegram.AllowedIDs
		if raw := strings.TrimSpace(os.Getenv("HEARTH_TELEGRAM_ALLOWED_IDS")); raw != "" {
			ids, err := channels.ParseAllowedIDs(raw)
			if err != nil {
				fatalStartup(logger, "E_TELEGRAM_CONFIG", err)
			}
			allowedIDs = ids
		}
		tg := channels.NewTelegramChannel(channels.TelegramConfig{
			Token:        cfg.Channels.Telegram.Token,
			AllowedIDs:   allowedIDs,
			ServerURL:    "ws://" + cfg.Gateway.BindAddr,
			GatewayToken: authToken,
			Logger:       logger,
		})
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel failed", "error", err)
			}
		}()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			logger.Info("config.yaml hot-reloaded",
				"path", ev.Path, "fingerprint", newCfg.Fingerprint())
			eventBus.Publish(bus.TopicSystemConfigReloaded, newCfg.Fingerprint())
		}
	}()

	if interactive {
		// Run the chat TUI against our own gateway. When it exits,
		// cancel the context to shut down.
		go func() {
			if err := tui.Run(ctx, tui.Config{
				ServerURL: "ws://" + cfg.Gateway.BindAddr,
				Token:     authToken,
			}); err != nil && ctx.Err() == nil {
				logger.Error("chat exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Tell connected clients, stop intake, then drain in-flight turns.
	eventBus.Publish(bus.TopicSystemShutdown, nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	waitWithTimeout(agentCore.Wait, 5*time.Second)
	logger.Info("shutdown complete")
}

// waitWithTimeout bounds a blocking drain so shutdown cannot hang on a
// stuck turn.
func waitWithTimeout(wait func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"gateway","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the gateway token: env, then ~/.hearth/auth.token,
// generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("HEARTH_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// runChatCommand connects the TUI to an already running gateway.
func runChatCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: hearth chat")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token := strings.TrimSpace(cfg.Gateway.AuthToken)
	if token == "" {
		token, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "auth token: %v\n", err)
			return 1
		}
	}
	serverURL := strings.TrimSpace(cfg.Client.ServerURL)
	if serverURL == "" {
		serverURL = "ws://" + cfg.Gateway.BindAddr
	}
	if err := tui.Run(ctx, tui.Config{ServerURL: serverURL, Token: token}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	return 0
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change gateway.bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change gateway.bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}
