// Command jagcd is the agent runtime daemon's entrypoint (§1): it loads
// configuration, wires the Run Store, Run Service, Scheduled Task Engine,
// chat gateway, and HTTP surface together, and serves until signalled to
// stop. Bootstrap sequencing follows the teacher's cmd/goclaw/main.go
// (env/.env load, audit before logger, structured fatal-startup logging,
// listener setup with an address-in-use diagnostic); the HTTP server
// lifecycle — building a gin.Engine, wrapping it in a plain *http.Server,
// serving in a goroutine, shutting down on SIGINT/SIGTERM — follows
// kdlbs-kandev's cmd/agent-manager/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/agentsession"
	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/chatgateway"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/httpapi"
	jagcdotel "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/runservice"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/taskengine"
	"github.com/basket/go-claw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func main() {
	config.LoadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// GC-SPEC-SEC-006 (teacher): initialize audit before the logger so an
	// E_LOGGER_INIT failure is itself audited.
	if err := audit.Init(cfg.WorkspaceDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.WorkspaceDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()

	st, err := store.Open(cfg.DatabasePath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	otelProvider, err := jagcdotel.Init(ctx, jagcdotel.ConfigFromEnv())
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	otelMetrics, err := jagcdotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	runExec := buildExecutor(cfg, st, eventBus, logger, otelMetrics)

	runs := runservice.New(st, eventBus, runExec, telemetry.WithComponent(logger, "runservice"))
	runs.SetTelemetry(otelProvider.Tracer, otelMetrics)
	if err := runs.Init(ctx); err != nil {
		fatalStartup(logger, "E_RUN_RECOVERY", err)
	}
	defer runs.Shutdown(context.Background())
	logger.Info("startup phase", "phase", "run_recovery_completed")

	var gw *chatgateway.Gateway
	var topicBridge taskengine.TopicBridge
	if cfg.TelegramBotToken != "" {
		gw, err = chatgateway.New(chatgateway.Config{
			BotToken:          cfg.TelegramBotToken,
			AllowedUserIDsRaw: strings.Join(cfg.TelegramAllowedUserIDs, ","),
			Store:             st,
			Bus:               eventBus,
			Ingester:          runs,
			Logger:            telemetry.WithComponent(logger, "chatgateway"),
		})
		if err != nil {
			fatalStartup(logger, "E_CHATGATEWAY_INIT", err)
		}
		// Share this bot session with the task engine's lazy execution-thread
		// creation (§4.7.1) instead of opening a second Telegram connection.
		topicBridge = chatgateway.NewTopicBridge(gw.BotAPI())
		gw.Start(ctx)
		defer gw.Stop()
		logger.Info("startup phase", "phase", "chat_gateway_started")
	} else {
		logger.Info("chat gateway disabled: TELEGRAM_BOT_TOKEN not set")
	}

	tasks := taskengine.New(taskengine.Config{
		Store:    st,
		Bus:      eventBus,
		Ingester: runs,
		Bridge:   topicBridge,
		Logger:   telemetry.WithComponent(logger, "taskengine"),
	})
	tasks.Start(ctx)
	defer tasks.Stop()

	api := httpapi.New(httpapi.Config{
		Store:   st,
		Bus:     eventBus,
		Runs:    runs,
		Tasks:   tasks,
		Logger:  telemetry.WithComponent(logger, "httpapi"),
		Cfg:     cfg,
		Version: Version,
	})

	bindAddr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	server := &http.Server{
		Addr:         bindAddr,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints (§6 wait/stream) hold connections open indefinitely
	}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_BIND_ADDR_IN_USE", fmt.Errorf("%w — %s", err, portOccupantHint(bindAddr)))
		}
		fatalStartup(logger, "E_BIND_LISTEN", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("startup phase", "phase", "http_listening", "bind_addr", bindAddr)
		serveErr <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_HTTP_SERVE", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not shut down cleanly", "error", err)
	}
	logger.Info("daemon stopped")
}

// buildExecutor selects the Run Executor per cfg.Runner (§6: RUNNER ∈
// {pi, echo}). RUNNER=pi spawns the external agent process ("pi") per
// thread via agentsession.SubprocessFactory; RUNNER=echo uses the
// deterministic in-process executor.Executor used by the smoke-test suite.
func buildExecutor(cfg config.Config, st *store.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *jagcdotel.Metrics) executor.Executor {
	if cfg.Runner == config.RunnerEcho {
		return executor.EchoExecutor{}
	}
	factory := &agentsession.SubprocessFactory{
		Command:    cfg.Runner,
		SessionDir: cfg.WorkspaceDir,
		Logger:     telemetry.WithComponent(logger, "agentsession"),
	}
	exec := executor.NewAgentSessionExecutor(st, factory, eventBus)
	exec.SetMetrics(metrics)
	return exec
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return fmt.Sprintf("another process is using %s; stop it or change HOST/PORT", addr)
	}
	return fmt.Sprintf("port %s is already in use; stop the existing process or change HOST/PORT", port)
}
