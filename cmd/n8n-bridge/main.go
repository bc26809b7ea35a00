// n8n-bridge connects Home Assistant style conversations to n8n
// workflows and runs the schedule_action timer service.
//
// It exposes an HTTP API for conversation turns, service calls, config
// entry management, and a live event stream, plus a CLI for one-shot
// questions. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	n8n-bridge serve              Start the API server
//	n8n-bridge init [dir]         Initialize a working directory with defaults
//	n8n-bridge ask <question>     Send a single question to the webhook
//	n8n-bridge version            Print version and build information
//	n8n-bridge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/n8n-bridge/internal/agent"
	"github.com/nugget/n8n-bridge/internal/api"
	"github.com/nugget/n8n-bridge/internal/buildinfo"
	"github.com/nugget/n8n-bridge/internal/config"
	"github.com/nugget/n8n-bridge/internal/connwatch"
	"github.com/nugget/n8n-bridge/internal/entries"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/homeassistant"
	"github.com/nugget/n8n-bridge/internal/httpkit"
	"github.com/nugget/n8n-bridge/internal/metrics"
	"github.com/nugget/n8n-bridge/internal/mqtt"
	"github.com/nugget/n8n-bridge/internal/notify"
	"github.com/nugget/n8n-bridge/internal/scheduler"
	"github.com/nugget/n8n-bridge/internal/services"
	"github.com/nugget/n8n-bridge/internal/session"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime;
// structured logs go to stdout and fatal errors are returned for main
// to print. Arguments are parsed by hand because the flag package's
// globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: n8n-bridge ask <question>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "n8n-bridge - n8n conversation agent and timer service for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: n8n-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Send a single question to the webhook")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/n8n-bridge/config.yaml, /etc/n8n-bridge/config.yaml")
	return nil
}

// runAsk sends one question through a throwaway agent built from the
// first configured entry (or webhook.default_url) and prints the reply.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(io.Discard, level, cfg.LogFormat)
	if level <= slog.LevelDebug {
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	name, webhookURL := config.DefaultEntryName, cfg.Webhook.DefaultURL
	if len(cfg.Entries) > 0 && cfg.Entries[0].WebhookURL != "" {
		name, webhookURL = cfg.Entries[0].Name, cfg.Entries[0].WebhookURL
	}

	a := agent.New(agent.Options{
		Name:       name,
		WebhookURL: webhookURL,
		Timeout:    cfg.Webhook.Timeout,
		ReplyField: cfg.Webhook.ReplyField,
		Logger:     logger,
	})

	res, err := a.Process(ctx, agent.Input{Text: strings.Join(args, " ")})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(stdout, res.Response)
	return nil
}

// runServe is the primary operating mode. It loads config, opens the
// entry store, loads conversation agents, connects to Home Assistant,
// starts the timer scheduler and the API server, and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and the HTTP server drains
//  3. The scheduler waits for in-flight timer calls
//  4. Stores, watchers, and connections close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting n8n-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Metrics and events ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("n8n_bridge", reg)
	bus := events.New()

	// --- Sessions ---
	maxTurns, idleTTL := cfg.Sessions.Limits()
	sessions := session.NewStore(session.Options{
		MaxTurns: maxTurns,
		IdleTTL:  idleTTL,
		Logger:   logger,
	})
	go sessions.RunJanitor(ctx, janitorInterval(idleTTL))

	// --- Config entries and agents ---
	agents := agent.NewRegistry()
	dbPath := filepath.Join(cfg.DataDir, "entries.db")
	store, err := entries.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open entry store %s: %w", dbPath, err)
	}
	defer store.Close()

	manager := entries.NewManager(entries.ManagerConfig{
		Store:    store,
		Agents:   agents,
		Sessions: sessions,
		Webhook:  cfg.Webhook,
		Logger:   logger,
		Metrics:  m,
		Events:   bus,
	})
	seeded, err := manager.Seed(cfg.Entries)
	if err != nil {
		return fmt.Errorf("seed config entries: %w", err)
	}
	loaded, failed, err := manager.LoadAll()
	if err != nil {
		return fmt.Errorf("load config entries: %w", err)
	}
	logger.Info("config entries loaded", "seeded", seeded, "loaded", loaded, "failed", failed)

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- Home Assistant ---
	// Optional. Without it, fired timers have nowhere to call and
	// notifications only reach the log.
	var caller scheduler.ServiceCaller
	var notifier notify.Notifier = notify.NewLog(logger)
	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		haWS := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		defer haWS.Close()

		haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   ha.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				infoCtx, infoCancel := context.WithTimeout(ctx, 10*time.Second)
				defer infoCancel()
				if haCfg, err := ha.GetConfig(infoCtx); err == nil {
					logger.Info("connected to Home Assistant",
						"url", cfg.HomeAssistant.URL,
						"version", haCfg.Version,
						"location", haCfg.LocationName,
					)
				}
				if !haWS.IsConnected() {
					if err := haWS.Reconnect(infoCtx); err != nil {
						logger.Warn("Home Assistant websocket unavailable, using REST", "error", err)
					}
				}
			},
			OnDown: func(err error) {
				logger.Warn("Home Assistant unreachable, timers will report failures", "error", err)
			},
			Logger: logger,
		})
		ha.SetWatcher(haWatcher)

		dispatcher := homeassistant.NewDispatcher(ha, haWS, logger)
		caller = dispatcher
		notifier = notify.Multi{notify.NewHomeAssistant(dispatcher), notify.NewLog(logger)}
	} else {
		logger.Warn("Home Assistant not configured - timers will fail when they fire")
	}

	watchWebhookHosts(ctx, connMgr, agents, bus, logger)

	// --- Scheduler and services ---
	sched := scheduler.New(scheduler.Config{
		Caller:      caller,
		Notifier:    notifier,
		FireTimeout: cfg.Scheduler.FireTimeout,
		Logger:      logger,
		Metrics:     m,
		Events:      bus,
	})
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	svc := services.NewRegistry(logger, m)
	if err := sched.Register(svc); err != nil {
		return fmt.Errorf("register %s.%s: %w", scheduler.ServiceDomain, scheduler.ServiceName, err)
	}

	// --- API server ---
	server := api.NewServer(api.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Agents:    agents,
		Sessions:  sessions,
		Services:  svc,
		Scheduler: sched,
		Entries:   manager,
		Flow:      entries.NewFlow(manager, cfg.Webhook.DefaultURL),
		Events:    bus,
		Health:    connMgr,
		Gatherer:  reg,
		Logger:    logger,
	})

	// --- MQTT publisher ---
	activity := newActivityTracker(bus)
	go activity.Run(ctx)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		stats := &statsAdapter{
			sessions:  sessions,
			scheduler: sched,
			agents:    agents,
			activity:  activity,
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	err = server.Start(ctx)
	cancel()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	if err := <-schedDone; err != nil {
		logger.Error("scheduler stopped with error", "error", err)
	}
	logger.Info("n8n-bridge stopped")
	return nil
}

// janitorInterval picks how often idle sessions are swept: a tenth of
// the TTL, clamped to [1m, 1h].
func janitorInterval(idleTTL time.Duration) time.Duration {
	d := idleTTL / 10
	if d < time.Minute {
		d = time.Minute
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// watchWebhookHosts registers a health watcher for each distinct n8n
// host behind the loaded agents. Agents loaded later through the setup
// flow are picked up from entry_added events.
func watchWebhookHosts(ctx context.Context, connMgr *connwatch.Manager, agents *agent.Registry, bus *events.Bus, logger *slog.Logger) {
	client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	watched := make(map[string]bool)

	watch := func(webhookURL string) {
		healthURL, err := connwatch.N8NHealthURL(webhookURL)
		if err != nil {
			logger.Warn("cannot derive n8n health URL", "webhook_url", webhookURL, "error", err)
			return
		}
		u, _ := url.Parse(healthURL)
		name := "n8n:" + u.Host
		if watched[name] {
			return
		}
		watched[name] = true
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    name,
			Probe:   connwatch.HTTPProbe(client, healthURL),
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	added := bus.Subscribe(16)
	for _, a := range agents.List() {
		watch(a.WebhookURL())
	}

	go func() {
		defer bus.Unsubscribe(added)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-added:
				if !ok {
					return
				}
				if e.Kind != events.KindEntryAdded {
					continue
				}
				id, _ := e.Data["entry_id"].(string)
				if a, ok := agents.Get(id); ok {
					watch(a.WebhookURL())
				}
			}
		}
	}()
}
