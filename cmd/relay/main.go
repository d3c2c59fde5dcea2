// Relay is a real-time WebSocket relay between clients and a
// content-generation service.
//
// Clients send JSON messages in one of three modes (chat, data, vision);
// the relay keeps per-session conversation memory in SQLite, grounds data
// questions in a read-only domain database, and replies on the same
// connection. Configuration comes from an optional YAML file plus
// environment overrides (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	relay serve                        Start the relay server
//	relay init [dir]                   Write an example config
//	relay ask [-mode m] [-image f] <q> Run a single request (for testing)
//	relay version                      Print version and build information
//	relay -o json version              Output version information as JSON
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nugget/relay/examples"
	"github.com/nugget/relay/internal/api"
	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/connwatch"
	"github.com/nugget/relay/internal/dispatch"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/grounding"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/memory"
	"github.com/nugget/relay/internal/mqtt"
	"github.com/nugget/relay/internal/relay"
	"github.com/nugget/relay/internal/store"
	"github.com/nugget/relay/internal/tracing"
	"github.com/nugget/relay/internal/usage"
)

// main builds the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package's globals interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			// Remaining arguments belong to the subcommand.
			cmdArgs = append(cmdArgs, args[i])
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
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
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
	fmt.Fprintln(w, "Relay - WebSocket relay for a content-generation service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: relay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the relay server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Run a single request: ask [-mode chat|data|vision] [-image file] <prompt>")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/relay/config.yaml, /etc/relay/config.yaml")
	fmt.Fprintln(w, "  (built-in defaults and environment variables when none exists)")
	return nil
}

// runInit writes the example config into dir without overwriting an
// existing one. The config may hold credentials, so it is 0600.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing relay workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "db"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s exists, left unchanged\n", path)
		return nil
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}

// runAsk runs one request through the dispatcher without a listener or
// conversation store. Logs go to stderr so stdout carries only the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	mode := "chat"
	var imagePath string
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-mode" && i+1 < len(args):
			mode = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-mode="):
			mode = strings.TrimPrefix(args[i], "-mode=")
		case args[i] == "-image" && i+1 < len(args):
			imagePath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-image="):
			imagePath = strings.TrimPrefix(args[i], "-image=")
		default:
			words = append(words, args[i])
		}
	}

	wire := map[string]any{"prompt": strings.Join(words, " "), "mode": mode}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		wire["imageBase64"] = "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	req, err := dispatch.ParseRequest(raw)
	if err != nil {
		return fmt.Errorf("usage: relay ask [-mode chat|data|vision] [-image file] <prompt>: %w", err)
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, max(level, slog.LevelWarn), cfg.LogFormat)

	var assembler *grounding.Assembler
	if req.Mode == dispatch.ModeData {
		assembler, err = openGrounding(cfg, logger)
		if err != nil {
			return err
		}
		defer assembler.Close()
	}

	// Spans go to stderr so stdout carries only the reply.
	tp, err := setupTracing(cfg, stderr, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing(tp, logger)

	d := dispatch.New(dispatch.Config{
		Grounding: assemblerOrNil(assembler),
		Generator: createGenerator(cfg, logger),
		Model:     cfg.Generation.Model,
		Timeout:   time.Duration(cfg.Generation.TimeoutSec) * time.Second,
		Tracer:    tp.Tracer(dispatchTracer),
		Logger:    logger,
	})

	reply, err := d.Process(ctx, req)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then shuts down in order: stop accepting connections, close
// open connections, let in-flight messages finish, close databases,
// flush spans.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting relay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validated by loadConfig.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	if cfgPath == "" {
		cfgPath = "(defaults)"
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Generation.Provider,
		"model", cfg.Generation.Model,
		"store", cfg.StorePath(),
		"domain_db", cfg.Grounding.Path,
	)
	if cfg.Generation.Provider == "gemini" && !cfg.Generation.Configured() {
		logger.Warn("GEMINI_API_KEY is not set; generation requests will fail until it is provided")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Tracing ---
	tp, err := setupTracing(cfg, stdout, logger)
	if err != nil {
		return err
	}
	// Deferred first so it runs last, after in-flight messages drain.
	defer shutdownTracing(tp, logger)

	// --- Storage ---
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath()), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	st, err := store.New(cfg.StorePath(), cfg.Store.PoolSize)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	usageStore, err := usage.NewStore(cfg.UsagePath())
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	assembler, err := openGrounding(cfg, logger)
	if err != nil {
		return err
	}
	defer assembler.Close()

	// --- Generation and dispatch ---
	bus := events.New()
	gen := createGenerator(cfg, logger)

	titles := dispatch.NewTitleWorker(dispatch.TitleConfig{
		Generator: gen,
		Store:     st,
		Usage:     usageStore,
		Model:     cfg.Generation.TitleModel,
		Bus:       bus,
		Logger:    logger,
	})
	go titles.Run(ctx)

	disp := dispatch.New(dispatch.Config{
		Store:     st,
		History:   memory.NewLoader(st, cfg.Memory.HistoryLimit, logger),
		Grounding: assemblerOrNil(assembler),
		Titles:    titles,
		Usage:     usageStore,
		Generator: gen,
		Model:     cfg.Generation.Model,
		Timeout:   time.Duration(cfg.Generation.TimeoutSec) * time.Second,
		Tracer:    otel.Tracer(dispatchTracer),
		Bus:       bus,
		Logger:    logger,
	})

	// --- Relay ---
	// In-flight messages outlive the signal so they can finish during
	// shutdown; stopWork cancels them if the drain times out.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	reg := relay.NewRegistry()
	handler := relay.NewHandler(relay.HandlerConfig{
		Registry: reg,
		Messages: relay.HandlerFunc(func(ctx context.Context, raw []byte, c *relay.Conn) {
			disp.Handle(ctx, raw, c)
		}),
		Bus:         bus,
		Logger:      logger,
		BaseContext: workCtx,
	})
	monitor := relay.NewMonitor(reg, time.Duration(cfg.Liveness.IntervalSec)*time.Second, bus, logger)
	go monitor.Run(ctx)

	// --- Dependency health ---
	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.WatcherConfig{Name: "generation", Probe: gen.Ping})
	watch.Watch(ctx, connwatch.WatcherConfig{Name: "store", Probe: st.Ping})
	if cfg.Grounding.Path != "" {
		watch.Watch(ctx, connwatch.WatcherConfig{Name: "domaindb", Probe: assembler.Ping})
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, &statsAdapter{model: cfg.Generation.Model, reg: reg, disp: disp, usage: usageStore}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		watch.Watch(ctx, connwatch.WatcherConfig{Name: "mqtt", Probe: mqttPub.Ping})
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	}

	server := api.NewServer(api.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		Relay:       handler,
		Connections: reg,
		Sessions:    st,
		Health:      watch,
		Usage:       usageStore,
		Bus:         bus,
		Logger:      logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err = server.Start(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	reg.Close()
	drainMessages(handler, stopWork, 30*time.Second, logger)

	logger.Info("relay stopped")
	return nil
}

const dispatchTracer = "github.com/nugget/relay/internal/dispatch"

// setupTracing builds the span exporter and, when tracing is enabled,
// installs it as the global provider. Spans for the stdout exporter
// are written to w.
func setupTracing(cfg *config.Config, w io.Writer, logger *slog.Logger) (*tracing.Provider, error) {
	tp, err := tracing.New(tracing.Options{
		Exporter:    cfg.Tracing.Exporter,
		Path:        cfg.Tracing.Path,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     buildinfo.Version,
		Stdout:      w,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if tp.Enabled() {
		otel.SetTracerProvider(tp.TracerProvider())
		logger.Info("tracing enabled", "exporter", cfg.Tracing.Exporter, "sample_ratio", cfg.Tracing.SampleRatio)
	}
	return tp, nil
}

// shutdownTracing flushes buffered spans.
func shutdownTracing(tp *tracing.Provider, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("tracing shutdown failed", "error", err)
	}
}

// drainMessages waits for in-flight messages, cancelling them after
// timeout.
func drainMessages(h *relay.Handler, stop context.CancelFunc, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("in-flight messages did not finish, cancelling", "timeout", timeout)
		stop()
		<-done
	}
}

// newLogger creates a structured logger writing to w. Format is "text"
// or "json"; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses, overlays the environment, and validates
// the configuration. With no file anywhere, built-in defaults are used
// and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, cfgPath, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

// createGenerator builds the model router. Gemini is registered
// always (it reports a missing credential per request); Ollama only
// when a URL is set or it is the default provider.
func createGenerator(cfg *config.Config, logger *slog.Logger) *llm.Router {
	router := llm.NewRouter(cfg.Generation.Provider)
	router.Register("gemini", llm.NewGeminiClient(cfg.Generation.APIKey, cfg.Generation.BaseURL, logger))
	if cfg.Generation.OllamaURL != "" || cfg.Generation.Provider == "ollama" {
		router.Register("ollama", llm.NewOllamaClient(cfg.Generation.OllamaURL, logger))
	}
	for _, m := range cfg.Generation.Models {
		router.Route(m.Name, m.Provider)
	}

	logger.Info("generation client initialized",
		"default_provider", cfg.Generation.Provider,
		"model", cfg.Generation.Model,
		"title_model", cfg.Generation.TitleModel,
		"routes", len(cfg.Generation.Models),
	)
	return router
}

// openGrounding opens the domain database when one is configured. The
// returned assembler is never nil; without a database it yields the
// "no data" diagnostic.
func openGrounding(cfg *config.Config, logger *slog.Logger) (*grounding.Assembler, error) {
	sources := make([]grounding.Source, len(cfg.Grounding.Sources))
	for i, s := range cfg.Grounding.Sources {
		sources[i] = grounding.Source{Label: s.Label, Table: s.Table, OrderBy: s.OrderBy, Limit: s.Limit}
	}
	if cfg.Grounding.Path == "" {
		logger.Info("no domain database configured; data mode will report no data")
		return grounding.NewAssembler(nil, sources, logger), nil
	}
	db, err := grounding.Open(cfg.Grounding.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("domain database opened", "path", cfg.Grounding.Path, "sources", len(sources))
	return grounding.NewAssembler(db, sources, logger), nil
}

func assemblerOrNil(a *grounding.Assembler) dispatch.ContextAssembler {
	if a == nil {
		return nil
	}
	return a
}

// statsAdapter exposes relay and dispatcher counters as
// [mqtt.StatsSource].
type statsAdapter struct {
	model string
	reg   *relay.Registry
	disp  *dispatch.Dispatcher
	usage *usage.Store
}

func (a *statsAdapter) Uptime() time.Duration      { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string            { return buildinfo.Version }
func (a *statsAdapter) DefaultModel() string       { return a.model }
func (a *statsAdapter) OpenConnections() int       { return a.reg.Len() }
func (a *statsAdapter) MessagesHandled() int64     { return int64(a.disp.Stats().Handled) }
func (a *statsAdapter) FailedRequests() int64      { return int64(a.disp.Stats().Failed) }
func (a *statsAdapter) LastRequestTime() time.Time { return a.disp.Stats().LastRequest }

// TokensToday counts tokens since local midnight. Errors report zero.
func (a *statsAdapter) TokensToday() int64 {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	n, _ := a.usage.TokensSince(context.Background(), midnight)
	return n
}
