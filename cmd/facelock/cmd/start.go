package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/facelock/facelock/internal/adapter/inbound/http"
	keypadin "github.com/facelock/facelock/internal/adapter/inbound/keypad"
	"github.com/facelock/facelock/internal/adapter/outbound/camera"
	"github.com/facelock/facelock/internal/adapter/outbound/cel"
	"github.com/facelock/facelock/internal/adapter/outbound/imagefs"
	"github.com/facelock/facelock/internal/adapter/outbound/lockfile"
	"github.com/facelock/facelock/internal/adapter/outbound/memory"
	"github.com/facelock/facelock/internal/adapter/outbound/relay"
	"github.com/facelock/facelock/internal/adapter/outbound/serial"
	"github.com/facelock/facelock/internal/adapter/outbound/sqlite"
	visionclient "github.com/facelock/facelock/internal/adapter/outbound/vision"
	"github.com/facelock/facelock/internal/config"
	"github.com/facelock/facelock/internal/domain/actuator"
	"github.com/facelock/facelock/internal/domain/keypad"
	"github.com/facelock/facelock/internal/domain/liveness"
	"github.com/facelock/facelock/internal/domain/match"
	"github.com/facelock/facelock/internal/domain/vision"
	"github.com/facelock/facelock/internal/service"
	"github.com/facelock/facelock/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the terminal",
	Long: `Start the facelock terminal.

The terminal serves its HTTP API and waits for sessions. A session runs the
liveness challenge, matches the face against enrolled identities, asks for
that identity's keypad password and then pulses the door relay.

Examples:
  # Start with config file settings
  facelock start

  # Development mode: keys from stdin, relay switches logged
  facelock start --dev`,
	RunE: runStart,
}

var devMode bool

const listenerStopTimeout = time.Second

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, stdin keypad, log relay)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(os.Stderr, cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("facelock stopped")
	return nil
}

// newLogger builds the text logger. DevMode always forces debug.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled: do not use on a real door",
			"keypad", cfg.Keypad.Source, "actuator", cfg.Actuator.Driver)
	}

	// ===== Single instance =====
	lock, err := lockfile.Acquire(lockFilePath(cfg))
	if err != nil {
		return fmt.Errorf("instance lock %s: %w", lockFilePath(cfg), err)
	}
	defer func() { _ = lock.Release() }()

	// ===== Telemetry =====
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		MetricInterval: config.Duration(cfg.Telemetry.MetricInterval),
		ServiceVersion: Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// ===== Storage =====
	store, err := sqlite.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	images := imagefs.New(cfg.Store.ImagesDir, logger)

	descriptors := memory.NewDescriptorCache()
	descriptors.StartCleanup(ctx)
	defer descriptors.Stop()

	ids, err := store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}
	logger.Info("identity store opened", "path", cfg.Store.Path, "identities", len(ids), "images_dir", images.Root())

	// ===== Metrics =====
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(reg)
	httpMetrics := http.NewMetrics(reg)

	// ===== Vision =====
	detector := visionclient.NewClient(cfg.Vision.URL, visionclient.WithTimeout(config.Duration(cfg.Vision.Timeout)))
	if err := detector.Ping(ctx); err != nil {
		// Sessions report the failure; the API stays up.
		logger.Warn("vision service unreachable", "url", cfg.Vision.URL, "error", err)
	}
	cam := vision.NewExclusiveCamera(camera.NewSnapshot(cfg.Camera.SnapshotURL,
		camera.WithFrameTimeout(config.Duration(cfg.Camera.FrameTimeout))))

	// ===== Serial device, keypad, relay =====
	var device *serial.Device
	if cfg.Keypad.Source == "serial" || cfg.Actuator.Driver == "serial" {
		device, err = serial.Open(cfg.Serial.Port, cfg.Serial.BaudRate, logger)
		if err != nil {
			return fmt.Errorf("failed to open serial port: %w", err)
		}
		defer func() { _ = device.Close() }()
	}

	buf := keypad.NewBuffer(
		keypad.WithSubmitKey(cfg.Keypad.SubmitKey),
		keypad.WithClearKeys(cfg.Keypad.ClearKeys...),
	)

	var driver actuator.Driver
	switch cfg.Actuator.Driver {
	case "serial":
		driver = device
	default:
		driver = relay.NewLogDriver(logger)
	}

	// ===== Access rule =====
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("access.timezone: %w", err)
	}
	rule, err := cel.NewRule(cfg.Access.Condition, loc)
	if err != nil {
		return fmt.Errorf("access.condition: %w", err)
	}

	// ===== Services =====
	audit := service.NewAuditService(store, logger, service.WithDropHook(metrics.AuditDrops.Inc))
	audit.Start(context.WithoutCancel(ctx))

	bus := service.NewEventBus(metrics.EventDrops.Inc)

	flow := service.NewAuthFlow(service.AuthFlowDeps{
		Liveness: service.NewLivenessRunner(cam, detector, livenessConfig(cfg),
			config.Duration(cfg.Liveness.SampleInterval), metrics, logger),
		Match: service.NewMatchRunner(cam, detector, matchConfig(cfg),
			config.Duration(cfg.Match.SampleInterval), metrics, logger),
		Gallery: service.NewGalleryLoader(store, images, detector, descriptors, logger),
		Store:   store,
		Keypad:  buf,
		Driver:  driver,
		Access:  rule,
		Audit:   audit,
		Bus:     bus,
		Metrics: metrics,
		Logger:  logger,
	}, service.FlowConfig{
		PollInterval:      config.Duration(cfg.Keypad.PollInterval),
		EntryTimeout:      config.Duration(cfg.Password.EntryTimeout),
		ActuationDuration: config.Duration(cfg.Actuator.Duration),
	})

	// The listener gets its own context so it outlives the relay shutdown
	// on a shared serial port.
	listenerCtx, stopListener := context.WithCancel(context.WithoutCancel(ctx))
	defer stopListener()
	listenerDone := startKeypadListener(listenerCtx, cfg, buf, device, metrics, logger)

	// ===== HTTP =====
	api := http.NewAPI(flow, buf, store,
		http.WithAccessEvents(store),
		http.WithPasswordRateLimit(cfg.Server.PasswordRateLimit, time.Minute),
		http.WithAPIMetrics(httpMetrics),
		http.WithAPILogger(logger),
	)
	server := http.NewServer(api,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithLogger(logger),
		http.WithMetrics(reg, httpMetrics),
		http.WithHealthChecker(http.NewHealthChecker(store, detector, cam, audit, Version)),
	)

	logger.Info("facelock starting",
		"version", Version,
		"http_addr", cfg.Server.HTTPAddr,
		"keypad", cfg.Keypad.Source,
		"actuator", cfg.Actuator.Driver,
		"access_rule", rule.Expression(),
	)
	serveErr := server.Start(ctx)

	// ===== Shutdown: session and relay first, then inputs, then the audit log =====
	if err := flow.Close(); err != nil {
		logger.Error("failed to switch relay off", "error", err)
	}
	bus.Close()
	stopListener()
	select {
	case <-listenerDone:
	case <-time.After(listenerStopTimeout):
		// A terminal stdin read is not interrupted by Close.
		logger.Debug("keypad listener still blocked in read")
	}
	audit.Stop()

	return serveErr
}

// startKeypadListener feeds the configured key source into buf. The returned
// channel is closed when the listener has stopped.
func startKeypadListener(ctx context.Context, cfg *config.Config, buf *keypad.Buffer, device *serial.Device, metrics *service.Metrics, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})

	var src io.ReadCloser
	var name string
	switch cfg.Keypad.Source {
	case "serial":
		src, name = device, device.Name()
	case "stdin":
		src, name = os.Stdin, "stdin"
		logger.Info("keypad reads from stdin, one key per line",
			"submit_key", cfg.Keypad.SubmitKey, "clear_keys", cfg.Keypad.ClearKeys)
	default:
		close(done)
		return done
	}

	listener := keypadin.NewListener(buf, src, name, logger,
		keypadin.WithErrorHook(metrics.KeypadErrors.Inc))
	go func() {
		defer close(done)
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("keypad listener stopped", "error", err)
		}
	}()
	return done
}

func livenessConfig(cfg *config.Config) liveness.Config {
	expressions := make([]vision.Expression, len(cfg.Liveness.Expressions))
	for i, e := range cfg.Liveness.Expressions {
		expressions[i] = vision.Expression(e)
	}
	return liveness.Config{
		Expressions:         expressions,
		TotalRounds:         cfg.Liveness.Rounds,
		ConfidenceThreshold: cfg.Liveness.ConfidenceThreshold,
		HoldDuration:        config.Duration(cfg.Liveness.HoldDuration),
		ChallengeTime:       config.Duration(cfg.Liveness.ChallengeTime),
		RoundPause:          config.Duration(cfg.Liveness.RoundPause),
		Warmup:              config.Duration(cfg.Liveness.Warmup),
	}
}

func matchConfig(cfg *config.Config) match.Config {
	return match.Config{
		AcceptanceDistance: cfg.Match.AcceptanceDistance,
		StabilityWindow:    config.Duration(cfg.Match.StabilityWindow),
		AbsenceTimeout:     config.Duration(cfg.Match.AbsenceTimeout),
		MaxDuration:        config.Duration(cfg.Match.MaxDuration),
	}
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
