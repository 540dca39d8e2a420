package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"

	"github.com/psantana5/printfarm/internal/config"
	"github.com/psantana5/printfarm/pkg/api"
	"github.com/psantana5/printfarm/pkg/artifacts"
	"github.com/psantana5/printfarm/pkg/auth"
	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/metrics"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
	"github.com/psantana5/printfarm/pkg/power"
	"github.com/psantana5/printfarm/pkg/ratelimit"
	"github.com/psantana5/printfarm/pkg/retry"
	"github.com/psantana5/printfarm/pkg/scheduler"
	"github.com/psantana5/printfarm/pkg/shutdown"
	"github.com/psantana5/printfarm/pkg/store"
	tlsutil "github.com/psantana5/printfarm/pkg/tls"
	"github.com/psantana5/printfarm/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Config file (default: ./printfarm.yaml or /etc/printfarm/printfarm.yaml)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate and exit")
	certHosts := flag.String("cert-hosts", "", "Comma-separated IPs/hostnames to add to the certificate SANs")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("farmd %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *generateCert {
		sans := splitList(*certHosts)
		if err := tlsutil.GenerateSelfSignedCert(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile, "farmd", sans...); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		log.Printf("Certificate written to %s (key %s)", cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile)
		return
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("farmd failed", map[string]interface{}{"error": err.Error()})
	}
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		return logging.NewFileLogger("farmd", "server", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()
	logger.Info("Starting printfarm controller", map[string]interface{}{
		"version": version,
		"devices": len(cfg.Devices),
		"store":   cfg.Store.Type,
	})

	mgr := shutdown.New(30*time.Second, logger.WithComponent("shutdown"))

	// Tracing
	tp, err := tracing.InitTracer(cfg.TracingConfig(version))
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	mgr.Register("tracing", tp.Shutdown)

	// Uploads
	if err := os.MkdirAll(cfg.Uploads.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create uploads dir: %w", err)
	}
	resolver, err := artifacts.NewResolver(cfg.Uploads.Dir, cfg.Uploads.Extensions)
	if err != nil {
		return err
	}

	// Store, retried while the database comes up
	storeLogger := logger.WithComponent("store")
	var s store.Store
	policy := retry.StartupPolicy()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		storeLogger.Warn("Store not ready, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
			"wait":    wait.String(),
		})
	}
	err = retry.Do(ctx, policy, func() error {
		var openErr error
		s, openErr = store.NewStore(cfg.StoreConfig())
		if errors.Is(openErr, store.ErrUnsupportedDatabase) {
			return retry.Permanent(openErr)
		}
		return openErr
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	mgr.Register("store", shutdown.CloseResource(s, "store"))
	s.SetSourceValidator(resolver)

	// Devices
	pool := octoprint.NewPool()
	for _, d := range cfg.Devices {
		if err := s.RegisterDevice(&models.Device{
			ID:           d.ID,
			DisplayName:  d.Name,
			Endpoint:     d.Endpoint,
			Credential:   d.APIKey,
			RelayChannel: d.RelayChannel,
		}); err != nil {
			return fmt.Errorf("failed to register device %s: %w", d.ID, err)
		}
		pool.Add(d.ID, newDeviceClient(cfg, d, logger))
	}
	warnUnconfiguredDevices(s, pool, storeLogger)

	released, err := s.RecoverClaims()
	if err != nil {
		return fmt.Errorf("failed to recover claims: %w", err)
	}
	if released > 0 {
		storeLogger.Warn("Released jobs left claimed by a previous run", map[string]interface{}{"count": released})
	}

	exporter := metrics.NewExporter(s, cfg.Metrics.Host)
	exporter.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Events
	hub := events.NewHub(64)
	var publisher events.Publisher = hub
	if cfg.Events.RedisAddr != "" {
		rp, err := events.NewRedisPublisher(ctx, cfg.RedisConfig())
		if err != nil {
			// Redis is an optional consumer; the in-process hub keeps working
			logger.Warn("Redis events disabled", map[string]interface{}{"error": err.Error()})
		} else {
			publisher = events.Fanout{hub, rp}
			mgr.Register("redis", shutdown.CloseResource(rp, "redis"))
			logger.Info("Publishing events to Redis", map[string]interface{}{"addr": cfg.Events.RedisAddr, "channel": cfg.Events.Channel})
		}
	}

	// Power
	coord, err := startPower(cfg, s, exporter, mgr, logger)
	if err != nil {
		return err
	}

	// Scheduler
	cutoff, err := cfg.Cutoff()
	if err != nil {
		return err
	}
	poller := scheduler.NewPoller(scheduler.PollerConfig{
		Store:   s,
		Devices: pool,
		Events:  publisher,
		Metrics: exporter,
		Logger:  logger,
		Grace:   cfg.DispatchGrace(),
	})
	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Store:   s,
		Devices: pool,
		Events:  publisher,
		Metrics: exporter,
		Logger:  logger,
		Cutoff:  cutoff,
	})
	loop := scheduler.NewLoop(poller, dispatcher, cfg.LoopConfig(), exporter, logger)
	loop.Start()
	mgr.Register("scheduler", shutdown.StopFunc(loop.Stop))

	// API
	keys := auth.NewKeyStore(0)
	if cfg.HTTP.APIKey != "" {
		if err := keys.Add("gateway", cfg.HTTP.APIKey); err != nil {
			return err
		}
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("No API key configured, trusting identity headers from any caller")
	}

	var limiter *ratelimit.Limiter
	if cfg.HTTP.RateLimit.RequestsPerSecond > 0 {
		limiter = ratelimit.NewLimiter(cfg.HTTP.RateLimit.RequestsPerSecond, cfg.HTTP.RateLimit.Burst)
		stopCleanup := make(chan struct{})
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					limiter.CleanupOldLimiters(10 * time.Minute)
				case <-stopCleanup:
					return
				}
			}
		}()
		mgr.Register("ratelimit", shutdown.StopFunc(func() { close(stopCleanup) }))
	}

	handler := api.NewHandler(api.Config{
		Store:     s,
		Artifacts: resolver,
		Devices:   pool,
		Power:     coord,
		Scheduler: loop,
		Cancel:    scheduler.NewCancelService(s, pool, publisher, logger),
		Cutoff:    cutoff,
		Fleet:     hub,
		Stream:    hub,
		Events:    publisher,
		Keys:      keys,
		Limiter:   limiter,
		Logger:    logger,
	})

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.AutoGenerate {
			created, err := tlsutil.EnsureCertificate(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile, "farmd")
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}
			if created {
				logger.Info("Generated self-signed certificate", map[string]interface{}{"cert": cfg.HTTP.TLS.CertFile})
			}
		}
		tlsConfig, err := tlsutil.LoadTLSConfig(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	} else {
		logger.Warn("TLS disabled")
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("API listening", map[string]interface{}{"addr": cfg.HTTP.Addr, "tls": cfg.HTTP.TLS.Enabled})
		var err error
		if cfg.HTTP.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("api server: %w", err)
			mgr.Trigger()
		}
	}()
	mgr.Register("api server", shutdown.StopHTTPServer(srv, "api"))

	if cfg.Metrics.Enabled {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")
		metricsRouter.HandleFunc("/health", handler.Health).Methods("GET")
		metricsSrv := &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics listening", map[string]interface{}{"addr": cfg.Metrics.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- fmt.Errorf("metrics server: %w", err)
				mgr.Trigger()
			}
		}()
		mgr.Register("metrics server", shutdown.StopHTTPServer(metricsSrv, "metrics"))
	}

	mgr.Wait()
	logger.Info("Shutting down gracefully...")
	failed := mgr.Shutdown()

	select {
	case err := <-serverErr:
		return err
	default:
	}
	if failed > 0 {
		return fmt.Errorf("%d shutdown steps failed", failed)
	}
	return nil
}

func newDeviceClient(cfg *config.Config, d config.DeviceConfig, logger *logging.Logger) octoprint.Printer {
	client := octoprint.NewClient(d.Endpoint, d.APIKey).WithHTTPClient(&http.Client{Timeout: cfg.DeviceTimeout()})
	if !cfg.Octoprint.Breaker {
		return client
	}
	settings := cfg.BreakerSettings()
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Device circuit breaker changed state", map[string]interface{}{
			"device": name,
			"from":   from.String(),
			"to":     to.String(),
		})
	}
	return octoprint.NewBreakerClient(d.ID, client, settings)
}

// startPower opens the relay bus and starts the daily schedule. It returns
// nil when serial control is disabled.
func startPower(cfg *config.Config, s store.Store, exporter *metrics.Exporter, mgr *shutdown.Manager, logger *logging.Logger) (*power.Coordinator, error) {
	if !cfg.Serial.Enabled {
		logger.Info("Power control disabled")
		return nil, nil
	}
	powerLogger := logger.WithComponent("power")

	encoder, err := power.EncoderByName(cfg.Serial.Protocol)
	if err != nil {
		return nil, err
	}
	port, err := power.OpenSerialPort(cfg.Serial.Port, cfg.Serial.Baud)
	if err != nil {
		return nil, err
	}
	coord, err := power.NewCoordinator(port, cfg.RelayMapping(), powerLogger,
		power.WithEncoder(encoder),
		power.WithCommandDelay(cfg.CommandDelay()),
		power.WithWriteTimeout(cfg.WriteTimeout()),
		power.WithObserver(func(r power.Result) { exporter.RecordPowerCommand(r.Success) }),
	)
	if err != nil {
		port.Close()
		return nil, err
	}
	mgr.Register("serial port", shutdown.CloseResource(coord, "serial port"))

	// The board has no read-back; a device that is printing must be powered
	if devices, err := s.ListDevices(); err != nil {
		powerLogger.Warn("Relay resync skipped", map[string]interface{}{"error": err.Error()})
	} else {
		assumed := make(map[string]bool)
		for _, d := range devices {
			if d.ActiveJobID != "" {
				assumed[d.ID] = true
			}
		}
		coord.Resync(assumed)
	}

	schedCfg, err := cfg.PowerSchedule()
	if err != nil {
		return nil, err
	}
	schedule, err := power.NewSchedule(coord, schedCfg, scheduler.BusyDevices(s), powerLogger)
	if err != nil {
		return nil, err
	}
	schedule.Start()
	mgr.Register("power schedule", schedule.Stop)

	next := make([]string, 0, 2)
	for _, t := range schedule.Next() {
		next = append(next, t.Format(time.RFC3339))
	}
	powerLogger.Info("Power control enabled", map[string]interface{}{
		"port":      cfg.Serial.Port,
		"baud":      cfg.Serial.Baud,
		"channels":  len(cfg.RelayMapping()),
		"next_runs": next,
	})
	return coord, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// warnUnconfiguredDevices reports device rows left from an earlier config.
// They stay in the store for history but are never polled or dispatched to.
func warnUnconfiguredDevices(s store.Store, pool *octoprint.Pool, logger *logging.Logger) {
	devices, err := s.ListDevices()
	if err != nil {
		logger.Warn("Could not list stored devices", map[string]interface{}{"error": err.Error()})
		return
	}
	configured := make(map[string]bool)
	for _, id := range pool.IDs() {
		configured[id] = true
	}
	for _, d := range devices {
		if !configured[d.ID] {
			logger.Warn("Stored device is not in the configuration, ignoring it", map[string]interface{}{"device_id": d.ID})
		}
	}
	logger.Info("Devices registered", map[string]interface{}{"devices": pool.IDs()})
}
