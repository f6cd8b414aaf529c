package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/docker/docker/client"
	"github.com/gorilla/mux"

	"github.com/opendg-project/buildci/pkg/api"
	"github.com/opendg-project/buildci/pkg/buildcache"
	"github.com/opendg-project/buildci/pkg/builder"
	"github.com/opendg-project/buildci/pkg/config"
	"github.com/opendg-project/buildci/pkg/janitor"
	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/metrics"
	"github.com/opendg-project/buildci/pkg/orchestrator"
	"github.com/opendg-project/buildci/pkg/ratelimit"
	"github.com/opendg-project/buildci/pkg/retry"
	"github.com/opendg-project/buildci/pkg/runner"
	"github.com/opendg-project/buildci/pkg/shutdown"
	"github.com/opendg-project/buildci/pkg/store"
	buildcitls "github.com/opendg-project/buildci/pkg/tls"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (empty uses built-in defaults)")
	port := flag.String("port", "", "API port (overrides config)")
	metricsPort := flag.String("metrics-port", "", "Prometheus metrics port (overrides config)")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or BUILDCI_API_KEY env var; empty disables auth)")
	dbType := flag.String("db", "", "Store backend: sqlite, postgres or memory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	jsonLogs := flag.Bool("json-logs", false, "Emit logs as JSON")
	logToFile := flag.Bool("log-to-file", false, "Also write logs to /var/log/buildci/orchestrator.log (falls back to ./logs)")
	tlsEnabled := flag.Bool("tls", false, "Serve the API over TLS")
	certFile := flag.String("cert", "server.crt", "TLS certificate file")
	keyFile := flag.String("key", "server.key", "TLS key file")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate if cert/key are missing")
	eventsRPS := flag.Float64("rate-limit", 10, "Per-client request rate limit (0 disables)")
	eventsBurst := flag.Int("rate-burst", 20, "Per-client request burst")
	runRetention := flag.Duration("run-retention", 7*24*time.Hour, "Delete terminal runs older than this (0 disables the janitor)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logging.NewLogger(logging.ERROR, *jsonLogs).Fatal("failed to load config", map[string]interface{}{"error": err.Error()})
		}
		cfg = loaded
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *metricsPort != "" {
		cfg.Server.MetricsPort = *metricsPort
	}
	if *dbType != "" {
		cfg.Database.Type = *dbType
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("BUILDCI_API_KEY")
	}
	if apiKey == "" {
		apiKey = cfg.Server.APIKey
	}

	log := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), *jsonLogs)
	if *logToFile {
		fileLog, err := logging.NewFileLogger("orchestrator", logging.ParseLevel(cfg.LogLevel), *jsonLogs)
		if err != nil {
			log.Fatal("failed to open log file", map[string]interface{}{"error": err.Error()})
		}
		log = fileLog
	}
	log.Info("starting buildci orchestrator", map[string]interface{}{
		"port":         cfg.Server.Port,
		"metrics_port": cfg.Server.MetricsPort,
		"db":           cfg.Database.Type,
		"workflows":    len(cfg.Workflows),
	})
	if apiKey == "" {
		log.Warn("API authentication disabled; set -api-key or BUILDCI_API_KEY")
	}

	shutdownMgr := shutdown.New(30 * time.Second)
	if *logToFile {
		// Registered first so the LIFO shutdown closes the log file last
		shutdownMgr.Register(shutdown.CloseResource(log, "log file"))
	}

	dataStore, err := store.NewStore(store.Config{
		Type: cfg.Database.Type,
		Path: cfg.Database.Path,
		DSN:  cfg.Database.DSN,
	})
	if err != nil {
		log.Fatal("failed to open store", map[string]interface{}{"error": err.Error()})
	}
	shutdownMgr.Register(shutdown.CloseResource(dataStore, "store"))

	cache, err := buildcache.New(cfg.CacheDir)
	if err != nil {
		log.Fatal("failed to open build cache", map[string]interface{}{"error": err.Error()})
	}
	log.Info("build cache ready", map[string]interface{}{"dir": cache.Dir()})

	janitorCfg := janitor.DefaultConfig()
	janitorCfg.Enabled = *runRetention > 0
	if *runRetention > 0 {
		janitorCfg.RunRetention = *runRetention
	}
	jan := janitor.New(janitorCfg, dataStore, cache, log.WithField("component", "janitor"))
	jan.Start()
	shutdownMgr.Register(func(ctx context.Context) error {
		jan.Stop()
		return nil
	})

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal("failed to create docker client", map[string]interface{}{"error": err.Error()})
	}
	// The daemon socket may come up after us; retry the initial ping
	pingCtx, cancelPing := context.WithTimeout(context.Background(), time.Minute)
	err = retry.Do(pingCtx, retry.DefaultConfig(), func() error {
		_, err := dockerCli.Ping(pingCtx)
		return err
	})
	cancelPing()
	if err != nil {
		log.Fatal("docker daemon unreachable", map[string]interface{}{"error": err.Error()})
	}

	imageBuilder := builder.New(dockerCli, cache, log.WithField("component", "builder"))
	smokeRunner := runner.New(dockerCli, log.WithField("component", "runner"))

	orch := orchestrator.New(cfg, dataStore, imageBuilder, smokeRunner, log.WithField("component", "orchestrator"))
	if err := orch.Recover(context.Background()); err != nil {
		log.Error("recovery failed", map[string]interface{}{"error": err.Error()})
	}
	shutdownMgr.Register(orch.Shutdown)

	exporter := metrics.NewExporter(dataStore)

	handler := api.NewHandler(dataStore, orch, log.WithField("component", "api"))
	handler.SetMetricsRecorder(exporter)

	router := mux.NewRouter()
	if apiKey != "" {
		router.Use(api.AuthMiddleware(apiKey))
	}
	if *eventsRPS > 0 {
		limiter := ratelimit.NewLimiter(*eventsRPS, *eventsBurst)
		router.Use(limiter.Middleware(ratelimit.IPKeyFunc))
	}
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if *tlsEnabled {
		if *generateCert {
			if _, err := os.Stat(*certFile); os.IsNotExist(err) {
				log.Info("generating self-signed certificate", map[string]interface{}{"cert": *certFile})
				if err := buildcitls.GenerateSelfSignedCert(*certFile, *keyFile, "buildci"); err != nil {
					log.Fatal("failed to generate certificate", map[string]interface{}{"error": err.Error()})
				}
			}
		}
		tlsConfig, err := buildcitls.LoadTLSConfig(*certFile, *keyFile)
		if err != nil {
			log.Fatal("failed to load TLS config", map[string]interface{}{"error": err.Error()})
		}
		srv.TLSConfig = tlsConfig
	}
	shutdownMgr.Register(shutdown.StopHTTPServer(srv, "api"))

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", exporter).Methods("GET")
	metricsSrv := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	shutdownMgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))

	go func() {
		log.Info("metrics server listening", map[string]interface{}{"addr": metricsSrv.Addr})
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		log.Info("api server listening", map[string]interface{}{"addr": srv.Addr, "tls": *tlsEnabled})
		var err error
		if *tlsEnabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("api server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	shutdownMgr.Wait()
	shutdownMgr.Shutdown()
	log.Info("orchestrator stopped")
}
