package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/alarms"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/cloudsync"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/ingest"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/notifications"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/watchdog"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/webevents"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/arduino"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-gas-monitor/internal/pkg/presentation/api"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const serviceName string = "iot-gas-monitor"

type application struct {
	store    database.Datastore
	notifier notifications.Notifier
	ingest   ingest.Service
	alerts   alarms.AlertService
	cloud    *cloudsync.Runner
	watchdog watchdog.Watchdog
	events   webevents.WebEvents
}

func main() {
	serviceVersion := version()

	var envFile string
	var syncOnce bool
	var port string

	flag.StringVar(&envFile, "env-file", ".env", "file to load environment variables from, if it exists")
	flag.BoolVar(&syncOnce, "sync-once", false, "run a single cloud sync cycle and exit")
	flag.StringVar(&port, "port", "", "port to listen on, overrides PORT")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %s\n", envFile, err.Error())
	}

	cfg, cfgErr := loadConfigFromEnv()
	if port != "" {
		cfg.Port = port
	}

	ctx, logger, cleanupLogging := logging.NewLogger(context.Background(), serviceName, serviceVersion, cfg.Log)
	defer cleanupLogging()

	logger.Info().Msg("starting up ...")

	exitIf(cfgErr, logger, "invalid configuration")

	cleanupTracing, err := tracing.Init(ctx, logger, serviceName, serviceVersion, cfg.OtelEndpoint)
	exitIf(err, logger, "failed to init tracing")
	defer cleanupTracing()

	store, err := database.NewDatastore(database.NewConnector(ctx, cfg.DatabaseURI))
	exitIf(err, logger, "could not create or connect to database")
	defer closeStore(store, logger)

	var messenger messaging.MsgContext
	var publisher notifications.Publisher

	if cfg.RabbitMQHost != "" && !syncOnce {
		messenger, err = messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		exitIf(err, logger, "failed to init messenger")
		defer messenger.Close()

		publisher = messenger
	} else {
		logger.Info().Msg("RABBITMQ_HOST not set, messaging disabled")
	}

	app, err := setupApplication(ctx, cfg, store, publisher)
	exitIf(err, logger, "failed to set up application")

	if syncOnce {
		code := runSyncOnce(ctx, logger, app)
		closeStore(store, logger)
		cleanupTracing()
		cleanupLogging()
		os.Exit(code)
	}

	if messenger != nil {
		messenger.RegisterTopicMessageHandler(ingest.SensorDataTopic, ingest.NewSensorDataHandler(app.ingest))
	}

	r := createAppAndSetupRouter(ctx, logger, cfg, app)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.cloud.Enabled() {
		app.cloud.Start(ctx)
		defer app.cloud.Stop()
	}

	app.watchdog.Start(ctx)
	defer app.watchdog.Stop()

	server := &http.Server{
		Addr:              cfg.listenAddress(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("starting to listen for connections")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("failed to start request router")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down ...")

	app.events.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down http server")
	}
}

func setupApplication(ctx context.Context, cfg appConfig, store database.Datastore, publisher notifications.Publisher) (*application, error) {
	logger := logging.GetFromContext(ctx)

	var notificationConfig *notifications.Config

	if cfg.NotificationsFile != "" {
		f, err := os.Open(cfg.NotificationsFile)
		if err != nil {
			return nil, fmt.Errorf("could not open notifications file: %w", err)
		}
		defer f.Close()

		notificationConfig, err = notifications.LoadConfiguration(f)
		if err != nil {
			return nil, fmt.Errorf("could not load notifications config: %w", err)
		}
	}

	broker, err := notifications.New(publisher, notificationConfig)
	if err != nil {
		return nil, err
	}

	events := webevents.New()
	notifier := notifications.Chain(broker, events)

	var client cloudsync.PropertyClient

	if cfg.Cloud.enabled() {
		c, err := arduino.NewClient(cfg.Cloud.ClientID, cfg.Cloud.ClientSecret,
			arduino.WithAPIURL(cfg.Cloud.APIURL),
			arduino.WithTokenURL(cfg.Cloud.TokenURL),
		)
		if err != nil {
			return nil, err
		}
		client = c
	} else {
		logger.Warn().Msg("arduino cloud credentials or thing id not found, cloud sync disabled")
	}

	reconciler := cloudsync.NewReconciler(client, store, cfg.Cloud.ThingID, notifier)

	return &application{
		store:    store,
		notifier: notifier,
		ingest:   ingest.New(store, notifier),
		alerts:   alarms.New(store),
		cloud:    cloudsync.NewRunner(reconciler, cfg.Cloud.SyncInterval),
		watchdog: watchdog.New(store, publisher, cfg.OfflineAfter),
		events:   events,
	}, nil
}

func createAppAndSetupRouter(ctx context.Context, logger zerolog.Logger, cfg appConfig, app *application) *chi.Mux {
	r := router.New(serviceName, logger)
	return api.RegisterHandlers(ctx, r, cfg.API, app.store, app.ingest, app.alerts, app.cloud, app.events.Handler())
}

func runSyncOnce(ctx context.Context, logger zerolog.Logger, app *application) int {
	result, err := app.cloud.SyncNow(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("data sync failed")
		return 1
	}

	logger.Info().
		Int("readings_added", result.ReadingsAdded).
		Bool("status_updated", result.StatusUpdated).
		Msg("data sync completed successfully")

	return 0
}

func closeStore(store database.Datastore, logger zerolog.Logger) {
	if c, ok := store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close database")
		}
	}
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Fatal().Err(err).Msg(msg)
	}
}
