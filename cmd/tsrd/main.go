// tsrd - timeline state resolver daemon
//
// tsrd receives resolved timeline states (over MQTT or HTTP), turns them into
// per-device states, diffs them against what each device is doing and sends
// the resulting commands at the right moment. Execution timing is reported
// to the log, the WebSocket event stream, SQLite, Prometheus and InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/api"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/conductor"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/config"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/database"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/influxdb"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/logging"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/metrics"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/mqtt"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/reports"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/tsrd.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear startup sequence
	log := logging.Default()
	log.Info("starting tsrd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID, "devices", len(cfg.Devices))

	// Report store
	db, err := database.Open(database.ConfigFrom(cfg.Database, migrations.FS))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path, "schema", schema.Current, "migrations", len(schema.Applied))

	reportRepo := reports.NewSQLiteRepository(db.DB)
	recorder := reports.NewRecorder(reportRepo, 0)
	recorder.SetLogger(log.Component("reports"))
	recorder.Start()
	defer recorder.Stop()

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Prometheus (optional)
	var promMetrics *metrics.Metrics
	if cfg.API.Metrics {
		promMetrics = metrics.New()
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	// Devices
	cond, err := conductor.New(cfg, conductor.Options{
		Logger: log.Component("conductor"),
		DeviceLogger: func(id string) conductor.Logger {
			return log.Component("device").With("device_id", id)
		},
		Publisher: mqttClient,
		Sinks:     sinks(log, hub, recorder, promMetrics, influxClient),
	})
	if err != nil {
		return fmt.Errorf("starting devices: %w", err)
	}
	defer cond.Close()

	if err := cond.SubscribeIngress(mqttClient, mqttClient.QoS()); err != nil {
		return fmt.Errorf("subscribing to timeline: %w", err)
	}
	log.Info("timeline ingress ready",
		"state_topic", mqtt.Topics{}.TimelineState(),
		"clear_topic", mqtt.Topics{}.TimelineClear(),
	)

	retention, err := conductor.NewRetention(conductor.RetentionConfig{
		Schedule:      cfg.Retention.Schedule,
		MaxAge:        cfg.RetentionMaxAge(),
		HistoryWindow: cfg.HistoryWindow(),
		Reports:       reportRepo,
		History:       cond,
	}, log.Component("retention"))
	if err != nil {
		return fmt.Errorf("creating retention job: %w", err)
	}

	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log.Component("api"),
		Conductor: cond,
		Reports:   reportRepo,
		MQTT:      mqttClient,
		DB:        db,
		Hub:       hub,
		Version:   version,
	}
	if promMetrics != nil {
		deps.Metrics = promMetrics.Handler()
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		<-gctx.Done()
		return server.Close()
	})

	g.Go(func() error {
		retention.Start()
		<-gctx.Done()
		retention.Stop()
		return nil
	})

	if cfg.Health.Enabled {
		reporter := conductor.NewHealthReporter(conductor.HealthReporterConfig{
			SiteID:    cfg.Site.ID,
			Version:   version,
			Interval:  cfg.HealthInterval(),
			Publisher: mqttClient,
			Devices:   cond.Devices,
			Gauge:     gauge(promMetrics),
		})
		reporter.SetLogger(log.Component("health"))
		g.Go(func() error {
			reporter.Start(gctx)
			<-gctx.Done()
			reporter.Stop()
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	err = g.Wait()

	// Deferred calls run in reverse order: devices, InfluxDB, MQTT,
	// report recorder, database.
	log.Info("shutting down", "dropped_reports", recorder.Dropped())
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("tsrd stopped")
	return nil
}

// sinks lists the observers attached to every device emitter. Nil
// backends are skipped.
func sinks(log *logging.Logger, hub *api.Hub, recorder *reports.Recorder, m *metrics.Metrics, influx *influxdb.Client) []conductor.Sink {
	out := []conductor.Sink{
		conductor.NewLogSink(log.Component("events")),
		conductor.NewBroadcastSink(hub),
		recorder,
	}
	if m != nil {
		out = append(out, m)
	}
	if influx != nil {
		out = append(out, influx)
	}
	return out
}

// gauge avoids handing the health reporter a typed nil.
func gauge(m *metrics.Metrics) conductor.QueueGauge {
	if m == nil {
		return nil
	}
	return m
}

// getConfigPath returns the configuration file path.
// Uses TSR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TSR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
