// IoT Device Manager - Cumulocity device simulator.
//
// Simulates fleets of energy devices (solar inverters, heat pumps, grid
// meters) publishing telemetry to a Cumulocity tenant over MQTT. Each
// device runs as an independent worker with its own broker session,
// reconnect state machine and registration record.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/imadama/IoTDeviceManager/migrations"

	"github.com/imadama/IoTDeviceManager/internal/connection"
	"github.com/imadama/IoTDeviceManager/internal/cumulocity"
	"github.com/imadama/IoTDeviceManager/internal/infrastructure/config"
	"github.com/imadama/IoTDeviceManager/internal/infrastructure/database"
	"github.com/imadama/IoTDeviceManager/internal/infrastructure/influxdb"
	"github.com/imadama/IoTDeviceManager/internal/infrastructure/logging"
	"github.com/imadama/IoTDeviceManager/internal/registration"
	"github.com/imadama/IoTDeviceManager/internal/simulator"
	"github.com/imadama/IoTDeviceManager/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Hardware descriptor reported during registration.
const (
	deviceModel = "IoTSim"
)

// statusLogInterval is how often the supervisor snapshot is logged.
const statusLogInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting IoT Device Manager",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Optional telemetry mirror.
	var mirror *influxdb.Client
	if cfg.InfluxDB.Enabled {
		mirror, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil && !errors.Is(err, influxdb.ErrDisabled) {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		if mirror != nil {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := mirror.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			mirror.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			log.Info("InfluxDB mirror connected",
				"url", cfg.InfluxDB.URL,
				"bucket", cfg.InfluxDB.Bucket,
			)
		}
	} else {
		log.Info("InfluxDB mirror disabled")
	}

	regStore := registration.NewSQLiteStore(db.DB)
	measurements := telemetry.NewSQLiteStore(db.DB)
	repo := simulator.NewSQLiteRepository(db.DB)

	supervisor := simulator.NewSupervisor(simulator.Deps{
		Repo:            repo,
		Registrations:   regStore,
		Measurements:    measurements,
		NewWorker:       workerFactory(cfg, regStore, measurements, mirror, log),
		StopGracePeriod: cfg.Simulator.GetStopGracePeriod(),
		Logger:          log.With("component", "supervisor"),
	})

	// Workers are process scoped: anything left active by a previous
	// process comes back stopped.
	if err := supervisor.Restore(ctx); err != nil {
		return fmt.Errorf("restoring device table: %w", err)
	}

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, stopping workers")

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := supervisor.Close(stopCtx); err != nil {
				log.Error("error stopping workers", "error", err)
			}

			log.Info("IoT Device Manager stopped")
			return nil

		case <-ticker.C:
			logSnapshot(ctx, supervisor, log)
		}
	}
}

// workerFactory wires a full worker stack for one device: a dedicated
// paho transport with its own client identity, the connection state
// machine, a rate limited publisher and the measurement generator.
func workerFactory(
	cfg *config.Config,
	regStore registration.Store,
	measurements telemetry.Store,
	mirror *influxdb.Client,
	log *logging.Logger,
) simulator.WorkerFactory {
	return func(dev simulator.Device) simulator.WorkerRunner {
		qos := byte(cfg.MQTT.QoS) // #nosec G115 -- validated 0-2 by config.Validate

		transport := connection.NewPahoTransport(connection.DialConfig{
			Host:           cfg.MQTT.Broker.Host,
			Port:           cfg.MQTT.Broker.Port,
			TLS:            cfg.MQTT.Broker.TLS,
			ClientID:       cumulocity.ClientID(dev.ID),
			Username:       brokerUsername(cfg.MQTT.Auth),
			Password:       cfg.MQTT.Auth.Password,
			ConnectTimeout: cfg.MQTT.GetConnectTimeout(),
		})

		manager := connection.NewManager(transport, connection.Settings{
			DeviceID:          dev.ID,
			DeviceType:        string(dev.Type),
			Model:             deviceModel,
			Revision:          version,
			QoS:               qos,
			Backoff:           connection.Backoff{Base: cfg.MQTT.Reconnect.GetBaseDelay(), Max: cfg.MQTT.Reconnect.GetMaxDelay()},
			MaxAttempts:       cfg.MQTT.Reconnect.MaxAttempts,
			HeartbeatInterval: cfg.MQTT.Heartbeat.GetInterval(),
			DisconnectQuiesce: time.Second,
		}, regStore, log.With("component", "connection", "device_id", dev.ID))

		generate, err := telemetry.NewGenerator(dev.Type)
		if err != nil {
			// Unreachable: the device row was created through ParseType.
			log.Error("no generator for device type", "device_type", string(dev.Type))
			generate = func(deviceID string, now time.Time) telemetry.Measurement {
				return telemetry.Measurement{DeviceID: deviceID, Timestamp: now}
			}
		}

		deps := simulator.WorkerDeps{
			Conn:              manager,
			Generate:          generate,
			Sink:              telemetry.NewPublisher(manager, qos, cfg.Simulator.RateLimit, cfg.Simulator.RateLimitBurst, log),
			Store:             measurements,
			Interval:          cfg.Simulator.GetMeasurementInterval(),
			QoS:               qos,
			DisconnectTimeout: cfg.Simulator.GetStopGracePeriod(),
			Logger:            log.With("component", "worker", "device_id", dev.ID),
		}
		if mirror != nil {
			deps.Mirror = mirror
		}
		return simulator.NewWorker(dev, deps)
	}
}

// logSnapshot writes a one line status per device for operators tailing
// the log.
func logSnapshot(ctx context.Context, supervisor *simulator.Supervisor, log *logging.Logger) {
	snapshot, err := supervisor.Snapshot(ctx)
	if err != nil {
		log.Error("snapshot failed", "error", err)
		return
	}
	for _, row := range snapshot {
		log.Info("device status",
			"device_id", row.DeviceID,
			"device_type", string(row.Type),
			"status", string(row.Status),
			"phase", string(row.ConnectionPhase),
			"attempts", row.AttemptCount,
		)
	}
}

// brokerUsername composes the Cumulocity tenant/user login form.
func brokerUsername(auth config.MQTTAuthConfig) string {
	if auth.Tenant == "" {
		return auth.Username
	}
	return auth.Tenant + "/" + auth.Username
}

// getConfigPath returns the configuration file path.
// Uses IOTSIM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTSIM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
