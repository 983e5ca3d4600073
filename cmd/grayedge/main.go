// Gray Logic Edge - Serial Bus Hub
//
// This is the main entry point for the Gray Logic Edge hub: a small
// service for embedded boards that bridges a Modbus RTU sensor/actuator
// bus onto the Gray Logic MQTT fabric. It polls configured sensors,
// drives relay coils from broker commands, and keeps the broker
// connection alive through network outages with exponential backoff.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-edge/internal/bridges/modbus"
	"github.com/nerrad567/gray-logic-edge/internal/hub"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-edge/internal/state"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Edge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the on-device state store
	db, err := database.Open(database.Config{
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

	stateRepo, err := state.NewSQLiteRepository(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("preparing state store: %w", err)
	}

	// Open the bus session (lazily connects on first transaction)
	var busSession *modbus.Session
	if cfg.Modbus.Enabled {
		busSession = modbus.NewSession(cfg.Modbus, log.With("component", "modbus"))
		defer func() {
			log.Info("closing bus session")
			if closeErr := busSession.Close(); closeErr != nil {
				log.Error("error closing bus session", "error", closeErr)
			}
		}()
		log.Info("bus session created", "device", cfg.Modbus.Device)
	} else {
		log.Info("modbus disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Broker client: producers can queue from here on, even before the
	// first connection attempt.
	topics := mqtt.Topics{Prefix: cfg.Hub.TopicPrefix}
	mqttClient := mqtt.New(cfg.MQTT, topics, log.With("component", "mqtt"))
	log.Info("broker client created",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	// Hub manager: the session handler routing relay commands to coils
	managerOpts := hub.Options{
		Relays:    cfg.Relays,
		Topics:    topics,
		Publisher: mqttClient,
		Store:     stateRepo,
		QoS:       byte(cfg.MQTT.QoS),
		Logger:    log.With("component", "hub"),
	}
	if busSession != nil {
		managerOpts.Bus = busSession
	}
	if influxClient != nil {
		managerOpts.Recorder = influxClient
	}
	manager, err := hub.NewManager(managerOpts)
	if err != nil {
		return fmt.Errorf("creating hub manager: %w", err)
	}

	// Re-apply persisted relay states before the supervisor starts, so
	// a power cycle restores the last commanded state and the retained
	// publishes go out with the first session.
	if err := manager.RestoreOutputs(ctx); err != nil {
		return fmt.Errorf("restoring output states: %w", err)
	}
	log.Info("output states restored", "relays", len(cfg.Relays))

	// Sensor pollers run as session tasks: they pause with the session
	// instead of flooding the queue during an outage.
	var tasks []mqtt.SessionTask
	if busSession != nil && len(cfg.Sensors) > 0 {
		var recorder modbus.Recorder
		if influxClient != nil {
			recorder = influxClient
		}
		poller := modbus.NewPoller(busSession, cfg.Sensors, topics, mqttClient, recorder, log.With("component", "poller"))
		tasks = append(tasks, poller.Run)
		log.Info("sensor pollers configured", "sensors", len(cfg.Sensors))
	}

	log.Info("initialisation complete, starting broker supervisor")

	// Blocks until ctx is cancelled; reconnection is handled inside.
	if err := mqttClient.Run(ctx, manager, tasks...); err != nil {
		return fmt.Errorf("broker supervisor: %w", err)
	}

	stats := mqttClient.Stats()
	log.Info("Gray Logic Edge stopped",
		"sessions", stats.Sessions,
		"published", stats.Published,
		"dropped", stats.Dropped,
		"queued", stats.QueueLen,
	)
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYEDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYEDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
