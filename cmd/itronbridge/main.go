// Itron Bridge - IEEE 2030.5 smart meter to MQTT
//
// This is the main entry point for the Itron bridge. It polls one or
// more Itron smart meters over their IEEE 2030.5 HTTPS interface and
// republishes readings to MQTT with Home Assistant discovery metadata.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/nerrad567/itron-bridge/internal/infrastructure/config"
	"github.com/nerrad567/itron-bridge/internal/infrastructure/database"
	"github.com/nerrad567/itron-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/itron-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/itron-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/itron-bridge/internal/meter"
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
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Itron bridge",
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
	log.Info("configuration loaded", "path", configPath, "meters", len(cfg.Meters))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Reading sinks shared by every meter
	var sinks []meter.ReadingSink

	// Open the local reading history store (optional)
	if cfg.History.Enabled {
		db, err := database.Open(database.Config{
			Path:        cfg.History.Path,
			WALMode:     cfg.History.WALMode,
			BusyTimeout: cfg.History.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer func() {
			log.Info("closing history database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing history database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("history database ready", "path", db.Path())

		sinks = append(sinks, meter.NewHistory(db))
	} else {
		log.Info("reading history disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
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
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		sinks = append(sinks, &influxSink{client: influxClient})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Create the MQTT client and connect eagerly so the watchdog and
	// status topic come up before the first poll. Endpoints reconnect
	// lazily through the publish path if the broker drops later.
	mqttClient := mqtt.New(cfg.MQTT)
	mqttClient.SetLogger(log.With("component", "mqtt"))
	if err := mqttClient.Connect(); err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Build the meter transport (shared across all meters)
	httpClient, err := meter.NewHTTPClient(cfg.TLS)
	if err != nil {
		return fmt.Errorf("building meter transport: %w", err)
	}

	// One controller per configured meter. A fatal identification
	// failure stops only that meter; siblings keep polling.
	qos := cfg.MQTT.QoS
	if qos < 0 || qos > 2 {
		qos = 1
	}

	var wg sync.WaitGroup
	for i, mc := range cfg.Meters {
		name := cfg.Bridge.Name
		if len(cfg.Meters) > 1 {
			name = fmt.Sprintf("%s %d", cfg.Bridge.Name, i+1)
		}

		m, err := meter.New(meter.Options{
			Name:         name,
			Addr:         mc.Addr(),
			TopicPrefix:  cfg.Bridge.TopicPrefix,
			SchemaDir:    cfg.Bridge.SchemaDir,
			PollInterval: cfg.GetPollInterval(),
			HTTPClient:   httpClient,
			Bus:          mqttClient,
			QoS:          byte(qos), // #nosec G115 -- range checked above
			Logger:       log.With("component", "meter", "meter", mc.Addr()),
			Sinks:        sinks,
		})
		if err != nil {
			return fmt.Errorf("creating meter %s: %w", mc.Addr(), err)
		}

		wg.Add(1)
		go func(m *meter.Meter, addr string) {
			defer wg.Done()
			if err := m.Setup(ctx); err != nil {
				log.Error("meter setup failed, giving up on this meter",
					"meter", addr, "error", err)
				return
			}
			if err := m.Run(ctx); err != nil {
				log.Error("meter stopped with error", "meter", addr, "error", err)
			}
		}(m, mc.Addr())
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal, then for every meter to stop. The
	// deferred Close() calls release MQTT, InfluxDB, and the history
	// database in reverse order after the controllers are down.
	<-ctx.Done()
	log.Info("shutdown signal received, waiting for meters to stop")
	wg.Wait()

	log.Info("Itron bridge stopped")
	return nil
}

// influxSink adapts the InfluxDB client to the reading-sink interface.
// Non-numeric readings (identifiers, status strings) are skipped.
type influxSink struct {
	client *influxdb.Client
}

func (s *influxSink) Record(_ context.Context, meterName, endpoint, sensor, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	s.client.WriteReading(meterName, endpoint, sensor, v)
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ITRONBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ITRONBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
