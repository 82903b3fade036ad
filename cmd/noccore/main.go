// NOC Core is the incident correlation backend of the network operations
// centre.
//
// It receives device status events from monitoring webhooks and the MQTT
// broker, keeps the device status cache, opens and closes incidents
// along the network topology, and enumerates the core router's devices
// over its binary API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nocdash/noc-core/internal/api"
	"github.com/nocdash/noc-core/internal/audit"
	"github.com/nocdash/noc-core/internal/devicesync"
	"github.com/nocdash/noc-core/internal/incident"
	"github.com/nocdash/noc-core/internal/infrastructure/config"
	"github.com/nocdash/noc-core/internal/infrastructure/database"
	"github.com/nocdash/noc-core/internal/infrastructure/influxdb"
	"github.com/nocdash/noc-core/internal/infrastructure/logging"
	"github.com/nocdash/noc-core/internal/infrastructure/metrics"
	"github.com/nocdash/noc-core/internal/infrastructure/mqtt"
	"github.com/nocdash/noc-core/internal/relay"
	"github.com/nocdash/noc-core/internal/routeros"
	"github.com/nocdash/noc-core/internal/status"
	"github.com/nocdash/noc-core/internal/topology"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configFlag := flag.String("config", "", "configuration file (default $NOCCORE_CONFIG or "+defaultConfigPath+")")
	issueFor := flag.String("issue-token", "", "print an operator token for `subject` and exit")
	flag.Parse()

	configPath := getConfigPath(*configFlag)

	if *issueFor != "" {
		if err := issueToken(configPath, *issueFor, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath resolves the configuration file: the -config flag, then
// NOCCORE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("NOCCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// issueToken signs an operator token with the configured JWT secret.
func issueToken(configPath, subject string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting NOC Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	graph, err := topology.Load(cfg.Topology.File)
	if err != nil {
		return fmt.Errorf("loading topology: %w", err)
	}
	log.Info("topology loaded", "path", cfg.Topology.File, "nodes", graph.Len(), "aliases", len(graph.Aliases()))

	cache := status.NewCache(status.NewSQLiteRepository(db.DB))
	cache.SetLogger(log.Component("status"))
	defer cache.Close()
	if rebuildErr := cache.Rebuild(ctx); rebuildErr != nil {
		return fmt.Errorf("loading status cache: %w", rebuildErr)
	}

	engine := incident.NewEngine(
		incident.NewSQLiteStore(db.DB),
		graph,
		newResolver(cfg.Correlation, graph),
		cache,
	)
	engine.SetLogger(log.Component("incident"))

	m := metrics.New()
	health := map[string]api.HealthChecker{"database": db}
	relayOpts := []relay.Option{relay.WithMetrics(m), relay.WithLogger(log.Component("relay"))}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var mqttErr error
		mqttClient, mqttErr = mqtt.Connect(ctx, cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
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

		health["mqtt"] = mqttClient
		m.Gauge("mqtt_messages_received", "Messages received on subscribed topics.", func() float64 {
			return float64(mqttClient.Stats().Received)
		})
		m.Gauge("mqtt_handler_errors", "Inbound messages whose handler failed.", func() float64 {
			return float64(mqttClient.Stats().HandlerErrors)
		})
		relayOpts = append(relayOpts, relay.WithPublisher(mqttClient))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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

		health["influxdb"] = influxClient
		m.Gauge("influxdb_write_failures", "History batches rejected by InfluxDB.", func() float64 {
			return float64(influxClient.Stats().Failures)
		})
		relayOpts = append(relayOpts, relay.WithHistory(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	var syncer *devicesync.Syncer
	if cfg.Router.Host != "" {
		syncer = newSyncer(cfg.Router, cache)
		syncer.SetLogger(log.Component("devicesync"))
		log.Info("device sync enabled",
			"router", fmt.Sprintf("%s:%d", cfg.Router.Host, cfg.Router.Port),
			"interval", cfg.Router.SyncIntervalDuration(),
		)
	} else {
		log.Info("device sync disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	relayOpts = append(relayOpts, relay.WithBroadcaster(hub))

	notifier := relay.New(relayOpts...)
	notifier.Attach(engine, cache, syncer)

	// Inbound events may open incidents as soon as the subscription is
	// live, so the notifier hooks must already be attached.
	if mqttClient != nil {
		inbound := relay.NewInbound(ctx, engine, m, log.Component("mqtt-events"))
		if subErr := inbound.Subscribe(mqttClient, byte(cfg.MQTT.QoS)); subErr != nil {
			return subErr
		}
	}
	registerGauges(m, db, cache, engine, notifier)
	m.Gauge("websocket_clients", "Connected WebSocket clients.", func() float64 {
		return float64(hub.Stats().Clients)
	})
	m.Gauge("websocket_dropped_events", "Events dropped for slow WebSocket clients.", func() float64 {
		return float64(hub.Stats().Dropped)
	})

	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log.Component("api"),
		Incidents: engine,
		Status:    cache,
		Topology:  graph,
		Audit:     audit.NewSQLiteRepository(db.DB),
		Metrics:   m,
		Health:    health,
		Hub:       hub,
		Version:   version,
	}
	if syncer != nil {
		deps.Sync = syncer
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if hcErr := healthCheck(ctx, health); hcErr != nil {
		return fmt.Errorf("health check failed: %w", hcErr)
	}
	log.Info("all health checks passed")

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if syncer != nil {
		g.Go(func() error {
			syncer.Start(gctx)
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal", "address", server.Addr())

	err = g.Wait()

	st := notifier.Stats()
	log.Info("NOC Core stopped",
		"notifications_delivered", st.Delivered,
		"notifications_dropped", st.Dropped,
		"notifications_failed", st.Failed,
	)
	return err
}

// newResolver builds the identity resolver from the correlation tables.
func newResolver(cfg config.CorrelationConfig, graph *topology.Graph) *incident.Resolver {
	ipRules := make([]incident.IPRule, 0, len(cfg.IPPrefixes))
	for _, r := range cfg.IPPrefixes {
		ipRules = append(ipRules, incident.IPRule{Prefix: r.Prefix, Node: r.Node})
	}
	devices := make(map[string]incident.DeviceRule, len(cfg.DeviceMap))
	for name, r := range cfg.DeviceMap {
		devices[name] = incident.DeviceRule{Node: r.Node, PON: r.PON}
	}
	return incident.NewResolver(ipRules, devices, graph)
}

func newSyncer(cfg config.RouterConfig, cache *status.Cache) *devicesync.Syncer {
	return devicesync.New(devicesync.Config{
		Router: routeros.Config{
			Host:           cfg.Host,
			Port:           cfg.Port,
			ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
			ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		},
		User:     cfg.User,
		Password: cfg.Password,
		Interval: cfg.SyncIntervalDuration(),
		Command:  cfg.SyncCommand,
	}, cache)
}

// registerGauges exposes live component state on /metrics.
func registerGauges(m *metrics.Metrics, db *database.DB, cache *status.Cache, engine *incident.Engine, notifier *relay.Relay) {
	m.Gauge("open_incidents", "Incidents currently open.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		open, _, err := db.Counts(ctx)
		if err != nil {
			return -1
		}
		return float64(open)
	})
	m.Gauge("status_cache_devices", "Devices held in the status cache.", func() float64 {
		return float64(cache.Len())
	})
	m.Gauge("status_mirror_errors", "Failed writes of the status cache to the database.", func() float64 {
		return float64(cache.MirrorErrors())
	})
	m.Gauge("engine_duplicate_events", "Down events deduplicated against an open incident.", func() float64 {
		return float64(engine.Stats().Duplicates)
	})
	m.Gauge("engine_cascade_failures", "Cascade child incidents that could not be written.", func() float64 {
		return float64(engine.Stats().CascadeFailures)
	})
	m.Gauge("relay_delivered", "Notifications delivered to sinks.", func() float64 {
		return float64(notifier.Stats().Delivered)
	})
}

// healthCheck verifies every backing component once at startup.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
