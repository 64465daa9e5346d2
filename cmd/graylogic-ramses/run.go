package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	_ "github.com/nerrad567/gray-logic-ramses/migrations"

	"github.com/nerrad567/gray-logic-ramses/internal/bridges/ramses"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/mqtt"
)

// healthCheckTimeout bounds the startup health check of all connections.
const healthCheckTimeout = 5 * time.Second

// gateway is a ramses.Gateway with a lifecycle. Implemented by
// *ramses.ESPGateway and *ramses.SerialGateway.
type gateway interface {
	ramses.Gateway
	Start() error
	Stop()
}

// run is the bridge itself, separated from main for testability.
//
// Components start in dependency order and are stopped in reverse by the
// deferred calls, so the final "stopping" health message still reaches the
// broker before the MQTT connection closes.
//
// Parameters:
//   - ctx: Cancelled on shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic RAMSES bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Best-effort during shutdown
	log.Info("configuration loaded", "path", configPath, "transport", cfg.Gateway.Transport)

	addrs, err := configuredAddresses(cfg.Devices)
	if err != nil {
		return err
	}

	var bridgeMetrics *metrics.Bridge
	if cfg.Metrics.Enabled {
		bridgeMetrics = metrics.NewBridge()
	}
	checks := make(map[string]metrics.HealthChecker)

	// Device database
	var recorder *ramses.DeviceRecorder
	if cfg.Database.Enabled {
		db, dbErr := openDatabase(ctx, cfg.Database)
		if dbErr != nil {
			return dbErr
		}
		defer db.Close() //nolint:errcheck // Best-effort during shutdown
		log.Info("database ready", "path", db.Path())
		checks["database"] = db

		recorder = ramses.NewDeviceRecorder(db.DB)
		recorder.SetLogger(log)
		recorder.SetQueueSize(cfg.Database.QueueSize)
		if bridgeMetrics != nil {
			recorder.SetOnDrop(bridgeMetrics.DeviceWriteDropped)
		}
		if err = recorder.Start(); err != nil {
			return fmt.Errorf("starting device recorder: %w", err)
		}
		defer recorder.Stop()

		addrs = withKnownRoles(ctx, addrs, recorder, log)
	}

	// MQTT
	mqttClient, err := connectMQTT(cfg.MQTT, bridgeMetrics, log)
	if err != nil {
		return err
	}
	defer mqttClient.Close() //nolint:errcheck // Best-effort during shutdown
	checks["mqtt"] = mqttClient

	// InfluxDB
	var telemetry ramses.TelemetryWriter
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer influxClient.Close() //nolint:errcheck // Best-effort during shutdown
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write failed", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		checks["influxdb"] = influxClient
		telemetry = influxClient
	}

	if err = healthCheck(ctx, checks); err != nil {
		return err
	}

	// The coordinator records gateway versions but is created after the
	// engine, which needs the gateway first. Versions only arrive once the
	// gateway is started, by which time coordinator is set.
	var coordinator *ramses.Coordinator
	onVersion := func(gw ramses.Address, v string) {
		if coordinator != nil {
			coordinator.GatewayVersion(gw, v)
		}
	}

	adapter := &mqttAdapter{client: mqttClient, log: log}
	gw, gwID, err := newGateway(ctx, cfg, adapter, onVersion, log)
	if err != nil {
		return err
	}
	addrs.Gateway = gwID

	engineOpts := ramses.EngineOptions{
		Gateway:       gw,
		Limiter:       txLimiter(cfg.Engine),
		Addresses:     addrs,
		MaxRetries:    cfg.Engine.MaxRetries,
		Timeout:       cfg.Engine.Timeout,
		AwaitFanState: cfg.Engine.AwaitFanState,
		StartupDelay:  cfg.Engine.StartupDelay,
		Logger:        log,
	}
	if bridgeMetrics != nil {
		engineOpts.Metrics = bridgeMetrics
	}
	engine, err := ramses.NewEngine(engineOpts)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	if cfg.PacketLog.Enabled {
		plog := newPacketLog(cfg.PacketLog, bridgeMetrics, log)
		defer plog.Close() //nolint:errcheck // Best-effort during shutdown
		engine.SetOnEnvelope(plog.Record)
		log.Info("packet log enabled", "path", cfg.PacketLog.Path)
	}

	coordOpts := ramses.CoordinatorOptions{
		Engine:               engine,
		MQTT:                 adapter,
		Telemetry:            telemetry,
		HumidityPollInterval: cfg.Engine.HumidityPollInterval,
		Logger:               log,
	}
	if recorder != nil {
		coordOpts.Devices = recorder
	}
	coordinator, err = ramses.NewCoordinator(coordOpts)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	if err = coordinator.Start(); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	defer coordinator.Stop()

	engine.Start()
	defer engine.Stop()

	if err = gw.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer gw.Stop()

	health := ramses.NewHealthReporter(ramses.HealthReporterConfig{
		BridgeID:   ramses.ProtocolName,
		Version:    version,
		Interval:   cfg.Health.Interval,
		StaleAfter: cfg.Health.StaleAfter,
		Transport:  cfg.Gateway.Transport,
		Publisher:  mqttClient,
		Engine:     engine,
	})
	health.SetLogger(log)
	if err = health.PublishStarting(); err != nil {
		log.Warn("publishing starting status", "error", err)
	}
	health.Start(ctx)
	defer health.Stop()

	if bridgeMetrics != nil {
		srv := metrics.NewServer(metrics.ServerOptions{
			Listen:  cfg.Metrics.Listen,
			Metrics: bridgeMetrics,
			Engine:  engine,
			Version: version,
			Checks:  checks,
			Logger:  log,
		})
		if err = srv.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer srv.Close() //nolint:errcheck // Best-effort during shutdown
		log.Info("metrics server listening", "address", srv.Addr())
	}

	log.Info("Gray Logic RAMSES bridge started",
		"gateway", gwID.String(),
		"remote", addrs.Remote.String(),
		"fan", addrs.Fan.String(),
		"co2", addrs.CO2.String(),
	)

	// Initial status requests run alongside normal operation; a fan that is
	// still unknown is polled once discovery finds it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Setup(gctx, true); err != nil && gctx.Err() == nil {
			log.Warn("initial status requests failed", "error", err)
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")
	return g.Wait()
}

// configuredAddresses parses the device ids from the configuration. Empty
// ids stay empty and are discovered from traffic.
func configuredAddresses(cfg config.DevicesConfig) (ramses.Addresses, error) {
	var addrs ramses.Addresses
	for _, id := range []struct {
		key   string
		value string
		dst   *ramses.Address
	}{
		{"devices.remote_id", cfg.RemoteID, &addrs.Remote},
		{"devices.fan_id", cfg.FanID, &addrs.Fan},
		{"devices.co2_id", cfg.CO2ID, &addrs.CO2},
	} {
		if id.value == "" {
			continue
		}
		a, err := ramses.ParseAddress(id.value)
		if err != nil {
			return ramses.Addresses{}, fmt.Errorf("%s: %w", id.key, err)
		}
		*id.dst = a
	}
	return addrs, nil
}

// knownRoles is the part of the device recorder used at startup.
type knownRoles interface {
	KnownRoles(ctx context.Context) (ramses.Addresses, error)
}

// withKnownRoles fills fan and CO2 addresses missing from the configuration
// with devices discovered in earlier runs.
func withKnownRoles(ctx context.Context, addrs ramses.Addresses, store knownRoles, log *logging.Logger) ramses.Addresses {
	known, err := store.KnownRoles(ctx)
	if err != nil {
		log.Warn("reading recorded devices", "error", err)
		return addrs
	}
	if addrs.Fan.IsEmpty() && !known.Fan.IsEmpty() {
		addrs.Fan = known.Fan
		log.Info("using recorded fan", "address", known.Fan.String())
	}
	if addrs.CO2.IsEmpty() && !known.CO2.IsEmpty() {
		addrs.CO2 = known.CO2
		log.Info("using recorded CO2 sensor", "address", known.CO2.String())
	}
	return addrs
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// connectMQTT connects with the bridge's offline status as the Last Will,
// so Core sees the bridge go offline when the process dies.
func connectMQTT(cfg config.MQTTConfig, m *metrics.Bridge, log *logging.Logger) (*mqtt.Client, error) {
	lwt, err := json.Marshal(ramses.NewLWTMessage(ramses.ProtocolName))
	if err != nil {
		return nil, fmt.Errorf("encoding last will: %w", err)
	}

	client, err := mqtt.Connect(cfg, &mqtt.Will{
		Topic:    ramses.HealthTopic(),
		Payload:  lwt,
		QoS:      1,
		Retained: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)

	setConnected := func(connected bool) {
		if m != nil {
			m.SetMQTTConnected(connected)
		}
	}
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		setConnected(true)
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT connection lost", "error", err)
		setConnected(false)
	})
	setConnected(client.IsConnected())

	log.Info("MQTT connected", "host", cfg.Broker.Host, "port", cfg.Broker.Port)
	return client, nil
}

// newGateway creates the configured gateway. Over MQTT an unconfigured
// gateway id is discovered, which blocks until the gateway announces
// itself or ctx is cancelled.
func newGateway(ctx context.Context, cfg *config.Config, client ramses.MQTTClient,
	onVersion func(ramses.Address, string), log *logging.Logger) (gateway, ramses.Address, error) {
	var id ramses.Address
	if cfg.Gateway.ID != "" {
		a, err := ramses.ParseAddress(cfg.Gateway.ID)
		if err != nil {
			return nil, ramses.Address{}, fmt.Errorf("gateway.id: %w", err)
		}
		id = a
	}

	if cfg.Gateway.Transport == config.TransportSerial {
		gw, err := ramses.NewSerialGateway(ramses.SerialGatewayOptions{
			Port:     cfg.Gateway.Serial.Port,
			BaudRate: cfg.Gateway.Serial.BaudRate,
			Logger:   log,
		})
		if err != nil {
			return nil, ramses.Address{}, fmt.Errorf("creating serial gateway: %w", err)
		}
		return gw, id, nil
	}

	gw, err := ramses.NewESPGateway(ramses.ESPGatewayOptions{
		Client:    client,
		BaseTopic: cfg.Gateway.BaseTopic,
		GatewayID: id,
		QoS:       byte(cfg.MQTT.QoS),
		OnVersion: onVersion,
		Logger:    log,
	})
	if err != nil {
		return nil, ramses.Address{}, fmt.Errorf("creating ESP gateway: %w", err)
	}
	if id.IsEmpty() {
		log.Info("waiting for gateway announcement", "topic", cfg.Gateway.BaseTopic+"/+")
	}
	id, err = gw.Discover(ctx)
	if err != nil {
		return nil, ramses.Address{}, fmt.Errorf("discovering gateway: %w", err)
	}
	return gw, id, nil
}

// txLimiter paces transmissions, nil when tx_rate is unset.
func txLimiter(cfg config.EngineConfig) *rate.Limiter {
	if cfg.TxRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.TxRate), cfg.TxBurst)
}

func newPacketLog(cfg config.PacketLogConfig, m *metrics.Bridge, log *logging.Logger) *ramses.PacketLog {
	opts := ramses.PacketLogOptions{
		Path:       cfg.Path,
		MaxSizeMB:  cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		QueueSize:  cfg.QueueSize,
		Logger:     log,
	}
	if m != nil {
		opts.OnDrop = m.PacketLogDropped
	}
	return ramses.NewPacketLog(opts)
}

// healthCheck verifies all connections concurrently.
func healthCheck(ctx context.Context, checks map[string]metrics.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, c := range checks {
		g.Go(func() error {
			if err := c.HealthCheck(gctx); err != nil {
				return fmt.Errorf("%s health check: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
