// Viam bridge - exposes a Viam robot's motors and sensors to Home Assistant.
//
// The bridge keeps one authenticated session to the robot, drives motors as
// time-based covers, polls sensors, and mirrors everything to Home Assistant
// over MQTT discovery. A small HTTP API serves the same state for dashboards
// and scripts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/biotinker/viam-homeassistant/internal/api"
	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/dataapi"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/executor"
	"github.com/biotinker/viam-homeassistant/internal/history"
	"github.com/biotinker/viam-homeassistant/internal/homeassistant"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/config"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/database"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/influxdb"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/mqtt"
	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/robot/mdns"
	"github.com/biotinker/viam-homeassistant/internal/robot/wsrpc"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
	"github.com/biotinker/viam-homeassistant/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"

	// startupCheckTimeout bounds the dependency checks run before serving.
	startupCheckTimeout = 5 * time.Second

	// motorListTimeout bounds the motor listing after each reconnection.
	motorListTimeout = 10 * time.Second

	// motorDiscoveryClass is the executor class of the motor listing.
	motorDiscoveryClass = "discovery/motors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = printToken(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "migrate":
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	default:
		err = run(ctx)
	}
	if err != nil {
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
	log := logging.Default()
	log.Info("starting viam bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := loadEnvFile(); err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database and local history
	db, err := database.Open(cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(historyRepo, time.Duration(cfg.History.RetentionDays)*24*time.Hour, log)

	robotID := robot.RobotID(cfg.Robot.Hostname)
	checks := map[string]api.Checker{"database": db}

	// Reading recorder (optional)
	influxClient := connectInflux(cfg, robotID, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		checks["influxdb"] = influxClient
	}

	// Cloud Data API (optional)
	var dataClient *dataapi.Client
	if cfg.DataAPI.Enabled {
		dataClient, err = dataapi.New(dataapi.Config{
			URL:          cfg.DataAPI.URL,
			OrgID:        cfg.DataAPI.OrgID,
			APIKey:       cfg.DataAPI.APIKey,
			Bucket:       cfg.DataAPI.Bucket,
			RobotID:      robotID,
			Lookback:     time.Duration(cfg.DataAPI.LookbackHours) * time.Hour,
			RangeLimit:   cfg.DataAPI.RangeLimit,
			RangeTimeout: config.Seconds(cfg.DataAPI.RangeTimeout),
		})
		if err != nil {
			return fmt.Errorf("creating data API client: %w", err)
		}
		defer dataClient.Close()
		checks["data_api"] = checkFunc(dataClient.Ping)
		log.Info("data API enabled", "url", cfg.DataAPI.URL, "sensors", len(cfg.DataAPI.SensorNames))
	} else {
		log.Info("data API disabled")
	}

	// Robot session
	manager := connection.NewManager(connection.Config{
		Endpoint: cfg.Robot.Hostname,
		Credentials: robot.Credentials{
			APIKeyID: cfg.Robot.APIKeyID,
			APIKey:   cfg.Robot.APIKey,
		},
		Backoff:          backoffConfig(cfg.Connection.Backoff),
		AuthFailureDelay: config.Seconds(cfg.Connection.AuthFailureDelay),
		ConnectTimeout:   config.Seconds(cfg.Robot.ConnectTimeout),
	}, newDialer(cfg.Robot, log), log)
	defer func() {
		log.Info("closing robot session")
		if closeErr := manager.Close(); closeErr != nil {
			log.Error("error closing robot session", "error", closeErr)
		}
	}()

	// Covers and sensors
	exec := executor.New(manager, backoffConfig(cfg.Connection.Backoff), log)

	commandPolicy := executor.Policy{
		Timeout:    config.Seconds(cfg.Commands.Timeout),
		MaxRetries: cfg.Commands.MaxRetries,
	}
	controller := cover.NewController(coverConfigs(cfg.Motors), exec, cover.Options{
		Policy: commandPolicy,
		Logger: log,
	})
	log.Info("covers configured", "count", len(cfg.Motors))

	aggregator := newAggregator(cfg, exec, dataClient, influxClient, log)

	device := entity.NewDevice(cfg.Robot.EntryID, cfg.Robot.Hostname)

	// Home Assistant over MQTT (optional)
	bridge, mqttClient := newHomeAssistant(cfg, device, controller, aggregator, manager, log)
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		checks["mqtt"] = mqttClient
	}

	// HTTP API (optional)
	var server *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			Device:     device,
			Covers:     controller,
			Sensors:    aggregator,
			Connection: manager,
			History:    historyRepo,
			Checks:     checks,
			Version:    version,
		}
		if dataClient != nil {
			deps.Samples = dataClient
		}
		server, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	} else {
		log.Info("API server disabled")
	}

	// Listeners go in before anything can dispatch a command or connect.
	wireEvents(controller, aggregator, manager, exec, commandPolicy, recorder, bridge, server, log)

	if bridge != nil {
		if err := bridge.Start(); err != nil {
			log.Error("home assistant commands unavailable", "error", err)
		}
	}
	if server != nil {
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, checks, log); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"robot", robotID,
		"motors", len(cfg.Motors),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		aggregator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	if bridge != nil {
		g.Go(func() error {
			bridge.Run(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("viam bridge stopped")
	return nil
}

// wireEvents fans state changes out to the Home Assistant bridge, the API
// WebSocket hub and local history, and refreshes sensors and motors after
// every reconnection. bridge and server may be nil.
func wireEvents(
	controller *cover.Controller,
	aggregator *sensor.Aggregator,
	manager *connection.Manager,
	exec *executor.Executor,
	motorPolicy executor.Policy,
	recorder *history.Recorder,
	bridge *homeassistant.Bridge,
	server *api.Server,
	log *logging.Logger,
) {
	controller.OnTransition(func(t cover.Transition) {
		recorder.Transition(t)
		if bridge != nil {
			bridge.CoverTransition(t)
		}
		if server != nil {
			server.CoverTransition(t)
		}
	})
	controller.OnAvailability(func(s cover.Snapshot) {
		if bridge != nil {
			bridge.CoverChanged(s)
		}
		if server != nil {
			server.CoverChanged(s)
		}
	})

	aggregator.OnUpdate(func(p sensor.Presented) {
		if bridge != nil {
			bridge.SensorUpdated(p)
		}
		if server != nil {
			server.SensorUpdated(p)
		}
	})
	aggregator.OnRemove(func(name string) {
		if bridge != nil {
			bridge.SensorRemoved(name)
		}
		if server != nil {
			server.SensorRemoved(name)
		}
	})

	manager.OnEvent(func(ev connection.Event) {
		recorder.ConnectionEvent(ev)
		if bridge != nil {
			bridge.ConnectionChanged(ev)
		}
		if server != nil {
			server.ConnectionChanged(ev)
		}
	})
	manager.OnConnected(func(*connection.Session) {
		aggregator.OnReconnect()
		go refreshMotors(context.Background(), exec, motorPolicy, controller, log)
	})
}

// refreshMotors marks covers available according to the motors the robot
// exposes. A failed listing keeps the current availability; only transport
// errors drop the session, through the executor.
func refreshMotors(ctx context.Context, exec *executor.Executor, policy executor.Policy, controller *cover.Controller, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(ctx, motorListTimeout)
	defer cancel()

	resources, err := executor.Execute(ctx, exec, motorDiscoveryClass, policy,
		func(ctx context.Context, conn robot.Conn) ([]robot.Resource, error) {
			return conn.ListResources(ctx)
		})
	if err != nil {
		log.Warn("listing robot motors failed, keeping cover availability", "error", err)
		return
	}

	var motors []string
	for _, r := range resources {
		if r.Kind == robot.KindMotor {
			motors = append(motors, r.Name)
		}
	}
	controller.SetPresent(motors)
}

// newDialer returns the robot dialer, resolving the robot over mDNS first
// when local discovery is enabled.
func newDialer(cfg config.RobotConfig, log *logging.Logger) robot.Dialer {
	var dialer robot.Dialer = wsrpc.NewDialer(wsrpc.Options{
		Port:             cfg.Port,
		Path:             cfg.Path,
		TLS:              cfg.TLS,
		HandshakeTimeout: config.Seconds(cfg.ConnectTimeout),
	})
	if !cfg.LocalDiscovery {
		return dialer
	}

	log.Info("local robot discovery enabled", "service", cfg.MDNSService)
	return mdns.NewDialer(dialer, mdns.NewResolver(mdns.Options{
		Service:   cfg.MDNSService,
		Interface: cfg.MDNSInterface,
		Timeout:   config.Seconds(cfg.DiscoveryTimeout),
	}), log)
}

// newAggregator builds the sensor aggregator with its direct reader, and the
// cloud reader and reading recorder when configured.
func newAggregator(cfg *config.Config, exec *executor.Executor, dataClient *dataapi.Client, influxClient *influxdb.Client, log *logging.Logger) *sensor.Aggregator {
	direct := sensor.NewDirectReader(exec, executor.Policy{
		Timeout:    config.Seconds(cfg.Sensors.ReadTimeout),
		MaxRetries: cfg.Sensors.MaxRetries,
	})

	opts := sensor.Options{Logger: log}
	if influxClient != nil {
		opts.Recorder = influxClient
	}

	var cloud sensor.CloudSource
	if dataClient != nil {
		cloud = sensor.NewCloudReader(exec, dataClient, executor.Policy{
			Timeout:    config.Seconds(cfg.DataAPI.QueryTimeout),
			MaxRetries: cfg.Sensors.MaxRetries,
		})
	}

	return sensor.NewAggregator(sensor.Config{
		Interval:     cfg.UpdateInterval(),
		StaleFactor:  cfg.Sensors.StaleFactor,
		Concurrency:  cfg.Sensors.Concurrency,
		Include:      cfg.Sensors.Include,
		CloudSensors: cfg.DataAPI.SensorNames,
	}, direct, cloud, opts)
}

// newHomeAssistant connects to MQTT and builds the discovery bridge. A
// broker that cannot be reached leaves the bridge disabled rather than
// failing startup. The caller starts the bridge once listeners are wired.
//
// Returns:
//   - *homeassistant.Bridge: bridge, or nil when disabled
//   - *mqtt.Client: connected client for the caller to close, or nil
func newHomeAssistant(
	cfg *config.Config,
	device entity.Device,
	controller *cover.Controller,
	aggregator *sensor.Aggregator,
	manager *connection.Manager,
	log *logging.Logger,
) (*homeassistant.Bridge, *mqtt.Client) {
	if !cfg.MQTT.Enabled || !cfg.HomeAssistant.Enabled {
		log.Info("home assistant bridge disabled")
		return nil, nil
	}

	topics := mqtt.NewTopics(cfg.HomeAssistant.DiscoveryPrefix, cfg.HomeAssistant.BaseTopic, device.EntryID)
	client, err := mqtt.Connect(cfg.MQTT, mqtt.Status{Topic: topics.Status()})
	if err != nil {
		log.Error("MQTT unavailable, home assistant bridge disabled", "error", err)
		return nil, nil
	}
	client.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	bridge := homeassistant.New(client, controller, aggregator, manager, homeassistant.Options{
		Topics:         topics,
		Device:         device,
		QoS:            byte(cfg.MQTT.QoS), // #nosec G115 -- validated to 0..2
		Version:        version,
		HealthInterval: config.Seconds(cfg.HomeAssistant.HealthInterval),
		Logger:         log,
	})

	client.OnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.Announce()
	})
	client.OnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	return bridge, client
}

// connectInflux connects the reading recorder. Failures are logged and the
// bridge runs without it.
func connectInflux(cfg *config.Config, robotID string, log *logging.Logger) *influxdb.Client {
	client, err := influxdb.Connect(cfg.InfluxDB, robotID)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
		return nil
	case err != nil:
		log.Warn("InfluxDB unavailable, readings will not be recorded", "error", err)
		return nil
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client
}

// healthCheck verifies dependencies before serving. The database is
// required; every other failure only degrades the bridge.
func healthCheck(ctx context.Context, checks map[string]api.Checker, log *logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	for name, c := range checks {
		err := c.HealthCheck(ctx)
		switch {
		case err == nil:
			continue
		case name == "database":
			return fmt.Errorf("database: %w", err)
		default:
			log.Warn("dependency unhealthy at startup", "dependency", name, "error", err)
		}
	}
	return nil
}

func backoffConfig(b config.BackoffConfig) connection.BackoffConfig {
	return connection.BackoffConfig{
		Floor:  config.Seconds(b.Floor),
		Max:    config.Seconds(b.Max),
		Jitter: b.Jitter,
	}
}

func coverConfigs(motors []config.MotorConfig) []cover.Config {
	out := make([]cover.Config, 0, len(motors))
	for _, m := range motors {
		out = append(out, cover.Config{
			Name:          m.Name,
			OpenTime:      config.Seconds(m.OpenTime),
			CloseTime:     config.Seconds(m.CloseTime),
			FlipDirection: m.FlipDirection,
		})
	}
	return out
}

// checkFunc adapts a ping function to api.Checker.
type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// printToken mints an API bearer token signed with the configured secret,
// for Home Assistant or scripts calling the HTTP API.
func printToken(args []string) error {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := flags.String("subject", "homeassistant", "token subject")
	ttl := flags.Duration("ttl", 0, "token lifetime; 0 never expires")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := loadEnvFile(); err != nil {
		return err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.API.Auth.JWTSecret == "" {
		return errors.New("api.auth.jwt_secret is not set (set VIAMBRIDGE_JWT_SECRET)")
	}

	token, err := api.MintToken(cfg.API.Auth.JWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runMigrate manages the history schema without starting the bridge.
//
// Usage: viambridge migrate [status|up|down]
//
// Every action ends by printing the applied and pending migrations.
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	if len(args) > 1 {
		return fmt.Errorf("migrate: unexpected arguments %v", args[1:])
	}
	switch action {
	case "status", "up", "down":
	default:
		return fmt.Errorf("migrate: unknown action %q (want status, up or down)", action)
	}

	if err := loadEnvFile(); err != nil {
		return err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Process exits right after

	switch action {
	case "up":
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case "down":
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
	}

	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, r := range applied {
		fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}

// getConfigPath returns the configuration file path.
// Uses VIAMBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VIAMBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadEnvFile loads secrets from VIAMBRIDGE_ENV_FILE (default .env) into the
// environment. A missing file is not an error. Variables already set win.
func loadEnvFile() error {
	path := defaultEnvFile
	if p := os.Getenv("VIAMBRIDGE_ENV_FILE"); p != "" {
		path = p
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}
