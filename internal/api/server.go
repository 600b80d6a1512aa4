package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/dataapi"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/history"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/config"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

// gracefulShutdownTimeout bounds in-flight requests during Close.
const gracefulShutdownTimeout = 10 * time.Second

// Covers is the cover surface the API needs. *cover.Controller satisfies it.
type Covers interface {
	Snapshots() []cover.Snapshot
	Dispatch(ctx context.Context, motor string, intent cover.Intent) (cover.Command, error)
}

// Sensors is the sensor surface the API needs. *sensor.Aggregator
// satisfies it.
type Sensors interface {
	All() []sensor.Presented
	Get(name string) (sensor.Presented, bool)
	LastPoll() time.Time
}

// HealthSource reports robot session health. *connection.Manager satisfies it.
type HealthSource interface {
	HealthStatus() connection.Health
}

// SampleSource queries recorded sensor history. *dataapi.Client satisfies it.
type SampleSource interface {
	QueryRange(ctx context.Context, sensor string, start, end time.Time) ([]dataapi.Sample, error)
}

// Checker is a dependency whose health is reported by GET /health. The
// database, MQTT and InfluxDB clients satisfy it.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the API server. History, Samples and
// Checks are optional.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Device     entity.Device
	Covers     Covers
	Sensors    Sensors
	Connection HealthSource
	History    history.Repository
	Samples    SampleSource
	Checks     map[string]Checker
	Version    string
}

// Server is the HTTP API and WebSocket server.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	device  entity.Device
	covers  Covers
	sensors Sensors
	conn    HealthSource
	history history.Repository
	samples SampleSource
	checks  map[string]Checker
	version string

	secret  []byte
	tickets *ticketStore
	hub     *Hub

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates an API server. The hub accepts broadcasts immediately; the
// listener starts with Start.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If a required dependency is missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Covers == nil || deps.Sensors == nil || deps.Connection == nil {
		return nil, fmt.Errorf("covers, sensors and connection are required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		logger:  deps.Logger.With("component", "api"),
		device:  deps.Device,
		covers:  deps.Covers,
		sensors: deps.Sensors,
		conn:    deps.Connection,
		history: deps.History,
		samples: deps.Samples,
		checks:  deps.Checks,
		version: deps.Version,
		tickets: newTicketStore(),
	}
	if deps.Config.Auth.JWTSecret != "" {
		s.secret = []byte(deps.Config.Auth.JWTSecret)
	}
	s.hub = NewHub(deps.WS, s.logger)
	return s, nil
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router. Start serves the same handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background until Close.
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String(), "auth", s.secret != nil)
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
