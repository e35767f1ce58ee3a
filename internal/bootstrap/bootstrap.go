package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/docdb-driver/drc/internal/api"
	"github.com/docdb-driver/drc/internal/config"
	"github.com/docdb-driver/drc/internal/eventbus"
	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/pipeline"
	"github.com/docdb-driver/drc/internal/retry"
	"github.com/docdb-driver/drc/internal/server"
	"github.com/docdb-driver/drc/internal/session"
	"github.com/docdb-driver/drc/internal/telemetry"
	"github.com/docdb-driver/drc/internal/topology"
)

// DemoRanges is the number of ranges the in-memory source gives each
// configured collection when no RangeSource is supplied.
const DemoRanges = 4

// Client wires the routing core together
type Client struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry

	Source   topology.RangeSource
	Cache    *topology.Cache
	Sessions *session.Container
	Chain    *retry.Chain
	Executor *pipeline.Executor

	Server   *server.Server
	Bus      eventbus.EventBus
	Listener *eventbus.TopologyListener

	installGlobal bool
	initialized   bool
	ready         atomic.Bool
	started       bool
	stopped       bool
}

// Option configures a Client
type Option func(*Client)

// WithRangeSource sets the topology source. Without one, configured
// collections are served from an in-memory source.
func WithRangeSource(source topology.RangeSource) Option {
	return func(c *Client) { c.Source = source }
}

// WithLogger sets the logger instead of building one from configuration.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.Logger = logger }
}

// WithGlobalTelemetry installs the client's providers as the otel globals.
func WithGlobalTelemetry() Option {
	return func(c *Client) { c.installGlobal = true }
}

// New creates a new client
func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize loads configuration from configFile (or the default search
// paths and environment) and builds every component.
func (c *Client) Initialize(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return c.InitializeWithConfig(ctx, cfg)
}

// InitializeWithConfig builds every component from cfg.
func (c *Client) InitializeWithConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.Config = cfg

	// Initialize logging
	if c.Logger == nil {
		logger, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		c.Logger = logger
	}
	logger := c.Logger

	logger.Info(ctx, "Configuration loaded",
		zap.String("global_endpoint", cfg.Client.GlobalEndpoint),
		zap.Strings("preferred_regions", cfg.Client.PreferredRegions),
		zap.String("consistency_level", cfg.Client.ConsistencyLevel),
		zap.String("log_level", cfg.Logging.Level))

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	c.Telemetry = tel
	if c.installGlobal {
		tel.InstallGlobal()
	}
	if cfg.Telemetry.Enabled {
		logger.Info(ctx, "Telemetry initialized",
			zap.String("service_name", cfg.Telemetry.ServiceName),
			zap.String("jaeger_endpoint", cfg.Telemetry.JaegerEndpoint),
			zap.Float64("sample_rate", cfg.Telemetry.SampleRate))
	} else {
		logger.Info(ctx, "Telemetry is disabled")
	}
	metrics := tel.Metrics()

	// Topology cache
	if c.Source == nil {
		c.Source = demoSource(cfg.Topology.Collections)
		logger.Info(ctx, "Using in-memory range source",
			zap.Strings("collections", cfg.Topology.Collections),
			zap.Int("ranges_per_collection", DemoRanges))
	}
	c.Cache = topology.NewCache(c.Source, cfg.Topology.CacheConfig(),
		topology.WithLogger(logger.Named("topology")),
		topology.WithRecorder(metrics),
		topology.WithTracer(tel.Tracer("drc/topology")))

	// Session tokens and retry chain
	c.Sessions = session.NewContainer(metrics)
	c.Chain = buildChain(cfg.Retry)

	c.Executor, err = pipeline.NewExecutor(pipeline.Config{
		GlobalEndpoint:     cfg.Client.GlobalEndpoint,
		PreferredRegions:   cfg.Client.PreferredRegions,
		SessionConsistency: cfg.SessionConsistency(),
		MaxAttempts:        cfg.Retry.MaxAttempts,
	}, c.Cache, c.Sessions, c.Chain,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithRecorder(metrics),
		pipeline.WithTracer(tel.Tracer("drc/pipeline")))
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	// Diagnostics server
	if cfg.Server.Enabled {
		zl := logging.ZapOf(logger.Named("server"))
		opts := []api.Option{api.WithReadiness(c.Ready)}
		if cfg.Server.TrustProxyHeaders {
			opts = append(opts, api.WithTrustedProxy())
		}
		handler := api.NewHandler(c.Cache, c.Sessions, zl, opts...)
		var metricsHandler http.Handler
		if cfg.Telemetry.Enabled {
			metricsHandler = tel.Handler()
		}
		c.Server, err = server.New(cfg.Server, handler.Router(), metricsHandler, zl)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
	}

	logger.Info(ctx, "Routing core initialized",
		zap.Int("retry_policies", c.Chain.Len()),
		zap.Bool("session_consistency", cfg.SessionConsistency()),
		zap.Bool("server_enabled", cfg.Server.Enabled),
		zap.Bool("eventbus_enabled", cfg.EventBus.Enabled))
	c.initialized = true
	return nil
}

func buildChain(cfg config.RetryConfig) *retry.Chain {
	var policies []retry.Policy
	if cfg.TopologyRetryEnabled {
		policies = append(policies, retry.NewTopologyPolicy())
	}
	if cfg.ThrottleMaxRetries > 0 {
		policies = append(policies, retry.NewThrottlePolicy(cfg.ThrottleMaxRetries, cfg.ThrottleMaxWait))
	}
	return retry.NewChain(policies...)
}

func demoSource(collections []string) *topology.StaticSource {
	src := topology.NewStaticSource()
	for _, coll := range collections {
		src.SetRanges(coll, topology.UniformRanges(DemoRanges)...)
	}
	return src
}

// Start starts the server, subscribes to topology notifications and primes
// the configured collections. The client reports ready once priming is done.
func (c *Client) Start(ctx context.Context) error {
	if !c.initialized {
		return fmt.Errorf("client not initialized")
	}
	c.started = true

	if c.Server != nil {
		if err := c.Server.Start(ctx); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	if c.Config.EventBus.Enabled {
		if err := c.startEventBus(ctx); err != nil {
			return err
		}
	}

	if err := c.Cache.Prime(ctx, c.Config.Topology.Collections...); err != nil {
		c.Logger.Error(ctx, "Failed to prime topology", zap.Error(err))
		return fmt.Errorf("failed to prime topology: %w", err)
	}

	c.ready.Store(true)
	if c.Server != nil {
		c.Server.SetServing(true)
	}
	c.Logger.Info(ctx, "Routing core started", zap.Strings("collections", c.Config.Topology.Collections))
	return nil
}

func (c *Client) startEventBus(ctx context.Context) error {
	zl := logging.ZapOf(c.Logger.Named("eventbus"))
	nats := c.Config.EventBus.NATS
	bus, err := eventbus.NewEventBusFromConfig(&eventbus.Config{Type: "nats", NATS: &nats}, zl)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	c.Bus = bus

	c.Listener = eventbus.NewTopologyListener(bus, c.Cache, zl, c.Config.EventBus.ProactiveRefresh)
	if err := c.Listener.Start(ctx); err != nil {
		return err
	}
	c.Logger.Info(ctx, "Subscribed to topology notifications",
		zap.String("url", nats.URL),
		zap.String("stream", nats.StreamName),
		zap.Bool("proactive_refresh", c.Config.EventBus.ProactiveRefresh))
	return nil
}

// Ready reports whether the configured collections are primed.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// Stop stops all components gracefully
func (c *Client) Stop(ctx context.Context) error {
	if !c.initialized || c.stopped {
		return nil
	}
	c.stopped = true
	c.ready.Store(false)

	var errs []error
	if c.Server != nil && c.started {
		if err := c.Server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
		}
	}

	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
		c.Bus = nil
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop telemetry: %w", err))
		}
	}

	c.Logger.Info(ctx, "Routing core stopped")
	// Sync errors on stderr are common and benign.
	_ = c.Logger.Sync()
	return errors.Join(errs...)
}
