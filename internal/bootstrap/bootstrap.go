// Package bootstrap assembles the worker's components in dependency
// order and owns their lifecycle.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/network-contribution-rewards/ncr/internal/api"
	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/datastore"
	"github.com/network-contribution-rewards/ncr/internal/eventbus"
	"github.com/network-contribution-rewards/ncr/internal/fetch"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/scheduler"
	"github.com/network-contribution-rewards/ncr/internal/telemetry"
)

// Bootstrap initializes and holds the core system components.
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry
	Bus       eventbus.Bus
	Cache     *datastore.CacheManager
	Fetcher   fetch.Fetcher
	Worker    *scheduler.Worker
	Gateway   *api.HTTPGateway
}

// New creates an empty bootstrap instance.
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize builds every component. Nothing is started yet.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	b.Config = cfg

	logger, err := logging.NewLogger(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info(ctx, "configuration loaded",
		zap.String("config_file", configFile),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("rpc_endpoint", cfg.Ledger.RPCEndpoint))

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		logger.Error(ctx, "failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	if cfg.Telemetry.Enabled {
		logger.Info(ctx, "telemetry initialized",
			zap.Int("prometheus_port", cfg.Telemetry.PrometheusPort),
			zap.String("jaeger_endpoint", cfg.Telemetry.JaegerEndpoint))
	} else {
		logger.Info(ctx, "telemetry is disabled")
	}

	if cfg.EventBus.Enabled {
		bus, err := eventbus.NewNATSBus(cfg.EventBus.URL, cfg.EventBus.ClientID, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		b.Bus = bus
		logger.Info(ctx, "event bus connected", zap.String("url", cfg.EventBus.URL))
	} else {
		b.Bus = eventbus.NewNoopBus()
	}

	b.Cache = datastore.NewCacheManager(cfg.Cache.Dir, logger)

	fetcher, err := fetch.NewRPCFetcher(cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger fetcher: %w", err)
	}
	b.Fetcher = fetcher

	b.Worker = scheduler.NewWorker(cfg, b.Fetcher, b.Cache, nil, b.Bus, b.Telemetry, logger)
	b.Gateway = api.NewHTTPGateway(cfg.Server, b.Worker, b.Cache, logger)

	return nil
}

// Start brings up the long-running components. The scheduler loop
// itself is run by the caller so it can own the run context.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	b.Logger.Info(ctx, "starting worker components")

	if b.Telemetry != nil {
		if err := b.Telemetry.Start(ctx); err != nil {
			b.Logger.Error(ctx, "failed to start telemetry", zap.Error(err))
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
	}

	if err := b.Worker.LoadState(ctx); err != nil {
		return fmt.Errorf("failed to load scheduler state: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", b.Config.Server.Host, b.Config.Server.Port)
	if err := b.Gateway.Start(ctx, addr); err != nil {
		return fmt.Errorf("failed to start operator gateway: %w", err)
	}

	b.Logger.Info(ctx, "all components started")
	return nil
}

// Stop shuts everything down in reverse order.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	b.Logger.Info(ctx, "stopping worker components")

	if b.Gateway != nil {
		if err := b.Gateway.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "failed to stop operator gateway", zap.Error(err))
		}
	}

	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			b.Logger.Error(ctx, "failed to close event bus", zap.Error(err))
		}
	}

	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "failed to stop telemetry", zap.Error(err))
			return fmt.Errorf("failed to stop telemetry: %w", err)
		}
	}

	b.Logger.Info(ctx, "all components stopped")

	// Sync failures on stdout sinks are benign.
	_ = b.Logger.Sync()
	return nil
}

func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}
