package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusfed/nimbus/pkg/api"
	"github.com/nimbusfed/nimbus/pkg/config"
	"github.com/nimbusfed/nimbus/pkg/connector"
	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/facade"
	"github.com/nimbusfed/nimbus/pkg/policy"
	"github.com/nimbusfed/nimbus/pkg/processors"
	"github.com/nimbusfed/nimbus/pkg/providers"
	"github.com/nimbusfed/nimbus/pkg/providers/sim"
	"github.com/nimbusfed/nimbus/pkg/stores"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
	"github.com/nimbusfed/nimbus/pkg/transports/peer"
)

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the provider",
		Long: `Run the provider: the user API, the peer endpoint and the order processors.

Active orders are restored from the store on startup. SIGHUP recompiles the
policies. The process stops gracefully on SIGINT or SIGTERM.`,
		Example: `  nimbus serve --config /etc/nimbus/nimbus.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Telemetry.ServiceVersion = version
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve wires every component of a provider and runs until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.Zerolog().With().Str("provider", cfg.Provider.ID).Logger()
	ctx = tel.WithContext(ctx)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	index := engine.NewIndex()
	restored, err := engine.Recover(ctx, store, index, cfg.Provider.ID)
	if err != nil {
		return fmt.Errorf("failed to recover orders: %w", err)
	}
	logger.Info().Int("orders", restored).Msg("Recovered active orders")

	transitioner := engine.NewTransitioner(index, store, logger, tel.OrderObserver())

	registry, err := loadClouds(ctx, cfg.Clouds, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	var peers engine.PeerDirectory
	if len(cfg.Peer.Peers) > 0 {
		dir, err := peer.NewDirectory(cfg.Provider.ID, cfg.Peer.Peers, tel.Metrics, logger)
		if err != nil {
			return fmt.Errorf("failed to configure peers: %w", err)
		}
		peers = dir
		logger.Info().Strs("peers", dir.Providers()).Msg("Federation configured")
	}

	connectors := connector.NewFactory(connector.Options{
		LocalProvider: cfg.Provider.ID,
		Drivers:       registry,
		Mapper:        providers.NewStaticUserMapper(cfg.Clouds.Credentials),
		Peers:         peers,
		Store:         store,
		Metrics:       tel.Metrics,
		Tracer:        tel.Tracer,
		Logger:        logger,
	})

	var (
		authorizer engine.Authorizer
		policies   *policy.Engine
	)
	if cfg.Policy.Enabled {
		policies, err = newPolicyEngine(cfg, tel.Events, logger)
		if err != nil {
			return err
		}
		if cfg.Policy.Watch {
			if err := policies.Watch(ctx); err != nil {
				return fmt.Errorf("failed to watch policies: %w", err)
			}
			defer policies.StopWatching()
		}
		authorizer = policies
	}

	facadeOpts := facade.Options{
		LocalProvider: cfg.Provider.ID,
		Index:         index,
		Transitioner:  transitioner,
		Connectors:    connectors,
		Clouds:        registry,
		Store:         store,
		Authorizer:    authorizer,
		Metrics:       tel.Metrics,
		Events:        tel.Events,
		Logger:        logger,
	}
	local := facade.NewLocalFacade(facadeOpts)
	remote := facade.NewRemoteFacade(facadeOpts)

	controller, err := processors.NewController(cfg.Processors, processors.Deps{
		LocalProvider: cfg.Provider.ID,
		Index:         index,
		Transitioner:  transitioner,
		Connectors:    connectors,
		Peers:         peers,
		Store:         store,
		Metrics:       tel.Metrics,
		Tracer:        tel.Tracer,
		Events:        tel.Events,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create processors: %w", err)
	}
	if err := controller.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := controller.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Processors stopped with error")
		}
	}()

	apiOpts := api.Options{
		LocalProvider: cfg.Provider.ID,
		Orders:        local,
		History:       store,
		Health:        store,
		Metrics:       tel.Metrics,
		Logger:        logger,
	}

	var peerHandler http.Handler
	if peers != nil {
		peerHandler = peer.NewServer(peer.ServerOptions{
			LocalProvider: cfg.Provider.ID,
			Service:       remote,
			Credentials:   peer.CredentialsFrom(cfg.Peer.Peers),
			Metrics:       tel.Metrics,
			Logger:        logger,
		}).Handler()
		if cfg.Peer.ListenAddress == "" {
			apiOpts.Peer = peerHandler
		}
	}

	if metricsServer := tel.Metrics.StartMetricsServer(); metricsServer != nil {
		defer metricsServer.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if policies != nil {
		g.Go(func() error {
			hangup := make(chan os.Signal, 1)
			signal.Notify(hangup, syscall.SIGHUP)
			defer signal.Stop(hangup)
			reloadPolicies(gctx, policies, hangup, logger)
			return nil
		})
	}
	g.Go(func() error {
		srv := api.NewServer(cfg.API.ListenAddress, api.NewRouter(apiOpts), cfg.API.ReadTimeout, cfg.API.WriteTimeout)
		logger.Info().Str("addr", cfg.API.ListenAddress).Msg("API listening")
		return api.Serve(gctx, srv, cfg.API.ShutdownTimeout)
	})
	if peerHandler != nil && cfg.Peer.ListenAddress != "" {
		g.Go(func() error {
			srv := api.NewServer(cfg.Peer.ListenAddress, peerHandler, cfg.API.ReadTimeout, cfg.API.WriteTimeout)
			logger.Info().Str("addr", cfg.Peer.ListenAddress).Msg("Peer endpoint listening")
			return api.Serve(gctx, srv, cfg.API.ShutdownTimeout)
		})
	}

	err = g.Wait()
	logger.Info().Msg("Provider stopped")
	return err
}

// reloadPolicies recompiles the policies on every signal until ctx is done. A failed
// reload is logged and leaves the engine with the built-in policies.
func reloadPolicies(ctx context.Context, policies *policy.Engine, signals <-chan os.Signal, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if err := policies.ReloadPolicies(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies")
				continue
			}
			logger.Info().Int("policies", len(policies.ListPolicies())).Msg("Policies reloaded")
		}
	}
}

func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLStore, error) {
	store, err := stores.NewSQLStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// loadClouds registers the driver kinds and the clouds found in the clouds directory.
func loadClouds(ctx context.Context, cfg config.CloudsConfig, logger zerolog.Logger) (*providers.Registry, error) {
	registry := providers.NewRegistry(logger)
	if err := registry.RegisterKind(sim.Kind, sim.Factory); err != nil {
		return nil, err
	}
	if err := registry.ScanDirectory(ctx, cfg.Directory); err != nil {
		return nil, fmt.Errorf("failed to load clouds from %s: %w", cfg.Directory, err)
	}

	clouds := registry.Clouds()
	if len(clouds) == 0 {
		logger.Warn().Str("directory", cfg.Directory).Msg("No cloud configured, only remote orders can be fulfilled")
	} else {
		logger.Info().Strs("clouds", clouds).Str("default", registry.DefaultCloud()).Msg("Clouds loaded")
	}
	return registry, nil
}

func newPolicyEngine(cfg *config.Config, events *telemetry.EventPublisher, logger zerolog.Logger) (*policy.Engine, error) {
	start := time.Now()
	policies, err := policy.NewEngine(logger, policy.Options{
		LocalProvider: cfg.Provider.ID,
		Paths:         cfg.Policy.Paths,
		Data:          cfg.PolicyData(),
		Disabled:      cfg.Policy.Disabled,
		Events:        events,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	logger.Info().
		Int("policies", len(policies.ListPolicies())).
		Dur("duration", time.Since(start)).
		Msg("Policies loaded")
	return policies, nil
}
