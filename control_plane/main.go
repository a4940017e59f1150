package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/FleetForge/control_plane/catalog"
	"github.com/itskum47/FleetForge/control_plane/config"
	"github.com/itskum47/FleetForge/control_plane/coordination"
	"github.com/itskum47/FleetForge/control_plane/deployment"
	"github.com/itskum47/FleetForge/control_plane/idempotency"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
	"github.com/itskum47/FleetForge/control_plane/targets"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "fleetforge",
		Short:        "FleetForge deployment control plane",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the management and device APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cfg.NewLogger())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != "postgres" {
				return fmt.Errorf("migrate needs storage.backend postgres, have %q", cfg.Storage.Backend)
			}
			pg, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			cfg.NewLogger().Info("schema applied")
			return nil
		},
	})
	return root
}

func openPostgres(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	pg, err := store.NewPostgresStore(ctx, cfg.Storage.DatabaseURL, store.PoolConfig{
		MaxConns:        cfg.Storage.MaxConns,
		MinConns:        cfg.Storage.MinConns,
		MaxConnLifetime: cfg.Storage.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pg, nil
}

// serve wires the components and runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var s store.Store
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		defer pg.Close()
		s = pg
	default:
		logger.Warn("using in-memory storage, state is lost on restart")
		s = store.NewMemoryStore()
	}

	var (
		redisClient *redis.Client
		coord       store.Coordinator
	)
	if cfg.Redis.Enabled() {
		var err error
		redisClient, err = store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		coord, err = store.NewRedisCoordinator(ctx, redisClient)
		if err != nil {
			return fmt.Errorf("redis coordinator: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	hub := NewHub(logger)
	var subscription streaming.Subscription
	publishers := []streaming.Publisher{streaming.NewLogPublisher(logger)}
	if cfg.Events.Redis {
		// every replica's hub listens on Redis so stream clients see all events
		rp := streaming.NewRedisPublisher(redisClient, logger)
		sub, err := rp.Subscribe(ctx, "*", hub.Deliver)
		if err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		subscription = sub
		publishers = append(publishers, streaming.NewBreakerPublisher(rp, 5, 30*time.Second))
	} else {
		publishers = append(publishers, hub)
	}
	pub := streaming.NewMultiPublisher(publishers...)
	defer pub.Close()

	var locker deployment.Locker = deployment.NewLocalLocker()
	if cfg.Deployment.LockBackend == "redis" {
		locker = deployment.NewRedisLocker(coord, cfg.NodeID, cfg.Deployment.LockTTL, cfg.Deployment.LockMaxWait)
	}

	cat := catalog.NewService(s, logger, catalog.WithPublisher(pub))
	mgr := deployment.NewManager(s, cfg.Deployment.Config, logger,
		deployment.WithModuleLookup(cat),
		deployment.WithNotifier(streaming.NewNotifier(pub)),
		deployment.WithPublisher(pub),
		deployment.WithLocker(locker),
	)
	tgts := targets.NewService(s, mgr, logger)

	var (
		idem     idempotency.Store
		sweepers []coordination.Sweeper
	)
	if cfg.Idempotency.Backend == "redis" {
		idem = idempotency.NewRedisStore(redisClient, coord, logger, cfg.Idempotency.TTL)
	} else {
		mem := idempotency.NewMemoryStore(cfg.Idempotency.TTL)
		idem = mem
		sweepers = append(sweepers, mem)
	}

	api := NewAPI(mgr, cat, tgts, idem, hub, rate.Limit(cfg.Server.DeviceRateLimit), cfg.Server.DeviceBurst, cfg.Server.CORSOrigins, logger)
	collector := coordination.NewStatusCollector(s, cfg.Metrics.CollectInterval, cfg.Metrics.OverdueAfter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return coordination.NewJanitor(time.Minute, logger, sweepers...).Run(gctx) })

	if coord != nil {
		elector := coordination.NewLeaderElector(coord, cfg.NodeID, cfg.Metrics.LeaseTTL, logger)
		elector.SetCallbacks(func(leaderCtx context.Context) { collector.Run(leaderCtx) }, nil)
		api.elector = elector
		g.Go(func() error { return elector.Run(gctx) })
	} else {
		g.Go(func() error { return collector.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.HTTPAddr, "storage", cfg.Storage.Backend, "locks", cfg.Deployment.LockBackend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if subscription != nil {
			subscription.Unsubscribe()
		}
		// let in-flight notifications finish before the publishers close
		mgr.Drain()
		return err
	})

	return g.Wait()
}
