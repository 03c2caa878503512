package checkpointer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/batcher"
	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/checkpoint"
	"github.com/canopy-network/checkpointx/pkg/config"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/logging"
	"github.com/canopy-network/checkpointx/pkg/lut"
	"github.com/canopy-network/checkpointx/pkg/metrics"
	"github.com/canopy-network/checkpointx/pkg/redis"
	"github.com/canopy-network/checkpointx/pkg/registry"
	"github.com/canopy-network/checkpointx/pkg/rpc"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// App runs one checkpoint controller per configured pool.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Gateway     ledger.Gateway
	Store       registry.Store
	Tables      *lut.Manager
	Controllers []*checkpoint.Controller
	Metrics     *metrics.Metrics

	// Status holds the latest snapshot of every controller, keyed by pool address.
	Status *xsync.Map[string, checkpoint.Status]

	// Workers runs the controllers, one task each.
	Workers pond.Pool

	// Cron logs a status summary according to Config.StatusSchedule.
	Cron *cron.Cron

	// Server serves health, status and metrics.
	Server *http.Server

	redis *redis.Client
}

// Initialize builds every dependency from the environment.
func Initialize(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		return nil, err
	}

	keypair, err := solana.LoadKeypair(expandHome(cfg.KeypairPath))
	if err != nil {
		logger.Error("Unable to load authority keypair", zap.String("path", cfg.KeypairPath), zap.Error(err))
		return nil, err
	}

	gateway, err := newGateway(cfg, keypair, logger)
	if err != nil {
		return nil, err
	}

	var (
		store registry.Store
		rc    *redis.Client
	)
	switch cfg.Registry {
	case config.RegistryRedis:
		opts := redis.OptionsFromEnv()
		rc, err = redis.NewClient(ctx, opts, logger)
		if err != nil {
			logger.Error("Unable to connect to redis", zap.Error(err))
			return nil, err
		}
		store = registry.NewRedis(rc.GetClient(), opts.KeyPrefix, logger)
	default:
		store, err = registry.NewFile(cfg.StorageRoot, logger)
		if err != nil {
			logger.Error("Unable to open registry", zap.String("root", cfg.StorageRoot), zap.Error(err))
			return nil, err
		}
	}

	app, err := build(cfg, logger, gateway, store, metrics.New())
	if err != nil {
		if rc != nil {
			_ = rc.Close()
		}
		return nil, err
	}
	app.redis = rc
	logger.Info("Checkpointer initialized",
		zap.Stringer("authority", gateway.Authority()),
		zap.Int("pools", len(app.Controllers)),
		zap.String("registry", cfg.Registry),
		zap.String("strategy", cfg.Strategy))
	return app, nil
}

func newGateway(cfg config.Config, signer solana.Signer, logger *zap.Logger) (*ledger.RPCGateway, error) {
	endpoints, err := cfg.RPCEndpoints()
	if err != nil {
		return nil, err
	}
	client := rpc.NewHTTPWithOpts(rpc.Opts{
		Endpoints:       endpoints,
		Commitment:      cfg.Commitment,
		RPS:             cfg.RPS,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	})

	opts := ledger.Options{
		PriorityFee:    cfg.PriorityFee,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}
	var bundles rpc.BundleClient
	if batcher.Strategy(cfg.Strategy) == batcher.StrategyBundled {
		bundles = rpc.NewBundleHTTPWithOpts(rpc.Opts{Endpoints: []string{cfg.RelayURL}, Commitment: cfg.Commitment})
		tip, err := solana.ParsePublicKey(cfg.TipAccount)
		if err != nil {
			return nil, fmt.Errorf("relay tip account: %w", err)
		}
		opts.TipAccount = tip
		opts.TipLamports = cfg.TipLamports
	}
	return ledger.New(client, bundles, signer, opts, logger), nil
}

// build wires the controllers around an existing gateway and store.
func build(cfg config.Config, logger *zap.Logger, gateway ledger.Gateway, store registry.Store, m *metrics.Metrics) (*App, error) {
	pools, err := cfg.Pools()
	if err != nil {
		return nil, err
	}
	limits := cfg.Limits()
	submitter, err := batcher.New(batcher.Strategy(cfg.Strategy), gateway, limits.BundleSize, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Gateway: gateway,
		Store:   store,
		Tables:  lut.NewManager(gateway, store, cfg.Tables(), logger, lut.WithMetrics(m)),
		Metrics: m,
		Status:  xsync.NewMap[string, checkpoint.Status](),
		Workers: pond.NewPool(len(pools)),
	}
	for _, pool := range pools {
		ctrl := checkpoint.New(pool, gateway, app.Tables, submitter, cfg.Checkpoint(), logger,
			checkpoint.WithMetrics(m),
			checkpoint.WithObserver(app.observe))
		app.Controllers = append(app.Controllers, ctrl)
		app.Status.Store(pool.Address.String(), ctrl.Status())
	}

	if err := app.SetupScheduler(cfg.StatusSchedule); err != nil {
		return nil, err
	}
	app.SetupServer()
	return app, nil
}

func (a *App) observe(s checkpoint.Status) {
	a.Status.Store(s.Pool, s)
}

// Start runs every controller and blocks until ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	a.Cron.Start()

	group := a.Workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, ctrl := range a.Controllers {
		group.Submit(func() {
			_ = ctrl.Run(groupCtx)
		})
	}

	<-ctx.Done()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.Logger.Warn("controller task failed", zap.Error(err))
	}
	a.Stop()
}

// Stop releases the server, the scheduler and storage connections.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	a.Workers.StopAndWait()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.Logger.Info("さようなら!")
	_ = a.Logger.Sync()
}

// Ready reports whether every controller has made it past cold start.
func (a *App) Ready() bool {
	ready := true
	a.Status.Range(func(_ string, s checkpoint.Status) bool {
		if s.State == checkpoint.ColdStart || (s.State == checkpoint.Backoff && s.Resume == checkpoint.ColdStart) {
			ready = false
			return false
		}
		return true
	})
	return ready
}

// Pools lists the managed pools in configuration order.
func (a *App) Pools() []boost.Pool {
	pools, _ := a.Config.Pools()
	return pools
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
