package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chainassassin/server/internal/api"
	"github.com/chainassassin/server/internal/config"
	"github.com/chainassassin/server/internal/eth"
	"github.com/chainassassin/server/internal/game"
	"github.com/chainassassin/server/internal/model"
	"github.com/chainassassin/server/internal/persist"
	"github.com/chainassassin/server/internal/scripting"
	"github.com/chainassassin/server/internal/sim"
	"github.com/chainassassin/server/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/coordinator.toml"
	if p := os.Getenv("CHAIN_ASSASSIN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// 3. Connect to PostgreSQL and run migrations
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := persist.RunMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	store := persist.NewStore(db)
	log.Info("database ready")

	// 4. Settlement chain adapter. Without a contract address the coordinator
	// runs sim-only: no poller, and settlement calls are refused.
	var (
		op        game.Operator = offchainOperator{}
		ethClient *eth.Client
	)
	onChain := cfg.Chain.ContractAddress != ""
	if onChain {
		ethClient, err = eth.NewClient(ctx, cfg.Chain, log)
		if err != nil {
			return fmt.Errorf("eth client: %w", err)
		}
		defer ethClient.Close()
		op, err = eth.NewOperator(ethClient)
		if err != nil {
			return fmt.Errorf("eth operator: %w", err)
		}
		log.Info("settlement chain connected",
			zap.String("contract", cfg.Chain.ContractAddress))
	} else {
		log.Warn("no contract configured, running sim-only")
	}

	// 5. Realtime hub and the coordinator itself
	hub := ws.NewHub(cfg.Auth.SkewWindow, log)
	mgr := game.NewManager(store, op, hub, cfg.Game, log)
	hub.Authorize = mgr.Authorize
	hub.Snapshot = mgr.Snapshot

	if err := mgr.Recover(ctx); err != nil {
		return fmt.Errorf("recover games: %w", err)
	}

	// 6. Event poller, feeding chain events to the coordinator in block order
	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	if onChain {
		poller := eth.NewPoller(ethClient, store, mgr, log)
		go poller.Run(rootCtx)
	}

	// 7. HTTP API
	var operatorAddr common.Address
	if ethClient != nil {
		operatorAddr = ethClient.OperatorAddress()
	}
	srv := api.NewServer(mgr, hub, cfg.Auth, operatorAddr, log)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	log.Info("coordinator listening", zap.String("addr", httpSrv.Addr))

	// 8. Optional bot simulation
	if cfg.Sim.Enabled {
		if err := startSims(rootCtx, cfg.Sim, mgr, log); err != nil {
			return err
		}
	}

	// 9. Wait for shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		log.Info("shutdown signal", zap.String("signal", sig.String()))
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	}

	stop()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	mgr.Close()
	hub.Shutdown()
	log.Info("coordinator stopped")
	return nil
}

// startSims loads every fixture and drives it in its own goroutine. Fixtures
// run against the same coordinator a real game would.
func startSims(ctx context.Context, cfg config.SimConfig, mgr *game.Manager, log *zap.Logger) error {
	eng, err := scripting.NewEngine(cfg.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("sim scripts: %w", err)
	}
	go func() {
		<-ctx.Done()
		eng.Close()
	}()

	paths, err := filepath.Glob(filepath.Join(cfg.FixturesDir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("list fixtures: %w", err)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		log.Warn("sim enabled but no fixtures found", zap.String("dir", cfg.FixturesDir))
		return nil
	}

	for _, path := range paths {
		fixture, err := sim.LoadFixture(path)
		if err != nil {
			return err
		}
		runner, err := sim.NewRunner(mgr, eng, fixture, log)
		if err != nil {
			return err
		}
		log.Info("starting sim", zap.String("fixture", path), zap.Uint64("game", fixture.Game.ID))
		go func(path string) {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("sim failed", zap.String("fixture", path), zap.Error(err))
			}
		}(path)
	}
	return nil
}

var errNoChain = errors.New("no settlement chain configured")

// offchainOperator backs sim-only deployments. Simulated games settle locally
// and never reach it; any call means a real game leaked into sim-only mode.
type offchainOperator struct{}

func (offchainOperator) StartGame(context.Context, uint64) (string, error) { return "", errNoChain }
func (offchainOperator) RecordKill(context.Context, uint64, int, int) (string, error) {
	return "", errNoChain
}
func (offchainOperator) EliminatePlayer(context.Context, uint64, int, string) (string, error) {
	return "", errNoChain
}
func (offchainOperator) EndGame(context.Context, uint64, int, int, int, int) (string, error) {
	return "", errNoChain
}
func (offchainOperator) TriggerCancellation(context.Context, uint64) (string, error) {
	return "", errNoChain
}
func (offchainOperator) TriggerExpiry(context.Context, uint64) (string, error) {
	return "", errNoChain
}
func (offchainOperator) GamePhase(context.Context, uint64) (model.Phase, error) {
	return "", errNoChain
}
func (offchainOperator) BlockTime(context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
