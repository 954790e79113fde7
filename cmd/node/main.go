package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/perpcore/params"
	"github.com/uhyunpark/perpcore/pkg/api"
	"github.com/uhyunpark/perpcore/pkg/app/core/access"
	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/oracle"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/app/perp"
	"github.com/uhyunpark/perpcore/pkg/crypto"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/metrics"
	"github.com/uhyunpark/perpcore/pkg/p2p"
	"github.com/uhyunpark/perpcore/pkg/storage"
	"github.com/uhyunpark/perpcore/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Node.Replica {
		err = runReplica(ctx, cfg, sugar)
	} else {
		err = runEngine(ctx, cfg, sugar)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

// runEngine serves the committing node: ledger, keeper, API and event fan-out
func runEngine(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	// ---- Markets & collateral ----
	catalog, err := params.LoadCatalog(cfg.Engine.MarketsFile)
	if err != nil {
		return err
	}
	markets, assets := market.NewRegistry(), asset.NewRegistry()
	if err := catalog.Register(markets, assets); err != nil {
		return err
	}

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	funds := vault.NewMemory()
	funds.Restore(snap.Balances)

	// ---- Event sinks ----
	hub := api.NewHub(log)
	sinks := events.Multi{events.LogSink{Log: log}, hub}

	if cfg.Node.JournalFile != "" {
		j, err := storage.NewFileJournal(cfg.Node.JournalFile, log)
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j)
	}

	if cfg.Events.NATSURL != "" {
		ns, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.NATSPrefix, log)
		if err != nil {
			return err
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}

	if cfg.Events.P2PListen != "" {
		net, err := p2p.New(ctx, p2p.Config{
			ListenAddr: cfg.Events.P2PListen,
			Bootstrap:  cfg.Events.Bootstrap,
			Backlog:    cfg.Events.Backlog,
			History:    store,
			Logger:     log,
		})
		if err != nil {
			return fmt.Errorf("libp2p_init_failed: %w", err)
		}
		defer net.Close()
		net.Resume(snap.LastSeq)
		for _, a := range net.Addrs() {
			log.Infow("p2p_address", "addr", a)
		}
		sinks = append(sinks, net)
	}

	// ---- Engine ----
	keeperAddr := common.HexToAddress(cfg.Keeper.Address)
	gate, governor := roles(cfg, keeperAddr)
	m := metrics.New(cfg.API.MetricsNS)
	feed := oracle.NewFeed()

	engine, err := perp.NewProcessor(perp.Config{
		MarketOrderTTL:      cfg.Engine.MarketOrderTTL,
		LiquidationFeeBps:   cfg.Engine.LiquidationFeeBps,
		SyncMarketExecution: cfg.Engine.SyncMarketExecution,
	}, perp.Deps{
		Markets: markets,
		Assets:  assets,
		Prices:  &oracle.Guard{Primary: feed, Clock: util.RealClock{}},
		Vault:   funds,
		Gate:    gate,
		Store:   store,
		Events:  sinks,
		Metrics: m,
		Log:     log,
	})
	if err != nil {
		return err
	}
	engine.Restore(snap)

	if cfg.Node.Paused && !engine.Paused() {
		if err := engine.Pause(ctx, governor); err != nil {
			return fmt.Errorf("pause at startup: %w", err)
		}
	}

	// ---- API Server ----
	server := api.NewServer(api.Deps{
		Engine:  engine,
		Markets: markets,
		Assets:  assets,
		Funds:   funds,
		Prices:  feed,
		Gate:    gate,
		Domain:  domain(cfg.Node.ChainID),
		Hub:     hub,
		Metrics: m,
		Log:     log,
	})

	log.Infow("node_starting",
		"markets", markets.Count(),
		"orders", len(snap.Orders),
		"positions", len(snap.Positions),
		"last_seq", snap.LastSeq,
		"keeper", cfg.Keeper.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.API.Addr, cfg.API.AllowedOrigins)
	})
	if cfg.Keeper.Enabled {
		g.Go(func() error {
			stop := engine.StartKeeper(gctx, markets, perp.KeeperConfig{
				Interval:     cfg.Keeper.Interval,
				Caller:       keeperAddr,
				Liquidations: cfg.Keeper.Liquidations,
			})
			<-gctx.Done()
			stop()
			return nil
		})
	}
	return g.Wait()
}

// runReplica follows a committing node over libp2p and re-publishes its
// events to local websocket clients and NATS
func runReplica(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	if len(cfg.Events.Bootstrap) == 0 {
		return errors.New("replica needs P2P_BOOTSTRAP")
	}

	hub := api.NewHub(log)
	sinks := events.Multi{events.LogSink{Log: log}, hub}
	if cfg.Events.NATSURL != "" {
		ns, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.NATSPrefix, log)
		if err != nil {
			return err
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}

	net, err := p2p.New(ctx, p2p.Config{
		ListenAddr: cfg.Events.P2PListen,
		Bootstrap:  cfg.Events.Bootstrap,
		Backlog:    cfg.Events.Backlog,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("libp2p_init_failed: %w", err)
	}
	defer net.Close()
	net.SetSink(sinks)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","replica":true,"clients":%d}`, hub.Clients())
	})
	srv := &http.Server{Addr: cfg.API.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Infow("replica_listening", "addr", cfg.API.Addr, "peer", net.ID().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func domain(chainID int64) crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(chainID)
	return d
}

// roles builds the access gate; with no operators configured every caller is
// allowed (single-operator devnet). The second result is an address holding
// governance, used for startup actions.
func roles(cfg params.Config, keeper common.Address) (access.Gate, common.Address) {
	if len(cfg.Roles.Governance) == 0 && len(cfg.Roles.Executors) == 0 {
		return access.AllowAll{}, keeper
	}

	rs := access.NewRoleStore()
	governor := keeper
	for i, s := range cfg.Roles.Governance {
		a := common.HexToAddress(s)
		rs.Grant(a, access.Governance)
		if i == 0 {
			governor = a
		}
	}
	for _, s := range append([]string{keeper.Hex()}, cfg.Roles.Executors...) {
		a := common.HexToAddress(s)
		rs.Grant(a, access.Executor)
		rs.Grant(a, access.Liquidator)
	}
	if len(cfg.Roles.Governance) == 0 {
		rs.Grant(keeper, access.Governance)
	}
	return rs, governor
}
