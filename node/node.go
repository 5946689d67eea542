package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/bundler"
	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/core/config"
	"github.com/silius-go/silius/core/events"
	"github.com/silius-go/silius/core/mempool"
	"github.com/silius-go/silius/core/uopool"
	"github.com/silius-go/silius/core/validator"
	"github.com/silius-go/silius/core/wallet"
	"github.com/silius-go/silius/metrics"
	"github.com/silius-go/silius/p2p"
	"github.com/silius-go/silius/rpc"
	"github.com/silius-go/silius/storage"
	"github.com/silius-go/silius/version"
)

const (
	// vacuumInterval paces badger value log GC in database mode.
	vacuumInterval = 10 * time.Minute
	// sampleInterval paces the mempool size and peer count gauges.
	sampleInterval = 15 * time.Second
)

// Node assembles and runs every subsystem of the bundler: chain client,
// mempool, validation, bundling, p2p and the RPC surface.
type Node struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	db      storage.Storage
	chain   *chainio.Client
	bus     *events.Bus
	pool    *uopool.Pool
	sched   *bundler.Scheduler
	watcher *chainio.Watcher
	overlay *p2p.Service
	rpcSrv  *rpc.Server
	status  *statusServer
	metrics *metrics.Metrics
	cron    gocron.Scheduler

	// lastBlock is the unix time of the last observed head, read by the
	// decay fallback job.
	lastBlock atomic.Int64
}

// New wires the node from a resolved config. The wallet must already
// exist under the data directory.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Node, error) {
	chain, err := chainio.Dial(ctx, cfg.EthClientURL, cfg.EntryPoint, logger)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to eth client: %w", err)
	}

	w, err := wallet.Load(cfg.DataDir)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("cannot load bundler wallet (run create-wallet first): %w", err)
	}

	n := &Node{cfg: cfg, logger: logger, chain: chain}

	var (
		store    mempool.Store
		counters mempool.Counters
	)
	switch cfg.MempoolMode {
	case "memory":
		store = mempool.NewMemoryStore()
		counters = mempool.NewMemoryCounters()
	default:
		n.db, err = storage.NewWithPath(filepath.Join(cfg.DataDir, "db"))
		if err != nil {
			chain.Close()
			return nil, fmt.Errorf("cannot open database: %w", err)
		}
		store = mempool.NewDatabaseStore(n.db, cfg.EntryPoint)
		counters = mempool.NewDatabaseCounters(n.db, cfg.EntryPoint)
	}

	rep := mempool.NewReputation(counters, cfg.MinStake, cfg.Whitelist, cfg.Blacklist)
	n.bus = events.NewBus(logger.Named("events"))

	val := validator.New(chain, store, rep, validator.Config{
		MinStake:             cfg.MinStake,
		MinPriorityFeePerGas: cfg.MinPriorityFeePerGas,
		MaxVerificationGas:   cfg.MaxVerificationGas,
	}, logger.Named("validator"))

	n.pool = uopool.New(chain, store, rep, val, n.bus, logger.Named("uopool"))

	sender, err := bundler.NewSender(bundler.SendMode(cfg.SendMode), chain, chain.Raw(), w, cfg.Relays, logger.Named("sender"))
	if err != nil {
		n.close()
		return nil, err
	}
	bnd := bundler.New(chain, n.pool, w, sender, n.bus, bundler.Config{
		Beneficiary: cfg.Beneficiary,
		BlockTime:   cfg.BlockTime,
	}, logger.Named("bundler"))
	n.sched = bundler.NewScheduler(bnd, n.bus, bundler.Mode(cfg.BundlingMode), cfg.BundleInterval, logger.Named("scheduler"))

	n.watcher = chainio.NewWatcher(chain, n.bus, cfg.BlockTime, logger.Named("watcher"))

	if cfg.P2P.Enabled {
		seed, _ := config.P2PSeed()
		n.overlay, err = p2p.NewService(p2p.Config{
			ListenAddr:  cfg.P2P.ListenAddr,
			TCPPort:     cfg.P2P.TCPPort,
			UDPPort:     cfg.P2P.UDPPort,
			Bootnodes:   cfg.P2P.Bootnodes,
			MempoolID:   cfg.P2P.MempoolID,
			PrivateSeed: seed,
		}, n.pool, n.bus, logger.Named("p2p"))
		if err != nil {
			n.close()
			return nil, err
		}
	}

	n.rpcSrv = rpc.NewServer(logger.Named("rpc"))
	if err := n.rpcSrv.RegisterAPIs(rpc.NewEthAPI(n.pool), rpc.NewDebugAPI(n.pool, n.sched)); err != nil {
		n.close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	n.metrics = metrics.New(reg)
	n.status = newStatusServer(cfg.StatusAddr, reg, logger.Named("status"))

	if n.cron, err = gocron.NewScheduler(); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

// Run starts every subsystem and blocks until the context is canceled
// or a termination signal arrives.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Infow("starting bundler node",
		"version", version.Get(),
		"entryPoint", n.cfg.EntryPoint,
		"chainId", n.chain.ChainID(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.lastBlock.Store(time.Now().Unix())
	go n.watcher.Run(ctx)
	go n.sched.Run(ctx)
	go n.blockLoop(ctx)
	go n.metricsLoop(ctx)

	if n.overlay != nil {
		if err := n.overlay.Start(ctx); err != nil {
			return err
		}
	}
	if err := n.rpcSrv.Start(n.cfg.HTTPAddr, n.cfg.WSAddr); err != nil {
		return err
	}
	if err := n.status.start(); err != nil {
		return err
	}
	n.startJobs()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigs:
		n.logger.Infow("received signal, shutting down", "signal", sig)
	}

	cancel()
	n.close()
	return nil
}

// blockLoop advances the reputation decay clock on every new head.
func (n *Node) blockLoop(ctx context.Context) {
	sub := n.bus.SubscribeNewBlock()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			n.lastBlock.Store(time.Now().Unix())
			n.pool.OnNewBlock(ev)
		}
	}
}

// metricsLoop mirrors bus traffic into the prometheus counters.
func (n *Node) metricsLoop(ctx context.Context) {
	ops := n.bus.SubscribeNewUserOp()
	bundles := n.bus.SubscribeBundleSubmitted()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ops:
			source := "rpc"
			if ev.Remote {
				source = "p2p"
				n.metrics.IncGossipReceived()
			}
			n.metrics.IncUserOpReceived(source)
			n.metrics.IncUserOpAdmitted()
		case ev := <-bundles:
			n.metrics.IncBundleSubmitted(len(ev.Hashes))
		}
	}
}

// startJobs schedules the wall-clock maintenance work.
func (n *Node) startJobs() {
	_, err := n.cron.NewJob(
		gocron.DurationJob(sampleInterval),
		gocron.NewTask(func() {
			if size, err := n.pool.Len(); err == nil {
				n.metrics.SetMempoolSize(size)
			}
			if n.overlay != nil {
				n.metrics.SetPeerCount(n.overlay.PeerCount())
			}
		}),
	)
	if err != nil {
		n.logger.Warnw("cannot schedule sampling job", "error", err)
	}

	// Decay normally rides the block cadence; this keeps counters
	// shrinking when the chain (or our subscription) stalls.
	decayWindow := 24 * n.cfg.BlockTime
	_, err = n.cron.NewJob(
		gocron.DurationJob(decayWindow),
		gocron.NewTask(func() {
			if time.Since(time.Unix(n.lastBlock.Load(), 0)) < decayWindow {
				return
			}
			if err := n.pool.DecayReputation(); err != nil {
				n.logger.Warnw("fallback reputation decay failed", "error", err)
			}
		}),
	)
	if err != nil {
		n.logger.Warnw("cannot schedule decay job", "error", err)
	}

	if n.db != nil {
		_, err = n.cron.NewJob(
			gocron.DurationJob(vacuumInterval),
			gocron.NewTask(func() {
				// badger reports ErrNoRewrite when there is nothing to collect
				if err := n.db.Vacuum(); err != nil {
					n.logger.Debugw("value log GC skipped", "reason", err)
				}
			}),
		)
		if err != nil {
			n.logger.Warnw("cannot schedule vacuum job", "error", err)
		}
	}
	n.cron.Start()
}

func (n *Node) close() {
	if n.cron != nil {
		if err := n.cron.Shutdown(); err != nil {
			n.logger.Debugw("cron shutdown", "error", err)
		}
	}
	if n.status != nil {
		n.status.stop()
	}
	if n.rpcSrv != nil {
		if err := n.rpcSrv.Stop(); err != nil {
			n.logger.Warnw("rpc shutdown", "error", err)
		}
	}
	if n.overlay != nil {
		if err := n.overlay.Close(); err != nil {
			n.logger.Warnw("p2p shutdown", "error", err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warnw("database close", "error", err)
		}
	}
	if n.chain != nil {
		n.chain.Close()
	}
}
