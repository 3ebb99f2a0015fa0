// Command haloblockd runs a full haloblock node: chain engine, optional
// miner, peer sync (HTTP and libp2p gossip transports), the HTTP query
// surface of , and the peer wire endpoint other nodes poll.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"haloblock/core"
	"haloblock/pkg/config"
	"haloblock/pkg/walletfile"
)

// MinerController starts/stops the background miner and gossip publisher on
// demand via GET /start_miner and GET /stop_miner.
type MinerController struct {
	miner   *core.Miner
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	peerSync   *core.PeerSync
	gossip     *core.GossipTransport
	shutdownFn func()
}

func (mc *MinerController) Start() {
	if mc.running || mc.miner == nil {
		return
	}
	ctx, cancel := context.WithCancel(mc.ctx)
	mc.cancel = cancel
	mc.miner.Start(ctx)
	mc.running = true
}

func (mc *MinerController) Stop() {
	if !mc.running {
		return
	}
	mc.miner.Unregister()
	if mc.cancel != nil {
		mc.cancel()
	}
	mc.miner.Join()
	mc.running = false
}

func (mc *MinerController) peerAddrs() []string {
	if mc.gossip == nil {
		return nil
	}
	return mc.gossip.Addrs()
}

func main() {
	root := &cobra.Command{Use: "haloblockd"}
	root.AddCommand(runCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env, passphrase string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env, passphrase)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config overlay name (cmd/config/<env>.yaml)")
	cmd.Flags().StringVar(&passphrase, "wallet-passphrase", "", "passphrase unlocking the miner wallet file")
	return cmd
}

func run(env, passphrase string) error {
	log := logrus.New()
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			log.SetLevel(lvl)
		}
	}
	entry := logrus.NewEntry(log)

	if err := os.MkdirAll(cfg.Storage.DBPath, 0755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	store, err := core.OpenStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var startingTarget [32]byte
	raw, err := hex.DecodeString(cfg.Consensus.StartingTarget)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("invalid consensus.starting_target")
	}
	copy(startingTarget[:], raw)

	diffParams := core.DifficultyParams{
		RetargetWindow: cfg.Consensus.RetargetWindow,
		BlockTimeSecs:  cfg.Consensus.BlockTimeSecs,
		StartingTarget: startingTarget,
	}
	valParams := core.ValidatorParams{
		MaxMessageLen: cfg.Consensus.MaxMessageLen,
		MaxSkewSecs:   cfg.Consensus.MaxSkewSecs,
		MedianWindow:  cfg.Consensus.MedianWindow,
	}
	rewardParams := core.RewardParams{
		Base:          cfg.Consensus.RewardBase,
		HalvingPeriod: cfg.Consensus.HalvingPeriod,
	}
	sdb := core.NewStateDB(store, diffParams, valParams, rewardParams)
	mempool := core.NewMempool(core.MempoolParams{MaxSize: cfg.Mempool.MaxSize})
	forks := core.NewForkLog()

	engine := core.NewEngine(sdb, mempool, forks, core.EngineParams{ReorgDepthCap: cfg.Consensus.ReorgDepthCap}, entry)
	engine.Start()
	defer engine.Join()

	nodeID, err := loadOrCreateNodeID(cfg.Network.NodeIDFile)
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}

	node := &Node{
		sdb:     sdb,
		mempool: mempool,
		engine:  engine,
		forks:   forks,
		nodeID:  nodeID,
		log:     entry,
	}

	if cfg.Mining.Enabled {
		priv, addr, err := walletfile.Load(cfg.Mining.WalletFile, passphrase)
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		node.walletPriv = priv
		node.walletAddr = addr
	}

	peerSync := core.NewPeerSync(engine, sdb, core.PeerSyncParams{
		PollInterval:   time.Duration(cfg.PeerSync.PollIntervalMS) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.PeerSync.RequestTimeoutMS) * time.Millisecond,
		BlockBatchSize: cfg.PeerSync.BlockBatchSize,
		ReorgDepthCap:  cfg.Consensus.ReorgDepthCap,
		BaseBackoff:    time.Duration(cfg.PeerSync.BaseBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.PeerSync.MaxBackoffMS) * time.Millisecond,
	}, entry)
	for _, addr := range cfg.Network.BootstrapPeers {
		peerSync.AddPeer(core.NewHTTPPeerClient(addr))
	}
	peerSync.Start()
	defer peerSync.Join()

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	var gossip *core.GossipTransport
	if cfg.Network.GossipAddr != "" {
		gossip, err = core.NewGossipTransport(rootCtx, cfg.Network.GossipAddr, engine, entry)
		if err != nil {
			entry.WithError(err).Warn("gossip transport unavailable, continuing with HTTP peer sync only")
		} else {
			gossip.Start(rootCtx)
			defer gossip.Close()
		}
	}

	mc := &MinerController{ctx: rootCtx}
	mc.peerSync = peerSync
	mc.gossip = gossip
	if cfg.Mining.Enabled {
		onBlock := func(b *core.Block) {
			if gossip != nil {
				_ = gossip.Publish(rootCtx, []*core.Block{b})
			}
		}
		mc.miner = core.NewMiner(engine, sdb, mempool, core.MinerParams{
			Miner:          node.walletAddr,
			MaxTxsPerBlock: cfg.Mining.MaxTxsPerBlock,
		}, entry, onBlock)
	}
	node.miner = mc

	httpServer := &http.Server{Addr: cfg.RPC.ListenAddr, Handler: node.NewAPIRouter()}
	wireServer := &http.Server{Addr: cfg.Network.ListenAddr, Handler: node.NewPeerWireRouter()}

	shutdown := func() {
		entry.Info("shutting down")
		if mc.running {
			mc.Stop()
		}
		peerSync.Unregister()
		if gossip != nil {
			gossip.Unregister()
		}
		engine.Unregister()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		wireServer.Shutdown(shutdownCtx)
		stop()
	}
	mc.shutdownFn = shutdown

	if cfg.Mining.Enabled {
		mc.Start()
	}

	go func() {
		entry.WithField("addr", cfg.RPC.ListenAddr).Info("http query surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("http server stopped")
		}
	}()
	go func() {
		entry.WithField("addr", cfg.Network.ListenAddr).Info("peer wire endpoint listening")
		if err := wireServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("wire server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	shutdown()
	return nil
}

func loadOrCreateNodeID(path string) (string, error) {
	if path == "" {
		return uuid.NewString(), nil
	}
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0644); err != nil {
		return "", err
	}
	return id, nil
}
