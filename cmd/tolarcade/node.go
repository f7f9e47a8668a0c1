package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/config"
	"github.com/tolelom/tolarcade/consensus"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/events"
	"github.com/tolelom/tolarcade/indexer"
	"github.com/tolelom/tolarcade/rpc"
	"github.com/tolelom/tolarcade/storage"
	"github.com/tolelom/tolarcade/vm"
	"github.com/tolelom/tolarcade/wallet"

	// Transaction handlers register themselves in init().
	_ "github.com/tolelom/tolarcade/vm/modules/economy"
	_ "github.com/tolelom/tolarcade/vm/modules/run"
)

func newNodeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Run a ledger node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), root.cfg.Node, root.log)
		},
	}
}

func runNode(ctx context.Context, cfg config.NodeConfig, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.BlockInterval <= 0 {
		return fmt.Errorf("config: block_interval must be positive, got %s", cfg.BlockInterval)
	}
	privKey, err := wallet.LoadKey(cfg.KeyPath, password(log))
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	if len(cfg.Validators) == 0 {
		cfg.Validators = []string{privKey.Public().Hex()}
		log.Info("no validators configured, running as sole proposer")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	state := storage.NewStateDB(db)
	bc := core.NewBlockchain(storage.NewBlockStore(db))
	if err := bc.Init(); err != nil {
		return fmt.Errorf("blockchain init: %w", err)
	}
	if bc.Tip() == nil {
		genesis, err := config.CreateGenesisBlock(cfg.Genesis, state, privKey)
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if err := bc.AddBlock(genesis); err != nil {
			return fmt.Errorf("add genesis: %w", err)
		}
		log.Info("genesis committed", zap.String("hash", genesis.Hash), zap.String("chain_id", cfg.Genesis.ChainID))
	}

	emitter := events.NewEmitter(log)
	idx := indexer.New(db, emitter, log.Named("indexer"))
	mempool := core.NewMempool(cfg.Genesis.ChainID)
	exec := vm.NewExecutor(state, emitter, log.Named("vm"))
	poa := consensus.New(cfg, bc, state, mempool, exec, emitter, privKey, log.Named("consensus"))

	// RPC reads committed state through its own view; the consensus StateDB
	// buffers uncommitted writes and is not safe for concurrent readers.
	rpcState := storage.NewStateDB(db)
	rpcServer := rpc.NewServer(fmt.Sprintf(":%d", cfg.RPCPort),
		rpc.NewHandler(bc, mempool, rpcState, idx, cfg.Genesis.ChainID),
		cfg.RPCAuthToken, log.Named("rpc"))
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop()
	log.Info("rpc listening", zap.String("addr", rpcServer.Addr()), zap.Bool("auth", cfg.RPCAuthToken != ""))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poa.Run(ctx, cfg.BlockInterval)
	}()
	log.Info("consensus running", zap.String("validator", privKey.Public().Hex()), zap.Duration("interval", cfg.BlockInterval))

	<-ctx.Done()
	log.Info("shutting down")
	// Consensus stops before the deferred RPC and DB closes run.
	wg.Wait()
	return nil
}
