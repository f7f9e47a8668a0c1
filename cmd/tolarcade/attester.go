package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/api"
	"github.com/tolelom/tolarcade/attest"
	"github.com/tolelom/tolarcade/config"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/session"
	"github.com/tolelom/tolarcade/storage"
	"github.com/tolelom/tolarcade/wallet"
)

func newAttesterCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attester",
		Short: "Run the score attestation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttester(cmd.Context(), root.cfg.Attester, root.log)
		},
	}
}

// openStore returns the configured session store and a closer for it.
func openStore(cfg config.AttesterConfig) (session.Store, func() error, error) {
	switch cfg.Store {
	case "", "memory":
		return session.NewMemoryStore(time.Now), func() error { return nil }, nil
	case "leveldb":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("mkdir data dir: %w", err)
		}
		db, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open session db: %w", err)
		}
		return session.NewKVStore(db, time.Now), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}

func runAttester(ctx context.Context, cfg config.AttesterConfig, log *zap.Logger) error {
	priv, created, err := wallet.LoadOrCreateKey(cfg.KeyPath, password(log))
	if err != nil {
		return fmt.Errorf("attester key: %w", err)
	}
	if created {
		log.Info("generated attester key", zap.String("path", cfg.KeyPath))
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := attest.NewService(store, crypto.NewEd25519Provider(priv), cfg.Config, log.Named("attest"))
	srv, err := api.NewServer(cfg.Listen, svc, cfg.RateLimits, log.Named("api"))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("api start: %w", err)
	}
	defer srv.Stop()
	log.Info("attester listening",
		zap.String("addr", srv.Addr()),
		zap.String("public_key", svc.PublicKey()),
		zap.String("store", cfg.Store))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SweepInterval > 0 {
		go session.NewReaper(store, cfg.SweepInterval, log.Named("reaper")).Run(ctx)
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
