// Command tolarcade runs the score attester and the ledger node.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/config"
	"github.com/tolelom/tolarcade/logger"
)

// passwordEnv names the keystore password variable. Flags would leak via ps.
const passwordEnv = "TOL_PASSWORD"

type rootOptions struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tolarcade",
		Short:         "Attested snake scores on a proof-of-authority ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			opts.cfg, opts.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")

	cmd.AddCommand(newNodeCommand(opts))
	cmd.AddCommand(newAttesterCommand(opts))
	cmd.AddCommand(newGenKeyCommand(opts))
	return cmd
}

func password(log *zap.Logger) string {
	pw := os.Getenv(passwordEnv)
	if pw == "" {
		log.Warn("keystore password not set, using empty password", zap.String("env", passwordEnv))
	}
	return pw
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
