package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tolelom/tolarcade/wallet"
)

func newGenKeyCommand(root *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an encrypted ed25519 keystore and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(out, password(root.log), w.PrivKey()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\nsaved to:   %s\n", w.PubKey(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "validator.key", "keystore path")
	return cmd
}
