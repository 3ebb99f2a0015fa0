// Command walletutil creates and unlocks the encrypted wallet file format
// the node and cmd/powerworker use to hold a node operator's signing key, in the
// shape of walletserver/services.WalletService.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"haloblock/pkg/walletfile"
)

func main() {
	root := &cobra.Command{Use: "walletutil"}
	root.AddCommand(createCmd())
	root.AddCommand(unlockCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	var out, passphrase string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "generate a new secp256k1 key and write an encrypted wallet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := walletfile.Create(out, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("wrote wallet %s for address %s\n", out, addr.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "wallet.json", "output wallet file path")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "wallet encryption passphrase")
	return cmd
}

func unlockCmd() *cobra.Command {
	var in, passphrase string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "decrypt a wallet file and print its address (sanity check)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, addr, err := walletfile.Load(in, passphrase)
			if err != nil {
				return err
			}
			fmt.Println(addr.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "wallet.json", "wallet file path")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "wallet encryption passphrase")
	return cmd
}
