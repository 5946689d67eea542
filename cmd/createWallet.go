package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/silius-go/silius/core/wallet"
)

var walletDataDir string

var createWalletCmd = &cobra.Command{
	Use:   "create-wallet",
	Short: "Generate the bundler signing key",
	Long: `Generates a fresh ECDSA signing key and stores it under
<datadir>/` + wallet.KeyFileName + `. The node refuses to start without it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(walletDataDir, 0o700); err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(walletDataDir, wallet.KeyFileName)); err == nil {
			return fmt.Errorf("wallet already exists in %s", walletDataDir)
		}

		w, err := wallet.New(walletDataDir)
		if err != nil {
			return err
		}
		fmt.Printf("created bundler wallet %s in %s\n", w.Address(), walletDataDir)
		return nil
	},
}

func init() {
	createWalletCmd.Flags().StringVar(&walletDataDir, "datadir", "./data", "Data directory for the wallet key")
	rootCmd.AddCommand(createWalletCmd)
}
