package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"secureusb/internal/credstore"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up and restore the encrypted credentials",
}

var backupExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the encrypted credential backup to a file",
	Long: `Exports the TOTP secret and recovery code hashes as an encrypted
backup file. The payload stays encrypted, so the file is safe to store
off-box.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := credstore.Open(stateDir())
		if err != nil {
			return err
		}
		if err := store.Export(args[0]); err != nil {
			return err
		}
		fmt.Printf("Credentials backed up to %s.\n", args[0])
		return nil
	},
}

var backupImportForce bool

var backupImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore credentials from a backup file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := credstore.Open(stateDir())
		if err != nil {
			return err
		}
		if store.IsConfigured() && !backupImportForce {
			return fmt.Errorf("authentication is already configured; use --force to overwrite it")
		}
		if err := store.Import(args[0]); err != nil {
			return err
		}
		fmt.Println("Credentials restored. Restart secureusbd if it is already running.")
		return nil
	},
}

func init() {
	backupImportCmd.Flags().BoolVar(&backupImportForce, "force", false, "overwrite existing credentials")
	backupCmd.AddCommand(backupExportCmd, backupImportCmd)
	rootCmd.AddCommand(backupCmd)
}
