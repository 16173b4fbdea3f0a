package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"secureusb/internal/version"
)

var updateForce bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for a newer release",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/update"
		if updateForce {
			path += "?force=true"
		}
		// The daemon reports an unreachable release endpoint in-band.
		var info struct {
			version.UpdateInfo
			Error string `json:"error"`
		}
		if err := newClient().get(path, &info); err != nil {
			return err
		}
		if info.Error != "" {
			return fmt.Errorf("update check failed: %s", info.Error)
		}

		fmt.Printf("Current version: %s\n", info.CurrentVersion)
		if !info.UpdateAvailable {
			fmt.Println("You are up to date.")
			return nil
		}
		fmt.Printf("Update available: %s\n", info.LatestVersion)
		if info.ReleaseURL != "" {
			fmt.Printf("Release notes: %s\n", info.ReleaseURL)
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateForce, "force", false, "skip the cached answer")
	rootCmd.AddCommand(updateCmd)
}
