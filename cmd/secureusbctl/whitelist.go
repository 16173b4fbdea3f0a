package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"secureusb/internal/whitelist"
)

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage trusted devices",
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []whitelist.Entry
		if err := newClient().get("/v1/whitelist", &entries); err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}

var whitelistSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search whitelisted devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []whitelist.Entry
		path := "/v1/whitelist?q=" + url.QueryEscape(args[0])
		if err := newClient().get(path, &entries); err != nil {
			return err
		}
		printEntries(entries)
		return nil
	},
}

var (
	addVendorName  string
	addProductName string
	addNotes       string
)

var whitelistAddCmd = &cobra.Command{
	Use:   "add <serial>",
	Short: "Trust a device by serial number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry := whitelist.Entry{
			Serial:      args[0],
			VendorName:  addVendorName,
			ProductName: addProductName,
			Notes:       addNotes,
		}
		if err := newClient().post("/v1/whitelist", entry, nil); err != nil {
			return err
		}
		fmt.Printf("Added %s to whitelist.\n", args[0])
		return nil
	},
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <serial>",
	Short: "Remove a device from the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().do("DELETE", "/v1/whitelist/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("Removed %s from whitelist.\n", args[0])
		return nil
	},
}

var whitelistExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the whitelist as JSON (stdout by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var export json.RawMessage
		if err := newClient().get("/v1/whitelist/export", &export); err != nil {
			return err
		}

		var pretty []byte
		var buf map[string]any
		if err := json.Unmarshal(export, &buf); err != nil {
			return err
		}
		pretty, err := json.MarshalIndent(buf, "", "  ")
		if err != nil {
			return err
		}
		pretty = append(pretty, '\n')

		if len(args) == 0 {
			os.Stdout.Write(pretty)
			return nil
		}
		if err := os.WriteFile(args[0], pretty, 0600); err != nil {
			return err
		}
		fmt.Printf("Whitelist exported to %s.\n", args[0])
		return nil
	},
}

var importReplace bool

var whitelistImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a whitelist export file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var body json.RawMessage = data

		path := "/v1/whitelist/import"
		if importReplace {
			path += "?mode=replace"
		}
		var res map[string]int
		if err := newClient().post(path, body, &res); err != nil {
			return err
		}
		fmt.Printf("Imported %d entries.\n", res["imported"])
		return nil
	},
}

func init() {
	whitelistAddCmd.Flags().StringVar(&addVendorName, "vendor", "", "vendor name")
	whitelistAddCmd.Flags().StringVar(&addProductName, "product", "", "product name")
	whitelistAddCmd.Flags().StringVar(&addNotes, "notes", "", "free-form notes")
	whitelistImportCmd.Flags().BoolVar(&importReplace, "replace", false, "replace the whitelist instead of merging")

	whitelistCmd.AddCommand(whitelistListCmd, whitelistSearchCmd, whitelistAddCmd,
		whitelistRemoveCmd, whitelistExportCmd, whitelistImportCmd)
	rootCmd.AddCommand(whitelistCmd)
}

func printEntries(entries []whitelist.Entry) {
	if len(entries) == 0 {
		fmt.Println("Whitelist is empty.")
		return
	}
	for _, e := range entries {
		name := e.ProductName
		if name == "" {
			name = fmt.Sprintf("%04x:%04x", e.VendorID, e.ProductID)
		}
		fmt.Printf("%-24s %s  (used %d times)\n", e.Serial, name, e.UseCount)
		if e.Notes != "" {
			fmt.Printf("%-24s   %s\n", "", e.Notes)
		}
	}
}
