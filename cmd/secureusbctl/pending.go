package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"secureusb/internal/api"
	"secureusb/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st api.Status
		if err := newClient().get("/v1/status", &st); err != nil {
			return err
		}

		fmt.Printf("secureusbd v%s\n", st.Version)
		fmt.Printf("  Protection:     %s\n", onOff(st.Enabled))
		fmt.Printf("  Configured:     %s\n", yesNo(st.Configured))
		fmt.Printf("  Pending:        %d\n", st.PendingCount)
		fmt.Printf("  Whitelisted:    %d\n", st.WhitelistCount)
		fmt.Printf("  Recovery codes: %d remaining\n", st.RecoveryCodesRemaining)
		fmt.Printf("  Timeout:        %ds\n", st.TimeoutSeconds)
		if len(st.Degraded) > 0 {
			fmt.Printf("  DEGRADED:       %s\n", strings.Join(st.Degraded, ", "))
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List devices awaiting authorization",
	RunE: func(cmd *cobra.Command, args []string) error {
		var pending []engine.PendingInfo
		if err := newClient().get("/v1/pending", &pending); err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No devices pending.")
			return nil
		}

		for _, p := range pending {
			remaining := time.Until(p.Deadline).Round(time.Second)
			if remaining < 0 {
				remaining = 0
			}
			fmt.Printf("%-8s %s  (%s left)\n", p.Device.BusPath, p.Device.Label(), remaining)
			if p.Device.Serial != "" {
				fmt.Printf("         serial %s\n", p.Device.Serial)
			}
		}
		return nil
	},
}

var (
	approvePowerOnly bool
	approveRemember  bool
	approveRecovery  bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <bus>",
	Short: "Authorize a pending device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := "Enter TOTP code: "
		if approveRecovery {
			prompt = "Enter recovery code: "
		}
		code, err := promptCode(prompt)
		if err != nil {
			return err
		}

		endpoint := "/v1/pending/" + args[0] + "/code"
		switch {
		case approvePowerOnly:
			endpoint = "/v1/pending/" + args[0] + "/power-only"
		case approveRecovery:
			endpoint = "/v1/pending/" + args[0] + "/recovery"
		}

		var res engine.Result
		body := map[string]any{"code": code, "remember": approveRemember}
		if err := newClient().post(endpoint, body, &res); err != nil {
			return err
		}

		fmt.Printf("Device %s: %s\n", args[0], res.Outcome)
		if res.Remembered {
			fmt.Println("Device added to whitelist.")
		}
		if res.Detail != "" {
			fmt.Println(res.Detail)
		}
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <bus>",
	Short: "Deny a pending device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res engine.Result
		if err := newClient().post("/v1/pending/"+args[0]+"/deny", struct{}{}, &res); err != nil {
			return err
		}
		fmt.Printf("Device %s: %s\n", args[0], res.Outcome)
		return nil
	},
}

func init() {
	approveCmd.Flags().BoolVar(&approvePowerOnly, "power-only", false, "allow charging only, no data")
	approveCmd.Flags().BoolVar(&approveRemember, "remember", false, "add the device to the whitelist")
	approveCmd.Flags().BoolVar(&approveRecovery, "recovery", false, "authenticate with a recovery code")

	rootCmd.AddCommand(statusCmd, pendingCmd, approveCmd, denyCmd)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
