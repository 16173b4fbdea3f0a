package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"secureusb/internal/db"
	"secureusb/internal/eventlog"
)

var (
	logSince  string
	logAction string
	logSerial string
	logLimit  int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if logSince != "" {
			d, err := time.ParseDuration(logSince)
			if err != nil {
				return fmt.Errorf("invalid --since duration %q: %w", logSince, err)
			}
			q.Set("since", time.Now().Add(-d).UTC().Format(time.RFC3339))
		}
		if logAction != "" {
			q.Set("action", logAction)
		}
		if logSerial != "" {
			q.Set("serial", logSerial)
		}
		if logLimit > 0 {
			q.Set("limit", strconv.Itoa(logLimit))
		}

		path := "/v1/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var recs []eventlog.Record
		if err := newClient().get(path, &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No matching events.")
			return nil
		}

		for _, r := range recs {
			device := r.ProductName
			if device == "" && (r.VendorID != 0 || r.ProductID != 0) {
				device = fmt.Sprintf("%04x:%04x", r.VendorID, r.ProductID)
			}
			line := fmt.Sprintf("%s  %-16s %s",
				r.Time.Local().Format("2006-01-02 15:04:05"), r.Action, device)
			if r.Serial != "" {
				line += "  serial=" + r.Serial
			}
			if r.AuthMethod != "" && r.AuthMethod != eventlog.MethodNone {
				line += "  via=" + string(r.AuthMethod)
			}
			if !r.Success {
				line += "  FAILED"
			}
			if r.Details != "" {
				line += "  (" + r.Details + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var pruneDays int

// log prune works on the database directly so it can run while the daemon
// is down.
var logPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(filepath.Join(stateDir(), "secureusb.db"))
		if err != nil {
			return err
		}
		defer database.Close()

		retention := time.Duration(pruneDays) * 24 * time.Hour
		_, pruned, err := eventlog.Open(database, retention)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d records older than %d days.\n", pruned, pruneDays)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logSince, "since", "", "only events newer than this duration (e.g. 24h, 7h30m)")
	logCmd.Flags().StringVar(&logAction, "action", "", "filter by action (connect, deny, timeout, ...)")
	logCmd.Flags().StringVar(&logSerial, "serial", "", "filter by device serial")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "maximum records to show")
	logPruneCmd.Flags().IntVar(&pruneDays, "days", 90, "retention window in days")

	logCmd.AddCommand(logPruneCmd)
	rootCmd.AddCommand(logCmd)
}
