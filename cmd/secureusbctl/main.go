// secureusbctl manages the USB authorization daemon: first-run setup,
// pending device decisions, the whitelist and the audit log.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secureusb/internal/config"
	"secureusb/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "secureusbctl",
	Short:   "Control the secureusb daemon",
	Version: version.Current,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.BindPFlag("state_dir", cmd.Root().PersistentFlags().Lookup("state-dir"))
		viper.BindPFlag("socket", cmd.Root().PersistentFlags().Lookup("socket"))
	},
}

func init() {
	rootCmd.PersistentFlags().String("state-dir", config.DefaultStateDir, "daemon state directory")
	rootCmd.PersistentFlags().String("socket", config.DefaultSocketPath, "daemon control socket")

	viper.SetEnvPrefix("SECUREUSB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func stateDir() string { return viper.GetString("state_dir") }

func socketPath() string { return viper.GetString("socket") }

// client talks HTTP over the daemon's unix socket.
type client struct {
	http *http.Client
}

func newClient() *client {
	path := socketPath()
	return &client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// apiError is the daemon's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, "http://secureusb"+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s (is secureusbd running?): %w", socketPath(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
