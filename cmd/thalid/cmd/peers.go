package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var peersMetricsAddr string

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Dump the running daemon's peer registry table",
	Long:  "Fetches /debug/peers from a running thalid instance's metrics listener and prints it.",
	RunE:  runPeers,
}

func init() {
	peersCmd.Flags().StringVar(&peersMetricsAddr, "metrics-addr", ":8080", "metrics listener address of the running thalid instance")
	RootCmd.AddCommand(peersCmd)
}

func runPeers(cmd *cobra.Command, args []string) error {
	ConfigureVerbosity()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + peersMetricsAddrHost(peersMetricsAddr) + "/debug/peers")
	if err != nil {
		return fmt.Errorf("fetching peer table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer table request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading peer table response: %w", err)
	}
	fmt.Print(string(body))
	return nil
}

// peersMetricsAddrHost normalizes a bare ":8080"-style listen address
// (valid for http.Server but not for a client URL) to "127.0.0.1:8080".
func peersMetricsAddrHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
