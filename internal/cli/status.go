package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"forgecache.dev/go/forgecache/internal/httpapi"
	"forgecache.dev/go/forgecache/internal/p2p"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "print raw JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Display the running daemon's status: identity, peer sharing state,
and cache activity.

Examples:
  forgecache status
  forgecache status --json`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var status httpapi.StatusResponse
	if err := apiGet(cfg.Daemon.APIPort, "/api/status", &status); err != nil {
		fmt.Println("Daemon is not running")
		return nil
	}

	if raw, _ := cmd.Flags().GetBool("json"); raw {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("Machine:   %s (%s)\n", status.Hostname, status.MachineID)
	fmt.Printf("Version:   %s\n", status.Version)
	fmt.Printf("Uptime:    %s\n", formatDuration(time.Since(status.StartedAt)))
	if status.P2PEnabled {
		fmt.Printf("Sharing:   enabled (%d peers)\n", status.PeerCount)
	} else {
		fmt.Printf("Sharing:   disabled\n")
	}

	var metrics p2p.Snapshot
	if err := apiGet(cfg.Daemon.APIPort, "/api/metrics", &metrics); err == nil && status.P2PEnabled {
		c := metrics.Counters
		fmt.Printf("Served:    %d artifacts (%s)\n", c.RequestsServed, formatBytes(c.BytesServed))
		fmt.Printf("Fetched:   %d hits / %d misses (%s)\n", c.FetchHits, c.FetchMisses, formatBytes(c.BytesFetched))
	}

	return nil
}

// apiGet queries the local daemon API and decodes the JSON response
func apiGet(port int, path string, out any) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
