package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"forgecache.dev/go/forgecache/internal/p2p"
)

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.Flags().Bool("json", false, "print raw JSON")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers discovered on the local network",
	RunE:  runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var peers []p2p.PeerStatus
	if err := apiGet(cfg.Daemon.APIPort, "/api/peers", &peers); err != nil {
		fmt.Println("Daemon is not running")
		return nil
	}

	if raw, _ := cmd.Flags().GetBool("json"); raw {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(peers)
	}

	if len(peers) == 0 {
		fmt.Println("No peers discovered")
		return nil
	}

	fmt.Printf("%-20s %-38s %-21s %s\n", "HOSTNAME", "MACHINE ID", "ADDRESS", "STATE")
	for _, p := range peers {
		state := "stale"
		if p.Alive {
			state = "alive"
		}
		fmt.Printf("%-20s %-38s %-21s %s\n",
			p.Hostname, p.MachineID, fmt.Sprintf("%s:%d", p.Address, p.Port), state)
	}

	return nil
}
