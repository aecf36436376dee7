package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"forgecache.dev/go/forgecache/internal/config"
	"forgecache.dev/go/forgecache/internal/daemon"
	"forgecache.dev/go/forgecache/internal/keychain"
	"forgecache.dev/go/forgecache/internal/p2p"
	"forgecache.dev/go/forgecache/internal/tui"
)

var (
	serveNoDiscovery bool
	serveNoAdvertise bool
	serveBindPort    int
	serveAPIPort     int
	serveAllowAll    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoDiscovery, "no-discovery", false, "do not browse for peers")
	serveCmd.Flags().BoolVar(&serveNoAdvertise, "no-advertise", false, "do not announce this machine or serve artifacts")
	serveCmd.Flags().IntVar(&serveBindPort, "port", -1, "peer server port (overrides config)")
	serveCmd.Flags().IntVar(&serveAPIPort, "api-port", 0, "local API port (overrides config)")
	serveCmd.Flags().BoolVar(&serveAllowAll, "allow-all", false, "grant consent to every peer without prompting")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache daemon in the foreground",
	Long: `Run the forgecache daemon in the foreground.

The daemon serves the local artifact cache to the build tool, announces
itself on the local network, and fetches artifacts from trusted peers
on cache misses.

This is typically used by service managers (systemd, launchd). Press
Ctrl+C to stop.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	identity, err := config.LoadOrCreateMachineIdentityFrom(paths.MachineFile)
	if err != nil {
		return fmt.Errorf("machine identity: %w", err)
	}

	if serveNoDiscovery {
		cfg.P2P.Discovery = false
	}
	if serveNoAdvertise {
		cfg.P2P.Advertise = false
	}
	if serveBindPort >= 0 {
		cfg.P2P.BindPort = serveBindPort
	}
	if serveAPIPort > 0 {
		cfg.Daemon.APIPort = serveAPIPort
	}

	secret, err := resolveSharedSecret(cfg)
	if err != nil {
		return err
	}
	if secret == "" {
		fmt.Println("No shared secret configured; running in local-only mode.")
		fmt.Println("Run 'forgecache secret new' to enable peer sharing.")
	}

	d, err := daemon.New(daemon.Options{
		Config:       cfg,
		Paths:        paths,
		Identity:     identity,
		SharedSecret: secret,
		Prompter:     pickPrompter(),
		Version:      version,
	})
	if err != nil {
		return err
	}

	return d.Run()
}

// pickPrompter returns the interactive consent prompt when a human is
// attached, and a deny-by-default prompter otherwise.
func pickPrompter() p2p.Prompter {
	if serveAllowAll {
		return p2p.StaticPrompter{Allow: true}
	}
	if tui.IsInteractive() {
		return tui.NewConsentPrompter()
	}
	return p2p.StaticPrompter{Allow: false}
}

// resolveSharedSecret prefers the config file, then the system
// keyring. A missing secret is not an error; it disables sharing.
func resolveSharedSecret(cfg *config.Config) (string, error) {
	if cfg.P2P.SharedSecret != "" {
		return cfg.P2P.SharedSecret, nil
	}
	secret, err := keychain.Get()
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read shared secret from keyring: %w", err)
	}
	return secret, nil
}
