package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for forgecache
type Paths struct {
	ConfigDir string // ~/.config/forgecache or equivalent
	CacheDir  string // ~/.cache/forgecache or equivalent

	ConfigFile  string // ~/.config/forgecache/config.toml
	MachineFile string // ~/.config/forgecache/machine.json
	PIDFile     string // ~/.config/forgecache/daemon.pid (Linux/macOS)
}

// GetPaths returns platform-specific paths for forgecache
func GetPaths() (*Paths, error) {
	var configDir string
	var cacheDir string
	var pidFile string

	// Allow override via environment variable (useful for testing multiple instances)
	if envConfigDir := os.Getenv("FORGECACHE_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
		cacheDir = filepath.Join(configDir, "cache")
		pidFile = filepath.Join(configDir, "daemon.pid")
	} else {
		switch runtime.GOOS {
		case "linux":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "forgecache")

			xdgCache := os.Getenv("XDG_CACHE_HOME")
			if xdgCache == "" {
				xdgCache = filepath.Join(home, ".cache")
			}
			cacheDir = filepath.Join(xdgCache, "forgecache")
			pidFile = filepath.Join(configDir, "daemon.pid")

		case "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "forgecache")
			cacheDir = filepath.Join(home, "Library", "Caches", "forgecache")
			pidFile = filepath.Join(configDir, "daemon.pid")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "forgecache")

			localAppData := os.Getenv("LOCALAPPDATA")
			if localAppData == "" {
				localAppData = appData
			}
			cacheDir = filepath.Join(localAppData, "forgecache", "cache")
			pidFile = "" // Windows uses different mechanism

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	p := &Paths{
		ConfigDir: configDir,
		CacheDir:  cacheDir,

		ConfigFile:  filepath.Join(configDir, "config.toml"),
		MachineFile: filepath.Join(configDir, "machine.json"),
		PIDFile:     pidFile,
	}

	return p, nil
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.ConfigDir,
		p.CacheDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
