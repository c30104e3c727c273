package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// config holds default geometry for newly created ring files. The
// config file is HuJSON, so comments and trailing commas are fine.
type config struct {
	RegionSize string `json:"region_size"` //nolint:tagliatelle // snake_case for config file
	IndexSize  uint32 `json:"index_size"`  //nolint:tagliatelle // snake_case for config file
}

// defaultConfig returns the built-in defaults.
func defaultConfig() config {
	return config{
		RegionSize: "64MB",
		IndexSize:  1 << 16,
	}
}

var errConfigInvalid = errors.New("invalid config file")

// defaultConfigPath returns $XDG_CONFIG_HOME/roly/config.json, falling
// back to ~/.config/roly/config.json. Empty when no home directory can
// be determined.
func defaultConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "roly", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "roly", "config.json")
}

// loadConfig loads the config file at explicitPath, or the default
// location when explicitPath is empty. A missing default config is not
// an error; a missing explicit one is.
func loadConfig(explicitPath string) (config, string, error) {
	cfg := defaultConfig()

	path := explicitPath
	if path == "" {
		path = defaultConfigPath()
		if path == "" {
			return cfg, "", nil
		}
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path is from the operator
	if err != nil {
		if os.IsNotExist(err) && explicitPath == "" {
			return cfg, "", nil
		}

		return config{}, "", fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return config{}, "", fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return config{}, "", fmt.Errorf("%w: %s: %v", errConfigInvalid, path, err)
	}

	if cfg.RegionSize == "" || cfg.IndexSize == 0 {
		return config{}, "", fmt.Errorf("%w: %s: region_size and index_size must be set", errConfigInvalid, path)
	}

	return cfg, path, nil
}

// runConfig handles the "config" subcommand.
func runConfig(args []string, explicitPath string) error {
	if len(args) != 1 || args[0] != "init" {
		return errors.New("usage: roly config init")
	}

	path := explicitPath
	if path == "" {
		path = defaultConfigPath()
		if path == "" {
			return errors.New("cannot determine config path (no home directory)")
		}
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	cfg := defaultConfig()

	content := fmt.Sprintf(`{
	// Default geometry for new ring files.
	"region_size": %q,
	"index_size": %d,
}
`, cfg.RegionSize, cfg.IndexSize)

	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)

	return nil
}
