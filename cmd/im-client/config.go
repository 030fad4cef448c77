package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is ~/.yuim/client.toml.
type Config struct {
	BaseURL   string `toml:"base_url"`
	WSURL     string `toml:"ws_url"`
	TokenFile string `toml:"token_file"`
	QueueDir  string `toml:"queue_dir"`
}

func defaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".yuim"), nil
}

func (c *Config) applyDefaults(dir string) {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:7001"
	}
	if c.TokenFile == "" {
		c.TokenFile = filepath.Join(dir, "tokens.json")
	}
	if c.QueueDir == "" {
		c.QueueDir = filepath.Join(dir, "queue")
	}
}

// loadConfig reads path; a missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	dir, err := defaultDir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(dir, "client.toml")
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults(dir)
	return &cfg, nil
}

func saveConfig(path string, cfg *Config) error {
	if path == "" {
		dir, err := defaultDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, "client.toml")
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "base_url":
		cfg.BaseURL = value
	case "ws_url":
		cfg.WSURL = value
	case "token_file":
		cfg.TokenFile = value
	case "queue_dir":
		cfg.QueueDir = value
	default:
		return fmt.Errorf("unknown key %q (valid: base_url, ws_url, token_file, queue_dir)", key)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the client configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig(cmd)
		if err != nil {
			return err
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flags.config)
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(flags.config, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}
