// Command im-client is a terminal client for im-realtime: it logs in, keeps
// the token pair on disk, sends messages (queueing them while offline) and
// prints realtime frames.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/pkg/client"
)

var flags struct {
	config    string
	baseURL   string
	wsURL     string
	tokenFile string
	queueDir  string
	verbose   bool
}

var rootCmd = &cobra.Command{
	Use:          "im-client",
	Short:        "Terminal client for im-realtime",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "config file (default ~/.yuim/client.toml)")
	pf.StringVar(&flags.baseURL, "base-url", "", "server base url")
	pf.StringVar(&flags.wsURL, "ws-url", "", "websocket url (default derived from base url)")
	pf.StringVar(&flags.tokenFile, "token-file", "", "where the token pair is kept")
	pf.StringVar(&flags.queueDir, "queue-dir", "", "where queued offline actions are kept")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging to stderr")
}

// effectiveConfig is the toml file with flags on top.
func effectiveConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(flags.config)
	if err != nil {
		return nil, err
	}
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}
	if changed("base-url") {
		cfg.BaseURL = flags.baseURL
	}
	if changed("ws-url") {
		cfg.WSURL = flags.wsURL
	}
	if changed("token-file") {
		cfg.TokenFile = flags.tokenFile
	}
	if changed("queue-dir") {
		cfg.QueueDir = flags.queueDir
	}
	return cfg, nil
}

func newLogger() *zap.Logger {
	if !flags.verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func openSession(cmd *cobra.Command) (*client.Session, error) {
	cfg, err := effectiveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.Open(client.Config{
		BaseURL:   cfg.BaseURL,
		WSURL:     cfg.WSURL,
		TokenFile: cfg.TokenFile,
		QueueDir:  cfg.QueueDir,
		Log:       newLogger(),
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
