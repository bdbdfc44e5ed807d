package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/logging"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/terminal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type terminalConfig struct {
	Server   string
	DB       string
	Batch    int
	Interval time.Duration
	Timeout  time.Duration
	LogFile  string
	LogLevel string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("POSTERM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server", "http://127.0.0.1:8080")
	v.SetDefault("db", "data/terminal.db")
	v.SetDefault("batch", terminal.DefaultBatchSize)
	v.SetDefault("interval", terminal.DefaultSyncInterval)
	v.SetDefault("timeout", terminal.DefaultRequestTimeout)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	return v
}

// readConfigFile loads terminal.yaml from the working directory, or the file
// given with --config. A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("terminal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func loadConfig(v *viper.Viper) terminalConfig {
	return terminalConfig{
		Server:   strings.TrimRight(v.GetString("server"), "/"),
		DB:       v.GetString("db"),
		Batch:    v.GetInt("batch"),
		Interval: v.GetDuration("interval"),
		Timeout:  v.GetDuration("timeout"),
		LogFile:  v.GetString("log.file"),
		LogLevel: v.GetString("log.level"),
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configPath string

	root := &cobra.Command{
		Use:   "posterm",
		Short: "Point-of-sale terminal sync agent",
		Long: `posterm keeps the terminal's local database and pushes pending
sales, shifts, customers and stock movements to the sync server. Sales,
stock movements and customers recorded here are pushed by "run" or "push";
shift changes are pushed right away when the server is reachable.

Settings come from flags, POSTERM_* environment variables and an optional
terminal.yaml in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v, configPath)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ./terminal.yaml)")
	flags.String("server", "", "sync server base URL")
	flags.String("db", "", "local database path")
	flags.Int("batch", 0, "maximum records per packet")
	flags.Duration("interval", 0, "sync interval")
	flags.Duration("timeout", 0, "request timeout")
	flags.String("log-file", "", "also write logs to this file, rotated by size")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		"server":    "server",
		"db":        "db",
		"batch":     "batch",
		"interval":  "interval",
		"timeout":   "timeout",
		"log.file":  "log-file",
		"log.level": "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newLoginCmd(v),
		newRegisterCmd(v),
		newRunCmd(v),
		newPushCmd(v),
		newStatusCmd(v),
		newShiftCmd(v),
		newSaleCmd(v),
		newStockCmd(v),
		newCustomerCmd(v),
	)
	return root
}

// app holds what every command needs once configuration is resolved.
type app struct {
	cfg    terminalConfig
	store  *terminal.LocalStore
	client *terminal.Client
	logger *zap.Logger
}

func openApp(v *viper.Viper) (*app, error) {
	cfg := loadConfig(v)

	logger, err := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		Encoding: "console",
		File:     cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	store, err := terminal.OpenLocalStore(cfg.DB, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	client := terminal.NewClient(cfg.Server, cfg.Timeout)
	token, _, err := store.Setting(terminal.SettingAccessToken)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client.SetToken(token)

	return &app{cfg: cfg, store: store, client: client, logger: logger}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.logger.Sync()
}

func (a *app) newAgent() *terminal.Agent {
	builder := terminal.NewBuilder(a.store, a.cfg.Batch, a.logger.Named("builder"))
	return terminal.NewAgent(a.store, builder, a.client, terminal.AgentConfig{Interval: a.cfg.Interval}, a.logger.Named("agent"))
}
