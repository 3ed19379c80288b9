package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/config"
	"github.com/t77yq/repeated-alarm/internal/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "repeated-alarm",
	Short: "Repeated notifications for CloudWatch alarms that stay in ALARM",
	Long: `repeated-alarm listens for CloudWatch alarm state changes and, while an
opted-in alarm stays in ALARM, re-publishes a notification to the alarm's SNS
actions once per configured interval until the alarm leaves ALARM.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config/config.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a zap logger from the logging config
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zapCfg.Level = level

	return zapCfg.Build(zap.Fields(zap.String("app", cfg.App.Name)))
}

func openStore(cfg *config.Config, logger *zap.Logger) (*storage.SQLiteExecutionStore, error) {
	store, err := storage.NewSQLiteExecutionStore(logger, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open execution store: %w", err)
	}
	return store, nil
}
