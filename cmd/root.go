package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wegman-software/featuresync/internal/config"
	"github.com/wegman-software/featuresync/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "featuresync",
	Short: "Offline-first feature layer sync",
	Long: `featuresync keeps local vector feature stores in sync with remote
feature servers.

Each layer has a local store that is editable while disconnected. A sync pass
pulls server changes into the store and pushes queued local edits to the
server. Remotes can be an HTTP feature service or a PostGIS table.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			v.SetConfigFile(configFile)
		}
		loaded, err := config.Load(v)
		if err != nil {
			logger.Init(false)
			exitWithError("failed to load config", err)
		}
		cfg = loaded

		logger.InitWithOptions(logger.Options{Debug: cfg.Verbose, File: cfg.LogFile})

		if err := cfg.Validate(); err != nil {
			exitWithError("invalid config", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default ./featuresync.yaml)")
	flags.BoolP("verbose", "v", false, "Enable verbose output")
	flags.StringP("data-dir", "o", cfg.DataDir, "Directory for layer stores, indexes and state files")
	flags.StringP("layers", "l", cfg.LayersFile, "Layer definitions YAML file")
	flags.IntP("workers", "j", cfg.Workers, "Number of layers synced in parallel")
	flags.Duration("pass-timeout", cfg.PassTimeout, "Timeout of one layer pass (0 = none)")

	// Logging and metrics flags
	flags.String("log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.Duration("metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")

	// Database flags for postgis layers without a dsn
	flags.String("db-host", cfg.DBHost, "PostgreSQL host")
	flags.Int("db-port", cfg.DBPort, "PostgreSQL port")
	flags.StringP("db-name", "d", cfg.DBName, "PostgreSQL database name")
	flags.StringP("db-user", "U", cfg.DBUser, "PostgreSQL user")
	flags.StringP("db-password", "W", cfg.DBPassword, "PostgreSQL password")

	bind := map[string]string{
		"verbose":          "verbose",
		"data_dir":         "data-dir",
		"layers_file":      "layers",
		"workers":          "workers",
		"pass_timeout":     "pass-timeout",
		"log_file":         "log-file",
		"metrics_interval": "metrics-interval",
		"db_host":          "db-host",
		"db_port":          "db-port",
		"db_name":          "db-name",
		"db_user":          "db-user",
		"db_password":      "db-password",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
