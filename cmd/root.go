package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/modkit/internal/config"
	"github.com/zjrosen/modkit/internal/log"
)

var (
	version    = "dev"
	cfgFile    string
	logLevel   string
	cfg        config.Config
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "modkit",
	Short: "A dynamic service registry with LDAP filters",
	Long: `modkit runs bundles that publish and consume services through a dynamic
registry. Services are found with LDAP search filters such as
(&(objectclass=Greeter)(lang=en)).`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .modkit/config.yaml, then ~/.config/modkit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level (debug, info, warn, error)")
}

func setDefaults(v *viper.Viper) {
	defaults := config.Defaults()
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("registry.filter_cache.enabled", defaults.Registry.FilterCache.Enabled)
	v.SetDefault("registry.filter_cache.expiration", defaults.Registry.FilterCache.Expiration)
	v.SetDefault("registry.filter_cache.cleanup_interval", defaults.Registry.FilterCache.CleanupInterval)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	v.SetDefault("journal.path", defaults.Journal.Path)
	v.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)
}

func initConfig() {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .modkit/config.yaml (current directory)
		// 2. ~/.config/modkit/config.yaml (user config)
		if _, err := os.Stat(".modkit/config.yaml"); err == nil {
			viper.SetConfigFile(".modkit/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "modkit"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// A missing config file is fine: defaults apply and `config init`
	// writes one.
	_ = viper.ReadInConfig()

	cfg = config.Defaults()
	if viper.InConfig("bundles") {
		cfg.Bundles = nil
	}
	_ = viper.Unmarshal(&cfg)
}

// configPath is where commands that edit the config write to.
func configPath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return ".modkit/config.yaml"
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := log.ParseLevel(cfg.Log.Level)

	if cfg.Log.File != "" {
		cleanup, err := log.Init(cfg.Log.File, level)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
	} else {
		log.SetDefault(log.New(cmd.ErrOrStderr(), level))
	}
	log.Debug(log.CatConfig, "configuration loaded", "file", viper.ConfigFileUsed())
	return nil
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if logCleanup != nil {
		logCleanup()
		logCleanup = nil
	}
	return err
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
