package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/modkit/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the modkit config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Long: `Write a commented default config file. Without a path it writes to the
file --config names, or .modkit/config.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(effectiveConfig(cfg)); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return enc.Close()
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveConfig mirrors the file layout so `config show` output can be
// pasted back into a config file.
func effectiveConfig(c config.Config) map[string]any {
	bundles := make([]map[string]any, 0, len(c.Bundles))
	for _, b := range c.Bundles {
		entry := map[string]any{"name": b.Name, "start": b.ShouldStart()}
		if len(b.Properties) > 0 {
			entry["properties"] = b.Properties
		}
		bundles = append(bundles, entry)
	}
	return map[string]any{
		"log": map[string]any{"level": c.Log.Level, "file": c.Log.File},
		"registry": map[string]any{"filter_cache": map[string]any{
			"enabled":          c.Registry.FilterCache.Enabled,
			"expiration":       c.Registry.FilterCache.Expiration.String(),
			"cleanup_interval": c.Registry.FilterCache.CleanupInterval.String(),
		}},
		"tracing": map[string]any{
			"enabled":       c.Tracing.Enabled,
			"exporter":      c.Tracing.Exporter,
			"file_path":     c.Tracing.FilePath,
			"otlp_endpoint": c.Tracing.OTLPEndpoint,
			"sample_rate":   c.Tracing.SampleRate,
			"service_name":  c.Tracing.ServiceName,
		},
		"journal":      map[string]any{"enabled": c.Journal.Enabled, "path": c.Journal.Path},
		"metrics":      map[string]any{"enabled": c.Metrics.Enabled, "listen_addr": c.Metrics.ListenAddr},
		"bundles":      bundles,
		"watch_config": c.WatchConfig,
	}
}
