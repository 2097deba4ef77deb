package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/modkit/internal/bundles"
	"github.com/zjrosen/modkit/internal/config"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage the bundles \"modkit run\" installs",
}

var bundleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured and available bundles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		configured := make(map[string]config.BundleConfig, len(cfg.Bundles))
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tCONFIGURED\tSTART")
		for _, b := range cfg.Bundles {
			configured[b.Name] = b
			_, _ = fmt.Fprintf(w, "%s\tyes\t%t\n", b.Name, b.ShouldStart())
		}
		for _, name := range bundles.Default(nil, nil).Names() {
			if _, ok := configured[name]; !ok {
				_, _ = fmt.Fprintf(w, "%s\tno\t-\n", name)
			}
		}
		return w.Flush()
	},
}

var bundleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Start a bundle on run, adding it to the config if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBundleStart(cmd, args[0], true)
	},
}

var bundleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Install a bundle on run without starting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBundleStart(cmd, args[0], false)
	},
}

var bundleRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a bundle from the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updated, err := config.RemoveBundle(configPath(), args[0], cfg.Bundles)
		if err != nil {
			return err
		}
		cfg.Bundles = updated
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[0], configPath())
		return nil
	},
}

func init() {
	bundleCmd.AddCommand(bundleListCmd, bundleEnableCmd, bundleDisableCmd, bundleRemoveCmd)
	rootCmd.AddCommand(bundleCmd)
}

func setBundleStart(cmd *cobra.Command, name string, start bool) error {
	if _, ok := bundles.Default(nil, nil)[name]; !ok {
		return fmt.Errorf("unknown bundle %q (available: %v)", name, bundles.Default(nil, nil).Names())
	}
	updated, err := config.SetBundleStart(configPath(), name, start, cfg.Bundles)
	if err != nil {
		return err
	}
	cfg.Bundles = updated
	state := "enabled"
	if !start {
		state = "disabled"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", state, name, configPath())
	return nil
}
