package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/props"
)

var (
	filterNoColor   bool
	filterProps     []string
	filterPropsFile string
	filterMatchCase bool
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Parse and evaluate LDAP filters",
}

var filterParseCmd = &cobra.Command{
	Use:   "parse <filter>",
	Short: "Parse a filter and print its normalized form",
	Long: `Parse a filter and print its normalized form, followed by the object
classes a registry lookup would be narrowed to.

Examples:
  modkit filter parse '(&(objectclass=Greeter)(lang=en))'
  modkit filter parse '(|(a=1)(b=2))' --no-color`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expr, err := ldap.Parse(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		text := expr.String()
		if !filterNoColor {
			text = ldap.Highlight(text)
		}
		_, _ = fmt.Fprintln(out, text)
		if classes, ok := expr.MatchedObjectClasses(); ok {
			_, _ = fmt.Fprintf(out, "objectclass: %s\n", strings.Join(classes, ", "))
		}
		return nil
	},
}

var filterMatchCmd = &cobra.Command{
	Use:   "match <filter>",
	Short: "Evaluate a filter against a set of properties",
	Long: `Evaluate a filter against properties given with --prop or loaded from a
YAML file. Property values are typed: integers, floats and booleans are
detected, lists come from YAML sequences, anything else is a string.

Examples:
  modkit filter match '(port>=8000)' --prop port=8080
  modkit filter match '(lang~=EN)' --props-file service.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := ldap.NewFilter(args[0])
		if err != nil {
			return err
		}
		p, err := loadProps(filterPropsFile, filterProps)
		if err != nil {
			return err
		}

		matched := f.Match(p)
		if filterMatchCase {
			matched = f.MatchCase(p)
		}
		if matched {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "match")
			return nil
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no match")
		return errNoMatch
	},
}

var errNoMatch = errors.New("filter did not match")

func init() {
	filterParseCmd.Flags().BoolVar(&filterNoColor, "no-color", false, "print without highlighting")
	filterMatchCmd.Flags().StringArrayVarP(&filterProps, "prop", "p", nil, "property as key=value (repeatable)")
	filterMatchCmd.Flags().StringVarP(&filterPropsFile, "props-file", "f", "", "YAML file with a property map")
	filterMatchCmd.Flags().BoolVar(&filterMatchCase, "match-case", false, "compare attribute names case-sensitively")
	filterCmd.AddCommand(filterParseCmd, filterMatchCmd)
	rootCmd.AddCommand(filterCmd)
}

// loadProps merges the YAML file (if any) with key=value pairs, which win.
func loadProps(file string, pairs []string) (props.Properties, error) {
	m := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, fmt.Errorf("reading props file: %w", err)
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing props file: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --prop %q, want key=value", pair)
		}
		m[key] = scalar(value)
	}
	return props.FromMap(m), nil
}

// scalar types a command-line value the way YAML would.
func scalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	return s
}
