package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage codeload configuration",
	Long: `am: manage codeload configuration ("I am")

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. /etc/codeload/am.toml
  3. ~/.codeload/am.toml
  4. ./am.toml (searches up directories)
  5. CODELOAD_* environment variables (OPENROUTER_API_KEY for the extraction key)

Examples:
  codeload am show                  # TOML with secrets redacted
  codeload am show --format json
  codeload am validate
  codeload am init                  # write ./am.toml with the defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files are read",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range am.ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				pterm.Success.Println(p)
			} else {
				pterm.Println("  " + p + " (missing)")
			}
		}
		return nil
	},
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write ./am.toml with the built-in defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Defaults()
		if err != nil {
			return err
		}
		if err := am.WriteFile("am.toml", cfg); err != nil {
			return err
		}
		pterm.Success.Println("Wrote am.toml")
		return nil
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	AmCmd.AddCommand(amShowCmd, amValidateCmd, amWhereCmd, amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	redacted := *cfg
	if redacted.Extraction.APIKey != "" {
		redacted.Extraction.APIKey = "********"
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(redacted)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# codeload configuration\n%s", data)
	case "toml":
		data, err := am.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# codeload configuration\n%s", data)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}
