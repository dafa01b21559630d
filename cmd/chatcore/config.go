package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the file unmodified, credentials included")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatcore configuration",
	Long:  "View or modify the CLI configuration stored in $CHATCORE_HOME/config.toml (default ~/.chatcore).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration yet. Run 'chatcore init <base-url> --user <id> --cookies <header>'.")
			return nil
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			fmt.Print(string(data))
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := toml.Marshal(redacted(*cfg))
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Printf("# %s\n%s", path, out)
		return nil
	},
}

// redacted returns cfg with the session credentials masked.
func redacted(cfg Config) Config {
	if cfg.Auth.Cookies != "" {
		cfg.Auth.Cookies = maskKey(cfg.Auth.Cookies)
	}
	if cfg.Auth.CSRFToken != "" {
		cfg.Auth.CSRFToken = maskKey(cfg.Auth.CSRFToken)
	}
	return cfg
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by its dotted key.

Keys: default.base_url, default.page_size, auth.user_id, auth.cookies,
auth.csrf_token, sync.cursor_db.`,
	Example: `  chatcore config set auth.cookies 'SESSION=...; XSRF-TOKEN=...'`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		value := args[1]
		if args[0] == "auth.cookies" || args[0] == "auth.csrf_token" {
			value = maskKey(value)
		}
		fmt.Printf("%s = %s\n", args[0], value)
		return nil
	},
}
