package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/staffnet/chatcore"
)

var (
	initUser    string
	initCookies string
)

func init() {
	initCmd.Flags().StringVar(&initUser, "user", "", "user id of the session")
	initCmd.Flags().StringVar(&initCookies, "cookies", "", "Cookie header of an authenticated session")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [base-url]",
	Short: "Store the backend URL in ~/.chatcore/config.toml",
	Long:  "Initialize chatcore by storing the backend URL (default $" + chatcore.EnvBackendURL + ") and optionally a session.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := chatcore.BaseURLFromEnv()
		if len(args) == 1 {
			baseURL = strings.TrimRight(args[0], "/")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if initUser != "" {
			cfg.Auth.UserID = initUser
		}
		if initCookies != "" {
			if err := setConfigValue(cfg, "auth.cookies", initCookies); err != nil {
				return err
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend %s saved to %s\n", baseURL, path)
		return nil
	},
}
