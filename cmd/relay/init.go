package main

import (
	"fmt"

	relay "github.com/relaychat/relay-go"
	"github.com/spf13/cobra"
)

var (
	initBaseURL  string
	initUserID   string
	initUserName string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "backend URL (default "+relay.DefaultBaseURL+")")
	initCmd.Flags().StringVar(&initUserID, "user", "", "user id that 'relay listen' connects as")
	initCmd.Flags().StringVar(&initUserName, "user-name", "", "display name sent with the connect request")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-key>",
	Short: "Write the API key and realtime identity to ~/.relay/config.toml",
	Long: "Initialize the Relay CLI. The API key authenticates REST calls and the websocket\n" +
		"connect URL; --user and --user-name set the identity used by 'relay listen'.\n" +
		"Existing [realtime] tuning is left untouched.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIKey = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Wrote %s\n", path)
		fmt.Fprintf(out, "  api key:  %s\n", maskKey(cfg.Default.APIKey))
		fmt.Fprintf(out, "  base url: %s\n", valueOrDefault(cfg.Default.BaseURL, relay.DefaultBaseURL))
		if cfg.Auth.UserID == "" {
			fmt.Fprintln(out, "No user set; pass --user here or to 'relay listen'.")
		} else {
			fmt.Fprintf(out, "  user:     %s\n", cfg.Auth.UserID)
		}
		return nil
	},
}
