package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowSection string

func init() {
	configShowCmd.Flags().StringVar(&configShowSection, "section", "", "print one section only: default, auth or realtime")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit ~/.relay/config.toml",
	Long: "The config file has three sections: [default] (api_key, base_url), [auth]\n" +
		"(token, user_id, user_name, token_expires) and [realtime] (heartbeat_interval,\n" +
		"health_check_interval, stale_grace, offline_debounce as Go durations).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file or one of its sections",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowSection != "" {
			return showSection(cmd, configShowSection)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration yet. Run 'relay init <api-key>' first.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(out, string(data))
		return nil
	},
}

// showSection prints one section as TOML under its header. Realtime fields
// left empty fall back to the client defaults, which is noted in the output.
func showSection(cmd *cobra.Command, name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	section := map[string]any{
		"default":  cfg.Default,
		"auth":     cfg.Auth,
		"realtime": cfg.Realtime,
	}[name]
	if section == nil {
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", name)
	}
	data, err := toml.Marshal(section)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "[%s]\n%s", name, data)
	if name == "realtime" {
		fmt.Fprintln(out, "# empty values use the client defaults")
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Change one configuration value",
	Long: "Change one value using section.field notation. Realtime values are\n" +
		"validated as positive Go durations before they are written.\n" +
		"Example: relay config set realtime.heartbeat_interval 15s",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
