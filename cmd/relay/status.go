package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration, check whether the stored token is expired, and probe the token refresh endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Default.APIKey != "" {
			fmt.Fprintf(out, "  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Fprintln(out, "  API Key:     (not set)")
		}

		if _, err := realtimeConfig(cfg); err != nil {
			fmt.Fprintf(out, "  Realtime:    invalid (%v)\n", err)
		} else {
			fmt.Fprintf(out, "  Heartbeat:   %s\n", valueOrDefault(cfg.Realtime.HeartbeatInterval, "(default)"))
			fmt.Fprintf(out, "  Debounce:    %s\n", valueOrDefault(cfg.Realtime.OfflineDebounce, "(default)"))
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  User Name:   %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Default.APIKey == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		start := time.Now()
		tok, err := client.RefreshToken(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Token refresh: failed (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Token refresh: ok in %s\n", time.Since(start).Round(time.Millisecond))
		if tok.ExpiresIn != "" {
			fmt.Fprintf(out, "  Expires in:    %s\n", tok.ExpiresIn)
		}
		return nil
	},
}

func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return "present (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
