package main

import (
	"context"
	"fmt"
	"time"

	velora "github.com/velora-app/velora/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and gateway health",
	Long:  "Display the current configuration and check that the gateway is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Gateway:")

		var opts []velora.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, velora.WithBaseURL(cfg.Default.BaseURL))
		} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
			opts = append(opts, velora.WithEnvironment(velora.Environment(cfg.Default.Environment)))
		}
		client := velora.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  UNREACHABLE: %v\n", err)
			return nil
		}
		if !result.OK {
			fmt.Println("  UNHEALTHY")
			return nil
		}
		fmt.Println("  HEALTHY")
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
