package main

import (
	"fmt"
	"os"

	velora "github.com/velora-app/velora/sdk/golang"
)

// getClient creates a Velora client authenticated with the stored session.
func getClient() *velora.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No session. Run 'velora init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []velora.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, velora.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, velora.WithEnvironment(velora.Environment(cfg.Default.Environment)))
	}

	client := velora.NewClient(cfg.Auth.Token, opts...)
	client.SetSession(cfg.Auth.Token, cfg.Auth.UserID)
	return client
}

// apiError formats a gateway error for display.
func apiError(result *velora.RPCResult) error {
	if result.Error != nil {
		return fmt.Errorf("API error: %s: %s", result.Error.Code, result.Error.Message)
	}
	return fmt.Errorf("API returned an error (no details)")
}
