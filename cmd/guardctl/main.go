package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	guard "github.com/worklog/guard/sdk/go"
)

var (
	serverURL string
	apiKey    string
)

var rootCmd = &cobra.Command{
	Use:          "guardctl",
	Short:        "Operator tool for worklog guard",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", envOr("GUARD_URL", "http://localhost:8080"), "guard server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GUARD_API_KEY"), "operator API key")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(apiKeyCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *guard.Client {
	return guard.NewClient(guard.Config{BaseURL: serverURL, APIKey: apiKey})
}
