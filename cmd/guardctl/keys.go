package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/repository"
	"github.com/worklog/guard/internal/service"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a base64 master key for security.encryption.master_key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var (
	keyName        string
	keyPermissions []string
	keyOwner       string
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage operator API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key owned by the calling operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		issued, err := client().CreateAPIKey(cmd.Context(), keyName, keyPermissions)
		if err != nil {
			return err
		}
		printIssued(cmd, issued.Key, issued.APIKey.ID)
		return nil
	},
}

var apiKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := client().ListAPIKeys(cmd.Context(), keyOwner)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOWNER\tNAME\tPERMISSIONS\tREVOKED\tLAST USED")
		for _, k := range keys {
			lastUsed := "-"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%t\t%s\n", k.ID, k.OwnerID, k.Name, k.Permissions, k.Revoked, lastUsed)
		}
		return tw.Flush()
	},
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().RevokeAPIKey(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	},
}

// apiKeyBootstrapCmd issues the first key straight into the database,
// before any operator holds a key to call the API with
var apiKeyBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Issue an API key directly in the database (first key)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyOwner == "" {
			return fmt.Errorf("--owner is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		log := logger.New(cfg.Log.Level, "text")
		audit, closeAudit := cliAuditor(cfg, db, log)
		defer closeAudit()

		svc := service.NewAPIKeyService(repository.NewAPIKeyRepository(db), audit, metrics.NewNop(), cfg.Security.APIKeys, log)
		issued, err := svc.GenerateAPIKey(cmd.Context(), keyOwner, keyName, keyPermissions)
		if err != nil {
			return err
		}
		printIssued(cmd, issued.Key, issued.APIKey.ID)
		return nil
	},
}

func printIssued(cmd *cobra.Command, key, id string) {
	fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", id, key)
	fmt.Fprintln(cmd.ErrOrStderr(), "store the key now; it cannot be shown again")
}

func init() {
	for _, c := range []*cobra.Command{apiKeyCreateCmd, apiKeyBootstrapCmd} {
		c.Flags().StringVar(&keyName, "name", "", "key name")
		c.Flags().StringSliceVar(&keyPermissions, "permission", nil, "granted permission (repeatable, * for all)")
		c.MarkFlagRequired("name")
		c.MarkFlagRequired("permission")
	}
	apiKeyBootstrapCmd.Flags().StringVar(&keyOwner, "owner", "", "owner identity of the key")
	apiKeyListCmd.Flags().StringVar(&keyOwner, "owner", "", "only list keys of this owner")

	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyListCmd, apiKeyRevokeCmd, apiKeyBootstrapCmd)
}
