package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	guard "github.com/worklog/guard/sdk/go"
)

var (
	alertStatus   string
	alertSeverity string
	page          int
	pageSize      int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and work security alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client().ListAlerts(cmd.Context(), guard.AlertQuery{
			Status:   alertStatus,
			Severity: alertSeverity,
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRULE\tSEVERITY\tSCOPE\tEVENTS\tSTATUS\tRAISED")
		for _, a := range res.Alerts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				a.ID, a.RuleName, a.Severity, a.ScopeValue, a.EventCount, a.Status, a.CreatedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "\npage %d, %d of %d alerts\n", res.Page, len(res.Alerts), res.Total)
		return tw.Flush()
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack [id]",
	Short: "Acknowledge an open alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alert, err := client().AcknowledgeAlert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, alert)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve [id]",
	Short: "Resolve an acknowledged alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alert, err := client().ResolveAlert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, alert)
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	alertsListCmd.Flags().StringVar(&alertStatus, "status", "", "open, acknowledged or resolved")
	alertsListCmd.Flags().StringVar(&alertSeverity, "severity", "", "low, medium, high or critical")
	alertsListCmd.Flags().IntVar(&page, "page", 1, "page number")
	alertsListCmd.Flags().IntVar(&pageSize, "page-size", 20, "page size (max 100)")

	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd, alertsResolveCmd)
}
