package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/worklog/guard/internal/config"
	"github.com/worklog/guard/internal/database"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/metrics"
	"github.com/worklog/guard/internal/repository"
	"github.com/worklog/guard/internal/service"
	guard "github.com/worklog/guard/sdk/go"
)

var (
	auditActor     string
	auditEventType string
	auditOutcome   string
	auditSince     time.Duration
	auditCountOnly bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := guard.AuditQuery{
			Actor:     auditActor,
			EventType: auditEventType,
			Outcome:   auditOutcome,
			Page:      page,
			PageSize:  pageSize,
		}
		if auditSince > 0 {
			q.From = time.Now().Add(-auditSince)
		}

		if auditCountOnly {
			n, err := client().CountAudit(cmd.Context(), q)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		}

		res, err := client().QueryAudit(cmd.Context(), q)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tACTOR\tEVENT\tOUTCOME\tMETHOD\tENDPOINT")
		for _, e := range res.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format(time.RFC3339), e.ActorID, e.EventType, e.Outcome, e.Method, e.Endpoint)
		}
		fmt.Fprintf(tw, "\npage %d, %d of %d entries\n", res.Page, len(res.Entries), res.Total)
		return tw.Flush()
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the retention sweep now, against the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		svc := service.NewArchivalService(repository.NewRetentionRepository(db), nil, audit, metrics.NewNop(), cfg.Retention, log)
		report, err := svc.PerformCleanup(cmd.Context())
		if report != nil {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tCUTOFF\tREMOVED")
			for entity, cutoff := range report.Cutoffs {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", entity, cutoff.Format(time.RFC3339), report.Removed[entity])
			}
			tw.Flush()
		}
		return err
	},
}

// cliAuditor records CLI actions in the audit trail. The returned func drains it.
func cliAuditor(cfg *config.Config, db *database.Postgres, log *logger.Logger) (service.Auditor, func()) {
	fallback := logger.NewFallbackSink(cfg.Audit.FallbackPath, log)
	audit := service.NewAuditService(repository.NewAuditRepository(db), masking.New(cfg.Security.Masking), fallback, metrics.NewNop(), cfg.Audit, log)
	return audit, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := audit.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("audit trail not fully flushed")
		}
		fallback.Close()
	}
}

func init() {
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "actor ID")
	auditCmd.Flags().StringVar(&auditEventType, "event-type", "", "event type, e.g. auth.login_failed")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "success, failure, rejected or error")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this, e.g. 24h")
	auditCmd.Flags().BoolVar(&auditCountOnly, "count", false, "print only the number of matching entries")
	auditCmd.Flags().IntVar(&page, "page", 1, "page number")
	auditCmd.Flags().IntVar(&pageSize, "page-size", 50, "page size (max 100)")
}
