package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"clinic-scheduler/internal/messaging"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/reminder"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeDB, err := a.postgres(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()
			if err := st.Migrate(cmd.Context(), a.cfg.MigrationsPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", a.cfg.MigrationsPath)
			return nil
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Free slots whose appointment already passed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.storeClient("cli").Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slots cleared: %d\n", n)
			return nil
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Send reminders for appointments starting in about two hours, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, closeRedis, err := a.redisCache(ctx)
			if err != nil {
				return err
			}
			defer closeRedis()

			s := reminder.New(a.calendar(ctx), a.messenger(), c, a.storeClient("cli"), nil, a.cfg.Location)
			r, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seen=%d sent=%d skipped=%d failed=%d\n", r.Seen, r.Sent, r.Skipped, r.Failed)
			return nil
		},
	}
}

func newAuditCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "audit <chat-id>",
		Short: "Show a client's recent booking, cancellation and reminder audit rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := a.storeClient("cli").Metrics(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			return writeAudit(cmd, rows, a)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeAudit(cmd *cobra.Command, rows []model.Metric, a *app) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCLIENT\tTYPE\tSTATUS\tEVENT\tDETAILS")
	for _, m := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.CreatedAt.In(a.cfg.Location).Format(model.DateHourLayout),
			m.ClientID, m.Type, m.Status, m.EventID, m.Details)
	}
	return tw.Flush()
}

func newWAHASetupCmd(a *app) *cobra.Command {
	var (
		url    string
		events string
	)
	cmd := &cobra.Command{
		Use:   "waha-setup",
		Short: "Point the WhatsApp session webhook at the gateway and start the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				return fmt.Errorf("--webhook-url is required")
			}
			if a.cfg.WebhookHMACSecret == "" {
				return fmt.Errorf("WEBHOOK_HMAC_SECRET is required")
			}
			err := a.messenger().ConfigureSession(cmd.Context(), messaging.Webhook{
				URL:     url,
				Events:  strings.Split(events, ","),
				HMACKey: a.cfg.WebhookHMACSecret,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s now posts %s to %s\n", a.cfg.WAHASession, events, url)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "webhook-url", "", "public URL of the gateway /webhook route")
	cmd.Flags().StringVar(&events, "events", "message", "comma separated event names")
	return cmd
}
