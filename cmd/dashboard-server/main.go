package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/dashboard/internal/config"
	"github.com/ehr/dashboard/internal/domain/scheduling"
	"github.com/ehr/dashboard/internal/platform/db"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dashboard-server",
		Short:        "Clinical dashboard API server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(probeCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(decisionsCmd())
	return root
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func probeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check a practitioner's availability for a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			practitioner, _ := cmd.Flags().GetString("practitioner")
			startStr, _ := cmd.Flags().GetString("start")
			endStr, _ := cmd.Flags().GetString("end")
			token, _ := cmd.Flags().GetString("token")
			apiKey, _ := cmd.Flags().GetString("api-key")

			start, err := time.Parse(time.RFC3339, startStr)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := time.Parse(time.RFC3339, endStr)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, cmd.ErrOrStderr())
			client := upstream.NewClient(upstreamConfig(cfg), logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.UpstreamTimeout+5*time.Second)
			defer cancel()

			res := scheduling.NewProber(client, logger).Probe(ctx, practitioner, start, end,
				upstream.Credentials{Token: token, APIKey: apiKey})
			printProbe(cmd.OutOrStdout(), practitioner, start, end, res)
			return nil
		},
	}
	cmd.Flags().String("practitioner", "", "Practitioner id")
	cmd.Flags().String("start", "", "Window start (RFC3339)")
	cmd.Flags().String("end", "", "Window end (RFC3339)")
	cmd.Flags().String("token", os.Getenv("UPSTREAM_TOKEN"), "Upstream access token")
	cmd.Flags().String("api-key", os.Getenv("UPSTREAM_API_KEY"), "Upstream API key")
	_ = cmd.MarkFlagRequired("practitioner")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func printProbe(w io.Writer, practitioner string, start, end time.Time, res scheduling.ProbeResult) {
	fmt.Fprintf(w, "Practitioner/%s %s .. %s: %s", practitioner,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano), res.Outcome)
	switch {
	case res.Err != nil:
		fmt.Fprintf(w, " (%v)", res.Err)
	case res.Outcome == scheduling.OutcomeAvailable:
		fmt.Fprintf(w, " (%d free slot(s))", res.Matches)
	}
	fmt.Fprintln(w)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the booking decision journal schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournalDB(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournalDB(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func withJournalDB(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.JournalEnabled() {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func decisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent booking decisions from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			practitioner, _ := cmd.Flags().GetString("practitioner")
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.JournalEnabled() {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			decisions, total, err := scheduling.NewDecisionRepoPG(pool).List(ctx, practitioner, limit, 0)
			if err != nil {
				return err
			}
			printDecisions(cmd.OutOrStdout(), decisions, total)
			return nil
		},
	}
	cmd.Flags().String("practitioner", "", "Only show decisions for this practitioner")
	cmd.Flags().Int("limit", 20, "Number of decisions to show")
	return cmd
}

func printDecisions(w io.Writer, decisions []*scheduling.Decision, total int) {
	fmt.Fprintf(w, "%-20s %-7s %-10s %-14s %-14s %s\n", "AT", "MODE", "ACTION", "OUTCOME", "PRACTITIONER", "APPOINTMENT")
	for _, d := range decisions {
		fmt.Fprintf(w, "%-20s %-7s %-10s %-14s %-14s %s\n",
			d.CreatedAt.UTC().Format(time.DateTime), d.Mode, d.Action, d.Outcome,
			d.PractitionerID, d.AppointmentID)
	}
	fmt.Fprintf(w, "%d of %d decision(s)\n", len(decisions), total)
}

func upstreamConfig(cfg *config.Config) upstream.Config {
	return upstream.Config{
		BaseURL:   cfg.UpstreamBaseURL,
		FHIRPath:  cfg.UpstreamFHIRPath,
		TokenPath: cfg.UpstreamTokenPath,
		Timeout:   cfg.UpstreamTimeout,
	}
}
