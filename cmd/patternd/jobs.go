package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/patternd/internal/model"
)

func learnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "learn",
		Short: "Run the learning job once for every tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Runner().RunLearning(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("learning failed for %d of %d tenants", report.Failed, len(report.Tenants))
			}
			return nil
		},
	}
}

func backfillCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "backfill <tenant-id>",
		Short: "Recompute every pattern type for one tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id %q: %w", args[0], err)
			}
			w, err := parseWindow(since, until)
			if err != nil {
				return err
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Runner().Backfill(cmd.Context(), tenantID, w)
			if len(report.Outcomes) > 0 {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "window start (RFC3339); empty means full history")
	cmd.Flags().StringVar(&until, "until", "", "window end (RFC3339); empty means now")
	return cmd
}

func parseWindow(since, until string) (model.Window, error) {
	var w model.Window
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return w, fmt.Errorf("--since: %w", err)
		}
		w.Since = t.UTC()
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return w, fmt.Errorf("--until: %w", err)
		}
		w.Until = t.UTC()
	}
	return w, nil
}

func healthCmd() *cobra.Command {
	var horizon time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report patterns that have expired or expire within the horizon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Runner().RunHealth(cmd.Context(), horizon)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&horizon, "horizon", 0, "look-ahead window (default PATTERND_HEALTH_HORIZON)")
	return cmd
}
