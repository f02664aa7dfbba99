package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

func patternsCmd() *cobra.Command {
	var (
		typ     string
		history bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "patterns <tenant-id>",
		Short: "Inspect a tenant's stored patterns",
		Long: `Without --type, lists every stored pattern for the tenant, expired rows
included. With --type, prints the current pattern and, with --history, its
superseded versions and their Merkle root.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id %q: %w", args[0], err)
			}
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			ctx, store, out := cmd.Context(), app.Store(), cmd.OutOrStdout()

			if typ == "" {
				summaries, err := store.ListPatterns(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(out, summaries)
			}

			t, err := model.ParsePatternType(typ)
			if err != nil {
				return err
			}
			current, err := store.GetPattern(ctx, tenantID, t)
			if err != nil {
				return err
			}
			result := map[string]any{"current": current}
			if current != nil {
				result["hash_verified"] = storage.VerifyPattern(*current)
			}
			if history {
				entries, err := store.PatternHistory(ctx, tenantID, t, limit)
				if err != nil {
					return err
				}
				result["history"] = entries
				result["history_root"] = storage.HistoryRoot(entries)
			}
			return printJSON(out, result)
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "pattern type (who, what, when, how)")
	cmd.Flags().BoolVar(&history, "history", false, "include superseded versions")
	cmd.Flags().IntVar(&limit, "limit", storage.DefaultHistoryLimit, "maximum history entries")
	return cmd
}
