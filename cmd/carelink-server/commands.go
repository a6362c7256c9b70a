package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/attribute"
	"github.com/carelink/carelink/internal/domain/bundle"
	"github.com/carelink/carelink/internal/domain/rules"
	"github.com/carelink/carelink/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
				}
				return w.Flush()
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate or import a YAML template catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <catalog.yaml>",
		Short: "Check every template and rule in a catalog without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			templates, err := loadValidCatalog(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d template(s) valid\n", len(templates))
			return nil
		},
	})

	importCmd := &cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Create or revise the catalog's templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			templates, err := bundle.LoadCatalog(args[0])
			if err != nil {
				return err
			}
			schema, err := schemaFromConfig(cfg)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg, cmd.ErrOrStderr())
			svc := bundle.NewService(bundle.NewRepoPG(pool), nil, nil, schema, cfg.RuleMaxDepth, logger)
			var res *bundle.ImportResult
			err = db.InTx(ctx, pool, func(ctx context.Context) error {
				res, err = svc.Import(ctx, templates, by)
				return err
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
	importCmd.Flags().String("by", "catalog-import", "Author recorded on created versions")
	cmd.AddCommand(importCmd)

	return cmd
}

// loadValidCatalog parses and validates a catalog with the configured
// attribute schema and depth ceiling.
func loadValidCatalog(cfg *config.Config, path string) ([]bundle.BundleTemplate, error) {
	templates, err := bundle.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	schema, err := schemaFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	svc := bundle.NewService(nil, nil, nil, schema, cfg.RuleMaxDepth, zerolog.Nop())
	for i := range templates {
		if err := svc.ValidateTemplate(&templates[i]); err != nil {
			return nil, fmt.Errorf("template %q: %w", templates[i].Code, err)
		}
	}
	return templates, nil
}

func rankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank <catalog.yaml> <assessment.json>",
		Short: "Rank a catalog against one assessment offline, without logging",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return rankOffline(cmd.Context(), cfg, args[0], args[1], asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("json", false, "Print the full ranking as JSON")
	return cmd
}

func rankOffline(ctx context.Context, cfg *config.Config, catalogPath, assessmentPath string, asJSON bool, out io.Writer) error {
	templates, err := loadValidCatalog(cfg, catalogPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(assessmentPath)
	if err != nil {
		return fmt.Errorf("reading assessment: %w", err)
	}
	var a attribute.Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decoding assessment: %w", err)
	}

	m := bundle.NewMatcher(rules.NewEvaluator(cfg.RuleMaxDepth), cfg.MatchParallelThreshold)
	ranking, err := m.Rank(ctx, attribute.FromAssessment(a), templates)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ranking)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tCODE\tVERSION\tSCORE\tAUTO")
	for i, r := range ranking.Ranked {
		fmt.Fprintf(w, "%d\t%s\t%d\t%.2f\t%t\n", i+1, r.Code, r.Version, r.Score, r.AutoRecommend)
	}
	for _, r := range ranking.Rejected {
		fmt.Fprintf(w, "-\t%s\t%d\t-\t%s\n", r.Code, r.Version, r.RejectReason)
	}
	if ranking.NoMatch() {
		fmt.Fprintln(w, "no eligible template")
	}
	return w.Flush()
}
