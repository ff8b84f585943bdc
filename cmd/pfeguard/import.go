package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/pfeguard/pkg/io/csv"
	"github.com/hed1ad/pfeguard/pkg/io/sqlstore"
)

func newImportCmd(a *app) *cobra.Command {
	var noHeader bool

	cmd := &cobra.Command{
		Use:   "import FILE.csv",
		Short: "Load CSV samples into the configured SQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			r, err := csv.NewReader(args[0], csv.WithHeader(!noHeader))
			if err != nil {
				return err
			}
			defer r.Close()
			samples, err := r.Read()
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			store, err := sqlstore.Open(ctx, a.cfg.SQL)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			if err := store.Insert(ctx, samples...); err != nil {
				return err
			}

			a.logger.Info("imported samples",
				zap.String("path", args[0]),
				zap.Int("rows", len(samples)),
				zap.Int("skipped", r.Skipped()),
				zap.String("table", a.cfg.SQL.Table))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d samples (%d skipped)\n", len(samples), r.Skipped())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "the file has no header row")
	return cmd
}
