package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pfeio "github.com/hed1ad/pfeguard/pkg/io"
	"github.com/hed1ad/pfeguard/pkg/pipeline"
)

func newDetectCmd(a *app) *cobra.Command {
	var (
		devices        []string
		lookback       time.Duration
		minConsecutive int
		alertsOnly     bool
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection pass and print the report as JSON",
		Example: `  pfeguard detect
  pfeguard detect --device mx1 --device mx2 --lookback 2h
  pfeguard detect --alerts-only | jq .severity`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			src, err := a.source(ctx)
			if err != nil {
				return err
			}
			defer src.Close()

			p, err := a.pipeline(src)
			if err != nil {
				return err
			}
			report, err := p.Detect(ctx, pipeline.Request{
				Devices:        devices,
				Lookback:       lookback,
				MinConsecutive: minConsecutive,
			})
			if err != nil {
				return err
			}

			sink, err := a.sink()
			if err != nil {
				return err
			}
			if sink != nil {
				defer sink.Close()
				if err := sink.WriteAll(ctx, report.Alerts); err != nil {
					a.logger.Warn("publish alerts", zap.Int("alerts", len(report.Alerts)), zap.Error(err))
				}
			}

			if alertsOnly {
				return pfeio.NewJSONWriter(cmd.OutOrStdout()).WriteAll(ctx, report.Alerts)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&devices, "device", "d", nil, "device to evaluate (repeatable, default all)")
	f.DurationVar(&lookback, "lookback", 0, "window to evaluate (default from config)")
	f.IntVar(&minConsecutive, "min-consecutive", 0, "consecutive samples for new exceptions (default from config)")
	f.BoolVar(&alertsOnly, "alerts-only", false, "print one alert per line instead of the full report")
	return cmd
}
