package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/pfeguard/pkg/aggregate"
	"github.com/hed1ad/pfeguard/pkg/baseline"
	"github.com/hed1ad/pfeguard/pkg/config"
	"github.com/hed1ad/pfeguard/pkg/dashboard"
	"github.com/hed1ad/pfeguard/pkg/detectors"
	"github.com/hed1ad/pfeguard/pkg/detectors/iforest"
	"github.com/hed1ad/pfeguard/pkg/inventory"
	pfeio "github.com/hed1ad/pfeguard/pkg/io"
	"github.com/hed1ad/pfeguard/pkg/io/csv"
	"github.com/hed1ad/pfeguard/pkg/io/influx"
	"github.com/hed1ad/pfeguard/pkg/io/natsink"
	"github.com/hed1ad/pfeguard/pkg/io/sqlstore"
	"github.com/hed1ad/pfeguard/pkg/logging"
	"github.com/hed1ad/pfeguard/pkg/pipeline"
	"github.com/hed1ad/pfeguard/pkg/rules"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

// app carries state shared by subcommands once the root has loaded config.
type app struct {
	cfgPath string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "pfeguard",
		Short:         "Detect anomalies in PFE exception counters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./pfeguard.yaml or /etc/pfeguard/pfeguard.yaml)")

	root.AddCommand(newDetectCmd(a), newServeCmd(a), newImportCmd(a), newVersionCmd())
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// source opens the configured sample source.
func (a *app) source(ctx context.Context) (pfeio.Source, error) {
	switch a.cfg.Source {
	case config.SourceInflux:
		src := influx.New(a.cfg.Influx)
		if err := src.Ping(ctx); err != nil {
			a.logger.Warn("influxdb not reachable yet", zap.String("url", a.cfg.Influx.URL), zap.Error(err))
		}
		return src, nil
	case config.SourceSQL:
		return sqlstore.Open(ctx, a.cfg.SQL)
	case config.SourceCSV:
		src, err := csv.Open(a.cfg.CSV.Path, csv.WithHeader(a.cfg.CSV.Header))
		if err != nil {
			return nil, err
		}
		if n := src.Skipped(); n > 0 {
			a.logger.Warn("skipped malformed csv rows", zap.String("path", a.cfg.CSV.Path), zap.Int("rows", n))
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown source %q", a.cfg.Source)
}

// pipeline wires the detection engine over src.
func (a *app) pipeline(src pfeio.Source) (*pipeline.Pipeline, error) {
	cfg := a.cfg
	engine := baseline.New(cfg.Baseline)
	scorer := detectors.NewScorer(cfg.ML, iforest.FromConfig)
	evaluator := rules.NewEvaluator(cfg.Rules, engine, scorer, a.logger.Named("rules"))
	aggregator := aggregate.New(dashboard.NewGrafana(cfg.Dashboard), cfg.Rules)

	opts := []pipeline.Option{pipeline.WithLogger(a.logger.Named("pipeline"))}
	if cfg.Inventory != "" {
		inv, err := inventory.Load(cfg.Inventory)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithInventory(inv))
	}
	return pipeline.New(cfg.Pipeline, src, evaluator, aggregator, opts...), nil
}

// sink connects the NATS alert sink when enabled. It returns nil otherwise.
func (a *app) sink() (pfeio.Writer, error) {
	if !a.cfg.NATS.Enabled {
		return nil, nil
	}
	sink, err := natsink.Connect(a.cfg.NATS.Config)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pfeguard", version)
		},
	}
}
