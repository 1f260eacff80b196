package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Alias1177/backtester/internal/database"
	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/notify"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/pipeline"
	"github.com/Alias1177/backtester/internal/trading/walkforward"
)

func newRunCmd(a *app) *cobra.Command {
	var noBenchmark bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Backtest a single-instrument strategy on every symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			strat, err := strategy.NewSignaler(a.cfg.Strategy.Name)
			if err != nil {
				return err
			}
			params, err := a.strategyParams()
			if err != nil {
				return err
			}
			if err := strat.Check(params.Merge(strat.Defaults())); err != nil {
				return err
			}
			runner, err := a.runner()
			if err != nil {
				return err
			}
			series, err := a.load(ctx)
			if err != nil {
				return err
			}

			tg := a.notifier()
			out := cmd.OutOrStdout()
			for _, s := range series {
				res, err := runner.RunSignals(ctx, s, strat, params)
				if err != nil {
					return fmt.Errorf("%s: %w", s.Symbol, err)
				}
				title := fmt.Sprintf("%s %s %s", s.Symbol, strat.Name(), res.Params.Key())
				report := backtest.FormatSummary(title, res.Summary)
				if !noBenchmark {
					bench, err := runner.Benchmark(ctx, s)
					if err != nil {
						return fmt.Errorf("%s benchmark: %w", s.Symbol, err)
					}
					report += "\n" + backtest.FormatSummary(s.Symbol+" buy & hold", bench.Summary)
				}
				fmt.Fprintln(out, report)
				if tg != nil {
					if err := tg.SendText(ctx, report); err != nil {
						log.Warn().Err(err).Str("symbol", s.Symbol).Msg("Notification failed")
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBenchmark, "no-benchmark", false, "Skip the buy-and-hold comparison")
	return cmd
}

func newCostsCmd(a *app) *cobra.Command {
	var presets []string
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Rerun the strategy under each fee preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			strat, err := strategy.NewSignaler(a.cfg.Strategy.Name)
			if err != nil {
				return err
			}
			params, err := a.strategyParams()
			if err != nil {
				return err
			}
			runner, err := a.runner()
			if err != nil {
				return err
			}
			series, err := a.load(ctx)
			if err != nil {
				return err
			}
			for _, s := range series {
				rows, err := runner.CostStudy(ctx, s, strat, params, presets)
				if err != nil {
					return fmt.Errorf("%s: %w", s.Symbol, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cost study: %s %s\n%s\n", s.Symbol, strat.Name(), pipeline.FormatCostStudy(rows))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&presets, "presets", nil, "Fee presets to compare (default all)")
	return cmd
}

func newWalkForwardCmd(a *app) *cobra.Command {
	var (
		train, test, step, workers int
		allowOverlap               bool
	)
	cmd := &cobra.Command{
		Use:     "walkforward",
		Aliases: []string{"wf"},
		Short:   "Optimize on rolling train windows and score the winners out of sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags := cmd.Flags()
			wf := &a.cfg.WalkForward
			if flags.Changed("train") {
				wf.Train = train
			}
			if flags.Changed("test") {
				wf.Test = test
			}
			if flags.Changed("step") {
				wf.Step = step
			}
			if flags.Changed("workers") {
				wf.Workers = workers
			}
			if flags.Changed("allow-overlap") {
				wf.AllowOverlap = allowOverlap
			}

			strat, err := strategy.NewSignaler(a.cfg.Strategy.Name)
			if err != nil {
				return err
			}
			base, err := a.strategyParams()
			if err != nil {
				return err
			}
			grid, err := a.cfg.Grid()
			if err != nil {
				return err
			}
			points, err := grid.Points(base.Merge(strat.Defaults()), strat.Check)
			if err != nil {
				return err
			}
			log.Info().
				Str("strategy", strat.Name()).
				Int("grid", grid.Size()).
				Int("points", len(points)).
				Msg("Parameter grid built")

			runner, err := a.runner()
			if err != nil {
				return err
			}

			var opts []walkforward.Option
			if a.cfg.MetricsAddr != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector())
				opts = append(opts, walkforward.WithMetrics(walkforward.NewMetrics(reg)))
				stop := serveMetrics(a.cfg.MetricsAddr, reg)
				defer stop()
			}
			opt, err := walkforward.NewOptimizer(a.cfg.Optimizer(), runner.Evaluator(strat), strat.Name(), points, opts...)
			if err != nil {
				return err
			}

			series, err := a.load(ctx)
			if err != nil {
				return err
			}
			var store *database.DB
			if a.cfg.Database.Enabled {
				store, err = database.New(ctx, database.ConnectionParams{DSN: a.cfg.Database.DSN()})
				if err != nil {
					return err
				}
				defer store.Close()
			}
			tg := a.notifier()

			for _, s := range series {
				report, err := opt.Run(ctx, s)
				if err != nil {
					return fmt.Errorf("%s: %w", s.Symbol, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), walkforward.FormatReport(report))
				publish(ctx, report, store, tg)
			}
			// A partial report is still printed; the interrupt is the error.
			return ctx.Err()
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&train, "train", 0, "Training window in bars")
	flags.IntVar(&test, "test", 0, "Test window in bars")
	flags.IntVar(&step, "step", 0, "Bars between window starts")
	flags.IntVar(&workers, "workers", 0, "Concurrent evaluations (default number of CPUs)")
	flags.BoolVar(&allowOverlap, "allow-overlap", false, "Accept a step shorter than the train or test window")
	return cmd
}

// publish stores and sends a finished report. Failures are logged, the
// report has already been printed.
func publish(ctx context.Context, r *model.Report, store *database.DB, tg *notify.Telegram) {
	if store != nil {
		if err := store.SaveReport(ctx, r); err != nil {
			log.Error().Err(err).Str("run_id", r.RunID.String()).Msg("Failed to store report")
		} else {
			log.Info().Str("run_id", r.RunID.String()).Msg("Report stored")
		}
	}
	if tg != nil {
		if err := tg.SendReport(ctx, r); err != nil {
			log.Warn().Err(err).Str("run_id", r.RunID.String()).Msg("Notification failed")
		}
	}
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func newRotateCmd(a *app) *cobra.Command {
	var allocator string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Run a multi-instrument allocation with shared cash",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			alloc, err := strategy.NewAllocator(allocator)
			if err != nil {
				return err
			}
			params, err := a.strategyParams()
			if err != nil {
				return err
			}
			if err := alloc.Check(params.Merge(alloc.Defaults())); err != nil {
				return err
			}
			runner, err := a.runner()
			if err != nil {
				return err
			}
			series, err := a.load(ctx)
			if err != nil {
				return err
			}
			res, err := runner.RunAllocation(ctx, series, alloc, params)
			if err != nil {
				return err
			}
			bench, err := runner.Benchmark(ctx, series...)
			if err != nil {
				return err
			}
			names := strings.Join(a.cfg.Symbols, ",")
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, backtest.FormatSummary(fmt.Sprintf("%s %s %s", names, alloc.Name(), res.Params.Key()), res.Summary))
			fmt.Fprintln(out, backtest.FormatSummary(names+" equal-weight hold", bench.Summary))
			return nil
		},
	}
	cmd.Flags().StringVar(&allocator, "allocator", "dual_momentum",
		fmt.Sprintf("Allocation rule (%s)", strings.Join(strategy.AllocatorNames(), "|")))
	return cmd
}

func newHoldCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hold",
		Short: "Buy and hold the symbols from the first bar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runner, err := a.runner()
			if err != nil {
				return err
			}
			series, err := a.load(ctx)
			if err != nil {
				return err
			}
			res, err := runner.Benchmark(ctx, series...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), backtest.FormatSummary(strings.Join(a.cfg.Symbols, ",")+" buy & hold", res.Summary))
			return nil
		},
	}
}
