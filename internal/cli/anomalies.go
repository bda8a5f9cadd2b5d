package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
)

func newAnomaliesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "anomalies",
		Aliases: []string{"anomaly"},
		Short:   "Detect unusual spend",
		GroupID: "analytics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newAnomaliesDetectCmd(a),
		newAnomaliesAboveAverageCmd(a),
		newAnomaliesBurstsCmd(a),
		newAnomaliesSentinelCmd(a),
		newAnomaliesLogCmd(a),
	)
	return cmd
}

func newAnomaliesDetectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Flag days whose credits deviate from the window mean by z standard deviations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				history := intFlag(cmd, "history-days", cfg.Anomaly.HistoryDays)
				z := floatFlag(cmd, "z", cfg.Anomaly.ZThreshold)
				if err := requireRange("history-days", history, 1, 3650); err != nil {
					return err
				}
				if z <= 0 {
					return errors.New("--z must be greater than 0")
				}

				res := eng.Detect(ctx, history, z)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Mean %s, stddev %s, threshold %s: %d of %d days anomalous\n\n",
						num(res.Mean), num(res.StdDev), num(res.Threshold), res.AnomalyCount, res.Count)
					row(w, "DATE", "CREDITS", "Z-SCORE", "ANOMALY")
					for _, r := range res.Records {
						row(w, day(r.Timestamp), num(r.Value), num(r.ZScore), yesNo(r.IsAnomaly))
					}
				})
			})
		},
	}
	cmd.Flags().Int("history-days", 0, "days to scan (default: anomaly.history_days)")
	cmd.Flags().Float64("z", 0, "z-score threshold (default: anomaly.z_threshold)")
	return cmd
}

func newAnomaliesAboveAverageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "above-average",
		Short: "List days spending more than a multiple of the window mean",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				history := intFlag(cmd, "history-days", cfg.Anomaly.HistoryDays)
				multiple := floatFlag(cmd, "multiple", cfg.Anomaly.AboveAverageMultiple)
				if err := requireRange("history-days", history, 1, 3650); err != nil {
					return err
				}
				if multiple <= 0 {
					return errors.New("--multiple must be greater than 0")
				}

				res := eng.DetectAboveAverage(ctx, history, multiple)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Mean %s, stddev %s, multiple %s\n\n", num(res.Mean), num(res.StdDev), num(res.Multiple))
					row(w, "DATE", "CREDITS", "MEAN", "VARIANCE %", "Z-SCORE")
					for _, d := range res.Days {
						row(w, day(d.Timestamp), num(d.Value), num(d.Mean), num(d.VariancePct), num(d.ZScore))
					}
				})
			})
		},
	}
	cmd.Flags().Int("history-days", 0, "days to scan (default: anomaly.history_days)")
	cmd.Flags().Float64("multiple", 0, "spend multiple of the mean (default: anomaly.above_average_multiple)")
	return cmd
}

func newAnomaliesBurstsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bursts",
		Short: "Find hourly credit bursts per resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				window := intFlag(cmd, "window-days", cfg.Anomaly.BurstWindowDays)
				if err := requireRange("window-days", window, 1, 90); err != nil {
					return err
				}

				res := eng.DetectBursts(ctx, window)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "%d hours scanned: %d critical, %d warning\n\n", res.TotalHours, res.CriticalCount, res.WarningCount)
					row(w, "RESOURCE", "HOUR", "CREDITS", "MEAN", "Z-SCORE", "SEVERITY")
					for _, b := range res.Bursts {
						row(w, b.ResourceID, hour(b.Hour), num(b.Value), num(b.Mean), num(b.ZScore), b.Severity)
					}
				})
			})
		},
	}
	cmd.Flags().Int("window-days", 0, "days of hourly history (default: anomaly.burst_window_days)")
	return cmd
}

func newAnomaliesSentinelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sentinel",
		Short: "Check yesterday's spend against the trailing baseline and log an alert",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, _ *config.Config, eng *analytics.Engine) error {
				res := eng.CheckSentinel(ctx)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, res.Message)
					row(w, "Date:", day(res.Date))
					row(w, "Credits:", num(res.Value))
					row(w, "Baseline:", fmt.Sprintf("%s ± %s", num(res.Mean), num(res.StdDev)))
					row(w, "Threshold:", num(res.Threshold))
					row(w, "Z-score:", num(res.ZScore))
					row(w, "Alerted:", yesNo(res.Alerted))
				})
			})
		},
	}
}

func newAnomaliesLogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent sentinel alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if err := requireRange("limit", limit, 1, 1000); err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, _ *config.Config, eng *analytics.Engine) error {
				res := eng.RecentAlerts(ctx, limit)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					if len(res.Entries) == 0 {
						fmt.Fprintln(w, "No alerts recorded")
						return
					}
					row(w, "TIME", "METRIC", "VALUE", "THRESHOLD", "Z-SCORE", "ALERTED")
					for _, e := range res.Entries {
						row(w, e.EventTime.UTC().Format("2006-01-02 15:04"), e.Metric, num(e.Value), num(e.Threshold), num(e.ZScore), yesNo(e.IsAlerted))
					}
				})
			})
		},
	}
	cmd.Flags().Int("limit", 50, "maximum entries to show")
	return cmd
}
