package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
)

func newForecastCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast daily credit consumption",
		Long: `Fit a linear trend to daily credits over the history window and project it
forward, scaling weekend days by the observed weekend/weekday ratio.`,
		GroupID: "analytics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				history := intFlag(cmd, "history-days", cfg.Forecast.HistoryDays)
				horizon := intFlag(cmd, "forecast-days", cfg.Forecast.ForecastDays)
				if err := requireRange("history-days", history, 1, 3650); err != nil {
					return err
				}
				if err := requireRange("forecast-days", horizon, 1, 365); err != nil {
					return err
				}

				res := eng.Forecast(ctx, history, horizon)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Trend:\t%s (%s/day, %s%% of mean)\n", res.TrendDirection, num(res.TrendSlope), num(res.TrendPctOfMean))
					fmt.Fprintf(w, "Average daily:\t%s\n", num(res.AvgDaily))
					if res.SeasonalityApplied {
						fmt.Fprintf(w, "Weekend factor:\t%s\n", num(res.WeekendFactor))
					}
					fmt.Fprintf(w, "Total over %d days:\t%s\n\n", res.DaysForecasted, num(res.TotalForecasted))
					row(w, "DATE", "FORECAST")
					for _, p := range res.Forecast {
						row(w, day(p.Timestamp), num(p.Value))
					}
				})
			})
		},
	}
	cmd.Flags().Int("history-days", 0, "days of history to fit (default: forecast.history_days)")
	cmd.Flags().Int("forecast-days", 0, "days to project (default: forecast.forecast_days)")
	return cmd
}

func newVolumeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "volume",
		Short:   "Forecast daily query volume",
		GroupID: "analytics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				history := intFlag(cmd, "history-days", cfg.Forecast.HistoryDays)
				horizon := intFlag(cmd, "forecast-days", cfg.Forecast.ForecastDays)
				if err := requireRange("history-days", history, 1, 3650); err != nil {
					return err
				}
				if err := requireRange("forecast-days", horizon, 1, 365); err != nil {
					return err
				}

				res := eng.ForecastVolume(ctx, history, horizon)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Trend:\t%s (%s queries/day)\n", res.Trend, num(res.Slope))
					fmt.Fprintf(w, "Average daily queries:\t%s\n", num(res.AvgDailyQueries))
					fmt.Fprintf(w, "Total forecasted:\t%d\n\n", res.TotalForecasted)
					row(w, "DATE", "QUERIES")
					for _, p := range res.Forecast {
						row(w, day(p.Timestamp), p.Queries)
					}
				})
			})
		},
	}
	cmd.Flags().Int("history-days", 0, "days of history to fit (default: forecast.history_days)")
	cmd.Flags().Int("forecast-days", 0, "days to project (default: forecast.forecast_days)")
	return cmd
}
