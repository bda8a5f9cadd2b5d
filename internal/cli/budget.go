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

func newBudgetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Project budget runway and risk level",
		Long: `Compare credits used over the history window against a total budget and
estimate how many days remain at the current daily burn.`,
		GroupID: "analytics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				total := floatFlag(cmd, "total-budget", cfg.Budget.MonthlyBudget)
				history := intFlag(cmd, "history-days", cfg.Budget.HistoryDays)
				if total < 0 {
					return errors.New("--total-budget must not be negative")
				}
				if err := requireRange("history-days", history, 1, 3650); err != nil {
					return err
				}

				res := eng.Project(ctx, total, history)
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					row(w, "Budget:", num(res.BudgetTotal))
					row(w, "Used:", fmt.Sprintf("%s (%s%%)", num(res.Used), num(res.PercentageUsed)))
					row(w, "Remaining:", num(res.Remaining))
					row(w, "Daily burn:", fmt.Sprintf("%s (%s over %d days)", num(res.DailyBurn), res.BurnSource, res.HistoryDays))
					if res.DaysRemaining != nil {
						row(w, "Days remaining:", num(*res.DaysRemaining))
					} else {
						row(w, "Days remaining:", "n/a")
					}
					if res.ExhaustionDate != nil {
						row(w, "Exhaustion date:", day(*res.ExhaustionDate))
					}
					row(w, "Risk:", res.RiskLevel)
				})
			})
		},
	}
	cmd.Flags().Float64("total-budget", 0, "budget in credits (default: budget.monthly_budget)")
	cmd.Flags().Int("history-days", 0, "days of usage to charge against the budget (default: budget.history_days)")
	return cmd
}
