package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/capacity"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
)

// usageRow is one resource in a --from-file document.
type usageRow struct {
	ResourceID     string  `yaml:"resource_id"`
	CurrentSize    string  `yaml:"current_size"`
	QueryCount     int64   `yaml:"query_count"`
	AvgQueueMs     float64 `yaml:"avg_queue_ms"`
	AvgExecutionMs float64 `yaml:"avg_execution_ms"`
}

type usageFile struct {
	Resources []usageRow `yaml:"resources"`
}

func newCapacityCmd(a *app) *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Recommend pool size changes from queueing and volume",
		Long: `Apply the sizing rules to per-resource usage. By default usage is aggregated
from the Metrics Source over --history-days; --from-file evaluates a YAML list
of resources instead (see 'resources:' with resource_id, current_size,
query_count, avg_queue_ms).`,
		GroupID: "analytics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats []timeseries.ResourceUsage
			if fromFile != "" {
				var err error
				if stats, err = a.readUsageFile(fromFile); err != nil {
					return err
				}
			}
			return a.withEngine(cmd, func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error {
				var res *capacity.Report
				if fromFile != "" {
					res = eng.Recommend(ctx, stats)
				} else {
					history := intFlag(cmd, "history-days", cfg.Capacity.HistoryDays)
					if err := requireRange("history-days", history, 1, 3650); err != nil {
						return err
					}
					res = eng.RecommendFromSource(ctx, history)
				}
				return a.render(res, res.Success, res.Error, func(w *tabwriter.Writer) {
					row(w, "RESOURCE", "SIZE", "QUERIES", "AVG QUEUE MS", "ACTION", "SUGGESTED", "REASON")
					for _, r := range res.Recommendations {
						row(w, r.ResourceID, r.CurrentSize, r.QueryCount, num(r.AvgQueueMs), r.Action, r.SuggestedSize, r.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().Int("history-days", 0, "days of query history (default: capacity.history_days)")
	cmd.Flags().StringVarP(&fromFile, "from-file", "f", "", "YAML file of resource usage to evaluate ('-' for stdin)")
	return cmd
}

func (a *app) readUsageFile(path string) ([]timeseries.ResourceUsage, error) {
	data, err := a.readInput(path)
	if err != nil {
		return nil, err
	}
	var doc usageFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	stats := make([]timeseries.ResourceUsage, 0, len(doc.Resources))
	for _, r := range doc.Resources {
		stats = append(stats, timeseries.ResourceUsage(r))
	}
	return stats, nil
}

// readInput reads path, or stdin for "-".
func (a *app) readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(a.stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
