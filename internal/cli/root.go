package cli

// forecastctl: command-line access to the forecast engine.
//
// Opens the same store and Metrics Source the server uses (read from the
// service config file) and runs the analytics in-process.
//
// Commands:
//   forecastctl forecast           : daily credit forecast with trend/seasonality
//   forecastctl volume             : daily query volume forecast
//   forecastctl budget             : budget runway and risk level
//   forecastctl anomalies ...      : detect | above-average | bursts | sentinel | log
//   forecastctl capacity           : pool sizing recommendations
//   forecastctl cache clear        : drop cached forecast/capacity results
//   forecastctl ingest -f FILE     : load metering and query rows from YAML

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/bootstrap"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
	"github.com/kubilitics/kubilitics-forecast/internal/logging"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type app struct {
	configPath string
	output     string
	logLevel   string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		output:   outputTable,
		logLevel: "warn",
		timeout:  2 * time.Minute,
		stdin:    in,
		stdout:   out,
		stderr:   errOut,
	}

	cmd := &cobra.Command{
		Use:   "forecastctl",
		Short: "Forecast spend, project budgets and detect usage anomalies",
		Long: `forecastctl runs the kubilitics forecast engine against the configured
usage history. It reads the same config file as the server, so results and
cache entries are shared with it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the service config file (default "+config.DefaultConfigPath+")")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", outputTable, "output format: table|json|yaml")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level for diagnostics written to stderr")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 2*time.Minute, "overall command timeout")

	cmd.AddGroup(
		&cobra.Group{ID: "analytics", Title: "Analytics:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)

	cmd.AddCommand(
		newForecastCmd(a),
		newVolumeCmd(a),
		newBudgetCmd(a),
		newAnomaliesCmd(a),
		newCapacityCmd(a),
		newCacheCmd(a),
		newIngestCmd(a),
	)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		a.output = strings.ToLower(strings.TrimSpace(a.output))
		switch a.output {
		case outputTable, outputJSON, outputYAML:
		default:
			return fmt.Errorf("invalid --output %q (use table, json or yaml)", a.output)
		}
		level, err := zapcore.ParseLevel(a.logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		a.logger = logging.NewWithWriter(a.stderr, level)
		return nil
	}

	return cmd
}

// loadConfig reads and validates the service configuration once.
func (a *app) loadConfig(ctx context.Context) (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, err
	}
	a.cfg = mgr.Get(ctx)
	return a.cfg, nil
}

// withEngine opens the runtime for the duration of fn.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, eng *analytics.Engine) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := a.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rt, err := bootstrap.Build(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("Failed to close store", zap.Error(cerr))
		}
	}()
	return fn(ctx, cfg, rt.Engine)
}

// ─── Flag helpers ─────────────────────────────────────────────────────────────

// intFlag returns the flag value when set on the command line, else fallback.
func intFlag(cmd *cobra.Command, name string, fallback int) int {
	if !cmd.Flags().Changed(name) {
		return fallback
	}
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func floatFlag(cmd *cobra.Command, name string, fallback float64) float64 {
	if !cmd.Flags().Changed(name) {
		return fallback
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return v
}

func requireRange(name string, v, minV, maxV int) error {
	if v < minV || v > maxV {
		return fmt.Errorf("--%s must be between %d and %d", name, minV, maxV)
	}
	return nil
}
