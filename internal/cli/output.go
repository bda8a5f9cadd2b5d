package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

// render writes v in the selected format. Table output is produced by table
// and skipped when the result failed; json and yaml always print the result.
// A failed result is returned as an error either way so the exit code is set.
func (a *app) render(v any, success bool, errMsg string, table func(w *tabwriter.Writer)) error {
	switch a.output {
	case outputJSON:
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return err
		}
	case outputYAML:
		if err := writeYAML(a.stdout, v); err != nil {
			return err
		}
	default:
		if success {
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			table(tw)
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}
	if !success {
		if errMsg == "" {
			errMsg = "request failed"
		}
		return errors.New(errMsg)
	}
	return nil
}

// writeYAML emits v with its JSON field names by bridging through JSON.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// ─── Cell formatting ──────────────────────────────────────────────────────────

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func hour(t time.Time) string { return t.UTC().Format("2006-01-02 15:00") }

func num(v float64) string {
	if math.Abs(v) >= 1000 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func row(w io.Writer, cells ...any) {
	for i, c := range cells {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}
