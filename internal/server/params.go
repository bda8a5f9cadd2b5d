package server

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
)

// ─── Query parameters ─────────────────────────────────────────────────────────
//
// The same structs decode WebSocket params, so the json tags double as the
// query parameter names.

type forecastParams struct {
	HistoryDays  int `json:"history_days" validate:"min=1,max=3650"`
	ForecastDays int `json:"forecast_days" validate:"min=1,max=365"`
}

type budgetParams struct {
	TotalBudget float64 `json:"total_budget" validate:"gte=0"`
	HistoryDays int     `json:"history_days" validate:"min=1,max=3650"`
}

type detectParams struct {
	HistoryDays int     `json:"history_days" validate:"min=1,max=3650"`
	ZThreshold  float64 `json:"z_threshold" validate:"gt=0"`
}

type aboveAverageParams struct {
	HistoryDays int     `json:"history_days" validate:"min=1,max=3650"`
	Multiple    float64 `json:"multiple" validate:"gt=0"`
}

type burstParams struct {
	WindowDays int `json:"window_days" validate:"min=1,max=90"`
}

type logParams struct {
	Limit int `json:"limit" validate:"min=1,max=1000"`
}

type capacityParams struct {
	HistoryDays int `json:"history_days" validate:"min=1,max=3650"`
}

type cacheParams struct {
	Key string `json:"key" validate:"max=256"`
}

func (d Defaults) forecast() forecastParams {
	return forecastParams{HistoryDays: d.HistoryDays, ForecastDays: d.ForecastDays}
}

func (d Defaults) budget() budgetParams {
	return budgetParams{TotalBudget: d.MonthlyBudget, HistoryDays: d.BudgetHistoryDays}
}

func (d Defaults) detect() detectParams {
	return detectParams{HistoryDays: d.AnomalyHistoryDays, ZThreshold: d.ZThreshold}
}

func (d Defaults) aboveAverage() aboveAverageParams {
	return aboveAverageParams{HistoryDays: d.AnomalyHistoryDays, Multiple: d.AboveAverageMultiple}
}

func (d Defaults) bursts() burstParams { return burstParams{WindowDays: d.BurstWindowDays} }

func (d Defaults) alertLog() logParams { return logParams{Limit: d.AlertLimit} }

func (d Defaults) capacity() capacityParams {
	return capacityParams{HistoryDays: d.CapacityHistoryDays}
}

// ─── Request bodies ───────────────────────────────────────────────────────────

type usageStat struct {
	ResourceID     string  `json:"resource_id" validate:"required"`
	CurrentSize    string  `json:"current_size" validate:"required"`
	QueryCount     int64   `json:"query_count" validate:"gte=0"`
	AvgQueueMs     float64 `json:"avg_queue_ms" validate:"gte=0"`
	AvgExecutionMs float64 `json:"avg_execution_ms" validate:"gte=0"`
}

type recommendRequest struct {
	Stats []usageStat `json:"stats" validate:"required,dive"`
}

func (r recommendRequest) usage() []timeseries.ResourceUsage {
	out := make([]timeseries.ResourceUsage, len(r.Stats))
	for i, s := range r.Stats {
		out[i] = timeseries.ResourceUsage(s)
	}
	return out
}

type meteringRow struct {
	StartTime   time.Time `json:"start_time" validate:"required"`
	ResourceID  string    `json:"resource_id" validate:"required"`
	ServiceType string    `json:"service_type"`
	CreditsUsed float64   `json:"credits_used" validate:"gte=0"`
}

type meteringRequest struct {
	Events []meteringRow `json:"events" validate:"required,min=1,max=10000,dive"`
}

func (r meteringRequest) events() []timeseries.MeteringEvent {
	out := make([]timeseries.MeteringEvent, len(r.Events))
	for i, e := range r.Events {
		out[i] = timeseries.MeteringEvent(e)
		if out[i].ServiceType == "" {
			out[i].ServiceType = timeseries.DefaultServiceType
		}
	}
	return out
}

type queryRow struct {
	QueryID      string    `json:"query_id"`
	StartTime    time.Time `json:"start_time" validate:"required"`
	ResourceID   string    `json:"resource_id" validate:"required"`
	ResourceSize string    `json:"resource_size" validate:"required"`
	QueuedMs     float64   `json:"queued_ms" validate:"gte=0"`
	ElapsedMs    float64   `json:"elapsed_ms" validate:"gte=0"`
}

type queryRequest struct {
	Events []queryRow `json:"events" validate:"required,min=1,max=10000,dive"`
}

func (r queryRequest) events() []timeseries.QueryEvent {
	out := make([]timeseries.QueryEvent, len(r.Events))
	for i, e := range r.Events {
		out[i] = timeseries.QueryEvent(e)
	}
	return out
}

// ─── Parsing and validation ───────────────────────────────────────────────────

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeQuery overwrites the int, float64 and string fields of dst (a
// pointer to a params struct) from q, keyed by json tag. Absent keys keep
// their preset defaults.
func decodeQuery(q url.Values, dst any) error {
	rv := reflect.ValueOf(dst).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		name := strings.SplitN(rt.Field(i).Tag.Get("json"), ",", 2)[0]
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		field := rv.Field(i)
		switch field.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s must be an integer", name)
			}
			field.SetInt(int64(n))
		case reflect.Float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s must be a number", name)
			}
			if math.IsInf(f, 0) || math.IsNaN(f) {
				return fmt.Errorf("%s must be a finite number", name)
			}
			field.SetFloat(f)
		case reflect.String:
			field.SetString(raw)
		}
	}
	return nil
}

// validationMessage flattens validator errors into one client-facing line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
