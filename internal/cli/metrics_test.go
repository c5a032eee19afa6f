package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/ralph/internal/observability"
)

type metricsMock struct {
	calcFn func(since time.Time) (*observability.Metrics, error)
}

func (m *metricsMock) Calculate(since time.Time) (*observability.Metrics, error) {
	return m.calcFn(since)
}

// runMetrics runs the metrics command with the given flags and captures its output.
func runMetrics(t *testing.T, since string, asJSON bool) (string, error) {
	t.Helper()
	origSince, origJSON := metricsSince, metricsJSON
	defer func() {
		metricsSince, metricsJSON = origSince, origJSON
		metricsCmd.SetOut(nil)
	}()
	metricsSince, metricsJSON = since, asJSON

	var out bytes.Buffer
	metricsCmd.SetOut(&out)
	err := metricsCmd.RunE(metricsCmd, []string{})
	return out.String(), err
}

func TestMetricsCmd_NilCalculator(t *testing.T) {
	orig := MetricsCalc
	defer func() { MetricsCalc = orig }()
	MetricsCalc = nil

	_, err := runMetrics(t, "7d", false)
	if err == nil {
		t.Fatal("expected error when MetricsCalc is nil")
	}
	if !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMetricsCmd_InvalidSinceFormat(t *testing.T) {
	orig := MetricsCalc
	defer func() { MetricsCalc = orig }()
	MetricsCalc = &metricsMock{
		calcFn: func(since time.Time) (*observability.Metrics, error) {
			return &observability.Metrics{}, nil
		},
	}

	for _, since := range []string{"abc", "xd", "7w"} {
		t.Run(since, func(t *testing.T) {
			_, err := runMetrics(t, since, false)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "parsing --since") {
				t.Errorf("error %q should mention --since", err.Error())
			}
		})
	}
}

func TestMetricsCmd_EmptySinceDefaultsToWeek(t *testing.T) {
	orig := MetricsCalc
	defer func() { MetricsCalc = orig }()

	var got time.Time
	MetricsCalc = &metricsMock{
		calcFn: func(since time.Time) (*observability.Metrics, error) {
			got = since
			return &observability.Metrics{}, nil
		},
	}

	if _, err := runMetrics(t, "  ", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	age := time.Since(got)
	if age < 6*24*time.Hour || age > 8*24*time.Hour {
		t.Errorf("window = %v, want about 7 days", age)
	}
}

func TestMetricsCmd_TableFormat(t *testing.T) {
	orig := MetricsCalc
	defer func() { MetricsCalc = orig }()
	MetricsCalc = &metricsMock{
		calcFn: func(since time.Time) (*observability.Metrics, error) {
			return &observability.Metrics{
				SessionsCreated:  3,
				StoriesCompleted: 7,
				Rotations:        2,
				TokensSpent:      123456,
				EventCount:       42,
				SessionsByStatus: map[string]int{"complete": 2, "gutter": 1},
			}, nil
		},
	}

	out, err := runMetrics(t, "7d", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Sessions created:", "Stories completed:", "123456", "complete:", "gutter:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "complete:") > strings.Index(out, "gutter:") {
		t.Error("statuses should be listed in sorted order")
	}
}

func TestMetricsCmd_JSONFormat(t *testing.T) {
	orig := MetricsCalc
	defer func() { MetricsCalc = orig }()
	MetricsCalc = &metricsMock{
		calcFn: func(since time.Time) (*observability.Metrics, error) {
			return &observability.Metrics{Completions: 2, EventCount: 10}, nil
		},
	}

	out, err := runMetrics(t, "24h", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m observability.Metrics
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if m.Completions != 2 || m.EventCount != 10 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestMetricsCmd_CalculateError(t *testing.T) {
	orig := MetricsCalc
	defer func() { MetricsCalc = orig }()
	MetricsCalc = &metricsMock{
		calcFn: func(since time.Time) (*observability.Metrics, error) {
			return nil, fmt.Errorf("event log corrupted")
		},
	}

	_, err := runMetrics(t, "7d", false)
	if err == nil {
		t.Fatal("expected error from Calculate")
	}
	if !strings.Contains(err.Error(), "calculating metrics") {
		t.Errorf("unexpected error: %v", err)
	}
}
